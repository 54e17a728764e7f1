package realtime

import (
	"slices"
	"sync"
)

// compile-time interface checks
var _ Transport = (*MemoryTransport)(nil)
var _ Transport = (*ChannelTransport)(nil)
var _ Transport = (*RawTransport)(nil)

type MemoryJoinRequest struct {
	Room   string
	Params map[string]any
}

type MemoryOperationRequest struct {
	Name       string
	Payload    map[string]any
	ClientOpId string
}

type MemorySyncRequest struct {
	LastSeq        uint64
	PerChannelSeqs map[string]uint64
}

// MemoryTransport is an in-process Transport for tests. Outbound calls are
// recorded for inspection, and the test injects inbound messages and
// lifecycle transitions directly, bypassing the network entirely.
type MemoryTransport struct {
	lifecycleCallbacks CallbackList[LifecycleCallback]

	receive chan *InboundMessage

	mutex             sync.Mutex
	writable          bool
	closed            bool
	joinRequests      []MemoryJoinRequest
	leaveRequests     []string
	operationRequests []MemoryOperationRequest
	syncRequests      []MemorySyncRequest
	pingCount         int
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		receive:  make(chan *InboundMessage, TransportBufferSize),
		writable: true,
	}
}

func (self *MemoryTransport) JoinRoom(room string, params map[string]any) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.writable {
		return ErrNotConnected
	}
	self.joinRequests = append(self.joinRequests, MemoryJoinRequest{
		Room:   room,
		Params: params,
	})
	return nil
}

func (self *MemoryTransport) LeaveRoom(room string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.writable {
		return ErrNotConnected
	}
	self.leaveRequests = append(self.leaveRequests, room)
	return nil
}

func (self *MemoryTransport) SendOperation(name string, payload map[string]any, clientOpId string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.writable {
		return ErrNotConnected
	}
	self.operationRequests = append(self.operationRequests, MemoryOperationRequest{
		Name:       name,
		Payload:    payload,
		ClientOpId: clientOpId,
	})
	return nil
}

func (self *MemoryTransport) RequestSync(lastSeq uint64, perChannelSeqs map[string]uint64) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.writable {
		return ErrNotConnected
	}
	self.syncRequests = append(self.syncRequests, MemorySyncRequest{
		LastSeq:        lastSeq,
		PerChannelSeqs: perChannelSeqs,
	})
	return nil
}

func (self *MemoryTransport) Ping() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.writable {
		return ErrNotConnected
	}
	self.pingCount += 1
	return nil
}

func (self *MemoryTransport) Receive() <-chan *InboundMessage {
	return self.receive
}

func (self *MemoryTransport) AddLifecycleCallback(callback LifecycleCallback) int {
	return self.lifecycleCallbacks.Add(callback)
}

func (self *MemoryTransport) RemoveLifecycleCallback(callbackId int) {
	self.lifecycleCallbacks.Remove(callbackId)
}

func (self *MemoryTransport) IsWritable() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.writable
}

func (self *MemoryTransport) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	self.writable = false
	self.mutex.Unlock()
	close(self.receive)
}

// test controls

func (self *MemoryTransport) SetWritable(writable bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.writable = writable
}

func (self *MemoryTransport) InjectMessage(message *InboundMessage) {
	self.receive <- message
}

func (self *MemoryTransport) InjectLifecycle(event LifecycleEvent) {
	for _, callback := range self.lifecycleCallbacks.Get() {
		callback(event)
	}
}

func (self *MemoryTransport) JoinRequests() []MemoryJoinRequest {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.joinRequests)
}

func (self *MemoryTransport) LeaveRequests() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.leaveRequests)
}

func (self *MemoryTransport) OperationRequests() []MemoryOperationRequest {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.operationRequests)
}

func (self *MemoryTransport) SyncRequests() []MemorySyncRequest {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.syncRequests)
}

func (self *MemoryTransport) PingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.pingCount
}
