package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type TransportFactory func(ctx context.Context, url string, auth *ClientAuth, settings *TransportSettings) Transport

type ServiceSettings struct {
	TransportMode     TransportMode
	Transport         *TransportSettings
	ConnectionManager *ConnectionManagerSettings
	RoomManager       *RoomManagerSettings
	EventBuffer       *EventBufferSettings

	// ack window for tracked operations
	OperationTimeout time.Duration
	// keepalive interval while connected
	PingInterval time.Duration
	// how long after ready to request the authoritative state. the delay
	// lets room resubscription handshakes land first so the resync response
	// arrives after the client is subscribed to the rooms that carry its
	// follow-up events.
	PostConnectSyncDelay time.Duration

	// high-frequency event names that bypass ordering. staleness there is
	// self-correcting and ordering would only add latency.
	BypassOrderingEvents []string

	// overrides the mode-selected transport, for tests
	TransportFactory TransportFactory
}

func DefaultServiceSettings() *ServiceSettings {
	return &ServiceSettings{
		TransportMode:        TransportModeChannel,
		Transport:            DefaultTransportSettings(),
		ConnectionManager:    DefaultConnectionManagerSettings(),
		RoomManager:          DefaultRoomManagerSettings(),
		EventBuffer:          DefaultEventBufferSettings(),
		OperationTimeout:     30 * time.Second,
		PingInterval:         30 * time.Second,
		PostConnectSyncDelay: 1 * time.Second,
		BypassOrderingEvents: []string{
			"state:track_position",
			"state:playback_progress",
		},
	}
}

type pendingOperation struct {
	clientOpId string
	callback   resultCallback[*OperationAck]
	timer      *time.Timer
}

// SocketService owns exactly one active transport and is the single public
// surface for the synchronization core. The wire protocol variant is a pure
// function of configuration, selected once at construction.
type SocketService struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServiceSettings

	transport         Transport
	connectionManager *ConnectionManager
	roomManager       *RoomManager
	eventBuffer       *EventBuffer
	eventRouter       *EventRouter

	bypassEvents map[string]bool

	stateLock         sync.Mutex
	pendingOperations map[string]*pendingOperation
	syncTimer         *time.Timer
	destroyed         bool
}

func NewSocketServiceWithDefaults(ctx context.Context, url string, auth *ClientAuth) *SocketService {
	return NewSocketService(ctx, url, auth, DefaultServiceSettings())
}

func NewSocketService(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	settings *ServiceSettings,
) *SocketService {
	cancelCtx, cancel := context.WithCancel(ctx)

	var transport Transport
	if settings.TransportFactory != nil {
		transport = settings.TransportFactory(cancelCtx, url, auth, settings.Transport)
	} else {
		switch settings.TransportMode {
		case TransportModeRaw:
			transport = NewRawTransport(cancelCtx, url, auth, settings.Transport)
		default:
			transport = NewChannelTransport(cancelCtx, url, auth, settings.Transport)
		}
	}

	service := &SocketService{
		ctx:               cancelCtx,
		cancel:            cancel,
		settings:          settings,
		transport:         transport,
		connectionManager: NewConnectionManager(settings.ConnectionManager),
		roomManager:       NewRoomManager(settings.RoomManager),
		eventRouter:       NewEventRouter(),
		pendingOperations: map[string]*pendingOperation{},
		bypassEvents:      map[string]bool{},
	}
	for _, eventName := range settings.BypassOrderingEvents {
		service.bypassEvents[eventName] = true
	}

	service.eventBuffer = NewEventBuffer(service.dispatchOrdered, settings.EventBuffer)
	service.eventBuffer.AddSignalCallback(func(signal EventBufferSignal) {
		service.eventRouter.Broadcast(signal.Type.String(), signal)
	})

	service.roomManager.SetTransport(transport)
	service.roomManager.AddRoomErrorCallback(func(room string, err error) {
		service.eventRouter.Broadcast("room_error", map[string]any{
			"room":  room,
			"error": err.Error(),
		})
	})

	service.connectionManager.SetupHandlers(transport)
	service.connectionManager.AddConnectionCallback(service.handleConnectionEvent)

	go service.run()
	go service.pingLoop()

	return service
}

func (self *SocketService) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-self.transport.Receive():
			if !ok {
				return
			}
			self.handleMessage(message)
		}
	}
}

func (self *SocketService) handleMessage(message *InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			// one bad message never aborts the dispatch loop
			glog.Errorf("[svc]message panic = %s\n", r)
		}
	}()

	switch {
	case message.Status != nil:
		self.connectionManager.HandleStatus(message.Status)
	case message.RoomAck != nil:
		self.roomManager.HandleRoomAck(message.RoomAck)
	case message.OperationAck != nil:
		self.handleOperationAck(message.OperationAck)
	case message.Envelope != nil:
		self.handleEnvelope(message.Envelope)
	default:
		glog.Infof("[svc]empty inbound message\n")
	}
}

func (self *SocketService) handleEnvelope(envelope *EventEnvelope) {
	if envelope.EventType == "" {
		glog.Infof("[svc]envelope missing event_type\n")
		return
	}

	data := decodeEnvelopeData(envelope.Data)

	// the watermark tracks the highest sequence ever seen, regardless of
	// buffering outcome
	self.connectionManager.UpdateLastSeq(envelope.ServerSeq)

	if self.bypassEvents[envelope.EventType] {
		glog.V(2).Infof("[svc]bypass %s seq=%d\n", envelope.EventType, envelope.ServerSeq)
		self.eventRouter.Broadcast(envelope.EventType, data)
		return
	}

	self.eventBuffer.AddEvent(envelope.ServerSeq, envelope.EventType, data)
}

func decodeEnvelopeData(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		glog.Infof("[svc]envelope data decode error = %s\n", err)
		return nil
	}
	return data
}

// ordering resolved. every dispatched event reaches both typed handlers and
// watch channels.
func (self *SocketService) dispatchOrdered(seq uint64, eventName string, data any) {
	glog.V(2).Infof("[svc]dispatch %s seq=%d\n", eventName, seq)
	self.eventRouter.Broadcast(eventName, data)
}

func (self *SocketService) handleConnectionEvent(event ConnectionEvent) {
	switch event.Type {
	case ConnectionEventConnected:
		self.eventRouter.Broadcast("connected", nil)
	case ConnectionEventDisconnected:
		self.cancelScheduledSync("disconnected")
		self.roomManager.ClearSubscriptions()
		self.eventRouter.Broadcast("disconnected", map[string]any{
			"reason": event.Reason,
		})
	case ConnectionEventReconnecting:
		self.eventRouter.Broadcast("reconnecting", map[string]any{
			"attempt": event.Attempt,
		})
	case ConnectionEventFailed:
		self.eventRouter.Broadcast("connection_failed", map[string]any{
			"reason": event.Reason,
		})
	case ConnectionEventReady:
		// the server handshake carries the authoritative sequence baseline
		self.eventBuffer.ResetSequence(self.connectionManager.LastSeq() + 1)
		self.eventRouter.Broadcast("ready", nil)

		go func() {
			results := self.roomManager.ResubscribeAll(self.ctx)
			for room, err := range results {
				if err != nil {
					glog.Infof("[svc]resubscribe %s error = %s\n", room, err)
				}
			}
		}()

		self.scheduleSync()
	}
}

func (self *SocketService) scheduleSync() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.destroyed {
		return
	}
	if self.syncTimer != nil {
		self.syncTimer.Stop()
	}
	self.syncTimer = time.AfterFunc(self.settings.PostConnectSyncDelay, func() {
		if !self.connectionManager.IsConnected() {
			// never attempt the scheduled sync against a dead connection
			glog.Infof("[svc]skip scheduled sync, not connected\n")
			return
		}
		if err := self.RequestSync(0, nil); err != nil {
			glog.Infof("[svc]scheduled sync error = %s\n", err)
		}
	})
}

func (self *SocketService) cancelScheduledSync(reason string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.syncTimer != nil {
		self.syncTimer.Stop()
		self.syncTimer = nil
		glog.V(1).Infof("[svc]scheduled sync canceled = %s\n", reason)
	}
}

// keepalive so intermediary infrastructure does not idle out the connection.
// carries no acknowledgment requirement.
func (self *SocketService) pingLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingInterval):
			if self.transport.IsWritable() {
				if err := self.transport.Ping(); err != nil {
					glog.V(1).Infof("[svc]ping error = %s\n", err)
				}
			}
		}
	}
}

// public surface

func (self *SocketService) On(event string, handler EventHandler) int {
	return self.eventRouter.On(event, handler)
}

func (self *SocketService) Once(event string, handler EventHandler) int {
	return self.eventRouter.Once(event, handler)
}

func (self *SocketService) Off(event string, handlerId int) {
	self.eventRouter.Off(event, handlerId)
}

func (self *SocketService) Emit(event string, data any) {
	self.eventRouter.Emit(event, data)
}

// Watch observes every broadcast without a typed handler registration.
func (self *SocketService) Watch(buffer int) <-chan BroadcastEvent {
	return self.eventRouter.Watch(buffer)
}

func (self *SocketService) Unwatch(watcher <-chan BroadcastEvent) {
	self.eventRouter.Unwatch(watcher)
}

func (self *SocketService) JoinRoom(ctx context.Context, room string) error {
	if self.isDestroyed() {
		return ErrDestroyed
	}
	return self.roomManager.JoinRoom(ctx, room)
}

func (self *SocketService) LeaveRoom(ctx context.Context, room string) error {
	if self.isDestroyed() {
		return ErrDestroyed
	}
	return self.roomManager.LeaveRoom(ctx, room)
}

// SendOperation sends a tracked operation and blocks for the server's
// acknowledgment. An empty clientOpId gets a generated one.
func (self *SocketService) SendOperation(
	ctx context.Context,
	name string,
	payload map[string]any,
	clientOpId string,
) (*OperationAck, error) {
	callback, result := newBlockingCallback[*OperationAck]()
	self.SendOperationWithCallback(name, payload, clientOpId, callback)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-result:
		return r.Result, r.Error
	}
}

// SendOperationWithCallback is the non-blocking form. The callback fires
// exactly once: with the ack payload, a server-stated error, a timeout, or
// a destruction error.
func (self *SocketService) SendOperationWithCallback(
	name string,
	payload map[string]any,
	clientOpId string,
	callback func(ack *OperationAck, err error),
) string {
	if clientOpId == "" {
		clientOpId = NewId().String()
	}

	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		callback(nil, ErrDestroyed)
		return clientOpId
	}
	if _, ok := self.pendingOperations[clientOpId]; ok {
		self.stateLock.Unlock()
		callback(nil, fmt.Errorf("duplicate client_op_id: %s", clientOpId))
		return clientOpId
	}
	pending := &pendingOperation{
		clientOpId: clientOpId,
		callback:   callback,
	}
	pending.timer = time.AfterFunc(self.settings.OperationTimeout, func() {
		self.resolveOperation(clientOpId, nil, &TimeoutError{
			Op:      fmt.Sprintf("operation %s", name),
			Timeout: self.settings.OperationTimeout,
		})
	})
	self.pendingOperations[clientOpId] = pending
	self.stateLock.Unlock()

	glog.V(1).Infof("[svc]op %s id=%s\n", name, clientOpId)
	if err := self.transport.SendOperation(name, payload, clientOpId); err != nil {
		self.resolveOperation(clientOpId, nil, err)
	}
	return clientOpId
}

func (self *SocketService) resolveOperation(clientOpId string, ack *OperationAck, err error) {
	self.stateLock.Lock()
	pending, ok := self.pendingOperations[clientOpId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.pendingOperations, clientOpId)
	pending.timer.Stop()
	self.stateLock.Unlock()

	pending.callback(ack, err)
}

func (self *SocketService) handleOperationAck(ack *OperationAck) {
	if 0 < ack.ServerSeq {
		self.connectionManager.UpdateLastSeq(ack.ServerSeq)
	}
	if ack.Success {
		self.resolveOperation(ack.ClientOpId, ack, nil)
	} else {
		message := ack.Message
		if message == "" {
			message = "operation failed"
		}
		self.resolveOperation(ack.ClientOpId, nil, errors.New(message))
	}
}

// RequestSync asks the server to replay or snapshot state to bring the
// client current. A zero lastSeq uses the connection watermark, which is
// the highest sequence ever seen rather than the highest processed in
// order.
func (self *SocketService) RequestSync(lastSeq uint64, perChannelSeqs map[string]uint64) error {
	if self.isDestroyed() {
		return ErrDestroyed
	}
	if lastSeq == 0 {
		lastSeq = self.connectionManager.LastSeq()
	}
	glog.V(1).Infof("[svc]sync last_seq=%d\n", lastSeq)
	return self.transport.RequestSync(lastSeq, perChannelSeqs)
}

func (self *SocketService) IsConnected() bool {
	return self.connectionManager.IsConnected()
}

func (self *SocketService) IsReady() bool {
	return self.connectionManager.IsReady()
}

func (self *SocketService) Status() ConnectionStatus {
	return self.connectionManager.Status()
}

func (self *SocketService) GetSubscribedRooms() []string {
	return self.roomManager.GetSubscribedRooms()
}

func (self *SocketService) isDestroyed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.destroyed
}

// Destroy tears down the transport and force-rejects everything
// outstanding. Nothing is left dangling.
func (self *SocketService) Destroy() {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	self.destroyed = true
	if self.syncTimer != nil {
		self.syncTimer.Stop()
		self.syncTimer = nil
	}
	pendingOperations := maps.Values(self.pendingOperations)
	self.pendingOperations = map[string]*pendingOperation{}
	self.stateLock.Unlock()

	for _, pending := range pendingOperations {
		pending.timer.Stop()
		pending.callback(nil, ErrDestroyed)
	}

	self.roomManager.Destroy()
	self.cancel()
	self.transport.Close()
	self.connectionManager.Close()
	self.eventBuffer.Close()
	self.eventRouter.Close()
}
