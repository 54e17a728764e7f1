package realtime

import (
	"sync"

	"github.com/golang/glog"
)

type ConnectionEventType int

const (
	ConnectionEventConnected ConnectionEventType = iota
	ConnectionEventDisconnected
	ConnectionEventReconnecting
	ConnectionEventFailed
	ConnectionEventReady
)

func (self ConnectionEventType) String() string {
	switch self {
	case ConnectionEventConnected:
		return "connected"
	case ConnectionEventDisconnected:
		return "disconnected"
	case ConnectionEventReconnecting:
		return "reconnecting"
	case ConnectionEventFailed:
		return "connection_failed"
	case ConnectionEventReady:
		return "ready"
	default:
		return "unknown"
	}
}

type ConnectionEvent struct {
	Type    ConnectionEventType
	Reason  string
	Attempt int
}

type ConnectionEventCallback func(event ConnectionEvent)

// ConnectionStatus is the single authoritative view of the connection.
// `Ready` is distinct from `Connected`: a raw transport connect precedes the
// server's session handshake, and only the handshake makes the client ready.
type ConnectionStatus struct {
	Connected  bool
	Ready      bool
	LastSeq    uint64
	ServerId   string
	ServerTime float64
}

type ConnectionManagerSettings struct {
	MaxReconnectAttempts int
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		MaxReconnectAttempts: 10,
	}
}

type ConnectionManager struct {
	settings *ConnectionManagerSettings

	connectionCallbacks CallbackList[ConnectionEventCallback]

	stateLock            sync.Mutex
	status               ConnectionStatus
	reconnectAttempts    int
	failureReported      bool
	transport            Transport
	transportCallbackId  int
	transportInitialized bool
}

func NewConnectionManager(settings *ConnectionManagerSettings) *ConnectionManager {
	return &ConnectionManager{
		settings: settings,
	}
}

// SetupHandlers attaches to the transport's lifecycle signals. The status
// handshake arrives in-band and is routed here via `HandleStatus`.
func (self *ConnectionManager) SetupHandlers(transport Transport) {
	self.stateLock.Lock()
	if self.transportInitialized {
		self.transport.RemoveLifecycleCallback(self.transportCallbackId)
	}
	self.transport = transport
	self.transportInitialized = true
	self.stateLock.Unlock()

	callbackId := transport.AddLifecycleCallback(func(event LifecycleEvent) {
		self.handleLifecycle(event)
	})

	self.stateLock.Lock()
	self.transportCallbackId = callbackId
	self.stateLock.Unlock()
}

func (self *ConnectionManager) handleLifecycle(event LifecycleEvent) {
	switch event.Type {
	case LifecycleConnect:
		self.stateLock.Lock()
		self.status.Connected = true
		self.reconnectAttempts = 0
		self.failureReported = false
		self.stateLock.Unlock()

		glog.V(1).Infof("[cm]connected\n")
		self.emit(ConnectionEvent{
			Type: ConnectionEventConnected,
		})
	case LifecycleDisconnect:
		self.stateLock.Lock()
		// readiness cannot survive a disconnect. any buffered ordering
		// state is suspect until the next status handshake.
		self.status.Connected = false
		self.status.Ready = false
		self.stateLock.Unlock()

		glog.V(1).Infof("[cm]disconnected = %s\n", event.Reason)
		self.emit(ConnectionEvent{
			Type:   ConnectionEventDisconnected,
			Reason: event.Reason,
		})
	case LifecycleError:
		self.stateLock.Lock()
		if self.failureReported {
			self.stateLock.Unlock()
			return
		}
		self.reconnectAttempts += 1
		attempt := self.reconnectAttempts
		failed := self.settings.MaxReconnectAttempts < attempt
		if failed {
			self.failureReported = true
		}
		self.stateLock.Unlock()

		if failed {
			glog.Infof("[cm]connection failed after %d attempts\n", attempt-1)
			self.emit(ConnectionEvent{
				Type:   ConnectionEventFailed,
				Reason: event.Reason,
			})
		} else {
			glog.V(1).Infof("[cm]reconnecting attempt=%d\n", attempt)
			self.emit(ConnectionEvent{
				Type:    ConnectionEventReconnecting,
				Reason:  event.Reason,
				Attempt: attempt,
			})
		}
	}
}

// HandleStatus records the server's once-per-connection session handshake
// and flips the client to ready.
func (self *ConnectionManager) HandleStatus(status *ConnectionStatusMessage) {
	self.stateLock.Lock()
	self.status.Ready = true
	self.status.ServerId = status.Sid
	self.status.ServerTime = status.ServerTime
	if self.status.LastSeq < status.ServerSeq {
		self.status.LastSeq = status.ServerSeq
	}
	self.stateLock.Unlock()

	glog.V(1).Infof("[cm]ready sid=%s seq=%d\n", status.Sid, status.ServerSeq)
	self.emit(ConnectionEvent{
		Type: ConnectionEventReady,
	})
}

// UpdateLastSeq advances the resync watermark. The watermark is the highest
// sequence ever seen, not the highest processed in order, so updates are
// monotonic only.
func (self *ConnectionManager) UpdateLastSeq(seq uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.status.LastSeq < seq {
		self.status.LastSeq = seq
	}
}

func (self *ConnectionManager) Status() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *ConnectionManager) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status.Connected
}

func (self *ConnectionManager) IsReady() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status.Ready
}

func (self *ConnectionManager) LastSeq() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status.LastSeq
}

func (self *ConnectionManager) AddConnectionCallback(callback ConnectionEventCallback) int {
	return self.connectionCallbacks.Add(callback)
}

func (self *ConnectionManager) RemoveConnectionCallback(callbackId int) {
	self.connectionCallbacks.Remove(callbackId)
}

func (self *ConnectionManager) emit(event ConnectionEvent) {
	for _, callback := range self.connectionCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					// one broken consumer must not block the others
					glog.Errorf("[cm]callback panic %s = %s\n", event.Type, r)
				}
			}()
			callback(event)
		}()
	}
}

func (self *ConnectionManager) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.transportInitialized {
		self.transport.RemoveLifecycleCallback(self.transportCallbackId)
		self.transportInitialized = false
	}
}
