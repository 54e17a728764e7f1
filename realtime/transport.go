package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const TransportBufferSize = 32

var ErrNotConnected = errors.New("Transport not connected.")

type LifecycleEventType int

const (
	LifecycleConnect LifecycleEventType = iota
	LifecycleDisconnect
	LifecycleError
)

func (self LifecycleEventType) String() string {
	switch self {
	case LifecycleConnect:
		return "connect"
	case LifecycleDisconnect:
		return "disconnect"
	case LifecycleError:
		return "error"
	default:
		return "unknown"
	}
}

type LifecycleEvent struct {
	Type   LifecycleEventType
	Reason string
}

type LifecycleCallback func(event LifecycleEvent)

type TransportMode string

const (
	// TransportModeChannel speaks the framed multiplexed protocol with
	// protocol-native rooms and per-frame acks.
	TransportModeChannel TransportMode = "channel"
	// TransportModeRaw speaks flat JSON messages over a plain socket with
	// client-side room emulation.
	TransportModeRaw TransportMode = "raw"
)

// Transport is the wire surface the service drives. Both wire protocols and
// the in-memory test twin implement it. Inbound traffic is normalized to
// `InboundMessage` regardless of protocol.
type Transport interface {
	JoinRoom(room string, params map[string]any) error
	LeaveRoom(room string) error
	SendOperation(name string, payload map[string]any, clientOpId string) error
	RequestSync(lastSeq uint64, perChannelSeqs map[string]uint64) error
	Ping() error
	Receive() <-chan *InboundMessage
	AddLifecycleCallback(callback LifecycleCallback) int
	RemoveLifecycleCallback(callbackId int)
	IsWritable() bool
	Close()
}

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

// wireCodec is the protocol-specific half of a websocket transport.
type wireCodec interface {
	EncodeAuth(auth *ClientAuth) ([]byte, error)
	EncodeJoin(room string, params map[string]any) ([]byte, error)
	EncodeLeave(room string) ([]byte, error)
	EncodeOperation(name string, payload map[string]any, clientOpId string) ([]byte, error)
	EncodeSync(lastSeq uint64, perChannelSeqs map[string]uint64) ([]byte, error)
	EncodePing() ([]byte, error)
	Decode(b []byte) (*InboundMessage, error)
}

// wsTransport runs one logical connection over a websocket: dial with an
// auth-first handshake, then read/write pumps with deadlines, reconnecting
// with a fixed backoff until closed.
type wsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url   string
	auth  *ClientAuth
	codec wireCodec
	tag   string

	settings *TransportSettings

	lifecycleCallbacks CallbackList[LifecycleCallback]

	receive chan *InboundMessage
	send    chan []byte

	stateLock sync.Mutex
	writable  bool
}

func newWsTransport(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	codec wireCodec,
	tag string,
	settings *TransportSettings,
) *wsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &wsTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		auth:     auth,
		codec:    codec,
		tag:      tag,
		settings: settings,
		receive:  make(chan *InboundMessage, TransportBufferSize),
		send:     make(chan []byte, TransportBufferSize),
	}
	go transport.run()
	return transport
}

func (self *wsTransport) run() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	clientId, _ := self.auth.ClientId()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			authBytes, err := self.codec.EncodeAuth(self.auth)
			if err != nil {
				return nil, err
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[%s]connect error %s = %s\n", self.tag, clientId, err)
			self.emitLifecycle(LifecycleEvent{
				Type:   LifecycleError,
				Reason: err.Error(),
			})
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.handle(ws, clientId)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *wsTransport) handle(ws *websocket.Conn, clientId Id) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	self.setWritable(true)
	self.emitLifecycle(LifecycleEvent{
		Type: LifecycleConnect,
	})

	closeReason := "connection closed"

	defer func() {
		self.setWritable(false)
		self.emitLifecycle(LifecycleEvent{
			Type:   LifecycleDisconnect,
			Reason: closeReason,
		})
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a websocket write deadline timeout cannot be recovered
					glog.Infof("[%s]%s-> error = %s\n", self.tag, clientId, err)
					return
				}
				glog.V(2).Infof("[%s]%s->\n", self.tag, clientId)
			}
		}
	}()

	readDone := make(chan struct{})
	go func() {
		defer func() {
			handleCancel()
			close(readDone)
		}()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[%s]%s<- error = %s\n", self.tag, clientId, err)
				closeReason = err.Error()
				return
			}

			switch messageType {
			case websocket.TextMessage:
				inboundMessage, err := self.codec.Decode(message)
				if err != nil {
					// malformed inbound data never aborts the read loop
					glog.Infof("[%s]%s<- decode error = %s\n", self.tag, clientId, err)
					continue
				}
				if inboundMessage == nil {
					// keepalive echo
					glog.V(2).Infof("[%s]ping %s<-\n", self.tag, clientId)
					continue
				}

				select {
				case <-handleCtx.Done():
					return
				case self.receive <- inboundMessage:
					glog.V(2).Infof("[%s]%s<-\n", self.tag, clientId)
				case <-time.After(self.settings.ReadTimeout):
					glog.Infof("[%s]drop %s<-\n", self.tag, clientId)
				}
			default:
				glog.V(2).Infof("[%s]other=%d %s<-\n", self.tag, messageType, clientId)
			}
		}
	}()

	<-handleCtx.Done()
	<-readDone
}

func (self *wsTransport) setWritable(writable bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.writable = writable
}

func (self *wsTransport) IsWritable() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.writable
}

func (self *wsTransport) emitLifecycle(event LifecycleEvent) {
	for _, callback := range self.lifecycleCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[%s]lifecycle callback panic = %s\n", self.tag, r)
				}
			}()
			callback(event)
		}()
	}
}

func (self *wsTransport) sendMessage(b []byte) error {
	if !self.IsWritable() {
		return ErrNotConnected
	}
	select {
	case <-self.ctx.Done():
		return ErrNotConnected
	case self.send <- b:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("send buffer full")
	}
}

func (self *wsTransport) JoinRoom(room string, params map[string]any) error {
	b, err := self.codec.EncodeJoin(room, params)
	if err != nil {
		return err
	}
	return self.sendMessage(b)
}

func (self *wsTransport) LeaveRoom(room string) error {
	b, err := self.codec.EncodeLeave(room)
	if err != nil {
		return err
	}
	return self.sendMessage(b)
}

func (self *wsTransport) SendOperation(name string, payload map[string]any, clientOpId string) error {
	b, err := self.codec.EncodeOperation(name, payload, clientOpId)
	if err != nil {
		return err
	}
	return self.sendMessage(b)
}

func (self *wsTransport) RequestSync(lastSeq uint64, perChannelSeqs map[string]uint64) error {
	b, err := self.codec.EncodeSync(lastSeq, perChannelSeqs)
	if err != nil {
		return err
	}
	return self.sendMessage(b)
}

func (self *wsTransport) Ping() error {
	b, err := self.codec.EncodePing()
	if err != nil {
		return err
	}
	return self.sendMessage(b)
}

func (self *wsTransport) Receive() <-chan *InboundMessage {
	return self.receive
}

func (self *wsTransport) AddLifecycleCallback(callback LifecycleCallback) int {
	return self.lifecycleCallbacks.Add(callback)
}

func (self *wsTransport) RemoveLifecycleCallback(callbackId int) {
	self.lifecycleCallbacks.Remove(callbackId)
}

func (self *wsTransport) Close() {
	self.cancel()
}
