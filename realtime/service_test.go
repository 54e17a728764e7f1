package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestService(settings *ServiceSettings) (*SocketService, *MemoryTransport) {
	transport := NewMemoryTransport()
	settings.TransportFactory = func(ctx context.Context, url string, auth *ClientAuth, transportSettings *TransportSettings) Transport {
		return transport
	}
	service := NewSocketService(
		context.Background(),
		"ws://localhost/sync",
		&ClientAuth{
			InstanceId: NewId(),
			AppVersion: "test",
		},
		settings,
	)
	return service, transport
}

func defaultTestSettings() *ServiceSettings {
	settings := DefaultServiceSettings()
	settings.RoomManager = &RoomManagerSettings{
		AckTimeout: time.Second,
	}
	settings.PostConnectSyncDelay = 50 * time.Millisecond
	return settings
}

func connectAndReady(t *testing.T, service *SocketService, transport *MemoryTransport, serverSeq uint64) {
	t.Helper()
	transport.InjectLifecycle(LifecycleEvent{Type: LifecycleConnect})
	transport.InjectMessage(&InboundMessage{
		Status: &ConnectionStatusMessage{
			Status:     "ok",
			Sid:        "s1",
			ServerSeq:  serverSeq,
			ServerTime: 1700000000,
		},
	})
	waitForCondition(t, time.Second, func() bool {
		return service.IsReady()
	})
}

func TestServiceEndToEnd(t *testing.T) {
	service, transport := newTestService(defaultTestSettings())
	defer service.Destroy()

	watcher := service.Watch(32)

	assert.Equal(t, false, service.IsConnected())
	assert.Equal(t, false, service.IsReady())

	connectAndReady(t, service, transport, 10)
	assert.Equal(t, true, service.IsConnected())
	assert.Equal(t, uint64(10), service.Status().LastSeq)
	assert.Equal(t, "s1", service.Status().ServerId)

	// join resolves on the server ack
	joinResult := make(chan error, 1)
	go func() {
		joinResult <- service.JoinRoom(context.Background(), "playlists")
	}()
	waitForCondition(t, time.Second, func() bool {
		return 1 <= len(transport.JoinRequests())
	})
	transport.InjectMessage(&InboundMessage{
		RoomAck: &RoomAck{
			Room:    "playlists",
			Action:  RoomAckJoin,
			Success: true,
		},
	})
	assert.Equal(t, nil, <-joinResult)
	assert.Equal(t, []string{"playlists"}, service.GetSubscribedRooms())

	injectEvent := func(seq uint64) {
		transport.InjectMessage(&InboundMessage{
			Envelope: &EventEnvelope{
				EventType: "state:playlists",
				Data:      json.RawMessage(`{"seq_echo": true}`),
				ServerSeq: seq,
				Timestamp: 1700000001,
			},
		})
	}

	nextBroadcast := func() BroadcastEvent {
		for {
			select {
			case event := <-watcher:
				if event.Event == "state:playlists" {
					return event
				}
				// lifecycle broadcasts interleave with state events
			case <-time.After(time.Second):
				t.Fatal("no broadcast")
			}
		}
	}

	// 11 is next after the handshake baseline of 10
	injectEvent(11)
	assert.Equal(t, "state:playlists", nextBroadcast().Event)

	// 13 buffers behind the missing 12. the state event stays held while
	// the gap surfaces as a diagnostic broadcast.
	injectEvent(13)
	sawGap := false
	window := time.After(200 * time.Millisecond)
gapWindow:
	for {
		select {
		case event := <-watcher:
			switch event.Event {
			case "sequence_gap":
				signal := event.Data.(EventBufferSignal)
				assert.Equal(t, uint64(12), signal.Seq)
				sawGap = true
			case "state:playlists":
				t.Fatal("event dispatched ahead of the missing sequence")
			}
		case <-window:
			break gapWindow
		}
	}
	assert.Equal(t, true, sawGap)

	// 12 arrives: 12 then 13 dispatch in order
	injectEvent(12)
	assert.Equal(t, "state:playlists", nextBroadcast().Event)
	assert.Equal(t, "state:playlists", nextBroadcast().Event)

	// the watermark saw everything
	assert.Equal(t, uint64(13), service.Status().LastSeq)
}

func TestServiceOperationAck(t *testing.T) {
	service, transport := newTestService(defaultTestSettings())
	defer service.Destroy()

	connectAndReady(t, service, transport, 1)

	result := make(chan *OperationAck, 1)
	errs := make(chan error, 1)
	go func() {
		ack, err := service.SendOperation(context.Background(), "player:play", map[string]any{
			"track": 3,
		}, "op1")
		result <- ack
		errs <- err
	}()

	waitForCondition(t, time.Second, func() bool {
		return 1 <= len(transport.OperationRequests())
	})
	request := transport.OperationRequests()[0]
	assert.Equal(t, "player:play", request.Name)
	assert.Equal(t, "op1", request.ClientOpId)

	transport.InjectMessage(&InboundMessage{
		OperationAck: &OperationAck{
			ClientOpId: "op1",
			Success:    true,
			ServerSeq:  2,
		},
	})

	ack := <-result
	assert.Equal(t, nil, <-errs)
	assert.NotEqual(t, ack, nil)
	assert.Equal(t, uint64(2), ack.ServerSeq)
	// ack seq info advances the watermark
	assert.Equal(t, uint64(2), service.Status().LastSeq)
}

func TestServiceOperationServerError(t *testing.T) {
	service, transport := newTestService(defaultTestSettings())
	defer service.Destroy()

	connectAndReady(t, service, transport, 1)

	errs := make(chan error, 1)
	go func() {
		_, err := service.SendOperation(context.Background(), "player:play", nil, "op2")
		errs <- err
	}()
	waitForCondition(t, time.Second, func() bool {
		return 1 <= len(transport.OperationRequests())
	})
	transport.InjectMessage(&InboundMessage{
		OperationAck: &OperationAck{
			ClientOpId: "op2",
			Success:    false,
			Message:    "no such track",
		},
	})

	err := <-errs
	assert.NotEqual(t, err, nil)
	assert.Equal(t, "no such track", err.Error())
}

func TestServiceOperationTimeout(t *testing.T) {
	settings := defaultTestSettings()
	settings.OperationTimeout = 100 * time.Millisecond
	service, transport := newTestService(settings)
	defer service.Destroy()

	connectAndReady(t, service, transport, 1)

	start := time.Now()
	_, err := service.SendOperation(context.Background(), "player:play", nil, "op3")
	elapsed := time.Since(start)

	_, isTimeout := err.(*TimeoutError)
	assert.Equal(t, true, isTimeout)
	assert.Equal(t, true, 100*time.Millisecond <= elapsed)

	// the stale pending entry is gone. the same id is usable again.
	errs := make(chan error, 1)
	go func() {
		_, err := service.SendOperation(context.Background(), "player:play", nil, "op3")
		errs <- err
	}()
	waitForCondition(t, time.Second, func() bool {
		return 2 <= len(transport.OperationRequests())
	})
	transport.InjectMessage(&InboundMessage{
		OperationAck: &OperationAck{
			ClientOpId: "op3",
			Success:    true,
		},
	})
	assert.Equal(t, nil, <-errs)
}

func TestServiceDestroyRejectsPending(t *testing.T) {
	service, transport := newTestService(defaultTestSettings())

	connectAndReady(t, service, transport, 1)

	errs := make(chan error, 1)
	go func() {
		_, err := service.SendOperation(context.Background(), "player:play", nil, "op4")
		errs <- err
	}()
	waitForCondition(t, time.Second, func() bool {
		return 1 <= len(transport.OperationRequests())
	})

	service.Destroy()
	assert.Equal(t, ErrDestroyed, <-errs)

	// destroyed service rejects new work immediately
	_, err := service.SendOperation(context.Background(), "player:play", nil, "op5")
	assert.Equal(t, ErrDestroyed, err)
	assert.Equal(t, ErrDestroyed, service.JoinRoom(context.Background(), "playlists"))
}

func TestServiceBypassOrdering(t *testing.T) {
	service, transport := newTestService(defaultTestSettings())
	defer service.Destroy()

	connectAndReady(t, service, transport, 10)

	positions := make(chan any, 8)
	service.On("state:track_position", func(data any) {
		positions <- data
	})

	// far ahead of the expected sequence, but the high-frequency class is
	// exempt from ordering and dispatches immediately
	transport.InjectMessage(&InboundMessage{
		Envelope: &EventEnvelope{
			EventType: "state:track_position",
			Data:      json.RawMessage(`{"position": 42.5}`),
			ServerSeq: 99,
			Timestamp: 1700000002,
		},
	})

	select {
	case <-positions:
	case <-time.After(time.Second):
		t.Fatal("bypass event not dispatched")
	}

	waitForCondition(t, time.Second, func() bool {
		return service.Status().LastSeq == 99
	})
}

func TestServicePostConnectSync(t *testing.T) {
	service, transport := newTestService(defaultTestSettings())
	defer service.Destroy()

	connectAndReady(t, service, transport, 10)

	// the scheduled sync fires after the delay using the watermark
	waitForCondition(t, time.Second, func() bool {
		return 1 <= len(transport.SyncRequests())
	})
	assert.Equal(t, uint64(10), transport.SyncRequests()[0].LastSeq)
}

func TestServicePostConnectSyncSkippedOnDisconnect(t *testing.T) {
	settings := defaultTestSettings()
	settings.PostConnectSyncDelay = 200 * time.Millisecond
	service, transport := newTestService(settings)
	defer service.Destroy()

	connectAndReady(t, service, transport, 10)

	// the connection drops before the scheduled sync fires
	transport.InjectLifecycle(LifecycleEvent{
		Type:   LifecycleDisconnect,
		Reason: "gone",
	})
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, len(transport.SyncRequests()))
}

func TestServiceResubscribeOnReconnect(t *testing.T) {
	service, transport := newTestService(defaultTestSettings())
	defer service.Destroy()

	connectAndReady(t, service, transport, 1)

	joinResult := make(chan error, 1)
	go func() {
		joinResult <- service.JoinRoom(context.Background(), "playlists")
	}()
	waitForCondition(t, time.Second, func() bool {
		return 1 <= len(transport.JoinRequests())
	})
	transport.InjectMessage(&InboundMessage{
		RoomAck: &RoomAck{
			Room:    "playlists",
			Action:  RoomAckJoin,
			Success: true,
		},
	})
	assert.Equal(t, nil, <-joinResult)

	// disconnect clears the tracked set without leave traffic
	transport.InjectLifecycle(LifecycleEvent{
		Type:   LifecycleDisconnect,
		Reason: "read timeout",
	})
	waitForCondition(t, time.Second, func() bool {
		return len(service.GetSubscribedRooms()) == 0
	})
	assert.Equal(t, 0, len(transport.LeaveRequests()))

	// reconnect: the desired set resubscribes
	connectAndReady(t, service, transport, 5)
	waitForCondition(t, time.Second, func() bool {
		return 2 <= len(transport.JoinRequests())
	})
	transport.InjectMessage(&InboundMessage{
		RoomAck: &RoomAck{
			Room:    "playlists",
			Action:  RoomAckJoin,
			Success: true,
		},
	})
	waitForCondition(t, time.Second, func() bool {
		rooms := service.GetSubscribedRooms()
		return len(rooms) == 1 && rooms[0] == "playlists"
	})
}

func TestServiceDisconnectedEvents(t *testing.T) {
	service, transport := newTestService(defaultTestSettings())
	defer service.Destroy()

	watcher := service.Watch(32)

	connectAndReady(t, service, transport, 1)
	transport.InjectLifecycle(LifecycleEvent{
		Type:   LifecycleDisconnect,
		Reason: "read timeout",
	})

	sawConnected := false
	sawReady := false
	sawDisconnected := false
	deadline := time.After(time.Second)
	for !(sawConnected && sawReady && sawDisconnected) {
		select {
		case event := <-watcher:
			switch event.Event {
			case "connected":
				sawConnected = true
			case "ready":
				sawReady = true
			case "disconnected":
				sawDisconnected = true
			}
		case <-deadline:
			t.Fatal("missing lifecycle broadcasts")
		}
	}
}

func TestServiceKeepalivePing(t *testing.T) {
	settings := defaultTestSettings()
	settings.PingInterval = 50 * time.Millisecond
	service, transport := newTestService(settings)
	defer service.Destroy()

	connectAndReady(t, service, transport, 1)

	// the keepalive fires on the interval while connected
	waitForCondition(t, 2*time.Second, func() bool {
		return 2 <= transport.PingCount()
	})
}

func TestServiceMalformedEnvelopeSkipped(t *testing.T) {
	service, transport := newTestService(defaultTestSettings())
	defer service.Destroy()

	connectAndReady(t, service, transport, 10)

	events := make(chan any, 8)
	service.On("state:playlists", func(data any) {
		events <- data
	})

	// a shapeless inbound message never aborts processing of later ones
	transport.InjectMessage(&InboundMessage{})
	transport.InjectMessage(&InboundMessage{
		Envelope: &EventEnvelope{
			EventType: "",
			ServerSeq: 11,
		},
	})
	transport.InjectMessage(&InboundMessage{
		Envelope: &EventEnvelope{
			EventType: "state:playlists",
			ServerSeq: 11,
			Timestamp: 1,
		},
	})

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("subsequent event not dispatched")
	}
}
