package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type RoomSubscription struct {
	Room         string
	SubscribedAt time.Time
}

type RoomErrorCallback func(room string, err error)

type RoomManagerSettings struct {
	AckTimeout time.Duration
}

func DefaultRoomManagerSettings() *RoomManagerSettings {
	return &RoomManagerSettings{
		AckTimeout: 5 * time.Second,
	}
}

type pendingRoomOp struct {
	room  string
	done  chan struct{}
	err   error
	timer *time.Timer
}

// RoomManager turns "receive updates for room X" into a confirmed
// subscription. Joins for the same room coalesce onto one in-flight request.
// Two sets are kept: `subscriptions` tracks what the server has confirmed
// and empties on disconnect, while `desired` tracks what the caller asked
// for and survives disconnects so `ResubscribeAll` can rebuild the
// confirmed set after a reconnect.
type RoomManager struct {
	settings *RoomManagerSettings

	roomErrorCallbacks CallbackList[RoomErrorCallback]

	stateLock     sync.Mutex
	transport     Transport
	subscriptions map[string]*RoomSubscription
	desired       map[string]bool
	pendingJoins  map[string]*pendingRoomOp
	pendingLeaves map[string]*pendingRoomOp
}

func NewRoomManager(settings *RoomManagerSettings) *RoomManager {
	return &RoomManager{
		settings:      settings,
		subscriptions: map[string]*RoomSubscription{},
		desired:       map[string]bool{},
		pendingJoins:  map[string]*pendingRoomOp{},
		pendingLeaves: map[string]*pendingRoomOp{},
	}
}

func (self *RoomManager) SetTransport(transport Transport) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.transport = transport
}

func (self *RoomManager) AddRoomErrorCallback(callback RoomErrorCallback) int {
	return self.roomErrorCallbacks.Add(callback)
}

func (self *RoomManager) RemoveRoomErrorCallback(callbackId int) {
	self.roomErrorCallbacks.Remove(callbackId)
}

func (self *RoomManager) emitRoomError(room string, err error) {
	glog.V(1).Infof("[rm]room error %s = %s\n", room, err)
	for _, callback := range self.roomErrorCallbacks.Get() {
		callback(room, err)
	}
}

// JoinRoom blocks until the join is acknowledged, fails, or times out.
// Already-subscribed rooms resolve immediately. Concurrent joins for the
// same room collapse onto the same in-flight request.
func (self *RoomManager) JoinRoom(ctx context.Context, room string) error {
	if _, err := ParseRoom(room); err != nil {
		return err
	}

	self.stateLock.Lock()
	transport := self.transport
	if transport == nil {
		self.stateLock.Unlock()
		return ErrNotInitialized
	}
	self.desired[room] = true
	if _, ok := self.subscriptions[room]; ok {
		self.stateLock.Unlock()
		return nil
	}
	if pending, ok := self.pendingJoins[room]; ok {
		self.stateLock.Unlock()
		return self.wait(ctx, pending)
	}

	pending := &pendingRoomOp{
		room: room,
		done: make(chan struct{}),
	}
	pending.timer = time.AfterFunc(self.settings.AckTimeout, func() {
		self.resolveJoin(room, &TimeoutError{
			Op:      fmt.Sprintf("join %s", room),
			Timeout: self.settings.AckTimeout,
		})
	})
	self.pendingJoins[room] = pending
	self.stateLock.Unlock()

	glog.V(1).Infof("[rm]join %s\n", room)
	if err := transport.JoinRoom(room, nil); err != nil {
		self.resolveJoin(room, err)
	}

	return self.wait(ctx, pending)
}

// LeaveRoom blocks until the leave is acknowledged, fails, or times out.
// Rooms not subscribed resolve immediately.
func (self *RoomManager) LeaveRoom(ctx context.Context, room string) error {
	self.stateLock.Lock()
	transport := self.transport
	if transport == nil {
		self.stateLock.Unlock()
		return ErrNotInitialized
	}
	delete(self.desired, room)
	if _, ok := self.subscriptions[room]; !ok {
		self.stateLock.Unlock()
		return nil
	}
	if pending, ok := self.pendingLeaves[room]; ok {
		self.stateLock.Unlock()
		return self.wait(ctx, pending)
	}

	pending := &pendingRoomOp{
		room: room,
		done: make(chan struct{}),
	}
	pending.timer = time.AfterFunc(self.settings.AckTimeout, func() {
		self.resolveLeave(room, &TimeoutError{
			Op:      fmt.Sprintf("leave %s", room),
			Timeout: self.settings.AckTimeout,
		})
	})
	self.pendingLeaves[room] = pending
	self.stateLock.Unlock()

	glog.V(1).Infof("[rm]leave %s\n", room)
	if err := transport.LeaveRoom(room); err != nil {
		self.resolveLeave(room, err)
	}

	return self.wait(ctx, pending)
}

func (self *RoomManager) wait(ctx context.Context, pending *pendingRoomOp) error {
	select {
	case <-ctx.Done():
		// the request stays in flight for other waiters
		return ctx.Err()
	case <-pending.done:
		return pending.err
	}
}

func (self *RoomManager) resolveJoin(room string, err error) {
	self.stateLock.Lock()
	pending, ok := self.pendingJoins[room]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.pendingJoins, room)
	pending.timer.Stop()
	if err == nil {
		self.subscriptions[room] = &RoomSubscription{
			Room:         room,
			SubscribedAt: time.Now(),
		}
	}
	pending.err = err
	self.stateLock.Unlock()

	close(pending.done)
	if err != nil {
		self.emitRoomError(room, err)
	}
}

func (self *RoomManager) resolveLeave(room string, err error) {
	self.stateLock.Lock()
	pending, ok := self.pendingLeaves[room]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.pendingLeaves, room)
	pending.timer.Stop()
	if err == nil {
		delete(self.subscriptions, room)
	}
	pending.err = err
	self.stateLock.Unlock()

	close(pending.done)
	if err != nil {
		self.emitRoomError(room, err)
	}
}

// HandleRoomAck correlates a server room acknowledgment back to the pending
// join or leave for that room.
func (self *RoomManager) HandleRoomAck(ack *RoomAck) {
	var err error
	if !ack.Success {
		if ack.Error != "" {
			err = fmt.Errorf("%s", ack.Error)
		} else {
			err = fmt.Errorf("room request failed: %s", ack.Room)
		}
	}

	switch ack.Action {
	case RoomAckJoin:
		self.resolveJoin(ack.Room, err)
	case RoomAckLeave:
		self.resolveLeave(ack.Room, err)
	default:
		// protocol variants that do not tag the action. try both.
		self.stateLock.Lock()
		_, isJoin := self.pendingJoins[ack.Room]
		self.stateLock.Unlock()
		if isJoin {
			self.resolveJoin(ack.Room, err)
		} else {
			self.resolveLeave(ack.Room, err)
		}
	}
}

// ResubscribeAll re-issues a join for every desired room after a reconnect.
// The confirmed set is dropped first so each join goes back to the wire.
// One room failing to rejoin never blocks the others. Returns the per-room
// outcome.
func (self *RoomManager) ResubscribeAll(ctx context.Context) map[string]error {
	self.stateLock.Lock()
	rooms := maps.Keys(self.desired)
	self.subscriptions = map[string]*RoomSubscription{}
	self.stateLock.Unlock()

	results := map[string]error{}
	if len(rooms) == 0 {
		return results
	}

	glog.V(1).Infof("[rm]resubscribe %d rooms\n", len(rooms))

	resultsLock := sync.Mutex{}
	wg := sync.WaitGroup{}
	for _, room := range rooms {
		wg.Add(1)
		go func(room string) {
			defer wg.Done()
			err := self.JoinRoom(ctx, room)
			resultsLock.Lock()
			results[room] = err
			resultsLock.Unlock()
		}(room)
	}
	wg.Wait()
	return results
}

// ClearSubscriptions drops the confirmed set and cancels in-flight join
// bookkeeping without sending leave requests. Called on disconnect, when
// the server already knows the session is gone. The desired set is kept
// for `ResubscribeAll`.
func (self *RoomManager) ClearSubscriptions() {
	self.stateLock.Lock()
	self.subscriptions = map[string]*RoomSubscription{}
	pendingJoins := self.pendingJoins
	self.pendingJoins = map[string]*pendingRoomOp{}
	for _, pending := range pendingJoins {
		pending.timer.Stop()
		pending.err = ErrNotConnected
	}
	self.stateLock.Unlock()

	for _, pending := range pendingJoins {
		close(pending.done)
	}
}

// Destroy force-rejects every in-flight join and leave.
func (self *RoomManager) Destroy() {
	self.stateLock.Lock()
	pendingJoins := self.pendingJoins
	pendingLeaves := self.pendingLeaves
	self.pendingJoins = map[string]*pendingRoomOp{}
	self.pendingLeaves = map[string]*pendingRoomOp{}
	self.subscriptions = map[string]*RoomSubscription{}
	self.desired = map[string]bool{}
	for _, pending := range pendingJoins {
		pending.timer.Stop()
		pending.err = ErrDestroyed
	}
	for _, pending := range pendingLeaves {
		pending.timer.Stop()
		pending.err = ErrDestroyed
	}
	self.stateLock.Unlock()

	for _, pending := range pendingJoins {
		close(pending.done)
	}
	for _, pending := range pendingLeaves {
		close(pending.done)
	}
}

func (self *RoomManager) IsSubscribed(room string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.subscriptions[room]
	return ok
}

func (self *RoomManager) GetSubscribedRooms() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	rooms := maps.Keys(self.subscriptions)
	sort.Strings(rooms)
	return rooms
}
