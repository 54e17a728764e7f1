package realtime

import (
	"slices"
	"sync"

	"github.com/golang/glog"
)

type EventHandler func(data any)

type BroadcastEvent struct {
	Event string
	Data  any
}

type eventHandlerEntry struct {
	handlerId int
	handler   EventHandler
	once      bool
}

// EventRouter decouples event producers from consumers: a per-event handler
// registry plus watch channels that re-publish every broadcast to consumers
// outside the import graph.
type EventRouter struct {
	stateLock     sync.Mutex
	handlers      map[string][]*eventHandlerEntry
	nextHandlerId int
	watchers      []chan BroadcastEvent
}

func NewEventRouter() *EventRouter {
	return &EventRouter{
		handlers: map[string][]*eventHandlerEntry{},
	}
}

// On registers a handler for an event name. The returned id deregisters it
// with `Off`. Registering the same function twice creates one entry per id.
func (self *EventRouter) On(event string, handler EventHandler) int {
	return self.add(event, handler, false)
}

// Once registers a handler that deregisters itself after first invocation.
func (self *EventRouter) Once(event string, handler EventHandler) int {
	return self.add(event, handler, true)
}

func (self *EventRouter) add(event string, handler EventHandler, once bool) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	handlerId := self.nextHandlerId
	self.nextHandlerId += 1
	self.handlers[event] = append(self.handlers[event], &eventHandlerEntry{
		handlerId: handlerId,
		handler:   handler,
		once:      once,
	})
	return handlerId
}

func (self *EventRouter) Off(event string, handlerId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := self.handlers[event]
	i := slices.IndexFunc(entries, func(entry *eventHandlerEntry) bool {
		return entry.handlerId == handlerId
	})
	if i < 0 {
		return
	}
	entries = slices.Delete(slices.Clone(entries), i, i+1)
	if len(entries) == 0 {
		delete(self.handlers, event)
	} else {
		self.handlers[event] = entries
	}
}

// Emit invokes all handlers registered for the event name. A panicking
// handler is recovered and logged so the remaining handlers still run.
func (self *EventRouter) Emit(event string, data any) {
	self.stateLock.Lock()
	entries := slices.Clone(self.handlers[event])
	if 0 < len(entries) {
		remaining := []*eventHandlerEntry{}
		for _, entry := range self.handlers[event] {
			if !entry.once {
				remaining = append(remaining, entry)
			}
		}
		if len(remaining) == 0 {
			delete(self.handlers, event)
		} else {
			self.handlers[event] = remaining
		}
	}
	self.stateLock.Unlock()

	for _, entry := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[er]handler panic %s = %s\n", event, r)
				}
			}()
			entry.handler(data)
		}()
	}
}

// Watch returns a channel that receives every broadcast. Delivery is
// best-effort: a saturated watcher drops events rather than blocking the
// dispatch loop.
func (self *EventRouter) Watch(buffer int) <-chan BroadcastEvent {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	watcher := make(chan BroadcastEvent, buffer)
	self.watchers = append(self.watchers, watcher)
	return watcher
}

func (self *EventRouter) Unwatch(watcher <-chan BroadcastEvent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.watchers, func(c chan BroadcastEvent) bool {
		return c == watcher
	})
	if i < 0 {
		return
	}
	close(self.watchers[i])
	self.watchers = slices.Delete(slices.Clone(self.watchers), i, i+1)
}

func (self *EventRouter) dispatchWatchers(event string, data any) {
	// sends stay under the lock so a concurrent Unwatch/Close cannot close
	// a channel mid-send. sends are non-blocking, so the lock is short.
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, watcher := range self.watchers {
		select {
		case watcher <- BroadcastEvent{Event: event, Data: data}:
		default:
			glog.Infof("[er]watcher full, drop %s\n", event)
		}
	}
}

// Broadcast emits to registered handlers and re-publishes to watchers.
func (self *EventRouter) Broadcast(event string, data any) {
	self.Emit(event, data)
	self.dispatchWatchers(event, data)
}

func (self *EventRouter) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, watcher := range self.watchers {
		close(watcher)
	}
	self.watchers = nil
	self.handlers = map[string][]*eventHandlerEntry{}
}
