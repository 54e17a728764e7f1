package realtime

import (
	"container/heap"
	"sync"
	"time"

	"github.com/golang/glog"
)

type BufferedEvent struct {
	Seq        uint64
	EventName  string
	Data       any
	ReceivedAt time.Time

	heapIndex int
}

// ordered by `Seq`
type bufferedEventQueue struct {
	orderedEvents []*BufferedEvent
	// seq -> event
	seqEvents map[uint64]*BufferedEvent
}

func newBufferedEventQueue() *bufferedEventQueue {
	queue := &bufferedEventQueue{
		orderedEvents: []*BufferedEvent{},
		seqEvents:     map[uint64]*BufferedEvent{},
	}
	heap.Init(queue)
	return queue
}

func (self *bufferedEventQueue) Add(event *BufferedEvent) {
	self.seqEvents[event.Seq] = event
	heap.Push(self, event)
}

func (self *bufferedEventQueue) ContainsSeq(seq uint64) bool {
	_, ok := self.seqEvents[seq]
	return ok
}

func (self *bufferedEventQueue) RemoveFirst() *BufferedEvent {
	if len(self.orderedEvents) == 0 {
		return nil
	}
	event := heap.Remove(self, 0).(*BufferedEvent)
	delete(self.seqEvents, event.Seq)
	return event
}

func (self *bufferedEventQueue) PeekFirst() *BufferedEvent {
	if len(self.orderedEvents) == 0 {
		return nil
	}
	return self.orderedEvents[0]
}

func (self *bufferedEventQueue) Clear() {
	self.orderedEvents = []*BufferedEvent{}
	self.seqEvents = map[uint64]*BufferedEvent{}
}

// heap.Interface

func (self *bufferedEventQueue) Push(x any) {
	event := x.(*BufferedEvent)
	event.heapIndex = len(self.orderedEvents)
	self.orderedEvents = append(self.orderedEvents, event)
}

func (self *bufferedEventQueue) Pop() any {
	n := len(self.orderedEvents)
	i := n - 1
	event := self.orderedEvents[i]
	self.orderedEvents[i] = nil
	self.orderedEvents = self.orderedEvents[:n-1]
	return event
}

// sort.Interface

func (self *bufferedEventQueue) Len() int {
	return len(self.orderedEvents)
}

func (self *bufferedEventQueue) Less(i int, j int) bool {
	return self.orderedEvents[i].Seq < self.orderedEvents[j].Seq
}

func (self *bufferedEventQueue) Swap(i int, j int) {
	a := self.orderedEvents[i]
	b := self.orderedEvents[j]
	b.heapIndex = i
	self.orderedEvents[i] = b
	a.heapIndex = j
	self.orderedEvents[j] = a
}

type EventBufferSignalType int

const (
	EventBufferSignalGap EventBufferSignalType = iota
	EventBufferSignalOverflow
	EventBufferSignalStaleFlush
)

func (self EventBufferSignalType) String() string {
	switch self {
	case EventBufferSignalGap:
		return "sequence_gap"
	case EventBufferSignalOverflow:
		return "buffer_overflow"
	case EventBufferSignalStaleFlush:
		return "stale_flush"
	default:
		return "unknown"
	}
}

type EventBufferSignal struct {
	Type EventBufferSignalType
	// the first missing sequence for a gap, the dropped sequence for an
	// overflow, the count of flushed events for a stale flush
	Seq   uint64
	Count int
}

type EventBufferSignalCallback func(signal EventBufferSignal)

type DispatchFunction func(seq uint64, eventName string, data any)

type EventBufferSettings struct {
	// buffered out-of-order events beyond this count are dropped
	MaxBufferSize int
	// how long to hold buffered events waiting for a missing predecessor
	GapWaitTimeout time.Duration
}

func DefaultEventBufferSettings() *EventBufferSettings {
	return &EventBufferSettings{
		MaxBufferSize:  100,
		GapWaitTimeout: 2 * time.Second,
	}
}

// EventBuffer delivers events in non-decreasing sequence order. Out-of-order
// arrivals are held until their predecessors arrive or the wait budget
// expires, at which point everything buffered flushes in sequence order. A
// missing predecessor is assumed lost after the wait budget rather than
// blocking forever.
type EventBuffer struct {
	dispatch DispatchFunction
	settings *EventBufferSettings

	signalCallbacks CallbackList[EventBufferSignalCallback]

	stateLock    sync.Mutex
	queue        *bufferedEventQueue
	nextExpected uint64
	flushTimer   *time.Timer
	closed       bool
}

func NewEventBuffer(dispatch DispatchFunction, settings *EventBufferSettings) *EventBuffer {
	return &EventBuffer{
		dispatch: dispatch,
		settings: settings,
		queue:    newBufferedEventQueue(),
	}
}

func (self *EventBuffer) AddSignalCallback(callback EventBufferSignalCallback) int {
	return self.signalCallbacks.Add(callback)
}

func (self *EventBuffer) RemoveSignalCallback(callbackId int) {
	self.signalCallbacks.Remove(callbackId)
}

// AddEvent routes one sequenced event. In-order events dispatch immediately
// and drain any now-contiguous buffered entries. Events at or below the
// watermark are duplicates or already superseded and are discarded.
func (self *EventBuffer) AddEvent(seq uint64, eventName string, data any) {
	var dispatches []*BufferedEvent
	var signals []EventBufferSignal

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}

	if self.nextExpected == 0 {
		// no server baseline yet. the first event sets it.
		self.nextExpected = seq
	}

	switch {
	case seq < self.nextExpected:
		glog.Infof("[eb]discard old seq=%d next=%d %s\n", seq, self.nextExpected, eventName)
	case seq == self.nextExpected:
		dispatches = append(dispatches, &BufferedEvent{
			Seq:       seq,
			EventName: eventName,
			Data:      data,
		})
		self.nextExpected = seq + 1
		dispatches = append(dispatches, self.drainContiguous()...)
		if self.queue.Len() == 0 {
			self.stopFlushTimer()
		}
	default:
		if self.queue.ContainsSeq(seq) {
			glog.Infof("[eb]discard duplicate seq=%d %s\n", seq, eventName)
			break
		}
		if self.settings.MaxBufferSize <= self.queue.Len() {
			// bounded memory beats completeness. the next full resync
			// carries the dropped update.
			glog.Infof("[eb]overflow, drop seq=%d %s\n", seq, eventName)
			signals = append(signals, EventBufferSignal{
				Type: EventBufferSignalOverflow,
				Seq:  seq,
			})
			break
		}
		self.queue.Add(&BufferedEvent{
			Seq:        seq,
			EventName:  eventName,
			Data:       data,
			ReceivedAt: time.Now(),
		})
		glog.V(1).Infof("[eb]buffer seq=%d next=%d %s\n", seq, self.nextExpected, eventName)
		signals = append(signals, EventBufferSignal{
			Type:  EventBufferSignalGap,
			Seq:   self.nextExpected,
			Count: int(seq - self.nextExpected),
		})
		self.armFlushTimer()
	}
	self.stateLock.Unlock()

	self.run(dispatches, signals)
}

// caller must hold stateLock
func (self *EventBuffer) drainContiguous() []*BufferedEvent {
	dispatches := []*BufferedEvent{}
	for {
		first := self.queue.PeekFirst()
		if first == nil {
			break
		}
		if self.nextExpected < first.Seq {
			break
		}
		self.queue.RemoveFirst()
		if first.Seq < self.nextExpected {
			// superseded while buffered
			continue
		}
		dispatches = append(dispatches, first)
		self.nextExpected = first.Seq + 1
	}
	return dispatches
}

// caller must hold stateLock
func (self *EventBuffer) armFlushTimer() {
	if self.flushTimer != nil {
		return
	}
	self.flushTimer = time.AfterFunc(self.settings.GapWaitTimeout, self.flushStale)
}

// caller must hold stateLock
func (self *EventBuffer) stopFlushTimer() {
	if self.flushTimer != nil {
		self.flushTimer.Stop()
		self.flushTimer = nil
	}
}

// the wait budget for a missing predecessor expired. everything buffered is
// now authoritative: flush oldest sequence first and resume normal gap
// detection from one past the last flushed entry.
func (self *EventBuffer) flushStale() {
	var dispatches []*BufferedEvent
	var signals []EventBufferSignal

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.flushTimer = nil
	for {
		first := self.queue.RemoveFirst()
		if first == nil {
			break
		}
		dispatches = append(dispatches, first)
		self.nextExpected = first.Seq + 1
	}
	if 0 < len(dispatches) {
		glog.Infof("[eb]stale flush count=%d next=%d\n", len(dispatches), self.nextExpected)
		signals = append(signals, EventBufferSignal{
			Type:  EventBufferSignalStaleFlush,
			Seq:   dispatches[0].Seq,
			Count: len(dispatches),
		})
	}
	self.stateLock.Unlock()

	self.run(dispatches, signals)
}

func (self *EventBuffer) run(dispatches []*BufferedEvent, signals []EventBufferSignal) {
	for _, event := range dispatches {
		self.dispatch(event.Seq, event.EventName, event.Data)
	}
	for _, signal := range signals {
		for _, callback := range self.signalCallbacks.Get() {
			callback(signal)
		}
	}
}

// ResetSequence clears the buffer and sets the next expected sequence to the
// server-confirmed starting point. Called after a fresh connection or
// resync.
func (self *EventBuffer) ResetSequence(startSeq uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.queue.Clear()
	self.nextExpected = startSeq
	self.stopFlushTimer()
}

func (self *EventBuffer) NextExpected() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.nextExpected
}

func (self *EventBuffer) BufferedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.queue.Len()
}

func (self *EventBuffer) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.closed = true
	self.queue.Clear()
	self.stopFlushTimer()
}
