package realtime

import (
	mathrand "math/rand"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type dispatchRecorder struct {
	mutex sync.Mutex
	seqs  []uint64
	names []string
}

func (self *dispatchRecorder) dispatch(seq uint64, eventName string, data any) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.seqs = append(self.seqs, seq)
	self.names = append(self.names, eventName)
}

func (self *dispatchRecorder) Seqs() []uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]uint64, len(self.seqs))
	copy(out, self.seqs)
	return out
}

func TestEventBufferOrderingPermutation(t *testing.T) {
	recorder := &dispatchRecorder{}
	buffer := NewEventBuffer(recorder.dispatch, &EventBufferSettings{
		MaxBufferSize:  200,
		GapWaitTimeout: 60 * time.Second,
	})
	defer buffer.Close()

	buffer.ResetSequence(1)

	n := 100
	seqs := make([]uint64, n)
	for i := 0; i < n; i += 1 {
		seqs[i] = uint64(i + 1)
	}
	mathrand.Shuffle(len(seqs), func(i, j int) {
		seqs[i], seqs[j] = seqs[j], seqs[i]
	})

	for _, seq := range seqs {
		buffer.AddEvent(seq, "state:x", nil)
	}

	// every sequence arrives, so everything dispatches in order without a
	// stale flush
	dispatched := recorder.Seqs()
	assert.Equal(t, n, len(dispatched))
	for i, seq := range dispatched {
		assert.Equal(t, uint64(i+1), seq)
	}
	assert.Equal(t, uint64(n+1), buffer.NextExpected())
	assert.Equal(t, 0, buffer.BufferedCount())
}

func TestEventBufferGapTolerance(t *testing.T) {
	recorder := &dispatchRecorder{}
	buffer := NewEventBuffer(recorder.dispatch, &EventBufferSettings{
		MaxBufferSize:  100,
		GapWaitTimeout: 100 * time.Millisecond,
	})
	defer buffer.Close()

	buffer.ResetSequence(1)

	buffer.AddEvent(1, "state:x", nil)
	buffer.AddEvent(2, "state:x", nil)
	buffer.AddEvent(4, "state:x", nil)
	buffer.AddEvent(5, "state:x", nil)

	// 1 and 2 dispatch immediately, 4 and 5 wait on 3
	assert.Equal(t, []uint64{1, 2}, recorder.Seqs())
	assert.Equal(t, 2, buffer.BufferedCount())

	// the wait budget expires and everything buffered flushes in order
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 4, 5}, recorder.Seqs())
	assert.Equal(t, uint64(6), buffer.NextExpected())
	assert.Equal(t, 0, buffer.BufferedCount())
}

func TestEventBufferGapResolved(t *testing.T) {
	recorder := &dispatchRecorder{}
	buffer := NewEventBuffer(recorder.dispatch, &EventBufferSettings{
		MaxBufferSize:  100,
		GapWaitTimeout: 60 * time.Second,
	})
	defer buffer.Close()

	buffer.ResetSequence(11)

	buffer.AddEvent(11, "state:x", nil)
	buffer.AddEvent(13, "state:x", nil)
	assert.Equal(t, []uint64{11}, recorder.Seqs())

	// the missing predecessor arrives and drains the buffer contiguously
	buffer.AddEvent(12, "state:x", nil)
	assert.Equal(t, []uint64{11, 12, 13}, recorder.Seqs())
	assert.Equal(t, uint64(14), buffer.NextExpected())
}

func TestEventBufferDuplicateSuppression(t *testing.T) {
	recorder := &dispatchRecorder{}
	buffer := NewEventBuffer(recorder.dispatch, DefaultEventBufferSettings())
	defer buffer.Close()

	buffer.ResetSequence(1)

	buffer.AddEvent(1, "state:x", nil)
	buffer.AddEvent(2, "state:x", nil)

	// below the watermark: no dispatch, no watermark movement
	buffer.AddEvent(1, "state:x", nil)
	buffer.AddEvent(2, "state:x", nil)
	assert.Equal(t, []uint64{1, 2}, recorder.Seqs())
	assert.Equal(t, uint64(3), buffer.NextExpected())

	// duplicate of a buffered entry: kept once
	buffer.AddEvent(5, "state:x", nil)
	buffer.AddEvent(5, "state:x", nil)
	assert.Equal(t, 1, buffer.BufferedCount())
}

func TestEventBufferOverflow(t *testing.T) {
	recorder := &dispatchRecorder{}
	buffer := NewEventBuffer(recorder.dispatch, &EventBufferSettings{
		MaxBufferSize:  3,
		GapWaitTimeout: 60 * time.Second,
	})
	defer buffer.Close()

	signals := []EventBufferSignal{}
	signalsLock := sync.Mutex{}
	buffer.AddSignalCallback(func(signal EventBufferSignal) {
		signalsLock.Lock()
		defer signalsLock.Unlock()
		signals = append(signals, signal)
	})

	buffer.ResetSequence(1)

	buffer.AddEvent(2, "state:x", nil)
	buffer.AddEvent(3, "state:x", nil)
	buffer.AddEvent(4, "state:x", nil)
	assert.Equal(t, 3, buffer.BufferedCount())

	// the newest incoming event drops instead of growing the buffer
	buffer.AddEvent(5, "state:x", nil)
	assert.Equal(t, 3, buffer.BufferedCount())

	signalsLock.Lock()
	overflowCount := 0
	for _, signal := range signals {
		if signal.Type == EventBufferSignalOverflow {
			overflowCount += 1
			assert.Equal(t, uint64(5), signal.Seq)
		}
	}
	signalsLock.Unlock()
	assert.Equal(t, 1, overflowCount)
}

func TestEventBufferGapSignal(t *testing.T) {
	recorder := &dispatchRecorder{}
	buffer := NewEventBuffer(recorder.dispatch, &EventBufferSettings{
		MaxBufferSize:  100,
		GapWaitTimeout: 60 * time.Second,
	})
	defer buffer.Close()

	signals := []EventBufferSignal{}
	signalsLock := sync.Mutex{}
	buffer.AddSignalCallback(func(signal EventBufferSignal) {
		signalsLock.Lock()
		defer signalsLock.Unlock()
		signals = append(signals, signal)
	})

	buffer.ResetSequence(1)
	buffer.AddEvent(4, "state:x", nil)

	signalsLock.Lock()
	assert.Equal(t, 1, len(signals))
	assert.Equal(t, EventBufferSignalGap, signals[0].Type)
	assert.Equal(t, uint64(1), signals[0].Seq)
	signalsLock.Unlock()
}

func TestEventBufferRepeatedGaps(t *testing.T) {
	recorder := &dispatchRecorder{}
	buffer := NewEventBuffer(recorder.dispatch, &EventBufferSettings{
		MaxBufferSize:  100,
		GapWaitTimeout: 100 * time.Millisecond,
	})
	defer buffer.Close()

	buffer.ResetSequence(1)

	buffer.AddEvent(3, "state:x", nil)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []uint64{3}, recorder.Seqs())
	assert.Equal(t, uint64(4), buffer.NextExpected())

	// gap detection resumes normally after a flush
	buffer.AddEvent(6, "state:x", nil)
	assert.Equal(t, 1, buffer.BufferedCount())
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []uint64{3, 6}, recorder.Seqs())
	assert.Equal(t, uint64(7), buffer.NextExpected())

	buffer.AddEvent(7, "state:x", nil)
	assert.Equal(t, []uint64{3, 6, 7}, recorder.Seqs())
}

func TestEventBufferResetSequence(t *testing.T) {
	recorder := &dispatchRecorder{}
	buffer := NewEventBuffer(recorder.dispatch, DefaultEventBufferSettings())
	defer buffer.Close()

	buffer.ResetSequence(1)
	buffer.AddEvent(5, "state:x", nil)
	assert.Equal(t, 1, buffer.BufferedCount())

	buffer.ResetSequence(11)
	assert.Equal(t, 0, buffer.BufferedCount())
	assert.Equal(t, uint64(11), buffer.NextExpected())

	buffer.AddEvent(11, "state:x", nil)
	assert.Equal(t, []uint64{11}, recorder.Seqs())
}

func TestEventBufferNoDoubleDispatch(t *testing.T) {
	recorder := &dispatchRecorder{}
	buffer := NewEventBuffer(recorder.dispatch, &EventBufferSettings{
		MaxBufferSize:  200,
		GapWaitTimeout: 60 * time.Second,
	})
	defer buffer.Close()

	buffer.ResetSequence(1)

	// adversarial arrival with duplicates mixed in
	seqs := []uint64{1, 3, 3, 2, 2, 5, 4, 1, 6}
	for _, seq := range seqs {
		buffer.AddEvent(seq, "state:x", nil)
	}

	dispatched := recorder.Seqs()
	seen := map[uint64]bool{}
	last := uint64(0)
	for _, seq := range dispatched {
		assert.Equal(t, false, seen[seq])
		seen[seq] = true
		assert.Equal(t, true, last < seq)
		last = seq
	}
	assert.Equal(t, 6, len(dispatched))
}
