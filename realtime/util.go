package realtime

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// operations attempted before a transport exists are programmer errors
var ErrNotInitialized = errors.New("Socket not initialized.")

// outstanding work force-rejected by Destroy
var ErrDestroyed = errors.New("Service destroyed.")

// TimeoutError marks a locally synthesized timeout, distinguishable from a
// server-reported failure by type as well as message.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (self *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %s", self.Op, self.Timeout)
}

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

// makes a copy of the list on update so that iteration never holds the lock.
// entries are keyed by id because function values are not comparable.
type CallbackList[T any] struct {
	mutex          sync.Mutex
	entries        []callbackEntry[T]
	nextCallbackId int
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(entry callbackEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}

type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

// counts the timeout from when the `Reconnect` was created,
// so that connect attempt time does not extend the backoff
func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	if remaining <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(remaining)
}

type resultCallback[R any] func(result R, err error)

type callbackResult[R any] struct {
	Result R
	Error  error
}

// adapts a callback into a blocking wait at a call site
func newBlockingCallback[R any]() (resultCallback[R], chan callbackResult[R]) {
	c := make(chan callbackResult[R], 1)
	callback := func(result R, err error) {
		c <- callbackResult[R]{
			Result: result,
			Error:  err,
		}
	}
	return callback, c
}
