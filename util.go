package coedit

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

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

// channel that fires when the remainder of the timeout has elapsed,
// measured from when the `Reconnect` was created
func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	return time.After(remaining)
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []*callbackEntry[T]
	nextId    int
}

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: []*callbackEntry[T]{},
	}
}

// snapshot of the current callbacks. safe to iterate while callbacks
// add or remove themselves.
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, &callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.callbacks = nextCallbacks
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.callbacks, func(entry *callbackEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbacks = nextCallbacks
}
