package chatclient

import (
	"reflect"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so emit can iterate without holding the lock.
// callbacks are deduped by function identity.
type CallbackList[T any] struct {
	mutex       sync.Mutex
	callbackIds []uintptr
	callbacks   []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// returns false if the identical callback was already registered
func (self *CallbackList[T]) Add(callback T) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := reflect.ValueOf(callback).Pointer()
	if slices.Contains(self.callbackIds, callbackId) {
		// already present
		return false
	}
	self.callbackIds = append(slices.Clone(self.callbackIds), callbackId)
	self.callbacks = append(slices.Clone(self.callbacks), callback)
	return true
}

func (self *CallbackList[T]) Remove(callback T) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := reflect.ValueOf(callback).Pointer()
	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

// Reconnect spaces out retry attempts.
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

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	return time.After(remaining)
}

// backoffDelay grows linearly with the attempt number and caps at maxDelay.
func backoffDelay(attempt int, delay time.Duration, maxDelay time.Duration) time.Duration {
	d := time.Duration(attempt) * delay
	if maxDelay < d {
		return maxDelay
	}
	return d
}
