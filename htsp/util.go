package htsp

import (
	"sync"
)

type Callback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleCallback[R any] struct {
	callback func(result R, err error)
}

func NewCallback[R any](callback func(result R, err error)) Callback[R] {
	return &simpleCallback[R]{
		callback: callback,
	}
}

func NewNoopCallback[R any]() Callback[R] {
	return &simpleCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type CallbackResult[R any] struct {
	Result R
	Error  error
}

// the channel is buffered so that the producer never blocks on an abandoned reader
func NewBlockingCallback[R any]() (Callback[R], chan CallbackResult[R]) {
	c := make(chan CallbackResult[R], 1)
	callback := NewCallback[R](func(result R, err error) {
		select {
		case c <- CallbackResult[R]{
			Result: result,
			Error:  err,
		}:
		default:
		}
	})
	return callback, c
}

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbacks      []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: []callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, entry := range self.callbacks {
		callbacks = append(callbacks, entry.callback)
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextCallbacks := make([]callbackEntry[T], 0, len(self.callbacks)+1)
	nextCallbacks = append(nextCallbacks, self.callbacks...)
	nextCallbacks = append(nextCallbacks, callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.callbacks = nextCallbacks
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextCallbacks := make([]callbackEntry[T], 0, len(self.callbacks))
	for _, entry := range self.callbacks {
		if entry.callbackId != callbackId {
			nextCallbacks = append(nextCallbacks, entry)
		}
	}
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}
