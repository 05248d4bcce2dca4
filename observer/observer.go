// Package observer provides a typed subscribe/notify primitive. Callbacks
// are isolated from each other: a panicking subscriber is logged and skipped
// rather than taking down delivery to the rest.
package observer

import (
	"sync"

	"go.uber.org/zap"
)

// Observable fans values out to subscribers.
type Observable[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]func(T)
	nextID uint64
	logger *zap.Logger
}

// New constructs an Observable. A nil logger is replaced with a no-op one.
func New[T any](logger *zap.Logger) *Observable[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observable[T]{subs: make(map[uint64]func(T)), logger: logger}
}

// Subscribe registers cb and returns a dispose function. Dispose is
// idempotent.
func (o *Observable[T]) Subscribe(cb func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.subs[id] = cb
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

// Notify delivers v to every subscriber, in registration order where the map
// allows, swallowing per-callback panics.
func (o *Observable[T]) Notify(v T) {
	o.mu.Lock()
	cbs := make([]func(T), 0, len(o.subs))
	for _, cb := range o.subs {
		cbs = append(cbs, cb)
	}
	o.mu.Unlock()
	for _, cb := range cbs {
		o.safeCall(cb, v)
	}
}

func (o *Observable[T]) safeCall(cb func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("observer callback panicked", zap.Any("panic", r))
		}
	}()
	cb(v)
}

// Len reports the subscriber count.
func (o *Observable[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}
