package accel

import (
	"context"
	"sync"
)

// Event is a one-shot synchronization primitive used for cross-stream
// joins and host-side waits. Once signaled it stays signaled.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

func newEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Signal fires the event. Subsequent signals are no-ops.
func (e *Event) Signal() {
	e.once.Do(func() { close(e.ch) })
}

// Wait blocks until the event fires.
func (e *Event) Wait() {
	<-e.ch
}

// WaitCtx blocks until the event fires or ctx ends; it reports whether the
// event fired.
func (e *Event) WaitCtx(ctx context.Context) bool {
	select {
	case <-e.ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Done exposes the completion channel for select loops.
func (e *Event) Done() <-chan struct{} { return e.ch }

// Signaled reports without blocking.
func (e *Event) Signaled() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}
