// Package accel ties the runtime together: the process-wide Context, the
// per-device Accelerator, and ordered execution streams with events.
package accel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
	"github.com/mivertowski/accelgo/kernel"
	"github.com/mivertowski/accelgo/memory"
)

// streamDepth bounds host-side pending commands per stream. Enqueue blocks
// when the ring is full, with no internal timeout.
const streamDepth = 256

// Command is one unit of stream work: it runs on the stream's worker with
// the device driver and the stream's driver queue.
type Command func(drv driver.Driver, q driver.Queue) error

// Stream is an ordered command queue on one accelerator. Commands execute
// in program order; enqueue is single-writer (callers serialize
// externally; the stream is not re-entrant). Stream satisfies the Stream
// interfaces of the memory and kernel packages.
type Stream struct {
	acc *Accelerator
	drv driver.Driver
	q   driver.Queue

	tasks chan Command

	pending   sync.WaitGroup
	mu        sync.Mutex
	firstErr  error
	cancelled atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
}

var (
	_ memory.Stream = (*Stream)(nil)
	_ kernel.Stream = (*Stream)(nil)
)

func newStream(acc *Accelerator, drv driver.Driver, q driver.Queue) *Stream {
	s := &Stream{
		acc:   acc,
		drv:   drv,
		q:     q,
		tasks: make(chan Command, streamDepth),
		done:  make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Stream) worker() {
	defer close(s.done)
	for cmd := range s.tasks {
		err := cmd(s.drv, s.q)
		if err != nil {
			s.mu.Lock()
			if s.firstErr == nil {
				s.firstErr = err
			}
			s.mu.Unlock()
		}
		s.pending.Done()
	}
}

// Enqueue submits a command. It is nonblocking unless the ring is full. A
// cancelled stream rejects new work with Cancelled; a closed stream rejects
// it with InvalidArgument.
func (s *Stream) Enqueue(op func(drv driver.Driver, q driver.Queue) error) error {
	if s.cancelled.Load() {
		return gpuerr.New(gpuerr.KindCancelled, "stream cancelled").WithDevice(s.acc.dev.ID.String())
	}
	if s.closed.Load() {
		return gpuerr.New(gpuerr.KindInvalidArgument, "enqueue on closed stream").WithDevice(s.acc.dev.ID.String())
	}
	s.pending.Add(1)
	s.tasks <- op
	return nil
}

// drain waits for every previously enqueued command and the driver queue.
func (s *Stream) drain() error {
	s.pending.Wait()
	return s.drv.Sync(s.q)
}

// Synchronize blocks until all previously enqueued commands finish. It
// returns the first error encountered, clearing the error state; on a
// cancelled stream it returns Cancelled after draining.
func (s *Stream) Synchronize() error {
	syncErr := s.drain()

	s.mu.Lock()
	err := s.firstErr
	s.firstErr = nil
	s.mu.Unlock()

	if err == nil {
		err = syncErr
	}
	if err == nil && s.cancelled.Load() {
		return gpuerr.New(gpuerr.KindCancelled, "stream cancelled").WithDevice(s.acc.dev.ID.String())
	}
	return err
}

// SynchronizeTimeout is Synchronize bounded by d; on elapse it returns a
// retryable Timeout without corrupting the stream.
func (s *Stream) SynchronizeTimeout(d time.Duration) error {
	doneCh := make(chan error, 1)
	go func() { doneCh <- s.Synchronize() }()
	select {
	case err := <-doneCh:
		return err
	case <-time.After(d):
		return gpuerr.Newf(gpuerr.KindTimeout, "stream synchronize exceeded %v", d).
			WithDevice(s.acc.dev.ID.String())
	}
}

// SynchronizeAsync returns a future for stream completion.
func (s *Stream) SynchronizeAsync() <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.Synchronize() }()
	return ch
}

// RecordEvent enqueues a one-shot event that signals once all prior
// commands on this stream have completed on the device.
func (s *Stream) RecordEvent() (*Event, error) {
	e := newEvent()
	err := s.Enqueue(func(drv driver.Driver, q driver.Queue) error {
		if err := drv.Sync(q); err != nil {
			return err
		}
		e.Signal()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// WaitForEvent stalls this stream until e signals; the cross-stream join
// primitive.
func (s *Stream) WaitForEvent(e *Event) error {
	return s.Enqueue(func(drv driver.Driver, q driver.Queue) error {
		e.Wait()
		return nil
	})
}

// Cancel requests cancellation. In-flight driver commands cannot be
// aborted, so the request takes effect at the next enqueue or synchronize
// boundary.
func (s *Stream) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether cancellation was requested.
func (s *Stream) Cancelled() bool { return s.cancelled.Load() }

// close flushes, synchronizes and stops the worker. Called from the
// accelerator's teardown; timeout 0 waits forever.
func (s *Stream) close(timeout time.Duration) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var drainErr error
	if timeout > 0 {
		doneCh := make(chan error, 1)
		go func() { doneCh <- s.drain() }()
		select {
		case drainErr = <-doneCh:
		case <-time.After(timeout):
			drainErr = gpuerr.Newf(gpuerr.KindInternalInvariantViolated,
				"stream drain exceeded shutdown timeout %v, abandoning pending commands", timeout).
				WithDevice(s.acc.dev.ID.String())
			// The worker keeps draining in the background; the queue
			// handle is leaked rather than destroyed under it.
			close(s.tasks)
			return drainErr
		}
	} else {
		drainErr = s.drain()
	}

	close(s.tasks)
	<-s.done
	if err := s.drv.DestroyQueue(s.q); err != nil && drainErr == nil {
		drainErr = err
	}
	return drainErr
}
