package cpu

import (
	"sync"

	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
)

// queueDepth is the simulated command ring size. Enqueue blocks when full,
// matching a saturated driver ring.
const queueDepth = 1024

// queue is a FIFO worker: one goroutine drains tasks in submission order.
type queue struct {
	tasks chan func() error

	mu      sync.Mutex
	pending sync.WaitGroup
	err     error
	done    chan struct{}
}

func newQueue() *queue {
	q := &queue{
		tasks: make(chan func() error, queueDepth),
		done:  make(chan struct{}),
	}
	go q.worker()
	return q
}

func (q *queue) worker() {
	for task := range q.tasks {
		err := task()
		if err != nil {
			q.mu.Lock()
			if q.err == nil {
				q.err = err
			}
			q.mu.Unlock()
		}
		q.pending.Done()
	}
	close(q.done)
}

func (q *queue) enqueue(op func() error) {
	q.pending.Add(1)
	q.tasks <- op
}

// sync waits for every previously enqueued task and returns the first error
// observed, clearing the error state.
func (q *queue) sync() error {
	q.pending.Wait()
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.err
	q.err = nil
	return err
}

func (q *queue) stop() {
	q.pending.Wait()
	close(q.tasks)
	<-q.done
}

func (d *Driver) CreateQueue() (driver.Queue, error) {
	q := newQueue()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		q.stop()
		return 0, gpuerr.New(gpuerr.KindDeviceUnavailable, "driver closed").WithDevice(d.id.String())
	}
	handle := driver.Queue(uintptr(len(d.queues)) + 1)
	for {
		if _, taken := d.queues[handle]; !taken {
			break
		}
		handle++
	}
	d.queues[handle] = q
	return handle, nil
}

func (d *Driver) queue(h driver.Queue) (*queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[h]
	if !ok {
		return nil, gpuerr.New(gpuerr.KindInvalidArgument, "unknown queue handle").WithDevice(d.id.String())
	}
	return q, nil
}

func (d *Driver) Sync(h driver.Queue) error {
	q, err := d.queue(h)
	if err != nil {
		return err
	}
	return q.sync()
}

func (d *Driver) DestroyQueue(h driver.Queue) error {
	d.mu.Lock()
	q, ok := d.queues[h]
	delete(d.queues, h)
	d.mu.Unlock()
	if !ok {
		return gpuerr.New(gpuerr.KindInvalidArgument, "unknown queue handle").WithDevice(d.id.String())
	}
	q.stop()
	return nil
}
