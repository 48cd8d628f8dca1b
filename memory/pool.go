package memory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/gpuerr"
	"github.com/mivertowski/accelgo/internal/metrics"
)

// Retention selects how long returned buffers stay in the pool.
type Retention int

const (
	// RetentionImmediate frees on return; the pool holds nothing.
	RetentionImmediate Retention = iota
	// RetentionFixed holds buffers for the trim interval, freeing them on
	// the next maintenance tick after it elapses.
	RetentionFixed
	// RetentionAdaptive holds a buffer while it is young or the pool is
	// hot: age < 2 minutes or hit ratio > 0.7.
	RetentionAdaptive
)

const (
	adaptiveMaxAge   = 2 * time.Minute
	adaptiveHitRatio = 0.7
)

// PoolOptions bound one pool. Zero values disable the respective bound.
type PoolOptions struct {
	MaxPoolBytes   int64
	MaxBufferBytes int64
	Retention      Retention
	TrimInterval   time.Duration
}

// PoolStats is a point-in-time snapshot.
type PoolStats struct {
	Retained      int
	InUse         int
	RetainedBytes int64
	Hits          int64
	Misses        int64
}

// HitRatio is hits over total rents.
func (s PoolStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Pool retains returned device buffers for reuse, bucketed by element
// size. A buffer in the pool is referenced by no user; Rent transfers
// ownership out and Return transfers it back.
type Pool struct {
	alloc *Allocator
	opts  PoolOptions
	log   *zap.Logger

	// The pool is a concurrent-safe map with one lock; buckets are
	// small and rents are short.
	buckets       map[int64][]*state // element size -> retained, in return order
	retainedBytes int64
	inUse         int
	hits          int64
	misses        int64

	stop chan struct{}
	done chan struct{}
}

// NewPool builds a pool over the accelerator's allocator and starts the
// maintenance timer when a trim interval is configured.
func NewPool(alloc *Allocator, opts PoolOptions, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		alloc:   alloc,
		opts:    opts,
		log:     log.Named("pool"),
		buckets: make(map[int64][]*state),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opts.TrimInterval > 0 && opts.Retention != RetentionImmediate {
		go p.maintenanceLoop()
	} else {
		close(p.done)
	}
	return p
}

// Rent returns a buffer of at least minLength elements of type T. The
// smallest retained buffer that fits wins; among equals the most recently
// returned one wins for cache locality. When nothing fits, a new buffer is
// allocated; buffers above MaxBufferBytes bypass the pool entirely.
func Rent[T Element](p *Pool, minLength int64) (*Buffer[T], error) {
	if minLength < 0 {
		return nil, gpuerr.Newf(gpuerr.KindInvalidArgument, "rent of negative length %d", minLength)
	}
	elemSize := SizeOf[T]()
	if s := p.take(elemSize, minLength); s != nil {
		return &Buffer[T]{s: s}, nil
	}

	bypass := p.opts.MaxBufferBytes > 0 && minLength*elemSize > p.opts.MaxBufferBytes
	s, err := p.alloc.newState(Dim1(minLength), elemSize, LocationDevice)
	if err != nil {
		return nil, err
	}
	if !bypass {
		s.pool = p
		p.lock(func() { p.inUse++ })
	}
	return &Buffer[T]{s: s}, nil
}

// RentAsync is Rent honoring context cancellation before allocation.
func RentAsync[T Element](ctx context.Context, p *Pool, minLength int64) (*Buffer[T], error) {
	select {
	case <-ctx.Done():
		return nil, gpuerr.Wrap(gpuerr.KindCancelled, "rent", ctx.Err())
	default:
	}
	return Rent[T](p, minLength)
}

func (p *Pool) lock(fn func()) {
	p.alloc.mu.Lock()
	fn()
	p.alloc.mu.Unlock()
}

// take pops the best-fitting retained buffer, or nil on miss.
func (p *Pool) take(elemSize, minLength int64) *state {
	p.alloc.mu.Lock()
	defer p.alloc.mu.Unlock()

	bucket := p.buckets[elemSize]
	best := -1
	for i, s := range bucket {
		if s.shape.Len() < minLength {
			continue
		}
		if best == -1 ||
			s.shape.Len() < bucket[best].shape.Len() ||
			(s.shape.Len() == bucket[best].shape.Len() && s.returnedAt > bucket[best].returnedAt) {
			best = i
		}
	}
	if best == -1 {
		p.misses++
		metrics.PoolMisses.WithLabelValues(p.alloc.devName).Inc()
		return nil
	}
	s := bucket[best]
	p.buckets[elemSize] = append(bucket[:best], bucket[best+1:]...)
	p.retainedBytes -= s.byteLen()
	p.inUse++
	p.hits++
	metrics.PoolHits.WithLabelValues(p.alloc.devName).Inc()
	metrics.PoolRetainedBytes.WithLabelValues(p.alloc.devName).Set(float64(p.retainedBytes))
	s.disposed = false
	return s
}

// Return hands a rented buffer back. clear zeroes it before retention.
// Returning a disposed buffer or one from another accelerator is a fatal
// InvalidArgument.
func Return[T Element](p *Pool, b *Buffer[T], clear bool) error {
	return p.returnState(b.s, clear)
}

func (p *Pool) returnState(s *state, clear bool) error {
	if s.owner != p.alloc {
		return gpuerr.New(gpuerr.KindInvalidArgument, "return of buffer owned by another accelerator")
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return gpuerr.New(gpuerr.KindInvalidArgument, "return of disposed buffer")
	}
	if s.pool != p {
		s.mu.Unlock()
		return gpuerr.New(gpuerr.KindInvalidArgument, "return of buffer not rented from this pool")
	}
	s.mu.Unlock()

	if clear {
		if s.dptr != 0 {
			if err := p.alloc.drv.MemsetD8(s.dptr, 0, 0, s.byteLen(), 0); err != nil {
				return err
			}
		}
		for i := range s.host {
			s.host[i] = 0
		}
	}

	if p.opts.Retention == RetentionImmediate {
		p.lock(func() { p.inUse-- })
		s.mu.Lock()
		s.pool = nil
		s.disposed = true
		s.mu.Unlock()
		return p.alloc.release(s)
	}

	var evicted []*state
	p.alloc.mu.Lock()
	s.returnedAt = time.Now().UnixNano()
	s.disposed = true // retained buffers are unreachable until re-rented
	p.buckets[s.elemSize] = append(p.buckets[s.elemSize], s)
	p.retainedBytes += s.byteLen()
	p.inUse--
	// Enforce the residency bound, oldest first.
	for p.opts.MaxPoolBytes > 0 && p.retainedBytes > p.opts.MaxPoolBytes {
		victim := p.oldestLocked()
		if victim == nil {
			break
		}
		p.removeLocked(victim)
		evicted = append(evicted, victim)
	}
	metrics.PoolRetainedBytes.WithLabelValues(p.alloc.devName).Set(float64(p.retainedBytes))
	p.alloc.mu.Unlock()

	for _, v := range evicted {
		v.pool = nil
		p.alloc.release(v)
	}
	return nil
}

// oldestLocked and removeLocked require alloc.mu held.
func (p *Pool) oldestLocked() *state {
	var oldest *state
	for _, bucket := range p.buckets {
		for _, s := range bucket {
			if oldest == nil || s.returnedAt < oldest.returnedAt {
				oldest = s
			}
		}
	}
	return oldest
}

func (p *Pool) removeLocked(victim *state) {
	bucket := p.buckets[victim.elemSize]
	for i, s := range bucket {
		if s == victim {
			p.buckets[victim.elemSize] = append(bucket[:i], bucket[i+1:]...)
			p.retainedBytes -= victim.byteLen()
			return
		}
	}
}

// Trim releases every retained buffer immediately. This is the recovery
// path the retry dispatcher takes after OutOfMemory, so it is deliberately
// more aggressive than the periodic maintenance pass.
func (p *Pool) Trim() {
	p.alloc.mu.Lock()
	var victims []*state
	for _, bucket := range p.buckets {
		victims = append(victims, bucket...)
	}
	p.buckets = make(map[int64][]*state)
	p.retainedBytes = 0
	metrics.PoolRetainedBytes.WithLabelValues(p.alloc.devName).Set(0)
	p.alloc.mu.Unlock()

	for _, v := range victims {
		v.pool = nil
		p.alloc.release(v)
	}
	if len(victims) > 0 {
		metrics.PoolTrims.WithLabelValues(p.alloc.devName).Inc()
		p.log.Debug("pool trimmed", zap.Int("released", len(victims)))
	}
}

// maintenance applies the retention policy to retained buffers.
func (p *Pool) maintenance() {
	now := time.Now()

	p.alloc.mu.Lock()
	hitRatio := 0.0
	if total := p.hits + p.misses; total > 0 {
		hitRatio = float64(p.hits) / float64(total)
	}
	var victims []*state
	for _, bucket := range p.buckets {
		for _, s := range bucket {
			age := now.Sub(time.Unix(0, s.returnedAt))
			free := false
			switch p.opts.Retention {
			case RetentionFixed:
				free = age >= p.opts.TrimInterval
			case RetentionAdaptive:
				free = age >= adaptiveMaxAge && hitRatio <= adaptiveHitRatio
			}
			if free {
				victims = append(victims, s)
			}
		}
	}
	for _, v := range victims {
		p.removeLocked(v)
	}
	metrics.PoolRetainedBytes.WithLabelValues(p.alloc.devName).Set(float64(p.retainedBytes))
	p.alloc.mu.Unlock()

	for _, v := range victims {
		v.pool = nil
		p.alloc.release(v)
	}
	if len(victims) > 0 {
		metrics.PoolTrims.WithLabelValues(p.alloc.devName).Inc()
	}
}

func (p *Pool) maintenanceLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.TrimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.maintenance()
		case <-p.stop:
			return
		}
	}
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() PoolStats {
	p.alloc.mu.Lock()
	defer p.alloc.mu.Unlock()
	retained := 0
	for _, bucket := range p.buckets {
		retained += len(bucket)
	}
	return PoolStats{
		Retained:      retained,
		InUse:         p.inUse,
		RetainedBytes: p.retainedBytes,
		Hits:          p.hits,
		Misses:        p.misses,
	}
}

// Close stops maintenance and frees everything retained.
func (p *Pool) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
	p.Trim()
}
