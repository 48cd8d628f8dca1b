package memory

import (
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
	"github.com/mivertowski/accelgo/internal/metrics"
)

// state is the untyped core of every buffer. The generic Buffer[T] wrapper
// adds element typing on top; the allocator and pool track states directly
// so they stay monomorphic.
type state struct {
	owner    *Allocator
	shape    Shape
	strides  []int64
	elemSize int64
	loc      Location

	// dptr is valid iff !disposed and loc is Device, Unified or Pinned.
	dptr driver.Ptr
	// host is the host-side bytes for Host, Unified and Pinned buffers.
	host []byte

	// Validity bits. For Unified buffers at least one is always true; a
	// mutation on one side clears the other until migration.
	hostValid bool
	devValid  bool

	mu       sync.Mutex
	disposed bool
	// pool is non-nil for rented buffers; Dispose routes through it.
	pool       *Pool
	returnedAt int64 // pool bookkeeping, unix nanos
}

func (s *state) byteLen() int64 { return s.shape.Len() * s.elemSize }

// checkAlive must be called with s.mu held.
func (s *state) checkAlive(op string) error {
	if s.disposed {
		return gpuerr.Newf(gpuerr.KindInvalidArgument, "%s on disposed buffer", op)
	}
	return nil
}

// Allocator carves buffers out of one device driver. One allocator belongs
// to one accelerator; every buffer remembers its allocator so alien
// returns and use-after-teardown are detectable.
type Allocator struct {
	drv            driver.Driver
	devName        string
	unifiedSupport bool
	pinnedSupport  bool
	log            *zap.Logger

	mu     sync.Mutex
	live   map[*state]struct{}
	used   int64
	frozen bool
}

// NewAllocator builds an allocator over drv. unifiedSupport and
// pinnedSupport come from the device capability set.
func NewAllocator(drv driver.Driver, devName string, unifiedSupport, pinnedSupport bool, log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{
		drv:            drv,
		devName:        devName,
		unifiedSupport: unifiedSupport,
		pinnedSupport:  pinnedSupport,
		log:            log.Named("mem"),
		live:           make(map[*state]struct{}),
	}
}

// Driver exposes the underlying device driver for the launch path.
func (a *Allocator) Driver() driver.Driver { return a.drv }

// DeviceName is used for error context and metrics labels.
func (a *Allocator) DeviceName() string { return a.devName }

// UnifiedSupported reports device capability for unified buffers.
func (a *Allocator) UnifiedSupported() bool { return a.unifiedSupport }

// UsedBytes is the total bytes currently allocated through this allocator.
func (a *Allocator) UsedBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Freeze stops new allocation during accelerator teardown.
func (a *Allocator) Freeze() {
	a.mu.Lock()
	a.frozen = true
	a.mu.Unlock()
}

// newState allocates the backing storage for one buffer.
func (a *Allocator) newState(shape Shape, elemSize int64, loc Location) (*state, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	if a.frozen {
		a.mu.Unlock()
		return nil, gpuerr.New(gpuerr.KindDeviceUnavailable, "allocator frozen for teardown").WithDevice(a.devName)
	}
	a.mu.Unlock()

	if loc == LocationUnified && !a.unifiedSupport {
		loc = LocationDevice
	}

	s := &state{
		owner:    a,
		shape:    shape,
		strides:  shape.DenseStrides(),
		elemSize: elemSize,
		loc:      loc,
	}
	if shape.Strides != nil {
		s.strides = shape.Strides
	}
	bytes := s.byteLen()

	switch loc {
	case LocationHost:
		s.host = make([]byte, bytes)
		s.hostValid = true
	case LocationDevice:
		p, err := a.allocDevice(bytes)
		if err != nil {
			return nil, err
		}
		s.dptr = p
		s.devValid = true
	case LocationUnified:
		p, err := a.allocDevice(bytes)
		if err != nil {
			return nil, err
		}
		s.dptr = p
		s.host = make([]byte, bytes)
		// First mutation establishes validity; until then both sides
		// are zero-initialized and the host side counts as valid.
		s.hostValid = true
	case LocationPinned:
		if bytes > 0 {
			p, hostAddr, err := a.drv.AllocHost(bytes)
			if err != nil {
				return nil, a.wrapAllocErr(err)
			}
			s.dptr = p
			// The pinned mapping is host-addressable; the buffer's
			// host bytes alias it directly.
			s.host = unsafe.Slice((*byte)(hostAddr), bytes)
		}
		s.hostValid = true
	}

	a.mu.Lock()
	a.live[s] = struct{}{}
	a.used += bytes
	a.mu.Unlock()
	metrics.DeviceMemoryUsedBytes.WithLabelValues(a.devName).Add(float64(bytes))
	return s, nil
}

func (a *Allocator) allocDevice(bytes int64) (driver.Ptr, error) {
	if bytes == 0 {
		// Zero-length buffers are legal; they never touch the driver.
		return 0, nil
	}
	p, err := a.drv.Alloc(bytes)
	if err != nil {
		return 0, a.wrapAllocErr(err)
	}
	return p, nil
}

// wrapAllocErr keeps OutOfMemory intact for the retry dispatcher and tags
// everything else as a driver failure.
func (a *Allocator) wrapAllocErr(err error) error {
	if gpuerr.IsKind(err, gpuerr.KindOutOfMemory) {
		return err
	}
	return gpuerr.Wrap(gpuerr.KindDriverError, "device allocation failed", err).WithDevice(a.devName)
}

// release frees s's storage. Called from Dispose and from pool eviction.
func (a *Allocator) release(s *state) error {
	bytes := s.byteLen()
	var err error
	if s.dptr != 0 {
		err = a.drv.Free(s.dptr)
		s.dptr = 0
	}
	s.host = nil

	a.mu.Lock()
	if _, ok := a.live[s]; ok {
		delete(a.live, s)
		a.used -= bytes
	}
	a.mu.Unlock()
	metrics.DeviceMemoryUsedBytes.WithLabelValues(a.devName).Sub(float64(bytes))
	return err
}

// ReleaseAll frees every still-registered buffer. Teardown path: buffers
// freed here are marked disposed so user handles fail cleanly afterwards.
func (a *Allocator) ReleaseAll() error {
	a.mu.Lock()
	states := make([]*state, 0, len(a.live))
	for s := range a.live {
		states = append(states, s)
	}
	a.mu.Unlock()

	var firstErr error
	for _, s := range states {
		s.mu.Lock()
		already := s.disposed
		s.disposed = true
		s.mu.Unlock()
		if already {
			continue
		}
		if err := a.release(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(states) > 0 {
		a.log.Debug("released leaked buffers at teardown", zap.Int("count", len(states)))
	}
	return firstErr
}

// hostPointer returns an unsafe pointer to the host bytes.
func hostPointer(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
