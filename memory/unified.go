package memory

import (
	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
)

// Unified buffer operations. A unified buffer keeps host and device copies
// logically coherent through explicit migration: at any instant at least
// one side is valid, and mutating one side invalidates the other until the
// next Ensure call migrates the data across.

// AllocUnified creates a unified buffer. On a device without unified
// support the allocation falls back to a plain device buffer with no host
// side: HostWrite, HostRead and EnsureHost then fail with InvalidArgument.
func AllocUnified[T Element](a *Allocator, shape Shape) (*Buffer[T], error) {
	s, err := a.newState(shape, SizeOf[T](), LocationUnified)
	if err != nil {
		return nil, err
	}
	return &Buffer[T]{s: s}, nil
}

// HostWrite exposes the host side for mutation, migrating device data back
// first when the host side is stale. The returned slice aliases the buffer
// and is invalidated by Dispose.
func (b *Buffer[T]) HostWrite() ([]T, error) {
	if err := b.EnsureHost(nil); err != nil {
		return nil, err
	}
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.checkAlive("host_write"); err != nil {
		return nil, err
	}
	// Mutation through the slice makes the device copy stale.
	if b.s.loc == LocationUnified {
		b.s.devValid = false
	}
	return asTyped[T](b.s.host), nil
}

// HostRead exposes the host side read-only (by convention), migrating
// first when stale. Validity bits are untouched.
func (b *Buffer[T]) HostRead() ([]T, error) {
	if err := b.EnsureHost(nil); err != nil {
		return nil, err
	}
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.checkAlive("host_read"); err != nil {
		return nil, err
	}
	return asTyped[T](b.s.host), nil
}

// EnsureHost migrates device data to the host side if it is stale and
// marks the host side valid. No-op for buffers that are already coherent.
func (b *Buffer[T]) EnsureHost(stream Stream) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.checkAlive("ensure_host"); err != nil {
		return err
	}
	switch b.s.loc {
	case LocationHost, LocationPinned:
		return nil
	case LocationDevice:
		return gpuerr.New(gpuerr.KindInvalidArgument, "ensure_host on a device-only buffer")
	}
	if b.s.hostValid {
		return nil
	}
	if !b.s.devValid {
		return gpuerr.New(gpuerr.KindInternalInvariantViolated, "unified buffer has no valid side")
	}
	if err := b.migrate(stream, true); err != nil {
		return err
	}
	b.s.hostValid = true
	return nil
}

// EnsureDevice migrates host data to the device side if it is stale and
// marks the device side valid.
func (b *Buffer[T]) EnsureDevice(stream Stream) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.checkAlive("ensure_device"); err != nil {
		return err
	}
	switch b.s.loc {
	case LocationDevice:
		return nil
	case LocationHost:
		return gpuerr.New(gpuerr.KindInvalidArgument, "ensure_device on a host-only buffer")
	case LocationPinned:
		return nil
	}
	if b.s.devValid {
		return nil
	}
	if !b.s.hostValid {
		return gpuerr.New(gpuerr.KindInternalInvariantViolated, "unified buffer has no valid side")
	}
	if err := b.migrate(stream, false); err != nil {
		return err
	}
	b.s.devValid = true
	return nil
}

// MarkDeviceDirty records that a kernel mutated the device side, making
// the host copy stale. Called by the launch path for unified arguments.
func (b *Buffer[T]) MarkDeviceDirty() {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if b.s.loc == LocationUnified && !b.s.disposed {
		b.s.devValid = true
		b.s.hostValid = false
	}
}

// migrate moves bytes between the sides. Caller holds s.mu. Migrations on
// a stream establish the host/device happens-before edge on that stream.
func (b *Buffer[T]) migrate(stream Stream, toHost bool) error {
	n := b.s.byteLen()
	if n == 0 {
		return nil
	}
	dptr := b.s.dptr
	host := b.s.host
	if toHost {
		if stream == nil {
			return b.s.owner.drv.CopyDtoH(hostPointer(host), dptr, 0, n, 0)
		}
		return stream.Enqueue(func(drv driver.Driver, q driver.Queue) error {
			return drv.CopyDtoH(hostPointer(host), dptr, 0, n, q)
		})
	}
	if stream == nil {
		return b.s.owner.drv.CopyHtoD(dptr, 0, hostPointer(host), n, 0)
	}
	return stream.Enqueue(func(drv driver.Driver, q driver.Queue) error {
		return drv.CopyHtoD(dptr, 0, hostPointer(host), n, q)
	})
}

// Coherence reports the validity bits, mostly for tests and diagnostics.
func (b *Buffer[T]) Coherence() (hostValid, devValid bool) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.s.hostValid, b.s.devValid
}
