package memory

import (
	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
)

// Stream is the slice of an execution stream the memory layer needs:
// ordered submission of driver work. A nil Stream makes the operation
// synchronous with respect to the caller.
type Stream interface {
	Enqueue(op func(drv driver.Driver, q driver.Queue) error) error
}

// Buffer is a typed device allocation of rank 1-3. Buffers are created
// through Alloc or rented from a Pool; Dispose returns pooled buffers to
// their pool and frees direct allocations.
type Buffer[T Element] struct {
	s *state
}

// Alloc creates a buffer on the allocator's device. The hint resolves to a
// concrete location per the Auto placement rule.
func Alloc[T Element](a *Allocator, shape Shape, hint LayoutHint) (*Buffer[T], error) {
	loc := hint.Resolve(shape.Len(), a.unifiedSupport)
	s, err := a.newState(shape, SizeOf[T](), loc)
	if err != nil {
		return nil, err
	}
	return &Buffer[T]{s: s}, nil
}

// Alloc1D is shorthand for a dense rank-1 allocation with Auto placement.
func Alloc1D[T Element](a *Allocator, n int64) (*Buffer[T], error) {
	return Alloc[T](a, Dim1(n), HintAuto)
}

// Shape returns the buffer's extent.
func (b *Buffer[T]) Shape() Shape { return b.s.shape }

// Len is the total element count.
func (b *Buffer[T]) Len() int64 { return b.s.shape.Len() }

// Location reports where the bytes live.
func (b *Buffer[T]) Location() Location { return b.s.loc }

// ElemSize is the byte size of one element.
func (b *Buffer[T]) ElemSize() int64 { return b.s.elemSize }

// Strides returns per-dimension strides in elements.
func (b *Buffer[T]) Strides() []int64 { return b.s.strides }

// Ptr exposes the native device pointer for diagnostics and identity
// checks. Valid iff the buffer is not disposed and device-backed.
func (b *Buffer[T]) Ptr() driver.Ptr {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if b.s.disposed {
		return 0
	}
	return b.s.dptr
}

// Disposed reports whether the buffer has been released.
func (b *Buffer[T]) Disposed() bool {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.s.disposed
}

// View returns a borrowed slice over the whole buffer.
func (b *Buffer[T]) View() (View[T], error) {
	return b.Subview(0, b.Len())
}

// Subview returns a bounds-checked borrowed slice. offset==Len with
// extent==0 yields a valid empty view; anything reaching past the end is
// an InvalidArgument.
func (b *Buffer[T]) Subview(offset, extent int64) (View[T], error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.checkAlive("subview"); err != nil {
		return View[T]{}, err
	}
	if offset < 0 || extent < 0 || offset+extent > b.Len() {
		return View[T]{}, gpuerr.Newf(gpuerr.KindInvalidArgument,
			"subview [%d,+%d) outside buffer of length %d", offset, extent, b.Len())
	}
	return View[T]{buf: b, offset: offset, extent: extent}, nil
}

// CopyFromHost uploads src into the buffer. With a stream the copy is
// asynchronous with respect to the caller and src must stay untouched
// until the stream synchronizes; without one it blocks until done.
func (b *Buffer[T]) CopyFromHost(src []T, stream Stream) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.checkAlive("copy_from_host"); err != nil {
		return err
	}
	if int64(len(src)) != b.Len() {
		return gpuerr.Newf(gpuerr.KindInvalidArgument,
			"host slice length %d does not match buffer length %d", len(src), b.Len())
	}
	if b.Len() == 0 {
		return nil
	}

	switch b.s.loc {
	case LocationHost, LocationPinned, LocationUnified:
		copy(asTyped[T](b.s.host), src)
		b.s.hostValid = true
		if b.s.loc == LocationUnified {
			b.s.devValid = false
		}
		return nil
	default: // Device
		bytes := asBytes(src)
		dptr := b.s.dptr
		n := b.s.byteLen()
		if stream == nil {
			return b.s.owner.drv.CopyHtoD(dptr, 0, hostPointer(bytes), n, 0)
		}
		return stream.Enqueue(func(drv driver.Driver, q driver.Queue) error {
			return drv.CopyHtoD(dptr, 0, hostPointer(bytes), n, q)
		})
	}
}

// CopyToHost downloads the buffer into dst with the same stream semantics
// as CopyFromHost.
func (b *Buffer[T]) CopyToHost(dst []T, stream Stream) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.checkAlive("copy_to_host"); err != nil {
		return err
	}
	if int64(len(dst)) != b.Len() {
		return gpuerr.Newf(gpuerr.KindInvalidArgument,
			"host slice length %d does not match buffer length %d", len(dst), b.Len())
	}
	if b.Len() == 0 {
		return nil
	}

	switch b.s.loc {
	case LocationHost, LocationPinned:
		copy(dst, asTyped[T](b.s.host))
		return nil
	case LocationUnified:
		if b.s.hostValid {
			copy(dst, asTyped[T](b.s.host))
			return nil
		}
		bytes := asBytes(dst)
		return b.s.owner.drv.CopyDtoH(hostPointer(bytes), b.s.dptr, 0, b.s.byteLen(), 0)
	default:
		bytes := asBytes(dst)
		dptr := b.s.dptr
		n := b.s.byteLen()
		if stream == nil {
			return b.s.owner.drv.CopyDtoH(hostPointer(bytes), dptr, 0, n, 0)
		}
		return stream.Enqueue(func(drv driver.Driver, q driver.Queue) error {
			return drv.CopyDtoH(hostPointer(bytes), dptr, 0, n, q)
		})
	}
}

// FillZero zeroes the buffer.
func (b *Buffer[T]) FillZero(stream Stream) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.checkAlive("fill_zero"); err != nil {
		return err
	}
	if b.Len() == 0 {
		return nil
	}

	if b.s.host != nil {
		for i := range b.s.host {
			b.s.host[i] = 0
		}
		b.s.hostValid = true
		if b.s.loc == LocationUnified {
			b.s.devValid = false
		}
	}
	if b.s.loc != LocationDevice {
		return nil
	}
	dptr := b.s.dptr
	n := b.s.byteLen()
	if stream == nil {
		return b.s.owner.drv.MemsetD8(dptr, 0, 0, n, 0)
	}
	return stream.Enqueue(func(drv driver.Driver, q driver.Queue) error {
		return drv.MemsetD8(dptr, 0, 0, n, q)
	})
}

// CopyTo copies this buffer into other. Element types match by
// construction; lengths must match.
func (b *Buffer[T]) CopyTo(other *Buffer[T], stream Stream) error {
	if other == nil {
		return gpuerr.New(gpuerr.KindInvalidArgument, "copy_to nil buffer")
	}
	b.s.mu.Lock()
	if err := b.s.checkAlive("copy_to"); err != nil {
		b.s.mu.Unlock()
		return err
	}
	srcLoc, srcPtr, srcHost, n := b.s.loc, b.s.dptr, b.s.host, b.s.byteLen()
	srcLen := b.Len()
	srcHostValid := b.s.hostValid
	srcDrv := b.s.owner.drv
	b.s.mu.Unlock()

	other.s.mu.Lock()
	defer other.s.mu.Unlock()
	if err := other.s.checkAlive("copy_to"); err != nil {
		return err
	}
	if other.Len() != srcLen {
		return gpuerr.Newf(gpuerr.KindInvalidArgument,
			"copy_to length mismatch: %d vs %d", srcLen, other.Len())
	}
	if srcLen == 0 {
		return nil
	}
	if other.s.owner.drv != srcDrv {
		return gpuerr.New(gpuerr.KindInvalidArgument, "copy_to across accelerators is not supported")
	}

	// Host-side source or destination degrade to host copies; pure
	// device-to-device goes through the driver.
	srcDev := srcLoc == LocationDevice || (srcLoc == LocationUnified && !srcHostValid)
	dstDev := other.s.loc == LocationDevice
	switch {
	case srcDev && dstDev:
		dptr := other.s.dptr
		if stream == nil {
			return srcDrv.CopyDtoD(dptr, 0, srcPtr, 0, n, 0)
		}
		return stream.Enqueue(func(drv driver.Driver, q driver.Queue) error {
			return drv.CopyDtoD(dptr, 0, srcPtr, 0, n, q)
		})
	case !srcDev && dstDev:
		dptr := other.s.dptr
		if stream == nil {
			return srcDrv.CopyHtoD(dptr, 0, hostPointer(srcHost), n, 0)
		}
		return stream.Enqueue(func(drv driver.Driver, q driver.Queue) error {
			return drv.CopyHtoD(dptr, 0, hostPointer(srcHost), n, q)
		})
	case srcDev && !dstDev:
		if err := srcDrv.CopyDtoH(hostPointer(other.s.host), srcPtr, 0, n, 0); err != nil {
			return err
		}
		other.s.hostValid = true
		if other.s.loc == LocationUnified {
			other.s.devValid = false
		}
		return nil
	default:
		copy(other.s.host, srcHost)
		other.s.hostValid = true
		if other.s.loc == LocationUnified {
			other.s.devValid = false
		}
		return nil
	}
}

// KernelArg marshals the buffer for a kernel launch. Buffers without a
// device pointer (host-located and zero-length ones) are rejected with
// InvalidArgument on every device, the CPU simulator included.
func (b *Buffer[T]) KernelArg() (driver.KernelArg, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.checkAlive("kernel_arg"); err != nil {
		return driver.KernelArg{}, err
	}
	if b.s.dptr == 0 {
		return driver.KernelArg{}, gpuerr.Newf(gpuerr.KindInvalidArgument,
			"%s buffer has no device pointer; migrate or allocate device-side", b.s.loc)
	}
	return driver.KernelArg{Kind: driver.ArgBuffer, Device: b.s.dptr, Offset: 0}, nil
}

// Dispose releases the buffer. Pooled buffers return to their pool;
// direct allocations free immediately. Dispose is idempotent.
func (b *Buffer[T]) Dispose() error {
	b.s.mu.Lock()
	if b.s.disposed {
		b.s.mu.Unlock()
		return nil
	}
	if b.s.pool != nil {
		pool := b.s.pool
		b.s.mu.Unlock()
		return pool.returnState(b.s, false)
	}
	b.s.disposed = true
	b.s.mu.Unlock()
	return b.s.owner.release(b.s)
}
