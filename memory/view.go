package memory

import (
	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
)

// View is a non-owning slice of a buffer: (offset, extent) over the
// buffer's linear element range. A view never outlives its buffer; every
// operation re-checks that the buffer is still alive.
type View[T Element] struct {
	buf    *Buffer[T]
	offset int64
	extent int64
}

// Len is the view's element count.
func (v View[T]) Len() int64 { return v.extent }

// Offset is the view's element offset into its buffer.
func (v View[T]) Offset() int64 { return v.offset }

// Buffer returns the owning buffer.
func (v View[T]) Buffer() *Buffer[T] { return v.buf }

// Subview narrows the view further with the same bounds rule as
// Buffer.Subview.
func (v View[T]) Subview(offset, extent int64) (View[T], error) {
	if offset < 0 || extent < 0 || offset+extent > v.extent {
		return View[T]{}, gpuerr.Newf(gpuerr.KindInvalidArgument,
			"subview [%d,+%d) outside view of length %d", offset, extent, v.extent)
	}
	return View[T]{buf: v.buf, offset: v.offset + offset, extent: extent}, nil
}

// CopyFromHost uploads src into the viewed range.
func (v View[T]) CopyFromHost(src []T, stream Stream) error {
	s := v.buf.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAlive("view copy_from_host"); err != nil {
		return err
	}
	if int64(len(src)) != v.extent {
		return gpuerr.Newf(gpuerr.KindInvalidArgument,
			"host slice length %d does not match view length %d", len(src), v.extent)
	}
	if v.extent == 0 {
		return nil
	}
	byteOff := v.offset * s.elemSize
	byteLen := v.extent * s.elemSize

	if s.host != nil {
		copy(asTyped[T](s.host[byteOff:byteOff+byteLen]), src)
		s.hostValid = true
		if s.loc == LocationUnified {
			s.devValid = false
		}
		return nil
	}
	bytes := asBytes(src)
	dptr := s.dptr
	if stream == nil {
		return s.owner.drv.CopyHtoD(dptr, byteOff, hostPointer(bytes), byteLen, 0)
	}
	return stream.Enqueue(func(drv driver.Driver, q driver.Queue) error {
		return drv.CopyHtoD(dptr, byteOff, hostPointer(bytes), byteLen, q)
	})
}

// CopyToHost downloads the viewed range into dst.
func (v View[T]) CopyToHost(dst []T, stream Stream) error {
	s := v.buf.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAlive("view copy_to_host"); err != nil {
		return err
	}
	if int64(len(dst)) != v.extent {
		return gpuerr.Newf(gpuerr.KindInvalidArgument,
			"host slice length %d does not match view length %d", len(dst), v.extent)
	}
	if v.extent == 0 {
		return nil
	}
	byteOff := v.offset * s.elemSize
	byteLen := v.extent * s.elemSize

	if s.host != nil && s.hostValid {
		copy(dst, asTyped[T](s.host[byteOff:byteOff+byteLen]))
		return nil
	}
	bytes := asBytes(dst)
	dptr := s.dptr
	if stream == nil {
		return s.owner.drv.CopyDtoH(hostPointer(bytes), dptr, byteOff, byteLen, 0)
	}
	return stream.Enqueue(func(drv driver.Driver, q driver.Queue) error {
		return drv.CopyDtoH(hostPointer(bytes), dptr, byteOff, byteLen, q)
	})
}

// KernelArg marshals the view for a launch: the buffer's device pointer at
// the view's byte offset.
func (v View[T]) KernelArg() (driver.KernelArg, error) {
	s := v.buf.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAlive("view kernel_arg"); err != nil {
		return driver.KernelArg{}, err
	}
	if s.dptr == 0 {
		return driver.KernelArg{}, gpuerr.Newf(gpuerr.KindInvalidArgument,
			"%s buffer has no device pointer; migrate or allocate device-side", s.loc)
	}
	return driver.KernelArg{Kind: driver.ArgBuffer, Device: s.dptr, Offset: v.offset * s.elemSize}, nil
}
