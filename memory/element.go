// Package memory implements the device buffer hierarchy: dense and strided
// buffers of rank 1-3, non-owning views, unified host/device buffers,
// pinned staging buffers, and the per-accelerator memory pool.
package memory

import (
	"unsafe"
)

// Element constrains buffer element types to fixed-size scalars with no
// managed references. Half-precision values travel as their uint16 bit
// pattern (x448/float16 on the host side).
type Element interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// SizeOf returns the byte size of one element.
func SizeOf[T Element]() int64 {
	var zero T
	return int64(unsafe.Sizeof(zero))
}

func asBytes[T Element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(SizeOf[T]()))
}

func asTyped[T Element](b []byte) []T {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/int(SizeOf[T]()))
}
