package memory

import (
	"fmt"

	"github.com/mivertowski/accelgo/gpuerr"
)

// Shape describes a dense or strided extent of rank 1-3. Strides are in
// elements; a zero stride slice means dense row-major.
type Shape struct {
	Dims    []int64
	Strides []int64
}

// Dim1, Dim2 and Dim3 build dense shapes.
func Dim1(n int64) Shape          { return Shape{Dims: []int64{n}} }
func Dim2(rows, cols int64) Shape { return Shape{Dims: []int64{rows, cols}} }
func Dim3(x, y, z int64) Shape    { return Shape{Dims: []int64{x, y, z}} }

// Rank is the number of dimensions.
func (s Shape) Rank() int { return len(s.Dims) }

// Len is the total element count.
func (s Shape) Len() int64 {
	if len(s.Dims) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range s.Dims {
		n *= d
	}
	return n
}

// DenseStrides returns row-major strides for the shape.
func (s Shape) DenseStrides() []int64 {
	strides := make([]int64, len(s.Dims))
	acc := int64(1)
	for i := len(s.Dims) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s.Dims[i]
	}
	return strides
}

// Validate rejects impossible shapes.
func (s Shape) Validate() error {
	if len(s.Dims) < 1 || len(s.Dims) > 3 {
		return gpuerr.Newf(gpuerr.KindInvalidArgument, "rank %d outside 1..3", len(s.Dims))
	}
	for i, d := range s.Dims {
		if d < 0 {
			return gpuerr.Newf(gpuerr.KindInvalidArgument, "dimension %d is negative (%d)", i, d)
		}
	}
	if s.Strides != nil && len(s.Strides) != len(s.Dims) {
		return gpuerr.Newf(gpuerr.KindInvalidArgument, "stride rank %d does not match dims rank %d", len(s.Strides), len(s.Dims))
	}
	return nil
}

func (s Shape) String() string { return fmt.Sprintf("%v", s.Dims) }

// Location names where a buffer's bytes live.
type Location int

const (
	LocationHost Location = iota
	LocationDevice
	LocationUnified
	LocationPinned
)

func (l Location) String() string {
	switch l {
	case LocationHost:
		return "host"
	case LocationDevice:
		return "device"
	case LocationUnified:
		return "unified"
	case LocationPinned:
		return "pinned"
	}
	return "unknown"
}

// LayoutHint steers allocation placement.
type LayoutHint int

const (
	HintAuto LayoutHint = iota
	HintCpuOptimized
	HintGpuOptimized
	HintUnified
	HintPinned
)

// autoThresholdSmall and autoThresholdUnified bound the Auto placement
// rule: small buffers stay host-side, very large ones go unified when the
// device can.
const (
	autoThresholdSmall   = 1024
	autoThresholdUnified = 1 << 20
)

// Resolve maps a hint to a concrete location for a buffer of n elements on
// a device with or without unified memory support.
func (h LayoutHint) Resolve(n int64, unifiedSupport bool) Location {
	switch h {
	case HintCpuOptimized:
		return LocationHost
	case HintGpuOptimized:
		return LocationDevice
	case HintUnified:
		return LocationUnified
	case HintPinned:
		return LocationPinned
	default:
		if n < autoThresholdSmall {
			return LocationHost
		}
		if unifiedSupport && n > autoThresholdUnified {
			return LocationUnified
		}
		return LocationDevice
	}
}
