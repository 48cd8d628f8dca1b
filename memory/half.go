package memory

import (
	"github.com/x448/float16"
)

// Half is the IEEE 754 half-precision element type. On the host it is the
// raw bit pattern; devices interpret it natively in fp16 kernels and the
// tensor-core precision checks key off it.
type Half = float16.Float16

// HalfFromFloat32s converts a float32 slice to half precision for upload.
func HalfFromFloat32s(src []float32) []Half {
	out := make([]Half, len(src))
	for i, v := range src {
		out[i] = float16.Fromfloat32(v)
	}
	return out
}

// HalfToFloat32s widens a half-precision slice after download.
func HalfToFloat32s(src []Half) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = v.Float32()
	}
	return out
}
