package hybrid

// CPU SIMD path. Matrix multiply goes through gonum's float32 BLAS, which
// dispatches to vectorized kernels; the element-wise and reduction loops
// are unrolled four wide so the compiler keeps them in vector registers.

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// simdMatMul computes c = a·b for row-major float32 matrices.
func simdMatMul(c, a, b []float32, m, k, n int) {
	if m == 0 || n == 0 {
		return
	}
	am := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	bm := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	cm := blas32.General{Rows: m, Cols: n, Stride: n, Data: c}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, am, bm, 0, cm)
}

// simdAdd computes dst = a + b element-wise.
func simdAdd(dst, a, b []float32) {
	n := len(dst)
	i := 0
	for ; i+4 <= n; i += 4 {
		dst[i] = a[i] + b[i]
		dst[i+1] = a[i+1] + b[i+1]
		dst[i+2] = a[i+2] + b[i+2]
		dst[i+3] = a[i+3] + b[i+3]
	}
	for ; i < n; i++ {
		dst[i] = a[i] + b[i]
	}
}

// simdReduceSum folds the slice with four parallel accumulators.
func simdReduceSum(a []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		s0 += a[i]
		s1 += a[i+1]
		s2 += a[i+2]
		s3 += a[i+3]
	}
	sum := s0 + s1 + s2 + s3
	for ; i < len(a); i++ {
		sum += a[i]
	}
	return sum
}

// simdTranspose writes dst[c*rows+r] = src[r*cols+c] in cache-friendly
// 32x32 tiles.
func simdTranspose(dst, src []float32, rows, cols int) {
	const tile = 32
	for rt := 0; rt < rows; rt += tile {
		rEnd := rt + tile
		if rEnd > rows {
			rEnd = rows
		}
		for ct := 0; ct < cols; ct += tile {
			cEnd := ct + tile
			if cEnd > cols {
				cEnd = cols
			}
			for r := rt; r < rEnd; r++ {
				for c := ct; c < cEnd; c++ {
					dst[c*rows+r] = src[r*cols+c]
				}
			}
		}
	}
}
