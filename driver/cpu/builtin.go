package cpu

// Built-in kernels used by the hybrid dispatcher's device path, the demo
// CLI and the test suite. Entry names follow <op>_<element> with lengths
// passed as trailing int64 scalars, mirroring how device kernels receive
// their extents.

func init() {
	RegisterKernel("iota_i32", func(tid ThreadID, args []Arg) {
		data, n := Data[int32](args[0]), Scalar[int64](args[1])
		if i := tid.GlobalX(); int64(i) < n {
			data[i] = int32(i)
		}
	})
	RegisterKernel("iota_f32", func(tid ThreadID, args []Arg) {
		data, n := Data[float32](args[0]), Scalar[int64](args[1])
		if i := tid.GlobalX(); int64(i) < n {
			data[i] = float32(i)
		}
	})
	RegisterKernel("identity_i32", func(tid ThreadID, args []Arg) {
		dst, src, n := Data[int32](args[0]), Data[int32](args[1]), Scalar[int64](args[2])
		if i := tid.GlobalX(); int64(i) < n {
			dst[i] = src[i]
		}
	})
	RegisterKernel("identity_f32", func(tid ThreadID, args []Arg) {
		dst, src, n := Data[float32](args[0]), Data[float32](args[1]), Scalar[int64](args[2])
		if i := tid.GlobalX(); int64(i) < n {
			dst[i] = src[i]
		}
	})
	RegisterKernel("increment_f32", func(tid ThreadID, args []Arg) {
		data, n := Data[float32](args[0]), Scalar[int64](args[1])
		if i := tid.GlobalX(); int64(i) < n {
			data[i]++
		}
	})
	RegisterKernel("increment_i32", func(tid ThreadID, args []Arg) {
		data, n := Data[int32](args[0]), Scalar[int64](args[1])
		if i := tid.GlobalX(); int64(i) < n {
			data[i]++
		}
	})
	RegisterKernel("scale_f32", func(tid ThreadID, args []Arg) {
		data, factor, n := Data[float32](args[0]), Scalar[float32](args[1]), Scalar[int64](args[2])
		if i := tid.GlobalX(); int64(i) < n {
			data[i] *= factor
		}
	})
	RegisterKernel("add_f32", func(tid ThreadID, args []Arg) {
		dst, a, b, n := Data[float32](args[0]), Data[float32](args[1]), Data[float32](args[2]), Scalar[int64](args[3])
		if i := tid.GlobalX(); int64(i) < n {
			dst[i] = a[i] + b[i]
		}
	})
	RegisterKernel("add_f64", func(tid ThreadID, args []Arg) {
		dst, a, b, n := Data[float64](args[0]), Data[float64](args[1]), Data[float64](args[2]), Scalar[int64](args[3])
		if i := tid.GlobalX(); int64(i) < n {
			dst[i] = a[i] + b[i]
		}
	})

	// matmul_f32 computes one C[row,col] per thread over row-major inputs:
	// args are (c, a, b, m, k, n).
	RegisterKernel("matmul_f32", func(tid ThreadID, args []Arg) {
		c, a, b := Data[float32](args[0]), Data[float32](args[1]), Data[float32](args[2])
		m, k, n := Scalar[int64](args[3]), Scalar[int64](args[4]), Scalar[int64](args[5])
		row, col := int64(tid.GlobalY()), int64(tid.GlobalX())
		if row >= m || col >= n {
			return
		}
		var sum float32
		for l := int64(0); l < k; l++ {
			sum += a[row*k+l] * b[l*n+col]
		}
		c[row*n+col] = sum
	})

	// reduce_sum_f32 has one thread per block sum a contiguous chunk into
	// partial[blockIdx]; the host or a second pass folds the partials.
	RegisterKernel("reduce_sum_f32", func(tid ThreadID, args []Arg) {
		partial, data, n := Data[float32](args[0]), Data[float32](args[1]), Scalar[int64](args[2])
		if tid.Thread.X != 0 {
			return
		}
		chunk := (n + int64(tid.GridDim.X) - 1) / int64(tid.GridDim.X)
		start := int64(tid.Block.X) * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		var sum float32
		for i := start; i < end; i++ {
			sum += data[i]
		}
		partial[tid.Block.X] = sum
	})

	// transpose_f32 writes dst[col*rows+row] = src[row*cols+col];
	// args are (dst, src, rows, cols).
	RegisterKernel("transpose_f32", func(tid ThreadID, args []Arg) {
		dst, src := Data[float32](args[0]), Data[float32](args[1])
		rows, cols := Scalar[int64](args[2]), Scalar[int64](args[3])
		row, col := int64(tid.GlobalY()), int64(tid.GlobalX())
		if row >= rows || col >= cols {
			return
		}
		dst[col*rows+row] = src[row*cols+col]
	})

	RegisterKernel("fill_f32", func(tid ThreadID, args []Arg) {
		data, value, n := Data[float32](args[0]), Scalar[float32](args[1]), Scalar[int64](args[2])
		if i := tid.GlobalX(); int64(i) < n {
			data[i] = value
		}
	})
}
