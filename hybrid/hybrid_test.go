package hybrid

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivertowski/accelgo/accel"
	"github.com/mivertowski/accelgo/config"
	"github.com/mivertowski/accelgo/device"
	"github.com/mivertowski/accelgo/memory"
)

func testDispatcher(t *testing.T) (*Dispatcher, *accel.Accelerator) {
	t.Helper()
	cfg := config.DefaultConfig()
	ctx, err := accel.NewContext(accel.WithConfig(cfg), accel.WithBackends(device.BackendCPU))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })

	a, err := ctx.DefaultAccelerator()
	require.NoError(t, err)
	return New(a, OptionsFromConfig(cfg), nil, nil), a
}

func deviceBuffer(t *testing.T, a *accel.Accelerator, data []float32) *memory.Buffer[float32] {
	t.Helper()
	buf, err := accel.Allocate[float32](a, memory.Dim1(int64(len(data))), memory.HintGpuOptimized)
	require.NoError(t, err)
	t.Cleanup(func() { buf.Dispose() })
	if data != nil {
		require.NoError(t, buf.CopyFromHost(data, nil))
	}
	return buf
}

func randomSlice(n int) []float32 {
	rng := rand.New(rand.NewSource(42))
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func naiveMatMul(a, b []float32, m, k, n int) []float32 {
	c := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for l := 0; l < k; l++ {
				sum += a[i*k+l] * b[l*n+j]
			}
			c[i*n+j] = sum
		}
	}
	return c
}

func TestAutoSelectionRule(t *testing.T) {
	d, _ := testDispatcher(t)

	// Below the small-tensor threshold everything goes to the CPU path.
	assert.Equal(t, StrategyCpuSimd, d.choose(OpMatMul, 100, []int64{10, 10, 10}, true, StrategyAuto))

	// Large op on a CPU accelerator without tensor cores stays CPU.
	assert.Equal(t, StrategyCpuSimd, d.choose(OpMatMul, 1<<20, []int64{512, 512, 512}, false, StrategyAuto))

	// Explicit strategies pass through unchanged.
	assert.Equal(t, StrategyGpuGeneral, d.choose(OpAdd, 10, []int64{10}, false, StrategyGpuGeneral))
	assert.Equal(t, StrategyHybrid, d.choose(OpAdd, 10, []int64{10}, false, StrategyHybrid))

	// The rule is deterministic.
	for i := 0; i < 10; i++ {
		assert.Equal(t,
			d.choose(OpReduce, 1<<20, []int64{1 << 20}, false, StrategyAuto),
			d.choose(OpReduce, 1<<20, []int64{1 << 20}, false, StrategyAuto))
	}
}

func TestAddAllStrategies(t *testing.T) {
	d, acc := testDispatcher(t)

	const n = 5000
	xs, ys := randomSlice(n), randomSlice(n)
	want := make([]float32, n)
	simdAdd(want, xs, ys)

	for _, strategy := range []Strategy{StrategyCpuSimd, StrategyGpuGeneral, StrategyHybrid, StrategyAuto} {
		t.Run(strategy.String(), func(t *testing.T) {
			a := deviceBuffer(t, acc, xs)
			b := deviceBuffer(t, acc, ys)
			dst := deviceBuffer(t, acc, make([]float32, n))

			require.NoError(t, d.Add(context.Background(), dst, a, b, strategy))
			got := make([]float32, n)
			require.NoError(t, dst.CopyToHost(got, nil))
			assert.Equal(t, want, got)
		})
	}
}

func TestAddLengthMismatch(t *testing.T) {
	d, acc := testDispatcher(t)
	a := deviceBuffer(t, acc, randomSlice(10))
	b := deviceBuffer(t, acc, randomSlice(20))
	dst := deviceBuffer(t, acc, randomSlice(10))
	require.Error(t, d.Add(context.Background(), dst, a, b, StrategyAuto))
}

func TestMatMulAllStrategies(t *testing.T) {
	d, acc := testDispatcher(t)

	const m, k, n = 33, 17, 29
	xs, ys := randomSlice(m*k), randomSlice(k*n)
	want := naiveMatMul(xs, ys, m, k, n)

	for _, strategy := range []Strategy{StrategyCpuSimd, StrategyGpuGeneral, StrategyHybrid} {
		t.Run(strategy.String(), func(t *testing.T) {
			a := deviceBuffer(t, acc, xs)
			b := deviceBuffer(t, acc, ys)
			c := deviceBuffer(t, acc, make([]float32, m*n))

			require.NoError(t, d.MatMul(context.Background(), c, a, b, m, k, n, strategy))
			got := make([]float32, m*n)
			require.NoError(t, c.CopyToHost(got, nil))
			for i := range want {
				assert.InDelta(t, want[i], got[i], 1e-3, "index %d", i)
			}
		})
	}
}

func TestMatMulShapeMismatch(t *testing.T) {
	d, acc := testDispatcher(t)
	a := deviceBuffer(t, acc, randomSlice(6))
	b := deviceBuffer(t, acc, randomSlice(6))
	c := deviceBuffer(t, acc, randomSlice(4))
	require.Error(t, d.MatMul(context.Background(), c, a, b, 2, 4, 2, StrategyCpuSimd))
}

func TestReduce(t *testing.T) {
	d, acc := testDispatcher(t)

	const n = 10000
	xs := randomSlice(n)
	var want float64
	for _, v := range xs {
		want += float64(v)
	}

	for _, strategy := range []Strategy{StrategyCpuSimd, StrategyGpuGeneral} {
		t.Run(strategy.String(), func(t *testing.T) {
			a := deviceBuffer(t, acc, xs)
			got, err := d.Reduce(context.Background(), a, strategy)
			require.NoError(t, err)
			assert.InDelta(t, want, float64(got), math.Abs(want)*1e-4+1e-3)
		})
	}
}

func TestTranspose(t *testing.T) {
	d, acc := testDispatcher(t)

	const rows, cols = 37, 53
	xs := randomSlice(rows * cols)
	want := make([]float32, rows*cols)
	simdTranspose(want, xs, rows, cols)

	for _, strategy := range []Strategy{StrategyCpuSimd, StrategyGpuGeneral} {
		t.Run(strategy.String(), func(t *testing.T) {
			src := deviceBuffer(t, acc, xs)
			dst := deviceBuffer(t, acc, make([]float32, rows*cols))

			require.NoError(t, d.Transpose(context.Background(), dst, src, rows, cols, strategy))
			got := make([]float32, rows*cols)
			require.NoError(t, dst.CopyToHost(got, nil))
			assert.Equal(t, want, got)
		})
	}
}

func TestSimdKernels(t *testing.T) {
	t.Run("add remainder handling", func(t *testing.T) {
		for _, n := range []int{0, 1, 3, 4, 5, 7, 8, 1023} {
			a, b := randomSlice(n), randomSlice(n)
			got := make([]float32, n)
			simdAdd(got, a, b)
			for i := range got {
				require.Equal(t, a[i]+b[i], got[i])
			}
		}
	})

	t.Run("reduce matches serial", func(t *testing.T) {
		xs := randomSlice(1001)
		var want float32
		for _, v := range xs {
			want += v
		}
		assert.InDelta(t, want, simdReduceSum(xs), 1e-2)
	})

	t.Run("matmul matches naive", func(t *testing.T) {
		const m, k, n = 5, 6, 7
		a, b := randomSlice(m*k), randomSlice(k*n)
		got := make([]float32, m*n)
		simdMatMul(got, a, b, m, k, n)
		want := naiveMatMul(a, b, m, k, n)
		for i := range want {
			assert.InDelta(t, want[i], got[i], 1e-4)
		}
	})

	t.Run("transpose involution", func(t *testing.T) {
		const rows, cols = 40, 33
		xs := randomSlice(rows * cols)
		once := make([]float32, len(xs))
		twice := make([]float32, len(xs))
		simdTranspose(once, xs, rows, cols)
		simdTranspose(twice, once, cols, rows)
		assert.Equal(t, xs, twice)
	})
}
