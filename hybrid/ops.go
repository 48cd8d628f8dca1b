package hybrid

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/mivertowski/accelgo/device"
	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
	"github.com/mivertowski/accelgo/kernel"
	"github.com/mivertowski/accelgo/memory"
)

const blockSize = 256

func gridFor(n int64) driver.Dim3 {
	blocks := int((n + blockSize - 1) / blockSize)
	if blocks < 1 {
		blocks = 1
	}
	return driver.Dim3{X: blocks, Y: 1, Z: 1}
}

// builtinEntries maps ops to the CPU simulator's registered kernels.
var builtinEntries = map[Op]string{
	OpAdd:       "add_f32",
	OpMatMul:    "matmul_f32",
	OpReduce:    "reduce_sum_f32",
	OpTranspose: "transpose_f32",
}

// builtinParams declares the layout each built-in kernel expects.
var builtinParams = map[Op][]kernel.Param{
	OpAdd: {
		{Kind: kernel.ParamView, ElemType: "float32", Size: 4, Align: 4},
		{Kind: kernel.ParamView, ElemType: "float32", Size: 4, Align: 4},
		{Kind: kernel.ParamView, ElemType: "float32", Size: 4, Align: 4},
		{Kind: kernel.ParamScalar, ElemType: "int64", Size: 8, Align: 8},
	},
	OpMatMul: {
		{Kind: kernel.ParamView, ElemType: "float32", Size: 4, Align: 4},
		{Kind: kernel.ParamView, ElemType: "float32", Size: 4, Align: 4},
		{Kind: kernel.ParamView, ElemType: "float32", Size: 4, Align: 4},
		{Kind: kernel.ParamScalar, ElemType: "int64", Size: 8, Align: 8},
		{Kind: kernel.ParamScalar, ElemType: "int64", Size: 8, Align: 8},
		{Kind: kernel.ParamScalar, ElemType: "int64", Size: 8, Align: 8},
	},
	OpReduce: {
		{Kind: kernel.ParamView, ElemType: "float32", Size: 4, Align: 4},
		{Kind: kernel.ParamView, ElemType: "float32", Size: 4, Align: 4},
		{Kind: kernel.ParamScalar, ElemType: "int64", Size: 8, Align: 8},
	},
	OpTranspose: {
		{Kind: kernel.ParamView, ElemType: "float32", Size: 4, Align: 4},
		{Kind: kernel.ParamView, ElemType: "float32", Size: 4, Align: 4},
		{Kind: kernel.ParamScalar, ElemType: "int64", Size: 8, Align: 8},
		{Kind: kernel.ParamScalar, ElemType: "int64", Size: 8, Align: 8},
	},
}

// launcherFor loads the device kernel for op through the cache.
func (d *Dispatcher) launcherFor(ctx context.Context, op Op) (*kernel.Launcher, error) {
	backend := d.acc.Device().ID.Backend
	entry := builtinEntries[op]
	sig := kernel.Signature{
		Name:       "accelgo." + entry,
		Params:     builtinParams[op],
		DeviceKind: backend,
	}

	var source kernel.SourceFunc
	if d.hook != nil {
		if fn, ok := d.hook(op, backend); ok {
			source = fn
		}
	}
	if source == nil {
		if backend != device.BackendCPU && backend != device.BackendSIMDCPU {
			return nil, gpuerr.Newf(gpuerr.KindUnsupported,
				"no kernel source for %s on backend %s", op, backend)
		}
		source = func() (*kernel.Artifact, error) {
			return &kernel.Artifact{
				Payload: []byte(entry),
				Entry:   entry,
				Params:  sig.Params,
			}, nil
		}
	}
	return d.acc.LoadKernelCached(ctx, sig, d.opts.KernelVersion, source)
}

// Add computes dst = a + b element-wise over float32 buffers.
func (d *Dispatcher) Add(ctx context.Context, dst, a, b *memory.Buffer[float32], strategy Strategy) error {
	n := dst.Len()
	if a.Len() != n || b.Len() != n {
		return gpuerr.Newf(gpuerr.KindInvalidArgument, "add length mismatch: %d, %d, %d", dst.Len(), a.Len(), b.Len())
	}
	chosen := d.choose(OpAdd, n, []int64{n}, false, strategy)
	d.count(OpAdd, chosen)

	switch chosen {
	case StrategyCpuSimd:
		return d.addHost(dst, a, b, 0, n)
	case StrategyHybrid:
		split := int64(float64(n) * d.opts.CPUGPURatio)
		return d.addHybrid(ctx, dst, a, b, split)
	default:
		return d.addDevice(ctx, dst, a, b, 0, n)
	}
}

func (d *Dispatcher) addHost(dst, a, b *memory.Buffer[float32], off, n int64) error {
	if n == 0 {
		return nil
	}
	av, err := a.Subview(off, n)
	if err != nil {
		return err
	}
	bv, err := b.Subview(off, n)
	if err != nil {
		return err
	}
	dv, err := dst.Subview(off, n)
	if err != nil {
		return err
	}
	ah := make([]float32, n)
	bh := make([]float32, n)
	if err := av.CopyToHost(ah, nil); err != nil {
		return err
	}
	if err := bv.CopyToHost(bh, nil); err != nil {
		return err
	}
	dh := make([]float32, n)
	simdAdd(dh, ah, bh)
	return dv.CopyFromHost(dh, nil)
}

func (d *Dispatcher) addDevice(ctx context.Context, dst, a, b *memory.Buffer[float32], off, n int64) error {
	if n == 0 {
		return nil
	}
	l, err := d.launcherFor(ctx, OpAdd)
	if err != nil {
		return err
	}
	dv, err := dst.Subview(off, n)
	if err != nil {
		return err
	}
	av, err := a.Subview(off, n)
	if err != nil {
		return err
	}
	bv, err := b.Subview(off, n)
	if err != nil {
		return err
	}
	stream := d.acc.DefaultStream()
	if err := l.Launch(stream, gridFor(n), driver.Dim3{X: blockSize, Y: 1, Z: 1}, dv, av, bv, n); err != nil {
		return err
	}
	return stream.Synchronize()
}

// addHybrid runs the CPU share [0,split) on the host while the device
// covers [split,n), joining on the stream event and the worker group.
func (d *Dispatcher) addHybrid(ctx context.Context, dst, a, b *memory.Buffer[float32], split int64) error {
	n := dst.Len()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.addHost(dst, a, b, 0, split) })
	g.Go(func() error { return d.addDevice(gctx, dst, a, b, split, n-split) })
	return g.Wait()
}

// MatMul computes c = a·b for row-major float32 matrices: a is m×k, b is
// k×n, c is m×n.
func (d *Dispatcher) MatMul(ctx context.Context, c, a, b *memory.Buffer[float32], m, k, n int64, strategy Strategy) error {
	if a.Len() != m*k || b.Len() != k*n || c.Len() != m*n {
		return gpuerr.Newf(gpuerr.KindInvalidArgument,
			"matmul shape mismatch: a=%d (want %d), b=%d (want %d), c=%d (want %d)",
			a.Len(), m*k, b.Len(), k*n, c.Len(), m*n)
	}
	chosen := d.choose(OpMatMul, m*k+k*n, []int64{m, k, n}, d.float32TensorOK(), strategy)
	d.count(OpMatMul, chosen)

	switch chosen {
	case StrategyCpuSimd:
		return d.matmulHost(c, a, b, 0, m, k, n)
	case StrategyHybrid:
		split := int64(float64(m) * d.opts.CPUGPURatio)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return d.matmulHost(c, a, b, 0, split, k, n) })
		g.Go(func() error { return d.matmulDevice(gctx, c, a, b, split, m-split, k, n) })
		return g.Wait()
	default:
		return d.matmulDevice(ctx, c, a, b, 0, m, k, n)
	}
}

// matmulHost multiplies rows [rowOff, rowOff+rows) on the host.
func (d *Dispatcher) matmulHost(c, a, b *memory.Buffer[float32], rowOff, rows, k, n int64) error {
	if rows == 0 {
		return nil
	}
	av, err := a.Subview(rowOff*k, rows*k)
	if err != nil {
		return err
	}
	cv, err := c.Subview(rowOff*n, rows*n)
	if err != nil {
		return err
	}
	ah := make([]float32, rows*k)
	bh := make([]float32, b.Len())
	if err := av.CopyToHost(ah, nil); err != nil {
		return err
	}
	if err := b.CopyToHost(bh, nil); err != nil {
		return err
	}
	ch := make([]float32, rows*n)
	simdMatMul(ch, ah, bh, int(rows), int(k), int(n))
	return cv.CopyFromHost(ch, nil)
}

// matmulDevice multiplies rows [rowOff, rowOff+rows) on the device.
func (d *Dispatcher) matmulDevice(ctx context.Context, c, a, b *memory.Buffer[float32], rowOff, rows, k, n int64) error {
	if rows == 0 {
		return nil
	}
	l, err := d.launcherFor(ctx, OpMatMul)
	if err != nil {
		return err
	}
	av, err := a.Subview(rowOff*k, rows*k)
	if err != nil {
		return err
	}
	cv, err := c.Subview(rowOff*n, rows*n)
	if err != nil {
		return err
	}
	bv, err := b.View()
	if err != nil {
		return err
	}
	grid := driver.Dim3{
		X: int((n + 15) / 16),
		Y: int((rows + 15) / 16),
		Z: 1,
	}
	block := driver.Dim3{X: 16, Y: 16, Z: 1}
	stream := d.acc.DefaultStream()
	if err := l.Launch(stream, grid, block, cv, av, bv, rows, k, n); err != nil {
		return err
	}
	return stream.Synchronize()
}

// Reduce sums all elements of a.
func (d *Dispatcher) Reduce(ctx context.Context, a *memory.Buffer[float32], strategy Strategy) (float32, error) {
	n := a.Len()
	chosen := d.choose(OpReduce, n, []int64{n}, false, strategy)
	d.count(OpReduce, chosen)

	if chosen == StrategyCpuSimd || chosen == StrategyHybrid {
		// A hybrid reduction's join cost exceeds the fold itself; the
		// host path handles both.
		host := make([]float32, n)
		if err := a.CopyToHost(host, nil); err != nil {
			return 0, err
		}
		return simdReduceSum(host), nil
	}

	l, err := d.launcherFor(ctx, OpReduce)
	if err != nil {
		return 0, err
	}
	blocks := int64(64)
	if n < blocks {
		blocks = n
	}
	if blocks < 1 {
		return 0, nil
	}
	partials, err := memory.Alloc[float32](d.acc.Allocator(), memory.Dim1(blocks), memory.HintGpuOptimized)
	if err != nil {
		return 0, err
	}
	defer partials.Dispose()

	pv, err := partials.View()
	if err != nil {
		return 0, err
	}
	av, err := a.View()
	if err != nil {
		return 0, err
	}
	stream := d.acc.DefaultStream()
	grid := driver.Dim3{X: int(blocks), Y: 1, Z: 1}
	if err := l.Launch(stream, grid, driver.Dim3{X: 1, Y: 1, Z: 1}, pv, av, n); err != nil {
		return 0, err
	}
	if err := stream.Synchronize(); err != nil {
		return 0, err
	}
	host := make([]float32, blocks)
	if err := partials.CopyToHost(host, nil); err != nil {
		return 0, err
	}
	return simdReduceSum(host), nil
}

// Transpose writes dst = srcᵀ for a row-major rows×cols matrix.
func (d *Dispatcher) Transpose(ctx context.Context, dst, src *memory.Buffer[float32], rows, cols int64, strategy Strategy) error {
	if src.Len() != rows*cols || dst.Len() != rows*cols {
		return gpuerr.Newf(gpuerr.KindInvalidArgument,
			"transpose shape mismatch: src=%d dst=%d want %d", src.Len(), dst.Len(), rows*cols)
	}
	chosen := d.choose(OpTranspose, rows*cols, []int64{rows, cols}, false, strategy)
	d.count(OpTranspose, chosen)

	if chosen == StrategyCpuSimd || chosen == StrategyHybrid {
		// Transpose is memory-bound; splitting it across host and
		// device just doubles the traffic.
		host := make([]float32, src.Len())
		if err := src.CopyToHost(host, nil); err != nil {
			return err
		}
		out := make([]float32, dst.Len())
		simdTranspose(out, host, int(rows), int(cols))
		return dst.CopyFromHost(out, nil)
	}

	l, err := d.launcherFor(ctx, OpTranspose)
	if err != nil {
		return err
	}
	dv, err := dst.View()
	if err != nil {
		return err
	}
	sv, err := src.View()
	if err != nil {
		return err
	}
	grid := driver.Dim3{
		X: int((cols + 15) / 16),
		Y: int((rows + 15) / 16),
		Z: 1,
	}
	stream := d.acc.DefaultStream()
	if err := l.Launch(stream, grid, driver.Dim3{X: 16, Y: 16, Z: 1}, dv, sv, rows, cols); err != nil {
		return err
	}
	return stream.Synchronize()
}
