package accel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivertowski/accelgo/config"
	"github.com/mivertowski/accelgo/device"
	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
	"github.com/mivertowski/accelgo/kernel"
	"github.com/mivertowski/accelgo/memory"
)

func testContext(t *testing.T, mutate ...func(*config.Config)) *Context {
	t.Helper()
	cfg := config.DefaultConfig()
	for _, m := range mutate {
		m(cfg)
	}
	ctx, err := NewContext(WithConfig(cfg), WithBackends(device.BackendCPU))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func testAccelerator(t *testing.T, mutate ...func(*config.Config)) *Accelerator {
	t.Helper()
	ctx := testContext(t, mutate...)
	a, err := ctx.DefaultAccelerator()
	require.NoError(t, err)
	return a
}

func iotaSignature(backend device.Backend) kernel.Signature {
	return kernel.Signature{
		Name: "accelgo.iota_i32",
		Params: []kernel.Param{
			{Kind: kernel.ParamView, ElemType: "int32", Size: 4, Align: 4},
			{Kind: kernel.ParamScalar, ElemType: "int64", Size: 8, Align: 8},
		},
		DeviceKind: backend,
	}
}

func iotaSource() (*kernel.Artifact, error) {
	return &kernel.Artifact{
		Payload: []byte("iota_i32"),
		Entry:   "iota_i32",
		Params: []kernel.Param{
			{Kind: kernel.ParamView, ElemType: "int32", Size: 4, Align: 4},
			{Kind: kernel.ParamScalar, ElemType: "int64", Size: 8, Align: 8},
		},
	}, nil
}

func TestContextDiscoversCPUDevice(t *testing.T) {
	ctx := testContext(t)
	devices := ctx.Devices(device.Filter{})
	require.NotEmpty(t, devices)
	assert.Equal(t, device.BackendCPU, devices[0].ID.Backend)
	assert.Equal(t, device.StatusAvailable, devices[0].Status)
}

func TestBasicLaunchEndToEnd(t *testing.T) {
	a := testAccelerator(t)

	const n = int64(1000)
	buf, err := Allocate[int32](a, memory.Dim1(n), memory.HintGpuOptimized)
	require.NoError(t, err)
	defer buf.Dispose()

	l, err := a.LoadKernelCached(context.Background(), iotaSignature(a.Device().ID.Backend), "1.0.0", iotaSource)
	require.NoError(t, err)

	view, err := buf.View()
	require.NoError(t, err)
	stream := a.DefaultStream()
	grid := driver.Dim3{X: int((n + 255) / 256), Y: 1, Z: 1}
	require.NoError(t, l.Launch(stream, grid, driver.Dim3{X: 256, Y: 1, Z: 1}, view, n))
	require.NoError(t, stream.Synchronize())

	host := make([]int32, n)
	require.NoError(t, buf.CopyToHost(host, nil))
	for i, v := range host {
		require.Equal(t, int32(i), v, "index %d", i)
	}
}

func TestIdentityKernelRoundTrip(t *testing.T) {
	a := testAccelerator(t)

	const n = int64(512)
	src, err := Allocate[int32](a, memory.Dim1(n), memory.HintGpuOptimized)
	require.NoError(t, err)
	defer src.Dispose()
	dst, err := Allocate[int32](a, memory.Dim1(n), memory.HintGpuOptimized)
	require.NoError(t, err)
	defer dst.Dispose()

	xs := make([]int32, n)
	for i := range xs {
		xs[i] = int32(i*7 - 3)
	}
	require.NoError(t, src.CopyFromHost(xs, nil))

	sig := kernel.Signature{
		Name: "accelgo.identity_i32",
		Params: []kernel.Param{
			{Kind: kernel.ParamView, ElemType: "int32", Size: 4, Align: 4},
			{Kind: kernel.ParamView, ElemType: "int32", Size: 4, Align: 4},
			{Kind: kernel.ParamScalar, ElemType: "int64", Size: 8, Align: 8},
		},
		DeviceKind: a.Device().ID.Backend,
	}
	l, err := a.LoadKernelCached(context.Background(), sig, "1.0.0", func() (*kernel.Artifact, error) {
		return &kernel.Artifact{Payload: []byte("identity_i32"), Entry: "identity_i32", Params: sig.Params}, nil
	})
	require.NoError(t, err)

	dv, err := dst.View()
	require.NoError(t, err)
	sv, err := src.View()
	require.NoError(t, err)
	stream := a.DefaultStream()
	require.NoError(t, l.Launch(stream, driver.Dim3{X: 2, Y: 1, Z: 1}, driver.Dim3{X: 256, Y: 1, Z: 1}, dv, sv, n))
	require.NoError(t, stream.Synchronize())

	got := make([]int32, n)
	require.NoError(t, dst.CopyToHost(got, nil))
	assert.Equal(t, xs, got)
}

func TestStreamProgramOrder(t *testing.T) {
	a := testAccelerator(t)
	s, err := a.CreateStream()
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, s.Enqueue(func(drv driver.Driver, q driver.Queue) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	require.NoError(t, s.Synchronize())

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestStreamSynchronizeReturnsAndClearsFirstError(t *testing.T) {
	a := testAccelerator(t)
	s, err := a.CreateStream()
	require.NoError(t, err)

	boom := gpuerr.New(gpuerr.KindLaunchFailed, "boom")
	require.NoError(t, s.Enqueue(func(drv driver.Driver, q driver.Queue) error { return boom }))
	require.NoError(t, s.Enqueue(func(drv driver.Driver, q driver.Queue) error {
		return gpuerr.New(gpuerr.KindLaunchFailed, "second")
	}))

	err = s.Synchronize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	require.NoError(t, s.Synchronize(), "error state cleared by the first synchronize")
}

func TestStreamSynchronizeAsync(t *testing.T) {
	a := testAccelerator(t)
	s, err := a.CreateStream()
	require.NoError(t, err)

	started := make(chan struct{})
	require.NoError(t, s.Enqueue(func(drv driver.Driver, q driver.Queue) error {
		close(started)
		time.Sleep(10 * time.Millisecond)
		return nil
	}))
	future := s.SynchronizeAsync()
	<-started
	require.NoError(t, <-future)
}

func TestStreamSynchronizeTimeout(t *testing.T) {
	a := testAccelerator(t)
	s, err := a.CreateStream()
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, s.Enqueue(func(drv driver.Driver, q driver.Queue) error {
		<-release
		return nil
	}))

	err = s.SynchronizeTimeout(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindTimeout))
	assert.True(t, gpuerr.IsRetryable(err))

	close(release)
	require.NoError(t, s.Synchronize())
}

func TestEventCrossStreamJoin(t *testing.T) {
	a := testAccelerator(t)
	producer, err := a.CreateStream()
	require.NoError(t, err)
	consumer, err := a.CreateStream()
	require.NoError(t, err)

	var produced bool
	release := make(chan struct{})
	require.NoError(t, producer.Enqueue(func(drv driver.Driver, q driver.Queue) error {
		<-release
		produced = true
		return nil
	}))
	ev, err := producer.RecordEvent()
	require.NoError(t, err)

	var sawProduced bool
	require.NoError(t, consumer.WaitForEvent(ev))
	require.NoError(t, consumer.Enqueue(func(drv driver.Driver, q driver.Queue) error {
		sawProduced = produced
		return nil
	}))

	close(release)
	require.NoError(t, consumer.Synchronize())
	assert.True(t, ev.Signaled())
	assert.True(t, sawProduced, "consumer work must observe producer work through the event")
	require.NoError(t, producer.Synchronize())
}

func TestStreamCancellation(t *testing.T) {
	a := testAccelerator(t)
	s, err := a.CreateStream()
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(func(drv driver.Driver, q driver.Queue) error { return nil }))
	s.Cancel()

	err = s.Enqueue(func(drv driver.Driver, q driver.Queue) error { return nil })
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindCancelled))

	err = s.Synchronize()
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindCancelled))
}

func TestLoadKernelCachedCompilesOnceAcrossCallers(t *testing.T) {
	a := testAccelerator(t)

	var compiles int32
	var mu sync.Mutex
	source := func() (*kernel.Artifact, error) {
		mu.Lock()
		compiles++
		mu.Unlock()
		return iotaSource()
	}

	sig := iotaSignature(a.Device().ID.Backend)
	const callers = 8
	launchers := make([]*kernel.Launcher, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := a.LoadKernelCached(context.Background(), sig, "1.0.0", source)
			require.NoError(t, err)
			launchers[i] = l
		}(i)
	}
	wg.Wait()

	mu.Lock()
	assert.Equal(t, int32(1), compiles)
	mu.Unlock()
	for i := 1; i < callers; i++ {
		assert.Same(t, launchers[0], launchers[i])
	}
	assert.Equal(t, 1, a.Cache().Len())
}

func TestLoadKernelCachedVersionIsolation(t *testing.T) {
	a := testAccelerator(t)
	sig := iotaSignature(a.Device().ID.Backend)

	l1, err := a.LoadKernelCached(context.Background(), sig, "1.0.0", iotaSource)
	require.NoError(t, err)
	l2, err := a.LoadKernelCached(context.Background(), sig, "2.0.0", iotaSource)
	require.NoError(t, err)
	assert.NotSame(t, l1, l2, "different versions are different cache entries")
}

func TestAcceleratorMemoryInfo(t *testing.T) {
	a := testAccelerator(t)

	info, err := a.MemoryInfo()
	require.NoError(t, err)
	assert.Greater(t, info.TotalBytes, int64(0))

	buf, err := Allocate[float64](a, memory.Dim1(1<<16), memory.HintGpuOptimized)
	require.NoError(t, err)
	defer buf.Dispose()

	after, err := a.MemoryInfo()
	require.NoError(t, err)
	assert.Greater(t, after.UsedBytes, info.UsedBytes)
}

func TestAcceleratorPoolRent(t *testing.T) {
	a := testAccelerator(t)
	require.NotNil(t, a.Pool())

	buf, err := Rent[float32](a, 1000)
	require.NoError(t, err)
	ptr := buf.Ptr()
	require.NoError(t, memory.Return(a.Pool(), buf, false))

	again, err := Rent[float32](a, 1000)
	require.NoError(t, err)
	assert.Equal(t, ptr, again.Ptr())
	assert.Equal(t, int64(1), a.Pool().Stats().Hits)
}

func TestAcceleratorCloseFreezesAndCascades(t *testing.T) {
	ctx := testContext(t)
	a, err := ctx.DefaultAccelerator()
	require.NoError(t, err)

	buf, err := Allocate[int32](a, memory.Dim1(100), memory.HintGpuOptimized)
	require.NoError(t, err)
	s, err := a.CreateStream()
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(func(drv driver.Driver, q driver.Queue) error { return nil }))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close()) // idempotent

	assert.True(t, buf.Disposed(), "teardown frees registered buffers")

	_, err = Allocate[int32](a, memory.Dim1(10), memory.HintGpuOptimized)
	require.Error(t, err, "allocation is frozen after close")

	_, err = a.CreateStream()
	require.Error(t, err)
}

func TestContextCloseReverseOrder(t *testing.T) {
	ctx := testContext(t)
	a1, err := ctx.DefaultAccelerator()
	require.NoError(t, err)
	a2, err := ctx.DefaultAccelerator()
	require.NoError(t, err)
	assert.NotEqual(t, a1.Name(), a2.Name(), "instances are distinguishable")

	require.NoError(t, ctx.Close())
	require.NoError(t, ctx.Close()) // idempotent

	_, err = ctx.OpenAccelerator(a1.Device())
	require.Error(t, err)
}

func TestContextSerializedRecreation(t *testing.T) {
	for i := 0; i < 3; i++ {
		cfg := config.DefaultConfig()
		ctx, err := NewContext(WithConfig(cfg), WithBackends(device.BackendCPU))
		require.NoError(t, err)
		require.NoError(t, ctx.Close())
	}
}

func TestOpenAcceleratorRejectsUnavailableDevice(t *testing.T) {
	ctx := testContext(t)
	dev := device.Device{
		ID:           device.CUDAID(0),
		Status:       device.StatusUnavailable,
		StatusReason: "driver init failed",
	}
	_, err := ctx.OpenAccelerator(dev)
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindDeviceUnavailable))
}

func TestContextRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PreferredBackend = "quantum"
	_, err := NewContext(WithConfig(cfg))
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindUnsupported))
}

func TestUnifiedCoherenceThroughKernel(t *testing.T) {
	a := testAccelerator(t)

	u, err := AllocateUnified[float32](a, memory.Dim1(100))
	require.NoError(t, err)
	defer u.Dispose()

	host, err := u.HostWrite()
	require.NoError(t, err)
	host[5] = 42

	require.NoError(t, u.EnsureDevice(nil))

	sig := kernel.Signature{
		Name: "accelgo.increment_f32",
		Params: []kernel.Param{
			{Kind: kernel.ParamView, ElemType: "float32", Size: 4, Align: 4},
			{Kind: kernel.ParamScalar, ElemType: "int64", Size: 8, Align: 8},
		},
		DeviceKind: a.Device().ID.Backend,
	}
	l, err := a.LoadKernelCached(context.Background(), sig, "1.0.0", func() (*kernel.Artifact, error) {
		return &kernel.Artifact{Payload: []byte("increment_f32"), Entry: "increment_f32", Params: sig.Params}, nil
	})
	require.NoError(t, err)

	view, err := u.View()
	require.NoError(t, err)
	stream := a.DefaultStream()
	require.NoError(t, l.Launch(stream, driver.Dim3{X: 1, Y: 1, Z: 1}, driver.Dim3{X: 128, Y: 1, Z: 1}, view, int64(100)))
	require.NoError(t, stream.Synchronize())
	u.MarkDeviceDirty()

	require.NoError(t, u.EnsureHost(nil))
	got, err := u.HostRead()
	require.NoError(t, err)
	assert.Equal(t, float32(43), got[5])
}
