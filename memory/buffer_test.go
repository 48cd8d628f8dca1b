package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/driver/cpu"
	"github.com/mivertowski/accelgo/gpuerr"
)

func testAllocator(t *testing.T) *Allocator {
	t.Helper()
	p := cpu.NewProvider(nil)
	devices, _ := p.Enumerate()
	drv, err := p.Open(devices[0].ID)
	require.NoError(t, err)
	t.Cleanup(func() { drv.Close() })
	return NewAllocator(drv, devices[0].ID.String(), true, true, nil)
}

func TestShape(t *testing.T) {
	s := Dim2(3, 4)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, int64(12), s.Len())
	assert.Equal(t, []int64{4, 1}, s.DenseStrides())
	require.NoError(t, s.Validate())

	require.Error(t, Shape{Dims: []int64{1, 2, 3, 4}}.Validate())
	require.Error(t, Shape{Dims: []int64{-1}}.Validate())
	require.Error(t, Shape{Dims: []int64{2, 2}, Strides: []int64{1}}.Validate())
}

func TestLayoutHintResolution(t *testing.T) {
	assert.Equal(t, LocationHost, HintAuto.Resolve(100, true))
	assert.Equal(t, LocationDevice, HintAuto.Resolve(4096, false))
	assert.Equal(t, LocationUnified, HintAuto.Resolve(2<<20, true))
	assert.Equal(t, LocationDevice, HintAuto.Resolve(2<<20, false))
	assert.Equal(t, LocationHost, HintCpuOptimized.Resolve(1<<30, true))
	assert.Equal(t, LocationDevice, HintGpuOptimized.Resolve(1, true))
	assert.Equal(t, LocationPinned, HintPinned.Resolve(1, false))
}

func TestCopyRoundTripAllLocations(t *testing.T) {
	a := testAllocator(t)

	for _, hint := range []LayoutHint{HintCpuOptimized, HintGpuOptimized, HintUnified, HintPinned} {
		buf, err := Alloc[float64](a, Dim1(257), hint)
		require.NoError(t, err, hint)

		src := make([]float64, 257)
		for i := range src {
			src[i] = float64(i) * 1.5
		}
		require.NoError(t, buf.CopyFromHost(src, nil))

		dst := make([]float64, 257)
		require.NoError(t, buf.CopyToHost(dst, nil))
		assert.Equal(t, src, dst, hint)

		require.NoError(t, buf.Dispose())
	}
}

func TestRoundTripElementTypes(t *testing.T) {
	a := testAllocator(t)

	t.Run("int32", func(t *testing.T) {
		buf, err := Alloc[int32](a, Dim1(64), HintGpuOptimized)
		require.NoError(t, err)
		defer buf.Dispose()
		src := make([]int32, 64)
		for i := range src {
			src[i] = int32(-i)
		}
		require.NoError(t, buf.CopyFromHost(src, nil))
		dst := make([]int32, 64)
		require.NoError(t, buf.CopyToHost(dst, nil))
		assert.Equal(t, src, dst)
	})

	t.Run("uint8", func(t *testing.T) {
		buf, err := Alloc[uint8](a, Dim1(64), HintGpuOptimized)
		require.NoError(t, err)
		defer buf.Dispose()
		src := make([]uint8, 64)
		for i := range src {
			src[i] = uint8(i * 3)
		}
		require.NoError(t, buf.CopyFromHost(src, nil))
		dst := make([]uint8, 64)
		require.NoError(t, buf.CopyToHost(dst, nil))
		assert.Equal(t, src, dst)
	})

	t.Run("half", func(t *testing.T) {
		buf, err := Alloc[Half](a, Dim1(16), HintGpuOptimized)
		require.NoError(t, err)
		defer buf.Dispose()
		src := HalfFromFloat32s([]float32{0, 0.5, 1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5, 5, 5.5, 6, 6.5, 7, 7.5})
		require.NoError(t, buf.CopyFromHost(src, nil))
		dst := make([]Half, 16)
		require.NoError(t, buf.CopyToHost(dst, nil))
		assert.Equal(t, src, dst)
		assert.Equal(t, float32(2.5), HalfToFloat32s(dst)[5])
	})
}

func TestDisposedBufferRejectsEverything(t *testing.T) {
	a := testAllocator(t)

	buf, err := Alloc[float32](a, Dim1(10), HintGpuOptimized)
	require.NoError(t, err)
	require.NoError(t, buf.Dispose())
	require.NoError(t, buf.Dispose()) // idempotent

	host := make([]float32, 10)
	for name, op := range map[string]func() error{
		"copy_from_host": func() error { return buf.CopyFromHost(host, nil) },
		"copy_to_host":   func() error { return buf.CopyToHost(host, nil) },
		"fill_zero":      func() error { return buf.FillZero(nil) },
		"subview": func() error {
			_, err := buf.Subview(0, 1)
			return err
		},
		"kernel_arg": func() error {
			_, err := buf.KernelArg()
			return err
		},
	} {
		err := op()
		require.Error(t, err, name)
		assert.True(t, gpuerr.IsKind(err, gpuerr.KindInvalidArgument), name)
	}
	assert.Equal(t, driver.Ptr(0), buf.Ptr())
}

func TestSubviewBoundaries(t *testing.T) {
	a := testAllocator(t)

	buf, err := Alloc[int32](a, Dim1(100), HintGpuOptimized)
	require.NoError(t, err)
	defer buf.Dispose()

	// offset == len with extent 0 is a valid empty view.
	empty, err := buf.Subview(100, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Len())

	// offset == len with extent 1 reaches past the end.
	_, err = buf.Subview(100, 1)
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindInvalidArgument))

	_, err = buf.Subview(-1, 1)
	require.Error(t, err)
	_, err = buf.Subview(0, 101)
	require.Error(t, err)
}

func TestSubviewCopies(t *testing.T) {
	a := testAllocator(t)

	buf, err := Alloc[int32](a, Dim1(100), HintGpuOptimized)
	require.NoError(t, err)
	defer buf.Dispose()
	require.NoError(t, buf.FillZero(nil))

	v, err := buf.Subview(10, 5)
	require.NoError(t, err)
	require.NoError(t, v.CopyFromHost([]int32{1, 2, 3, 4, 5}, nil))

	// The narrower view reads back its own window.
	vv, err := v.Subview(1, 3)
	require.NoError(t, err)
	got := make([]int32, 3)
	require.NoError(t, vv.CopyToHost(got, nil))
	assert.Equal(t, []int32{2, 3, 4}, got)

	// The rest of the buffer is untouched.
	all := make([]int32, 100)
	require.NoError(t, buf.CopyToHost(all, nil))
	assert.Equal(t, int32(0), all[9])
	assert.Equal(t, int32(1), all[10])
	assert.Equal(t, int32(5), all[14])
	assert.Equal(t, int32(0), all[15])
}

func TestFillZero(t *testing.T) {
	a := testAllocator(t)

	buf, err := Alloc[int64](a, Dim1(32), HintGpuOptimized)
	require.NoError(t, err)
	defer buf.Dispose()

	src := make([]int64, 32)
	for i := range src {
		src[i] = int64(i + 1)
	}
	require.NoError(t, buf.CopyFromHost(src, nil))
	require.NoError(t, buf.FillZero(nil))

	dst := make([]int64, 32)
	require.NoError(t, buf.CopyToHost(dst, nil))
	for _, v := range dst {
		assert.Equal(t, int64(0), v)
	}
}

func TestCopyToSizeChecked(t *testing.T) {
	a := testAllocator(t)

	src, err := Alloc[float32](a, Dim1(10), HintGpuOptimized)
	require.NoError(t, err)
	defer src.Dispose()
	dst, err := Alloc[float32](a, Dim1(20), HintGpuOptimized)
	require.NoError(t, err)
	defer dst.Dispose()

	err = src.CopyTo(dst, nil)
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindInvalidArgument))
}

func TestCopyToDeviceToDevice(t *testing.T) {
	a := testAllocator(t)

	src, err := Alloc[float32](a, Dim1(16), HintGpuOptimized)
	require.NoError(t, err)
	defer src.Dispose()
	dst, err := Alloc[float32](a, Dim1(16), HintGpuOptimized)
	require.NoError(t, err)
	defer dst.Dispose()

	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i)
	}
	require.NoError(t, src.CopyFromHost(data, nil))
	require.NoError(t, src.CopyTo(dst, nil))

	got := make([]float32, 16)
	require.NoError(t, dst.CopyToHost(got, nil))
	assert.Equal(t, data, got)
}

func TestHostSliceLengthMismatch(t *testing.T) {
	a := testAllocator(t)

	buf, err := Alloc[float32](a, Dim1(10), HintGpuOptimized)
	require.NoError(t, err)
	defer buf.Dispose()

	err = buf.CopyFromHost(make([]float32, 9), nil)
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindInvalidArgument))
}

func TestAllocatorFreezeStopsAdmission(t *testing.T) {
	a := testAllocator(t)

	a.Freeze()
	_, err := Alloc[float32](a, Dim1(10), HintGpuOptimized)
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindDeviceUnavailable))
}

func TestReleaseAllFreesLiveBuffers(t *testing.T) {
	a := testAllocator(t)

	buf, err := Alloc[float32](a, Dim1(1000), HintGpuOptimized)
	require.NoError(t, err)
	assert.Greater(t, a.UsedBytes(), int64(0))

	require.NoError(t, a.ReleaseAll())
	assert.Equal(t, int64(0), a.UsedBytes())
	assert.True(t, buf.Disposed())
}
