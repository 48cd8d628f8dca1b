package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivertowski/accelgo/gpuerr"
)

func testPool(t *testing.T, opts PoolOptions) *Pool {
	t.Helper()
	a := testAllocator(t)
	p := NewPool(a, opts, nil)
	t.Cleanup(p.Close)
	return p
}

func adaptiveOpts() PoolOptions {
	return PoolOptions{Retention: RetentionAdaptive}
}

func TestPoolReuseIdentity(t *testing.T) {
	p := testPool(t, adaptiveOpts())

	a, err := Rent[float32](p, 1000)
	require.NoError(t, err)
	ptr := a.Ptr()
	require.NoError(t, Return(p, a, false))

	b, err := Rent[float32](p, 1000)
	require.NoError(t, err)
	assert.Equal(t, ptr, b.Ptr(), "rent after return must reuse the same buffer")
	assert.GreaterOrEqual(t, b.Len(), int64(1000))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestPoolRepeatedRentHitCounting(t *testing.T) {
	p := testPool(t, adaptiveOpts())

	const k = 5
	for i := 0; i < k; i++ {
		buf, err := Rent[int32](p, 256)
		require.NoError(t, err)
		require.NoError(t, Return(p, buf, false))
	}
	stats := p.Stats()
	assert.Equal(t, int64(k-1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestPoolSmallestFitWins(t *testing.T) {
	p := testPool(t, adaptiveOpts())

	small, err := Rent[float32](p, 100)
	require.NoError(t, err)
	large, err := Rent[float32](p, 10000)
	require.NoError(t, err)
	smallPtr := small.Ptr()
	require.NoError(t, Return(p, large, false))
	require.NoError(t, Return(p, small, false))

	got, err := Rent[float32](p, 50)
	require.NoError(t, err)
	assert.Equal(t, smallPtr, got.Ptr(), "smallest buffer satisfying the request wins")
}

func TestPoolMostRecentlyReturnedTieBreak(t *testing.T) {
	p := testPool(t, adaptiveOpts())

	first, err := Rent[float32](p, 512)
	require.NoError(t, err)
	second, err := Rent[float32](p, 512)
	require.NoError(t, err)
	secondPtr := second.Ptr()

	require.NoError(t, Return(p, first, false))
	time.Sleep(time.Millisecond) // distinct return timestamps
	require.NoError(t, Return(p, second, false))

	got, err := Rent[float32](p, 512)
	require.NoError(t, err)
	assert.Equal(t, secondPtr, got.Ptr(), "most recently returned wins the tie")
}

func TestPoolElementTypeSeparation(t *testing.T) {
	p := testPool(t, adaptiveOpts())

	f32, err := Rent[float32](p, 100)
	require.NoError(t, err)
	require.NoError(t, Return(p, f32, false))

	// Same byte footprint but different element size: no reuse.
	f64, err := Rent[float64](p, 50)
	require.NoError(t, err)
	defer Return(p, f64, false)

	stats := p.Stats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestPoolReturnDisposedIsFatal(t *testing.T) {
	p := testPool(t, adaptiveOpts())

	buf, err := Rent[float32](p, 100)
	require.NoError(t, err)
	require.NoError(t, Return(p, buf, false))

	// The handle went back to the pool; returning it again is a
	// disposed-buffer return.
	err = Return(p, buf, false)
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindInvalidArgument))
}

func TestPoolReturnAlienIsFatal(t *testing.T) {
	p := testPool(t, adaptiveOpts())
	other := testAllocator(t)

	alien, err := Alloc[float32](other, Dim1(100), HintGpuOptimized)
	require.NoError(t, err)
	defer alien.Dispose()

	err = Return(p, alien, false)
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindInvalidArgument))
}

func TestPoolReturnClearZeroes(t *testing.T) {
	p := testPool(t, adaptiveOpts())

	buf, err := Rent[int32](p, 16)
	require.NoError(t, err)
	src := make([]int32, buf.Len())
	for i := range src {
		src[i] = 7
	}
	require.NoError(t, buf.CopyFromHost(src, nil))
	require.NoError(t, Return(p, buf, true))

	again, err := Rent[int32](p, 16)
	require.NoError(t, err)
	got := make([]int32, again.Len())
	require.NoError(t, again.CopyToHost(got, nil))
	for _, v := range got {
		assert.Equal(t, int32(0), v)
	}
}

func TestPoolImmediateRetentionHoldsNothing(t *testing.T) {
	p := testPool(t, PoolOptions{Retention: RetentionImmediate})

	buf, err := Rent[float32](p, 100)
	require.NoError(t, err)
	require.NoError(t, Return(p, buf, false))

	stats := p.Stats()
	assert.Equal(t, 0, stats.Retained)
	assert.Equal(t, int64(0), stats.RetainedBytes)

	again, err := Rent[float32](p, 100)
	require.NoError(t, err)
	defer Return(p, again, false)
	assert.Equal(t, int64(2), p.Stats().Misses)
}

func TestPoolMaxBufferBytesBypass(t *testing.T) {
	p := testPool(t, PoolOptions{Retention: RetentionAdaptive, MaxBufferBytes: 1024})

	big, err := Rent[float32](p, 10000) // 40000 bytes, above the cap
	require.NoError(t, err)
	require.NoError(t, big.Dispose()) // direct free, not a pool return

	stats := p.Stats()
	assert.Equal(t, 0, stats.Retained)
	assert.Equal(t, 0, stats.InUse)
}

func TestPoolMaxPoolBytesEvictsOldest(t *testing.T) {
	p := testPool(t, PoolOptions{Retention: RetentionAdaptive, MaxPoolBytes: 4096})

	a, err := Rent[uint8](p, 4096)
	require.NoError(t, err)
	b, err := Rent[uint8](p, 4096)
	require.NoError(t, err)

	require.NoError(t, Return(p, a, false))
	time.Sleep(time.Millisecond)
	require.NoError(t, Return(p, b, false))

	stats := p.Stats()
	assert.Equal(t, 1, stats.Retained)
	assert.LessOrEqual(t, stats.RetainedBytes, int64(4096))
}

func TestPoolTrimReleasesEverything(t *testing.T) {
	p := testPool(t, adaptiveOpts())

	buf, err := Rent[float32](p, 1000)
	require.NoError(t, err)
	require.NoError(t, Return(p, buf, false))
	require.Equal(t, 1, p.Stats().Retained)

	p.Trim()
	stats := p.Stats()
	assert.Equal(t, 0, stats.Retained)
	assert.Equal(t, int64(0), stats.RetainedBytes)

	// Stats stay consistent: the next rent is a miss, not a crash.
	again, err := Rent[float32](p, 1000)
	require.NoError(t, err)
	defer Return(p, again, false)
	assert.Equal(t, int64(2), p.Stats().Misses)
}

func TestRentAsyncHonorsCancellation(t *testing.T) {
	p := testPool(t, adaptiveOpts())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RentAsync[float32](ctx, p, 100)
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindCancelled))
}
