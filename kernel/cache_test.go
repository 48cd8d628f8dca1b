package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivertowski/accelgo/gpuerr"
)

// fakeClock steps time deterministically for LRU and TTL ordering.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testCache(opts CacheOptions) (*Cache, *fakeClock) {
	c := NewCache(opts, nil)
	clock := newFakeClock()
	c.now = clock.Now
	return c, clock
}

func testArtifact(entry string) *Artifact {
	return &Artifact{
		Payload: []byte(entry),
		Entry:   entry,
		Params: []Param{
			{Kind: ParamView, ElemType: "float32", Size: 4, Align: 4},
			{Kind: ParamScalar, ElemType: "int64", Size: 8, Align: 8},
		},
	}
}

func fp(name string) Fingerprint {
	return Signature{Name: name}.Fingerprint()
}

func TestFingerprintStability(t *testing.T) {
	sig := Signature{
		Name: "accelgo.add_f32",
		Params: []Param{
			{Kind: ParamView, ElemType: "float32", Size: 4, Align: 4},
			{Kind: ParamScalar, ElemType: "int64", Size: 8, Align: 8},
		},
		OptFlags: "speed",
	}
	assert.Equal(t, sig.Fingerprint(), sig.Fingerprint())

	renamed := sig
	renamed.Name = "accelgo.add_f64"
	assert.NotEqual(t, sig.Fingerprint(), renamed.Fingerprint())

	reflagged := sig
	reflagged.OptFlags = "size"
	assert.NotEqual(t, sig.Fingerprint(), reflagged.Fingerprint())

	retyped := sig
	retyped.Params = []Param{
		{Kind: ParamView, ElemType: "float64", Size: 8, Align: 8},
		{Kind: ParamScalar, ElemType: "int64", Size: 8, Align: 8},
	}
	assert.NotEqual(t, sig.Fingerprint(), retyped.Fingerprint())
}

func TestCacheHitMissVersionAndStats(t *testing.T) {
	c, _ := testCache(CacheOptions{MaxSize: 16, DefaultTTL: time.Hour, EvictionThreshold: 0.9})
	key := fp("k")

	_, err := c.Put(key, testArtifact("k"), "1.0.0", map[string]string{"opt": "speed"})
	require.NoError(t, err)

	e, ok := c.TryGet(key, "1.0.0")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", e.Version)
	assert.Equal(t, "speed", e.Metadata["opt"])

	_, ok = c.TryGet(key, "2.0.0")
	assert.False(t, ok, "version mismatch is a miss, never a hit")

	assert.Equal(t, 1, c.InvalidateVersion("1.0.0"))
	_, ok = c.TryGet(key, "1.0.0")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestCacheLRUEvictionScenario(t *testing.T) {
	c, _ := testCache(CacheOptions{MaxSize: 3, EvictionThreshold: 0.8})
	k1, k2, k3, k4 := fp("k1"), fp("k2"), fp("k3"), fp("k4")

	_, err := c.Put(k1, testArtifact("k1"), "v", nil)
	require.NoError(t, err)
	_, err = c.Put(k2, testArtifact("k2"), "v", nil)
	require.NoError(t, err)

	_, ok := c.TryGet(k1, "v") // refresh k1's LRU position
	require.True(t, ok)

	_, err = c.Put(k3, testArtifact("k3"), "v", nil)
	require.NoError(t, err)
	_, err = c.Put(k4, testArtifact("k4"), "v", nil)
	require.NoError(t, err)

	_, ok = c.TryGet(k1, "v")
	assert.True(t, ok, "k1 refreshed, must survive")
	_, ok = c.TryGet(k3, "v")
	assert.True(t, ok)
	_, ok = c.TryGet(k4, "v")
	assert.True(t, ok)
	_, ok = c.TryGet(k2, "v")
	assert.False(t, ok, "k2 was least recently used")
}

func TestCacheSizeBoundHolds(t *testing.T) {
	c, _ := testCache(CacheOptions{MaxSize: 10, EvictionThreshold: 0.8})

	for i := 0; i < 40; i++ {
		_, err := c.Put(fp(fmt.Sprintf("k%d", i)), testArtifact("k"), "v", nil)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.Len(), 10, "size must never exceed MaxSize")
	}
	// The sweep keeps the steady state at the threshold boundary.
	assert.LessOrEqual(t, float64(c.Len()), 0.8*10+1)
}

func TestCacheEvictionThresholdSweep(t *testing.T) {
	c, _ := testCache(CacheOptions{MaxSize: 10, EvictionThreshold: 0.8})

	// Fill to just below the trigger.
	for i := 0; i < 7; i++ {
		_, err := c.Put(fp(fmt.Sprintf("k%d", i)), testArtifact("k"), "v", nil)
		require.NoError(t, err)
	}
	require.Equal(t, 7, c.Len())

	// This put finds 7 entries, below the trigger, so it inserts without
	// a sweep and brings the size to the threshold.
	_, err := c.Put(fp("k7"), testArtifact("k"), "v", nil)
	require.NoError(t, err)
	assert.Equal(t, 8, c.Len())

	// The next put finds the size at the threshold and sweeps back below
	// it before inserting.
	_, err = c.Put(fp("k8"), testArtifact("k"), "v", nil)
	require.NoError(t, err)
	assert.Equal(t, 8, c.Len())
	assert.Greater(t, c.Stats().Evictions, int64(0))
}

func TestCacheTTLHalfOpenBoundary(t *testing.T) {
	ttl := time.Minute
	c, clock := testCache(CacheOptions{MaxSize: 16, DefaultTTL: ttl, EvictionThreshold: 0.9})
	key := fp("k")

	entry, err := c.Put(key, testArtifact("k"), "v", nil)
	require.NoError(t, err)

	// Step the clock to exactly createdAt + ttl. The interval is
	// half-open, so the entry is already expired.
	c.mu.Lock()
	deadline := entry.CreatedAt.Add(ttl)
	c.mu.Unlock()
	clock.mu.Lock()
	clock.now = deadline.Add(-time.Millisecond) // Now() adds one step
	clock.mu.Unlock()

	_, ok := c.TryGet(key, "v")
	assert.False(t, ok, "entry at created_at + ttl == now must be expired")
	assert.Equal(t, 0, c.Len(), "expired entry is removed on lookup")
}

func TestCacheTTLBeforeDeadlineIsHit(t *testing.T) {
	c, clock := testCache(CacheOptions{MaxSize: 16, DefaultTTL: time.Minute, EvictionThreshold: 0.9})
	key := fp("k")

	_, err := c.Put(key, testArtifact("k"), "v", nil)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)

	_, ok := c.TryGet(key, "v")
	assert.True(t, ok)
}

func TestCacheClear(t *testing.T) {
	c, _ := testCache(CacheOptions{MaxSize: 16, EvictionThreshold: 0.9})
	_, err := c.Put(fp("a"), testArtifact("a"), "v", nil)
	require.NoError(t, err)
	_, err = c.Put(fp("b"), testArtifact("b"), "v", nil)
	require.NoError(t, err)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestGetOrCompileSingleFlight(t *testing.T) {
	c, _ := testCache(CacheOptions{MaxSize: 16, EvictionThreshold: 0.9})
	key := fp("k")

	var compiles atomic.Int32
	compileStarted := make(chan struct{})
	release := make(chan struct{})
	source := func() (*Artifact, error) {
		if compiles.Add(1) == 1 {
			close(compileStarted)
		}
		<-release
		return testArtifact("k"), nil
	}

	const callers = 8
	results := make([]*Cached, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompile(context.Background(), key, "v", source)
		}(i)
	}

	<-compileStarted
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), compiles.Load(), "source_fn must run at most once")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i], "all callers share the same entry")
	}
}

func TestGetOrCompileSharedError(t *testing.T) {
	c, _ := testCache(CacheOptions{MaxSize: 16, EvictionThreshold: 0.9})
	key := fp("k")

	var compiles atomic.Int32
	release := make(chan struct{})
	source := func() (*Artifact, error) {
		compiles.Add(1)
		<-release
		return nil, fmt.Errorf("ptx assembler rejected input")
	}

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrCompile(context.Background(), key, "v", source)
		}(i)
	}
	// Give the goroutines a moment to pile onto the barrier.
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), compiles.Load())
	for i := 0; i < callers; i++ {
		require.Error(t, errs[i])
		assert.True(t, gpuerr.IsKind(errs[i], gpuerr.KindKernelCompilationFailed))
	}
	// A failed compile is not cached; the next call retries.
	assert.Equal(t, 0, c.Len())
}

func TestGetOrCompileHitSkipsSource(t *testing.T) {
	c, _ := testCache(CacheOptions{MaxSize: 16, EvictionThreshold: 0.9})
	key := fp("k")
	_, err := c.Put(key, testArtifact("k"), "v", nil)
	require.NoError(t, err)

	e, err := c.GetOrCompile(context.Background(), key, "v", func() (*Artifact, error) {
		t.Fatal("source must not run on a hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v", e.Version)
}

func TestGetOrCompileTimeout(t *testing.T) {
	c, _ := testCache(CacheOptions{MaxSize: 16, EvictionThreshold: 0.9})
	key := fp("k")

	release := make(chan struct{})
	defer close(release)
	source := func() (*Artifact, error) {
		<-release
		return testArtifact("k"), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetOrCompile(ctx, key, "v", source)
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindTimeout))
}
