package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mivertowski/accelgo/gpuerr"
	"github.com/mivertowski/accelgo/internal/metrics"
)

// Cached is one cache entry. Version is immutable after insertion; a
// lookup with a different version is a miss, never a hit.
type Cached struct {
	Artifact    *Artifact
	Version     string
	CreatedAt   time.Time
	LastAccess  time.Time
	AccessCount int64
	Metadata    map[string]string
	TTL         time.Duration
}

// expired applies the half-open TTL rule: an entry whose deadline equals
// now is already expired.
func (c *Cached) expired(now time.Time) bool {
	if c.TTL <= 0 {
		return false
	}
	return !now.Before(c.CreatedAt.Add(c.TTL))
}

// CacheOptions bound one cache.
type CacheOptions struct {
	MaxSize           int
	DefaultTTL        time.Duration
	EvictionThreshold float64
}

// CacheStats is a point-in-time counter snapshot.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// Cache is the versioned kernel cache: LRU plus TTL, with a per-key
// single-compile barrier so concurrent misses for the same fingerprint
// compile exactly once.
type Cache struct {
	opts CacheOptions
	log  *zap.Logger

	mu      sync.RWMutex
	entries map[Fingerprint]*Cached
	hits    int64
	misses  int64
	evicted int64

	group singleflight.Group

	// now is replaceable for TTL tests.
	now func() time.Time
}

// NewCache builds a cache. MaxSize must be positive; EvictionThreshold in
// (0,1] with 0 meaning the default 0.9.
func NewCache(opts CacheOptions, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 256
	}
	if opts.EvictionThreshold <= 0 || opts.EvictionThreshold > 1 {
		opts.EvictionThreshold = 0.9
	}
	return &Cache{
		opts:    opts,
		log:     log.Named("kcache"),
		entries: make(map[Fingerprint]*Cached),
		now:     time.Now,
	}
}

// TryGet is a hit iff the key is present, the version matches and the
// entry has not expired. A hit refreshes the LRU position.
func (c *Cache) TryGet(key Fingerprint, version string) (*Cached, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.Version != version || e.expired(now) {
		if ok && e.expired(now) {
			delete(c.entries, key)
			c.evicted++
			metrics.CacheEvictions.Inc()
			metrics.CacheSize.Set(float64(len(c.entries)))
		}
		c.misses++
		metrics.CacheMisses.Inc()
		return nil, false
	}
	e.LastAccess = now
	e.AccessCount++
	c.hits++
	metrics.CacheHits.Inc()
	return e, true
}

// Put inserts or replaces the entry for key, evicting under pressure so
// the size bound always holds.
func (c *Cache) Put(key Fingerprint, artifact *Artifact, version string, metadata map[string]string) (*Cached, error) {
	if err := artifact.Validate(); err != nil {
		return nil, err
	}
	now := c.now()
	e := &Cached{
		Artifact:    artifact,
		Version:     version,
		CreatedAt:   now,
		LastAccess:  now,
		Metadata:    metadata,
		TTL:         c.opts.DefaultTTL,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, replacing := c.entries[key]; !replacing {
		// The sweep runs before inserting a new key so the size bound
		// always holds after the put.
		c.evictLocked(now)
	}
	c.entries[key] = e
	metrics.CacheSize.Set(float64(len(c.entries)))
	return e, nil
}

// evictLocked runs the two-phase eviction pipeline when size has reached
// the threshold fraction of MaxSize: drop expired entries first, then
// evict in ascending (last access, access count) order until size is back
// below threshold·MaxSize.
func (c *Cache) evictLocked(now time.Time) {
	limit := c.opts.EvictionThreshold * float64(c.opts.MaxSize)
	if float64(len(c.entries)) < limit {
		return
	}

	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			c.evicted++
			metrics.CacheEvictions.Inc()
		}
	}
	if float64(len(c.entries)) < limit {
		return
	}

	type kv struct {
		key Fingerprint
		e   *Cached
	}
	victims := make([]kv, 0, len(c.entries))
	for k, e := range c.entries {
		victims = append(victims, kv{k, e})
	}
	sort.Slice(victims, func(i, j int) bool {
		if !victims[i].e.LastAccess.Equal(victims[j].e.LastAccess) {
			return victims[i].e.LastAccess.Before(victims[j].e.LastAccess)
		}
		return victims[i].e.AccessCount < victims[j].e.AccessCount
	})
	for _, v := range victims {
		if float64(len(c.entries)) < limit {
			break
		}
		delete(c.entries, v.key)
		c.evicted++
		metrics.CacheEvictions.Inc()
	}
}

// GetOrCompile is the single-compile integration point: on a miss the
// source function runs at most once per (key, version) across concurrent
// callers, who all receive the same entry or the same error. ctx bounds
// the wait on the compile barrier.
func (c *Cache) GetOrCompile(ctx context.Context, key Fingerprint, version string, source SourceFunc) (*Cached, error) {
	if e, ok := c.TryGet(key, version); ok {
		return e, nil
	}

	flightKey := fmt.Sprintf("%s@%s", key, version)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		// Re-check under the barrier: a concurrent caller may have
		// completed the compile while this one queued.
		if e, ok := c.TryGet(key, version); ok {
			return e, nil
		}
		artifact, err := source()
		if err != nil {
			return nil, gpuerr.Wrap(gpuerr.KindKernelCompilationFailed, "kernel compile failed", err)
		}
		return c.Put(key, artifact, version, nil)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Cached), nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, gpuerr.Wrap(gpuerr.KindTimeout, "compile barrier wait", ctx.Err())
		}
		return nil, gpuerr.Wrap(gpuerr.KindCancelled, "compile barrier wait", ctx.Err())
	}
}

// InvalidateVersion removes all entries carrying the version.
func (c *Cache) InvalidateVersion(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if e.Version == version {
			delete(c.entries, k)
			removed++
			c.evicted++
			metrics.CacheEvictions.Inc()
		}
	}
	metrics.CacheSize.Set(float64(len(c.entries)))
	return removed
}

// Clear removes everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Fingerprint]*Cached)
	metrics.CacheSize.Set(0)
}

// Len is the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats snapshots the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Evictions: c.evicted, Size: len(c.entries)}
}

// snapshot returns a consistent point-in-time copy of the entries for
// persistence, taken under a brief read lock.
func (c *Cache) snapshot() map[Fingerprint]*Cached {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Fingerprint]*Cached, len(c.entries))
	for k, e := range c.entries {
		copied := *e
		out[k] = &copied
	}
	return out
}

// restore installs preloaded entries that are not already present.
func (c *Cache) restore(entries map[Fingerprint]*Cached) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range entries {
		if _, exists := c.entries[k]; exists {
			continue
		}
		if e.expired(now) {
			continue
		}
		c.entries[k] = e
	}
	c.evictLocked(now)
	metrics.CacheSize.Set(float64(len(c.entries)))
}
