package accel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/config"
	"github.com/mivertowski/accelgo/device"
	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
	"github.com/mivertowski/accelgo/kernel"
	"github.com/mivertowski/accelgo/memory"
)

// Accelerator binds one device: it owns the device's streams, buffers,
// memory pool, kernel cache and loaded modules. Disposal cascades to
// everything it owns.
type Accelerator struct {
	ctx *Context // back-reference for diagnostics only
	dev device.Device
	drv driver.Driver
	log *zap.Logger

	// instance distinguishes accelerators in diagnostics when the same
	// device is opened more than once.
	instance uuid.UUID

	alloc   *memory.Allocator
	pool    *memory.Pool
	cache   *kernel.Cache
	store   *kernel.Store
	errlog  *gpuerr.Logger
	retrier *gpuerr.Retrier

	defaultStream *Stream

	mu        sync.Mutex
	streams   []*Stream
	modules   []driver.Module
	launchers map[string]*kernel.Launcher
	closed    bool
}

func newAccelerator(ctx *Context, dev device.Device, drv driver.Driver, cfg *config.Config, log *zap.Logger) (*Accelerator, error) {
	a := &Accelerator{
		ctx:       ctx,
		dev:       dev,
		drv:       drv,
		instance:  uuid.New(),
		log:       log.Named("accel").With(zap.String("device", dev.ID.String())),
		launchers: make(map[string]*kernel.Launcher),
	}

	a.alloc = memory.NewAllocator(drv, dev.ID.String(),
		dev.Supports(device.FeatureUnifiedMemory), dev.Supports(device.FeatureAsyncCopy), a.log)

	if cfg.EnableMemoryPool && dev.Supports(device.FeatureMemoryPools) {
		a.pool = memory.NewPool(a.alloc, memory.PoolOptions{
			MaxPoolBytes:   cfg.Pool.MaxPoolBytes,
			MaxBufferBytes: cfg.Pool.MaxBufferBytes,
			Retention:      retentionFromConfig(cfg.Pool.Retention),
			TrimInterval:   cfg.Pool.TrimInterval,
		}, a.log)
	}

	a.cache = kernel.NewCache(kernel.CacheOptions{
		MaxSize:           cfg.Cache.MaxSize,
		DefaultTTL:        cfg.Cache.DefaultTTL,
		EvictionThreshold: cfg.Cache.EvictionThreshold,
	}, a.log)

	if cfg.Cache.Persistent {
		store, err := kernel.NewStore(cfg.Cache.Directory, a.log)
		if err != nil {
			return nil, err
		}
		a.store = store
		if err := store.Preload(a.cache); err != nil {
			a.log.Warn("kernel cache preload failed", zap.Error(err))
		}
	}

	a.errlog = gpuerr.NewLogger(a.log)
	var trimmer gpuerr.Trimmer
	if a.pool != nil {
		trimmer = a.pool
	}
	a.retrier = gpuerr.NewRetrier(gpuerr.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Backoff:     cfg.Retry.Backoff,
	}, a.errlog, trimmer)

	q, err := drv.CreateQueue()
	if err != nil {
		return nil, err
	}
	a.defaultStream = newStream(a, drv, q)
	a.mu.Lock()
	a.streams = append(a.streams, a.defaultStream)
	a.mu.Unlock()

	a.log.Info("accelerator ready",
		zap.String("name", dev.Name),
		zap.String("instance", a.Name()))
	return a, nil
}

func retentionFromConfig(name string) memory.Retention {
	switch name {
	case config.RetentionImmediate:
		return memory.RetentionImmediate
	case config.RetentionFixed:
		return memory.RetentionFixed
	default:
		return memory.RetentionAdaptive
	}
}

// Name is the diagnostic identity of this accelerator instance.
func (a *Accelerator) Name() string {
	return fmt.Sprintf("%s/%s", a.dev.ID, a.instance.String()[:8])
}

// Device returns the bound device descriptor.
func (a *Accelerator) Device() device.Device { return a.dev }

// Driver exposes the underlying driver for advanced callers.
func (a *Accelerator) Driver() driver.Driver { return a.drv }

// Allocator returns the accelerator's buffer allocator.
func (a *Accelerator) Allocator() *memory.Allocator { return a.alloc }

// Pool returns the memory pool, or nil when pooling is disabled.
func (a *Accelerator) Pool() *memory.Pool { return a.pool }

// Cache returns the accelerator-scoped kernel cache.
func (a *Accelerator) Cache() *kernel.Cache { return a.cache }

// Retrier exposes the recovery dispatcher bound to this accelerator.
func (a *Accelerator) Retrier() *gpuerr.Retrier { return a.retrier }

// DefaultStream returns the stream created with the accelerator.
func (a *Accelerator) DefaultStream() *Stream { return a.defaultStream }

// CreateStream creates a new ordered stream.
func (a *Accelerator) CreateStream() (*Stream, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, gpuerr.New(gpuerr.KindDeviceUnavailable, "accelerator closed").WithDevice(a.dev.ID.String())
	}
	a.mu.Unlock()

	q, err := a.drv.CreateQueue()
	if err != nil {
		return nil, err
	}
	s := newStream(a, a.drv, q)
	a.mu.Lock()
	a.streams = append(a.streams, s)
	a.mu.Unlock()
	return s, nil
}

// MemoryInfo re-reads device memory from the driver.
func (a *Accelerator) MemoryInfo() (device.MemoryInfo, error) {
	free, total, err := a.drv.MemInfo()
	if err != nil {
		return device.MemoryInfo{}, err
	}
	return device.MemoryInfo{TotalBytes: total, FreeBytes: free, UsedBytes: total - free}, nil
}

// SupportsTensorCores reports dedicated matrix-unit availability.
func (a *Accelerator) SupportsTensorCores() bool {
	return a.dev.Capabilities.SupportsTensorCores()
}

// SupportedPrecisions lists the tensor-core precision classes.
func (a *Accelerator) SupportedPrecisions() []device.Precision {
	return a.dev.Capabilities.TensorCores
}

// LoadKernel loads an already-compiled artifact and builds its launcher.
// The module stays loaded until the accelerator closes.
func (a *Accelerator) LoadKernel(sig kernel.Signature, art *kernel.Artifact) (*kernel.Launcher, error) {
	if err := art.Validate(); err != nil {
		return nil, err
	}
	mod, err := a.drv.LoadModule(art.Payload)
	if err != nil {
		return nil, gpuerr.Wrap(gpuerr.KindKernelCompilationFailed, "module load failed", err).
			WithKernel(sig.Name).WithDevice(a.dev.ID.String())
	}
	fn, err := a.drv.GetFunction(mod, art.Entry)
	if err != nil {
		a.drv.UnloadModule(mod)
		return nil, err
	}
	l, err := kernel.NewLauncher(sig, art, fn)
	if err != nil {
		a.drv.UnloadModule(mod)
		return nil, err
	}
	a.mu.Lock()
	a.modules = append(a.modules, mod)
	a.mu.Unlock()
	return l, nil
}

// LoadKernelCached is the central integration point: it fingerprints the
// signature, consults the accelerator-scoped cache, and compiles through
// source at most once per (fingerprint, version) even under concurrency.
// All concurrent callers share the same launcher or the same error.
func (a *Accelerator) LoadKernelCached(ctx context.Context, sig kernel.Signature, version string, source kernel.SourceFunc) (*kernel.Launcher, error) {
	key := sig.Fingerprint()
	launcherKey := fmt.Sprintf("%s@%s", key, version)

	a.mu.Lock()
	if l, ok := a.launchers[launcherKey]; ok {
		a.mu.Unlock()
		// Keep the cache's LRU state honest even when the launcher is
		// already built.
		a.cache.TryGet(key, version)
		return l, nil
	}
	a.mu.Unlock()

	cached, err := a.cache.GetOrCompile(ctx, key, version, source)
	if err != nil {
		a.errlog.Report(err, "load_kernel_cached", 1)
		return nil, err
	}

	l, err := a.LoadKernel(sig, cached.Artifact)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.launchers[launcherKey]; ok {
		// A racing caller built the launcher first; keep theirs.
		return existing, nil
	}
	a.launchers[launcherKey] = l
	return l, nil
}

// PersistCache writes the kernel cache to disk when persistence is on.
func (a *Accelerator) PersistCache(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	return a.store.PersistAsync(ctx, a.cache)
}

// Close tears the accelerator down: stop admission, cancel streams, drain
// bounded by the shutdown timeout, free registered buffers, dispose the
// cache, release the driver.
func (a *Accelerator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	streams := a.streams
	a.streams = nil
	modules := a.modules
	a.modules = nil
	a.mu.Unlock()

	// Stop admission before anything else: no new buffers, no new work.
	a.alloc.Freeze()
	for _, s := range streams {
		s.Cancel()
	}

	var errs error
	timeout := a.ctx.cfg.ShutdownTimeout
	for _, s := range streams {
		if err := s.close(timeout); err != nil {
			if gpuerr.IsKind(err, gpuerr.KindInternalInvariantViolated) {
				a.errlog.Report(err, "accelerator_close", 1)
			}
			errs = multierr.Append(errs, err)
		}
	}

	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.alloc.ReleaseAll(); err != nil {
		errs = multierr.Append(errs, err)
	}

	if a.store != nil {
		if err := a.store.Persist(a.cache); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	a.cache.Clear()

	for _, m := range modules {
		if err := a.drv.UnloadModule(m); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if err := a.drv.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	a.log.Info("accelerator closed")
	return errs
}

// Allocate creates a buffer on the accelerator, routing OutOfMemory
// through the recovery dispatcher (trim once, retry once).
func Allocate[T memory.Element](a *Accelerator, shape memory.Shape, hint memory.LayoutHint) (*memory.Buffer[T], error) {
	var buf *memory.Buffer[T]
	err := a.retrier.Do(context.Background(), "allocate", func() error {
		var err error
		buf, err = memory.Alloc[T](a.alloc, shape, hint)
		return err
	})
	return buf, err
}

// Allocate1D is shorthand for a dense rank-1 Auto allocation.
func Allocate1D[T memory.Element](a *Accelerator, n int64) (*memory.Buffer[T], error) {
	return Allocate[T](a, memory.Dim1(n), memory.HintAuto)
}

// AllocateUnified creates a unified host/device buffer.
func AllocateUnified[T memory.Element](a *Accelerator, shape memory.Shape) (*memory.Buffer[T], error) {
	var buf *memory.Buffer[T]
	err := a.retrier.Do(context.Background(), "allocate_unified", func() error {
		var err error
		buf, err = memory.AllocUnified[T](a.alloc, shape)
		return err
	})
	return buf, err
}

// Rent rents from the accelerator's pool, falling back to a direct
// allocation when pooling is disabled.
func Rent[T memory.Element](a *Accelerator, minLength int64) (*memory.Buffer[T], error) {
	if a.pool == nil {
		return Allocate[T](a, memory.Dim1(minLength), memory.HintGpuOptimized)
	}
	var buf *memory.Buffer[T]
	err := a.retrier.Do(context.Background(), "rent", func() error {
		var err error
		buf, err = memory.Rent[T](a.pool, minLength)
		return err
	})
	return buf, err
}
