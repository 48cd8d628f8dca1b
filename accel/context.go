package accel

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/config"
	"github.com/mivertowski/accelgo/device"
	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/driver/cpu"
	"github.com/mivertowski/accelgo/driver/cuda"
	"github.com/mivertowski/accelgo/driver/opencl"
	"github.com/mivertowski/accelgo/gpuerr"
)

// lifecycleMu serializes Context creation and disposal within the
// process. Re-creating a Context is permitted but never concurrent.
var lifecycleMu sync.Mutex

// Context is the process-level root: it loads the driver bindings,
// owns the device catalog and every accelerator opened through it, and
// tears everything down in reverse creation order.
type Context struct {
	cfg     *config.Config
	log     *zap.Logger
	catalog *device.Catalog

	providers map[device.Backend]driver.Provider

	mu     sync.Mutex
	accels []*Accelerator
	closed bool
}

// Option mutates context construction.
type Option func(*contextBuilder)

type contextBuilder struct {
	cfg      *config.Config
	log      *zap.Logger
	backends []device.Backend
}

// WithConfig supplies a validated configuration.
func WithConfig(cfg *config.Config) Option {
	return func(b *contextBuilder) { b.cfg = cfg }
}

// WithLogger supplies the root logger; defaults to a nop logger so
// embedding the runtime costs nothing without one.
func WithLogger(log *zap.Logger) Option {
	return func(b *contextBuilder) { b.log = log }
}

// WithBackends restricts which backends are registered. Default: all.
func WithBackends(backends ...device.Backend) Option {
	return func(b *contextBuilder) { b.backends = backends }
}

// NewContext builds the runtime root. Driver bindings load here; a
// missing driver library disables its backend but is never fatal.
func NewContext(opts ...Option) (*Context, error) {
	lifecycleMu.Lock()
	defer lifecycleMu.Unlock()

	b := &contextBuilder{cfg: config.DefaultConfig(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}

	ctx := &Context{
		cfg:       b.cfg,
		log:       b.log.Named("accelgo"),
		providers: make(map[device.Backend]driver.Provider),
	}

	wanted := func(bk device.Backend) bool {
		if len(b.backends) == 0 {
			return true
		}
		for _, w := range b.backends {
			if w == bk {
				return true
			}
		}
		return false
	}
	if wanted(device.BackendCUDA) {
		ctx.providers[device.BackendCUDA] = cuda.NewProvider(ctx.log)
	}
	if wanted(device.BackendOpenCL) {
		ctx.providers[device.BackendOpenCL] = opencl.NewProvider(ctx.log)
	}
	if wanted(device.BackendCPU) {
		ctx.providers[device.BackendCPU] = cpu.NewProvider(ctx.log)
	}

	var preferred *device.Backend
	switch b.cfg.PreferredBackend {
	case config.BackendCUDA:
		p := device.BackendCUDA
		preferred = &p
	case config.BackendOpenCL:
		p := device.BackendOpenCL
		preferred = &p
	case config.BackendCPU:
		p := device.BackendCPU
		preferred = &p
	}

	providers := make([]device.Provider, 0, len(ctx.providers))
	// Stable registration order: catalog sorting handles the rest.
	for _, bk := range []device.Backend{device.BackendCUDA, device.BackendOpenCL, device.BackendCPU} {
		if p, ok := ctx.providers[bk]; ok {
			providers = append(providers, p)
		}
	}
	ctx.catalog = device.NewCatalog(ctx.log, preferred, providers...)
	// Discovery loads each provider's driver bindings; a provider whose
	// library is missing is left out of the catalog.
	ctx.catalog.Discover(device.Filter{})

	ctx.log.Info("context created",
		zap.String("preferred_backend", b.cfg.PreferredBackend),
		zap.Int("backends", len(ctx.providers)))
	return ctx, nil
}

// Config returns the context's configuration.
func (c *Context) Config() *config.Config { return c.cfg }

// Catalog exposes the device catalog.
func (c *Context) Catalog() *device.Catalog { return c.catalog }

// Devices discovers devices matching the filter.
func (c *Context) Devices(filter device.Filter) []device.Device {
	return c.catalog.Discover(filter)
}

// OpenAccelerator binds the given device, returning an accelerator owned
// by this context.
func (c *Context) OpenAccelerator(dev device.Device) (*Accelerator, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, gpuerr.New(gpuerr.KindInvalidArgument, "context closed")
	}
	c.mu.Unlock()

	if dev.Status == device.StatusUnavailable || dev.Status == device.StatusError {
		return nil, gpuerr.Newf(gpuerr.KindDeviceUnavailable, "device %s is %s: %s",
			dev.ID, dev.Status, dev.StatusReason)
	}
	provider, ok := c.providers[dev.ID.Backend]
	if !ok {
		return nil, gpuerr.Newf(gpuerr.KindUnsupported, "backend %s not registered", dev.ID.Backend)
	}
	drv, err := provider.Open(dev.ID)
	if err != nil {
		return nil, err
	}
	a, err := newAccelerator(c, dev, drv, c.cfg, c.log)
	if err != nil {
		drv.Close()
		return nil, err
	}

	c.mu.Lock()
	c.accels = append(c.accels, a)
	c.mu.Unlock()
	return a, nil
}

// DefaultAccelerator opens the best available device.
func (c *Context) DefaultAccelerator() (*Accelerator, error) {
	dev, ok := c.catalog.Best(device.Filter{})
	if !ok {
		return nil, gpuerr.New(gpuerr.KindDeviceUnavailable, "no devices discovered")
	}
	return c.OpenAccelerator(dev)
}

// Close tears the context down: accelerators in reverse creation order,
// then the catalog. Close is idempotent.
func (c *Context) Close() error {
	lifecycleMu.Lock()
	defer lifecycleMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	accels := c.accels
	c.accels = nil
	c.mu.Unlock()

	var errs error
	for i := len(accels) - 1; i >= 0; i-- {
		if err := accels[i].Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	c.log.Info("context closed")
	return errs
}
