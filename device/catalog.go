package device

import (
	"sort"

	"go.uber.org/zap"
)

// Provider enumerates the devices of one backend. Driver packages implement
// this; the catalog never talks to a driver library directly.
type Provider interface {
	Backend() Backend
	// Enumerate lists devices. A provider whose driver library is missing
	// reports present=false and is silently skipped; a present driver
	// that fails to initialize returns devices with Status Unavailable
	// and the failure attached.
	Enumerate() (devices []Device, present bool)
}

// Filter selects devices during discovery. Zero value selects everything.
type Filter struct {
	// Backends restricts discovery to the listed backends. Empty means all.
	Backends []Backend
	// Predicate, when non-nil, must accept the device for it to be listed.
	Predicate func(*Device) bool
}

func (f Filter) wantsBackend(b Backend) bool {
	if len(f.Backends) == 0 {
		return true
	}
	for _, fb := range f.Backends {
		if fb == b {
			return true
		}
	}
	return false
}

// Catalog is the immutable-after-discovery device registry. Enumeration is
// idempotent and side-effect-free: repeated Discover calls return the same
// devices in the same order.
type Catalog struct {
	providers []Provider
	preferred Backend
	hasBias   bool
	log       *zap.Logger
}

// NewCatalog builds a catalog over the given providers. preferred, when
// non-nil, biases discovery ordering toward that backend.
func NewCatalog(log *zap.Logger, preferred *Backend, providers ...Provider) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Catalog{providers: providers, log: log.Named("catalog")}
	if preferred != nil {
		c.preferred = *preferred
		c.hasBias = true
	}
	return c
}

// Discover enumerates all devices matching the filter, ordered by
// (backend tag, native index) with the preferred backend first when a bias
// is configured. Missing drivers are skipped and logged at Info; failing
// drivers yield Unavailable devices. Discover never panics.
func (c *Catalog) Discover(filter Filter) []Device {
	var out []Device
	for _, p := range c.providers {
		if !filter.wantsBackend(p.Backend()) {
			continue
		}
		devices, present := c.enumerate(p)
		if !present {
			c.log.Info("backend driver not present, skipping",
				zap.String("backend", p.Backend().String()))
			continue
		}
		for i := range devices {
			d := devices[i]
			if filter.Predicate != nil && !filter.Predicate(&d) {
				continue
			}
			out = append(out, d)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if c.hasBias {
			pi := out[i].ID.Backend == c.preferred
			pj := out[j].ID.Backend == c.preferred
			if pi != pj {
				return pi
			}
		}
		return out[i].ID.Less(out[j].ID)
	})
	return out
}

// enumerate shields discovery from a panicking provider; a panic is logged
// and the backend is skipped as if its driver library were missing.
func (c *Catalog) enumerate(p Provider) (devices []Device, present bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("device provider panicked during enumeration",
				zap.String("backend", p.Backend().String()),
				zap.Any("panic", r))
			devices = nil
			present = false
		}
	}()
	return p.Enumerate()
}

// Best returns the first device from Discover, preferring Available status.
func (c *Catalog) Best(filter Filter) (Device, bool) {
	devices := c.Discover(filter)
	for _, d := range devices {
		if d.Status == StatusAvailable {
			return d, true
		}
	}
	if len(devices) > 0 {
		return devices[0], true
	}
	return Device{}, false
}
