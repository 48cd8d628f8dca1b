package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDOrdering(t *testing.T) {
	cuda0 := CUDAID(0)
	cuda1 := CUDAID(1)
	ocl := OpenCLID(0, 0)
	cpu := CPUID(0xdeadbeef)

	assert.True(t, cuda0.Less(cuda1))
	assert.True(t, cuda1.Less(ocl))  // backend tag breaks ties first
	assert.True(t, ocl.Less(cpu))
	assert.False(t, cpu.Less(cuda0))

	p, d := OpenCLID(2, 7).OpenCLPair()
	assert.Equal(t, 2, p)
	assert.Equal(t, 7, d)
	assert.Equal(t, 3, CUDAID(3).Ordinal())
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "cuda:0", CUDAID(0).String())
	assert.Equal(t, "opencl:1.2", OpenCLID(1, 2).String())
	assert.Contains(t, CPUID(0xab).String(), "cpu:")
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities{TensorCores: []Precision{PrecisionFP16, PrecisionTF32}}
	assert.True(t, caps.SupportsTensorCores())
	assert.True(t, caps.SupportsPrecision(PrecisionFP16))
	assert.False(t, caps.SupportsPrecision(PrecisionFP64))
	assert.False(t, Capabilities{}.SupportsTensorCores())
}

type fakeProvider struct {
	backend Backend
	devices []Device
	present bool
	panics  bool
	calls   int
}

func (p *fakeProvider) Backend() Backend { return p.backend }

func (p *fakeProvider) Enumerate() ([]Device, bool) {
	p.calls++
	if p.panics {
		panic("driver exploded")
	}
	return p.devices, p.present
}

func twoBackendCatalog() (*Catalog, *fakeProvider, *fakeProvider) {
	cudaProv := &fakeProvider{
		backend: BackendCUDA,
		present: true,
		devices: []Device{
			{ID: CUDAID(1), Name: "gpu-1", Status: StatusAvailable},
			{ID: CUDAID(0), Name: "gpu-0", Status: StatusAvailable},
		},
	}
	cpuProv := &fakeProvider{
		backend: BackendCPU,
		present: true,
		devices: []Device{{ID: CPUID(1), Name: "host", Status: StatusAvailable}},
	}
	return NewCatalog(nil, nil, cudaProv, cpuProv), cudaProv, cpuProv
}

func TestDiscoverOrderingAndIdempotence(t *testing.T) {
	catalog, _, _ := twoBackendCatalog()

	first := catalog.Discover(Filter{})
	require.Len(t, first, 3)
	// (backend tag, native index) order regardless of provider order.
	assert.Equal(t, CUDAID(0), first[0].ID)
	assert.Equal(t, CUDAID(1), first[1].ID)
	assert.Equal(t, CPUID(1), first[2].ID)

	second := catalog.Discover(Filter{})
	assert.Equal(t, first, second)
}

func TestDiscoverPreferredBackendBias(t *testing.T) {
	cudaProv := &fakeProvider{
		backend: BackendCUDA,
		present: true,
		devices: []Device{{ID: CUDAID(0), Status: StatusAvailable}},
	}
	cpuProv := &fakeProvider{
		backend: BackendCPU,
		present: true,
		devices: []Device{{ID: CPUID(1), Status: StatusAvailable}},
	}
	pref := BackendCPU
	catalog := NewCatalog(nil, &pref, cudaProv, cpuProv)

	devices := catalog.Discover(Filter{})
	require.Len(t, devices, 2)
	assert.Equal(t, BackendCPU, devices[0].ID.Backend)
}

func TestDiscoverSkipsMissingDriver(t *testing.T) {
	missing := &fakeProvider{backend: BackendCUDA, present: false}
	cpuProv := &fakeProvider{
		backend: BackendCPU,
		present: true,
		devices: []Device{{ID: CPUID(1), Status: StatusAvailable}},
	}
	catalog := NewCatalog(nil, nil, missing, cpuProv)

	devices := catalog.Discover(Filter{})
	require.Len(t, devices, 1)
	assert.Equal(t, BackendCPU, devices[0].ID.Backend)
}

func TestDiscoverIncludesUnavailableDevices(t *testing.T) {
	failing := &fakeProvider{
		backend: BackendCUDA,
		present: true,
		devices: []Device{{ID: CUDAID(0), Status: StatusUnavailable, StatusReason: "init failed"}},
	}
	catalog := NewCatalog(nil, nil, failing)

	devices := catalog.Discover(Filter{})
	require.Len(t, devices, 1)
	assert.Equal(t, StatusUnavailable, devices[0].Status)
	assert.Equal(t, "init failed", devices[0].StatusReason)
}

func TestDiscoverNeverPanics(t *testing.T) {
	exploding := &fakeProvider{backend: BackendCUDA, panics: true}
	cpuProv := &fakeProvider{
		backend: BackendCPU,
		present: true,
		devices: []Device{{ID: CPUID(1), Status: StatusAvailable}},
	}
	catalog := NewCatalog(nil, nil, exploding, cpuProv)

	var devices []Device
	assert.NotPanics(t, func() { devices = catalog.Discover(Filter{}) })
	require.Len(t, devices, 1)
}

func TestDiscoverFilters(t *testing.T) {
	catalog, _, _ := twoBackendCatalog()

	cudaOnly := catalog.Discover(Filter{Backends: []Backend{BackendCUDA}})
	require.Len(t, cudaOnly, 2)
	for _, d := range cudaOnly {
		assert.Equal(t, BackendCUDA, d.ID.Backend)
	}

	named := catalog.Discover(Filter{Predicate: func(d *Device) bool { return d.Name == "host" }})
	require.Len(t, named, 1)
	assert.Equal(t, "host", named[0].Name)
}

func TestBestPrefersAvailable(t *testing.T) {
	prov := &fakeProvider{
		backend: BackendCUDA,
		present: true,
		devices: []Device{
			{ID: CUDAID(0), Status: StatusUnavailable},
			{ID: CUDAID(1), Status: StatusAvailable},
		},
	}
	catalog := NewCatalog(nil, nil, prov)

	best, ok := catalog.Best(Filter{})
	require.True(t, ok)
	assert.Equal(t, CUDAID(1), best.ID)
}

func TestDeviceSupports(t *testing.T) {
	d := Device{Capabilities: Capabilities{UnifiedMemory: true, MemoryPools: true}}
	assert.True(t, d.Supports(FeatureUnifiedMemory))
	assert.True(t, d.Supports(FeatureMemoryPools))
	assert.False(t, d.Supports(FeatureTensorCores))
	assert.False(t, d.Supports(FeatureAsyncCopy))
}
