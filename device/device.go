// Package device defines device identity, descriptors and the discovery
// catalog. Each Discover call enumerates the providers again; descriptors
// are read-mostly and re-polled on demand.
package device

import (
	"fmt"
)

// Backend tags the driver family a device belongs to.
type Backend int

const (
	BackendCUDA Backend = iota
	BackendOpenCL
	BackendCPU
	BackendSIMDCPU
)

func (b Backend) String() string {
	switch b {
	case BackendCUDA:
		return "cuda"
	case BackendOpenCL:
		return "opencl"
	case BackendCPU:
		return "cpu"
	case BackendSIMDCPU:
		return "simd-cpu"
	}
	return fmt.Sprintf("backend(%d)", int(b))
}

// ID is the opaque identity of a device. It is a value type: equatable and
// orderable by (backend tag, payload). The payload layout is backend
// specific: the CUDA ordinal, the OpenCL (platform, device) pair packed as
// platform<<32|device, or a config hash for CPU devices.
type ID struct {
	Backend Backend
	Payload uint64
}

// CUDAID builds an ID for a CUDA device ordinal.
func CUDAID(ordinal int) ID {
	return ID{Backend: BackendCUDA, Payload: uint64(ordinal)}
}

// OpenCLID builds an ID for an OpenCL (platform, device) pair.
func OpenCLID(platform, dev int) ID {
	return ID{Backend: BackendOpenCL, Payload: uint64(platform)<<32 | uint64(uint32(dev))}
}

// CPUID builds an ID for the in-process CPU device from a config hash.
func CPUID(configHash uint64) ID {
	return ID{Backend: BackendCPU, Payload: configHash}
}

// OpenCLPair unpacks an OpenCL ID. Results are meaningless for other tags.
func (id ID) OpenCLPair() (platform, dev int) {
	return int(id.Payload >> 32), int(uint32(id.Payload))
}

// Ordinal returns the native index for CUDA devices.
func (id ID) Ordinal() int { return int(id.Payload) }

// Less orders IDs by (backend tag, payload), the discovery tie-break order.
func (id ID) Less(other ID) bool {
	if id.Backend != other.Backend {
		return id.Backend < other.Backend
	}
	return id.Payload < other.Payload
}

func (id ID) String() string {
	switch id.Backend {
	case BackendOpenCL:
		p, d := id.OpenCLPair()
		return fmt.Sprintf("opencl:%d.%d", p, d)
	case BackendCPU, BackendSIMDCPU:
		return fmt.Sprintf("%s:%x", id.Backend, id.Payload)
	default:
		return fmt.Sprintf("%s:%d", id.Backend, id.Payload)
	}
}

// Status of a device at enumeration or last refresh.
type Status int

const (
	StatusAvailable Status = iota
	StatusBusy
	StatusUnavailable
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusBusy:
		return "busy"
	case StatusUnavailable:
		return "unavailable"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Precision classes dedicated matrix-multiply hardware may accept.
type Precision int

const (
	PrecisionFP16 Precision = iota
	PrecisionBF16
	PrecisionTF32
	PrecisionFP64
	PrecisionINT8
)

func (p Precision) String() string {
	switch p {
	case PrecisionFP16:
		return "fp16"
	case PrecisionBF16:
		return "bf16"
	case PrecisionTF32:
		return "tf32"
	case PrecisionFP64:
		return "fp64"
	case PrecisionINT8:
		return "int8"
	}
	return "unknown"
}

// Feature names a capability that can be queried with Device.Supports.
type Feature int

const (
	FeatureUnifiedMemory Feature = iota
	FeatureMemoryPools
	FeatureTensorCores
	FeatureAsyncCopy
)

// Capabilities describes what a device can do. Populated at discovery.
type Capabilities struct {
	ComputeMajor     int
	ComputeMinor     int
	MaxWorkGroupSize int
	UnifiedMemory    bool
	MemoryPools      bool
	AsyncCopy        bool
	TensorCores      []Precision
}

// SupportsTensorCores reports whether any tensor-core precision class is
// available.
func (c Capabilities) SupportsTensorCores() bool { return len(c.TensorCores) > 0 }

// SupportsPrecision reports tensor-core availability for one precision.
func (c Capabilities) SupportsPrecision(p Precision) bool {
	for _, tp := range c.TensorCores {
		if tp == p {
			return true
		}
	}
	return false
}

// MemoryInfo is a point-in-time snapshot of device memory.
type MemoryInfo struct {
	TotalBytes int64
	FreeBytes  int64
	UsedBytes  int64
}

// Device is the descriptor for one enumerated device.
type Device struct {
	ID           ID
	Name         string
	Vendor       string
	Capabilities Capabilities
	Status       Status
	// StatusReason carries the init failure when Status is Unavailable
	// or Error.
	StatusReason string

	memInfo func() (MemoryInfo, error)
}

// SetMemoryInfoFunc installs the provider's memory probe. Providers call
// this during enumeration so MemoryInfo re-reads from the driver.
func (d *Device) SetMemoryInfoFunc(fn func() (MemoryInfo, error)) {
	d.memInfo = fn
}

// MemoryInfo re-reads total/free/used from the driver on each call.
// Devices without a probe report zeroes; open an Accelerator for live
// figures.
func (d *Device) MemoryInfo() (MemoryInfo, error) {
	if d.memInfo == nil {
		return MemoryInfo{}, nil
	}
	return d.memInfo()
}

// Supports answers capability queries from the discovery snapshot.
func (d *Device) Supports(f Feature) bool {
	switch f {
	case FeatureUnifiedMemory:
		return d.Capabilities.UnifiedMemory
	case FeatureMemoryPools:
		return d.Capabilities.MemoryPools
	case FeatureTensorCores:
		return d.Capabilities.SupportsTensorCores()
	case FeatureAsyncCopy:
		return d.Capabilities.AsyncCopy
	}
	return false
}

// IsCPU reports whether the device executes in-process on the host.
func (d *Device) IsCPU() bool {
	return d.ID.Backend == BackendCPU || d.ID.Backend == BackendSIMDCPU
}
