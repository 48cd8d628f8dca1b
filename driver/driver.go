// Package driver defines the narrow boundary between the runtime core and
// the backend driver libraries. Each backend (CUDA, OpenCL, in-process CPU)
// implements Driver for one bound device; the core never calls a driver
// library outside this interface.
package driver

import (
	"unsafe"

	"github.com/mivertowski/accelgo/device"
)

// Ptr is an opaque device pointer. The zero value is never a valid
// allocation.
type Ptr uintptr

// Queue is an opaque handle to a driver-ordered command queue.
type Queue uintptr

// Module is an opaque handle to a loaded kernel module.
type Module uintptr

// Function is an opaque handle to a kernel entry point within a module.
type Function uintptr

// Dim3 is a 3D extent for grids and blocks.
type Dim3 struct {
	X, Y, Z int
}

// Count returns the total number of elements covered by the extent.
func (d Dim3) Count() int {
	x, y, z := d.X, d.Y, d.Z
	if x == 0 {
		x = 1
	}
	if y == 0 {
		y = 1
	}
	if z == 0 {
		z = 1
	}
	return x * y * z
}

// ArgKind tells the driver how to marshal one kernel argument.
type ArgKind int

const (
	// ArgBuffer passes a device pointer.
	ArgBuffer ArgKind = iota
	// ArgScalar passes a fixed-size value by copy.
	ArgScalar
	// ArgStruct passes an opaque aggregate by copy.
	ArgStruct
)

// KernelArg is one marshalled launch argument. For ArgBuffer, Device holds
// the allocation handle and Offset the byte offset into it (offsets exist
// because OpenCL memory objects are handles, not addresses); for scalars
// and structs, Host points at Size bytes that remain live for the duration
// of the launch call.
type KernelArg struct {
	Kind   ArgKind
	Device Ptr
	Offset int64
	Host   unsafe.Pointer
	Size   uintptr
}

// Provider extends device.Provider with the ability to open a driver bound
// to one of its enumerated devices.
type Provider interface {
	device.Provider
	Open(id device.ID) (Driver, error)
}

// Driver is a backend bound to a single device. Implementations must be
// safe for concurrent use; ordering guarantees exist only within one Queue.
type Driver interface {
	// DeviceID identifies the bound device.
	DeviceID() device.ID

	// Alloc reserves bytes of device memory.
	Alloc(bytes int64) (Ptr, error)
	// AllocHost reserves page-locked host memory for fast device DMA and
	// returns both the transfer handle and the host address of the
	// mapping. Backends without pinned support return plain host memory.
	AllocHost(bytes int64) (Ptr, unsafe.Pointer, error)
	// Free releases memory from Alloc or AllocHost.
	Free(p Ptr) error

	// CopyHtoD, CopyDtoH and CopyDtoD move bytes at a byte offset into
	// the device allocation. A zero Queue makes the copy synchronous;
	// otherwise it is ordered on the queue.
	CopyHtoD(dst Ptr, dstOff int64, src unsafe.Pointer, bytes int64, q Queue) error
	CopyDtoH(dst unsafe.Pointer, src Ptr, srcOff int64, bytes int64, q Queue) error
	CopyDtoD(dst Ptr, dstOff int64, src Ptr, srcOff int64, bytes int64, q Queue) error
	// MemsetD8 fills bytes of device memory with a byte value.
	MemsetD8(dst Ptr, off int64, value byte, bytes int64, q Queue) error

	// CreateQueue creates an ordered command queue.
	CreateQueue() (Queue, error)
	// DestroyQueue flushes and releases a queue.
	DestroyQueue(q Queue) error
	// Sync blocks until all work on the queue has completed.
	Sync(q Queue) error

	// LoadModule loads an opaque compiled artifact (PTX text, SPIR-V or a
	// registered entry name for the CPU backend). The driver never parses
	// artifact internals beyond what its library requires.
	LoadModule(payload []byte) (Module, error)
	// GetFunction resolves an entry point in a loaded module.
	GetFunction(m Module, entry string) (Function, error)
	// UnloadModule releases a module and its functions.
	UnloadModule(m Module) error

	// Launch submits a kernel over grid×block with marshalled args on q.
	Launch(f Function, grid, block Dim3, args []KernelArg, q Queue) error

	// MemInfo reads free and total device memory from the driver.
	MemInfo() (free, total int64, err error)

	// Close releases the device binding. The driver must not be used
	// afterwards.
	Close() error
}
