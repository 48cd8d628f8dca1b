package cuda

// CUDA driver API bindings loaded at runtime. No cgo: the library is opened
// with the platform loader (dlopen, or LoadLibrary on Windows where the
// legacy entry points use the platform's default stdcall convention) and
// individual entry points are registered through purego. A missing library
// disables the backend without failing Context construction.

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/mivertowski/accelgo/gpuerr"
)

// CUresult status codes (subset the runtime inspects).
type CUresult int32

const (
	cudaSuccess             CUresult = 0
	cudaErrInvalidValue     CUresult = 1
	cudaErrOutOfMemory      CUresult = 2
	cudaErrNotInitialized   CUresult = 3
	cudaErrNoDevice         CUresult = 100
	cudaErrInvalidContext   CUresult = 201
	cudaErrInvalidHandle    CUresult = 400
	cudaErrNotFound         CUresult = 500
	cudaErrNotReady         CUresult = 600
	cudaErrIllegalAddress   CUresult = 700
	cudaErrLaunchTimeout    CUresult = 702
	cudaErrLaunchFailed     CUresult = 719
	cudaErrEccUncorrectable CUresult = 214
)

func (r CUresult) String() string {
	names := map[CUresult]string{
		cudaSuccess:           "CUDA_SUCCESS",
		cudaErrInvalidValue:   "CUDA_ERROR_INVALID_VALUE",
		cudaErrOutOfMemory:    "CUDA_ERROR_OUT_OF_MEMORY",
		cudaErrNotInitialized: "CUDA_ERROR_NOT_INITIALIZED",
		cudaErrNoDevice:       "CUDA_ERROR_NO_DEVICE",
		cudaErrInvalidContext: "CUDA_ERROR_INVALID_CONTEXT",
		cudaErrInvalidHandle:  "CUDA_ERROR_INVALID_HANDLE",
		cudaErrNotFound:       "CUDA_ERROR_NOT_FOUND",
		cudaErrNotReady:       "CUDA_ERROR_NOT_READY",
		cudaErrIllegalAddress: "CUDA_ERROR_ILLEGAL_ADDRESS",
		cudaErrLaunchTimeout:  "CUDA_ERROR_LAUNCH_TIMEOUT",
		cudaErrLaunchFailed:   "CUDA_ERROR_LAUNCH_FAILED",
	}
	if n, ok := names[r]; ok {
		return n
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

// toErr translates a driver status into the runtime error taxonomy at the
// FFI boundary.
func (r CUresult) toErr(op string) error {
	if r == cudaSuccess {
		return nil
	}
	msg := fmt.Sprintf("%s: %s", op, r)
	switch r {
	case cudaErrInvalidValue, cudaErrInvalidHandle:
		return gpuerr.New(gpuerr.KindInvalidArgument, msg)
	case cudaErrOutOfMemory:
		return gpuerr.New(gpuerr.KindOutOfMemory, msg).
			WithSuggestion("Reduce working set or call pool.Trim()")
	case cudaErrNoDevice, cudaErrNotInitialized:
		return gpuerr.New(gpuerr.KindDeviceUnavailable, msg)
	case cudaErrLaunchFailed, cudaErrIllegalAddress:
		return gpuerr.New(gpuerr.KindLaunchFailed, msg)
	case cudaErrLaunchTimeout:
		return gpuerr.New(gpuerr.KindTimeout, msg)
	case cudaErrNotReady:
		return gpuerr.New(gpuerr.KindDriverError, msg).WithTransient()
	default:
		return gpuerr.New(gpuerr.KindDriverError, msg)
	}
}

// Device attribute codes.
const (
	attrMaxThreadsPerBlock      = 1
	attrWarpSize                = 10
	attrMultiprocessorCount     = 16
	attrComputeCapabilityMajor  = 75
	attrComputeCapabilityMinor  = 76
	attrManagedMemory           = 83
	attrConcurrentManagedAccess = 89
	attrMemoryPoolsSupported    = 115
)

const streamNonBlocking = 1

var (
	driverOnce sync.Once
	driverErr  error

	cuInit func(flags uint32) CUresult

	cuDeviceGetCount     func(count *int32) CUresult
	cuDeviceGet          func(dev *int32, ordinal int32) CUresult
	cuDeviceGetName      func(name *byte, length int32, dev int32) CUresult
	cuDeviceGetAttribute func(pi *int32, attrib int32, dev int32) CUresult
	cuDeviceTotalMem     func(bytes *uint64, dev int32) CUresult

	cuCtxCreate     func(pctx *uintptr, flags uint32, dev int32) CUresult
	cuCtxSetCurrent func(ctx uintptr) CUresult
	cuCtxDestroy    func(ctx uintptr) CUresult

	cuMemGetInfo      func(free, total *uint64) CUresult
	cuMemAlloc        func(dptr *uintptr, bytesize uint64) CUresult
	cuMemAllocManaged func(dptr *uintptr, bytesize uint64, flags uint32) CUresult
	cuMemAllocHost    func(pp *uintptr, bytesize uint64) CUresult
	cuMemFree         func(dptr uintptr) CUresult
	cuMemFreeHost     func(p uintptr) CUresult

	cuMemcpyHtoD      func(dst uintptr, src unsafe.Pointer, n uint64) CUresult
	cuMemcpyDtoH      func(dst unsafe.Pointer, src uintptr, n uint64) CUresult
	cuMemcpyDtoD      func(dst, src uintptr, n uint64) CUresult
	cuMemcpyHtoDAsync func(dst uintptr, src unsafe.Pointer, n uint64, s uintptr) CUresult
	cuMemcpyDtoHAsync func(dst unsafe.Pointer, src uintptr, n uint64, s uintptr) CUresult
	cuMemcpyDtoDAsync func(dst, src uintptr, n uint64, s uintptr) CUresult
	cuMemsetD8        func(dst uintptr, value byte, n uint64) CUresult
	cuMemsetD8Async   func(dst uintptr, value byte, n uint64, s uintptr) CUresult

	cuModuleLoadData    func(module *uintptr, image unsafe.Pointer) CUresult
	cuModuleGetFunction func(hfunc *uintptr, hmod uintptr, name *byte) CUresult
	cuModuleUnload      func(hmod uintptr) CUresult
	cuLaunchKernel      func(
		f uintptr,
		gridDimX, gridDimY, gridDimZ uint32,
		blockDimX, blockDimY, blockDimZ uint32,
		sharedMemBytes uint32,
		hStream uintptr,
		kernelParams unsafe.Pointer,
		extra unsafe.Pointer,
	) CUresult

	cuStreamCreate      func(phStream *uintptr, flags uint32) CUresult
	cuStreamSynchronize func(hStream uintptr) CUresult
	cuStreamDestroy     func(hStream uintptr) CUresult
)

// initDriver opens the CUDA driver library once and registers every entry
// point the runtime calls.
func initDriver() error {
	driverOnce.Do(func() {
		lib, err := openLibrary(libraryNames)
		if err != nil {
			driverErr = gpuerr.Wrap(gpuerr.KindDeviceUnavailable, "cuda driver library not present", err)
			return
		}

		register := func(fptr any, name string) {
			defer func() {
				if r := recover(); r != nil && driverErr == nil {
					driverErr = gpuerr.Newf(gpuerr.KindDriverError, "cuda entry point %s: %v", name, r)
				}
			}()
			purego.RegisterLibFunc(fptr, lib, name)
		}

		register(&cuInit, "cuInit")
		register(&cuDeviceGetCount, "cuDeviceGetCount")
		register(&cuDeviceGet, "cuDeviceGet")
		register(&cuDeviceGetName, "cuDeviceGetName")
		register(&cuDeviceGetAttribute, "cuDeviceGetAttribute")
		register(&cuDeviceTotalMem, "cuDeviceTotalMem_v2")
		register(&cuCtxCreate, "cuCtxCreate_v2")
		register(&cuCtxSetCurrent, "cuCtxSetCurrent")
		register(&cuCtxDestroy, "cuCtxDestroy_v2")
		register(&cuMemGetInfo, "cuMemGetInfo_v2")
		register(&cuMemAlloc, "cuMemAlloc_v2")
		register(&cuMemAllocManaged, "cuMemAllocManaged")
		register(&cuMemAllocHost, "cuMemAllocHost_v2")
		register(&cuMemFree, "cuMemFree_v2")
		register(&cuMemFreeHost, "cuMemFreeHost")
		register(&cuMemcpyHtoD, "cuMemcpyHtoD_v2")
		register(&cuMemcpyDtoH, "cuMemcpyDtoH_v2")
		register(&cuMemcpyDtoD, "cuMemcpyDtoD_v2")
		register(&cuMemcpyHtoDAsync, "cuMemcpyHtoDAsync_v2")
		register(&cuMemcpyDtoHAsync, "cuMemcpyDtoHAsync_v2")
		register(&cuMemcpyDtoDAsync, "cuMemcpyDtoDAsync_v2")
		register(&cuMemsetD8, "cuMemsetD8_v2")
		register(&cuMemsetD8Async, "cuMemsetD8Async")
		register(&cuModuleLoadData, "cuModuleLoadData")
		register(&cuModuleGetFunction, "cuModuleGetFunction")
		register(&cuModuleUnload, "cuModuleUnload")
		register(&cuLaunchKernel, "cuLaunchKernel")
		register(&cuStreamCreate, "cuStreamCreate")
		register(&cuStreamSynchronize, "cuStreamSynchronize")
		register(&cuStreamDestroy, "cuStreamDestroy")
	})
	return driverErr
}
