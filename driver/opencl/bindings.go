package opencl

// OpenCL 1.2 loader bindings registered through purego. Only the ICD loader
// is linked at runtime; a missing loader disables the backend.

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/mivertowski/accelgo/gpuerr"
)

type clInt = int32

// Status codes the runtime inspects.
const (
	clSuccess                 clInt = 0
	clDeviceNotFound          clInt = -1
	clDeviceNotAvailable      clInt = -2
	clCompilerNotAvailable    clInt = -3
	clMemObjectAllocFailure   clInt = -4
	clOutOfResources          clInt = -5
	clOutOfHostMemory         clInt = -6
	clBuildProgramFailure     clInt = -11
	clInvalidValue            clInt = -30
	clInvalidDevice           clInt = -33
	clInvalidMemObject        clInt = -38
	clInvalidBinary           clInt = -42
	clInvalidKernelName       clInt = -46
	clInvalidKernelArgs       clInt = -52
	clInvalidWorkGroupSize    clInt = -54
	clInvalidGlobalOffset     clInt = -56
	clInvalidBufferSize       clInt = -61
	clInvalidGlobalWorkSize   clInt = -63
	clInvalidDeviceQueue      clInt = -70
	clKernelArgInfoNotAvail   clInt = -19
	clProfilingInfoNotAvail   clInt = -7
	clMemCopyOverlap          clInt = -8
	clImageFormatMismatch     clInt = -9
	clMisalignedSubBufferOffs clInt = -13
)

func statusString(s clInt) string {
	names := map[clInt]string{
		clSuccess:               "CL_SUCCESS",
		clDeviceNotFound:        "CL_DEVICE_NOT_FOUND",
		clDeviceNotAvailable:    "CL_DEVICE_NOT_AVAILABLE",
		clCompilerNotAvailable:  "CL_COMPILER_NOT_AVAILABLE",
		clMemObjectAllocFailure: "CL_MEM_OBJECT_ALLOCATION_FAILURE",
		clOutOfResources:        "CL_OUT_OF_RESOURCES",
		clOutOfHostMemory:       "CL_OUT_OF_HOST_MEMORY",
		clBuildProgramFailure:   "CL_BUILD_PROGRAM_FAILURE",
		clInvalidValue:          "CL_INVALID_VALUE",
		clInvalidDevice:         "CL_INVALID_DEVICE",
		clInvalidMemObject:      "CL_INVALID_MEM_OBJECT",
		clInvalidBinary:         "CL_INVALID_BINARY",
		clInvalidKernelName:     "CL_INVALID_KERNEL_NAME",
		clInvalidKernelArgs:     "CL_INVALID_KERNEL_ARGS",
		clInvalidWorkGroupSize:  "CL_INVALID_WORK_GROUP_SIZE",
		clInvalidBufferSize:     "CL_INVALID_BUFFER_SIZE",
	}
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("CL_ERROR(%d)", s)
}

// statusErr translates an OpenCL status into the runtime taxonomy.
func statusErr(op string, s clInt) error {
	if s == clSuccess {
		return nil
	}
	msg := fmt.Sprintf("%s: %s", op, statusString(s))
	switch s {
	case clMemObjectAllocFailure, clOutOfResources, clOutOfHostMemory:
		return gpuerr.New(gpuerr.KindOutOfMemory, msg).
			WithSuggestion("Reduce working set or call pool.Trim()")
	case clDeviceNotFound, clDeviceNotAvailable:
		return gpuerr.New(gpuerr.KindDeviceUnavailable, msg)
	case clBuildProgramFailure, clCompilerNotAvailable, clInvalidBinary:
		return gpuerr.New(gpuerr.KindKernelCompilationFailed, msg)
	case clInvalidKernelArgs, clInvalidKernelName:
		return gpuerr.New(gpuerr.KindInvalidKernelParameters, msg)
	case clInvalidValue, clInvalidMemObject, clInvalidBufferSize, clInvalidWorkGroupSize:
		return gpuerr.New(gpuerr.KindInvalidArgument, msg)
	default:
		return gpuerr.New(gpuerr.KindDriverError, msg)
	}
}

// Device/platform info param names.
const (
	clPlatformName          = 0x0902
	clDeviceName            = 0x102B
	clDeviceVendor          = 0x102C
	clDeviceType            = 0x1000
	clDeviceMaxWorkGroup    = 0x1004
	clDeviceGlobalMemSize   = 0x101F
	clDeviceHostUnifiedMem  = 0x1035
	clDeviceAvailable       = 0x1027
	clDeviceMaxComputeUnits = 0x1002
)

const (
	clDeviceTypeGPU         = 1 << 2
	clDeviceTypeCPU         = 1 << 1
	clDeviceTypeAccelerator = 1 << 3
	clDeviceTypeAll         = 0xFFFFFFFF
)

const (
	clMemReadWrite    = 1 << 0
	clMemAllocHostPtr = 1 << 4
)

const (
	clMapRead  = 1 << 0
	clMapWrite = 1 << 1
)

const clBufferCreateTypeRegion = 0x1220

type clBufferRegion struct {
	origin uintptr
	size   uintptr
}

var (
	loaderOnce sync.Once
	loaderErr  error

	clGetPlatformIDs func(num uint32, platforms *uintptr, numOut *uint32) clInt
	clGetPlatformInfo func(platform uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeOut *uintptr) clInt
	clGetDeviceIDs   func(platform uintptr, devType uint64, num uint32, devices *uintptr, numOut *uint32) clInt
	clGetDeviceInfo  func(dev uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeOut *uintptr) clInt

	clCreateContext      func(props *uintptr, numDevices uint32, devices *uintptr, cb uintptr, userData uintptr, errOut *clInt) uintptr
	clReleaseContext     func(ctx uintptr) clInt
	clCreateCommandQueue func(ctx uintptr, dev uintptr, props uint64, errOut *clInt) uintptr
	clReleaseCommandQueue func(q uintptr) clInt
	clFinish             func(q uintptr) clInt
	clFlush              func(q uintptr) clInt

	clCreateBuffer    func(ctx uintptr, flags uint64, size uintptr, hostPtr unsafe.Pointer, errOut *clInt) uintptr
	clCreateSubBuffer func(mem uintptr, flags uint64, createType uint32, info unsafe.Pointer, errOut *clInt) uintptr
	clReleaseMemObject func(mem uintptr) clInt

	clEnqueueMapBuffer   func(q uintptr, mem uintptr, blocking uint32, mapFlags uint64, offset, size uintptr, numEvents uint32, waitList *uintptr, event *uintptr, errOut *clInt) unsafe.Pointer
	clEnqueueUnmapMemObject func(q uintptr, mem uintptr, mapped unsafe.Pointer, numEvents uint32, waitList *uintptr, event *uintptr) clInt
	clEnqueueReadBuffer  func(q uintptr, mem uintptr, blocking uint32, offset, size uintptr, ptr unsafe.Pointer, numEvents uint32, waitList *uintptr, event *uintptr) clInt
	clEnqueueWriteBuffer func(q uintptr, mem uintptr, blocking uint32, offset, size uintptr, ptr unsafe.Pointer, numEvents uint32, waitList *uintptr, event *uintptr) clInt
	clEnqueueCopyBuffer  func(q uintptr, src, dst uintptr, srcOff, dstOff, size uintptr, numEvents uint32, waitList *uintptr, event *uintptr) clInt
	clEnqueueFillBuffer  func(q uintptr, mem uintptr, pattern unsafe.Pointer, patternSize, offset, size uintptr, numEvents uint32, waitList *uintptr, event *uintptr) clInt

	clCreateProgramWithSource func(ctx uintptr, count uint32, strings **byte, lengths *uintptr, errOut *clInt) uintptr
	clCreateProgramWithIL     func(ctx uintptr, il unsafe.Pointer, length uintptr, errOut *clInt) uintptr
	clBuildProgram            func(prog uintptr, numDevices uint32, devices *uintptr, options *byte, cb uintptr, userData uintptr) clInt
	clReleaseProgram          func(prog uintptr) clInt
	clCreateKernel            func(prog uintptr, name *byte, errOut *clInt) uintptr
	clReleaseKernel           func(k uintptr) clInt
	clSetKernelArg            func(k uintptr, index uint32, size uintptr, value unsafe.Pointer) clInt
	clEnqueueNDRangeKernel    func(q uintptr, k uintptr, workDim uint32, globalOffset, globalSize, localSize *uintptr, numEvents uint32, waitList *uintptr, event *uintptr) clInt
)

// initLoader opens the OpenCL ICD loader once and registers entry points.
func initLoader() error {
	loaderOnce.Do(func() {
		lib, err := openLibrary(libraryNames)
		if err != nil {
			loaderErr = gpuerr.Wrap(gpuerr.KindDeviceUnavailable, "opencl loader not present", err)
			return
		}
		register := func(fptr any, name string) {
			defer func() {
				if r := recover(); r != nil && loaderErr == nil {
					loaderErr = gpuerr.Newf(gpuerr.KindDriverError, "opencl entry point %s: %v", name, r)
				}
			}()
			purego.RegisterLibFunc(fptr, lib, name)
		}

		register(&clGetPlatformIDs, "clGetPlatformIDs")
		register(&clGetPlatformInfo, "clGetPlatformInfo")
		register(&clGetDeviceIDs, "clGetDeviceIDs")
		register(&clGetDeviceInfo, "clGetDeviceInfo")
		register(&clCreateContext, "clCreateContext")
		register(&clReleaseContext, "clReleaseContext")
		register(&clCreateCommandQueue, "clCreateCommandQueue")
		register(&clReleaseCommandQueue, "clReleaseCommandQueue")
		register(&clFinish, "clFinish")
		register(&clFlush, "clFlush")
		register(&clCreateBuffer, "clCreateBuffer")
		register(&clCreateSubBuffer, "clCreateSubBuffer")
		register(&clReleaseMemObject, "clReleaseMemObject")
		register(&clEnqueueMapBuffer, "clEnqueueMapBuffer")
		register(&clEnqueueUnmapMemObject, "clEnqueueUnmapMemObject")
		register(&clEnqueueReadBuffer, "clEnqueueReadBuffer")
		register(&clEnqueueWriteBuffer, "clEnqueueWriteBuffer")
		register(&clEnqueueCopyBuffer, "clEnqueueCopyBuffer")
		register(&clEnqueueFillBuffer, "clEnqueueFillBuffer")
		register(&clCreateProgramWithSource, "clCreateProgramWithSource")
		register(&clCreateProgramWithIL, "clCreateProgramWithIL")
		register(&clBuildProgram, "clBuildProgram")
		register(&clReleaseProgram, "clReleaseProgram")
		register(&clCreateKernel, "clCreateKernel")
		register(&clReleaseKernel, "clReleaseKernel")
		register(&clSetKernelArg, "clSetKernelArg")
		register(&clEnqueueNDRangeKernel, "clEnqueueNDRangeKernel")
	})
	return loaderErr
}
