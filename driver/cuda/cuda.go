// Package cuda binds the runtime to NVIDIA devices through the CUDA driver
// API. Kernel artifacts are PTX text or cubin images; the runtime never
// inspects them beyond handing the bytes to cuModuleLoadData.
package cuda

import (
	"bytes"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/device"
	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
)

// Provider enumerates CUDA devices. A missing driver library makes the
// provider report not-present; a present driver that fails to initialize
// yields Unavailable devices with the failure attached.
type Provider struct {
	log *zap.Logger
}

func NewProvider(log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{log: log.Named("cuda")}
}

func (p *Provider) Backend() device.Backend { return device.BackendCUDA }

func (p *Provider) Enumerate() ([]device.Device, bool) {
	if err := initDriver(); err != nil {
		p.log.Debug("cuda driver library not loadable", zap.Error(err))
		return nil, false
	}
	if r := cuInit(0); r != cudaSuccess {
		return []device.Device{{
			ID:           device.CUDAID(0),
			Name:         "CUDA (init failed)",
			Status:       device.StatusUnavailable,
			StatusReason: r.String(),
		}}, true
	}

	var count int32
	if r := cuDeviceGetCount(&count); r != cudaSuccess {
		return []device.Device{{
			ID:           device.CUDAID(0),
			Name:         "CUDA (enumeration failed)",
			Status:       device.StatusUnavailable,
			StatusReason: r.String(),
		}}, true
	}

	devices := make([]device.Device, 0, count)
	for ordinal := int32(0); ordinal < count; ordinal++ {
		devices = append(devices, describe(ordinal))
	}
	return devices, true
}

func describe(ordinal int32) device.Device {
	d := device.Device{ID: device.CUDAID(int(ordinal)), Vendor: "NVIDIA", Status: device.StatusAvailable}

	var dev int32
	if r := cuDeviceGet(&dev, ordinal); r != cudaSuccess {
		d.Status = device.StatusUnavailable
		d.StatusReason = r.String()
		return d
	}

	var name [256]byte
	if r := cuDeviceGetName(&name[0], int32(len(name)), dev); r == cudaSuccess {
		if i := bytes.IndexByte(name[:], 0); i >= 0 {
			d.Name = string(name[:i])
		}
	}

	attr := func(code int32) int {
		var v int32
		cuDeviceGetAttribute(&v, code, dev)
		return int(v)
	}
	d.Capabilities.ComputeMajor = attr(attrComputeCapabilityMajor)
	d.Capabilities.ComputeMinor = attr(attrComputeCapabilityMinor)
	d.Capabilities.MaxWorkGroupSize = attr(attrMaxThreadsPerBlock)
	d.Capabilities.UnifiedMemory = attr(attrManagedMemory) != 0 && attr(attrConcurrentManagedAccess) != 0
	d.Capabilities.MemoryPools = attr(attrMemoryPoolsSupported) != 0
	d.Capabilities.AsyncCopy = true
	d.Capabilities.TensorCores = tensorCoreClasses(d.Capabilities.ComputeMajor)

	var total uint64
	cuDeviceTotalMem(&total, dev)
	d.SetMemoryInfoFunc(func() (device.MemoryInfo, error) {
		// Free memory needs a context; outside one, report capacity.
		return device.MemoryInfo{TotalBytes: int64(total), FreeBytes: int64(total)}, nil
	})
	return d
}

// tensorCoreClasses maps compute capability to the precision classes the
// dedicated matrix units accept.
func tensorCoreClasses(major int) []device.Precision {
	switch {
	case major >= 8:
		return []device.Precision{device.PrecisionFP16, device.PrecisionBF16, device.PrecisionTF32, device.PrecisionINT8}
	case major >= 7:
		return []device.Precision{device.PrecisionFP16, device.PrecisionINT8}
	default:
		return nil
	}
}

func (p *Provider) Open(id device.ID) (driver.Driver, error) {
	if id.Backend != device.BackendCUDA {
		return nil, gpuerr.Newf(gpuerr.KindInvalidArgument, "cuda provider cannot open %s", id)
	}
	if err := initDriver(); err != nil {
		return nil, err
	}
	if r := cuInit(0); r != cudaSuccess {
		return nil, r.toErr("cuInit")
	}
	var dev int32
	if r := cuDeviceGet(&dev, int32(id.Ordinal())); r != cudaSuccess {
		return nil, r.toErr("cuDeviceGet")
	}
	var ctx uintptr
	if r := cuCtxCreate(&ctx, 0, dev); r != cudaSuccess {
		return nil, r.toErr("cuCtxCreate")
	}
	return &Driver{id: id, dev: dev, ctx: ctx, log: p.log, hostPtrs: make(map[driver.Ptr]struct{})}, nil
}

// Driver is one CUDA device binding holding the driver context.
type Driver struct {
	id  device.ID
	dev int32
	ctx uintptr
	log *zap.Logger

	mu       sync.Mutex
	hostPtrs map[driver.Ptr]struct{}
	closed   bool
}

var (
	_ driver.Provider = (*Provider)(nil)
	_ driver.Driver   = (*Driver)(nil)
)

func (d *Driver) DeviceID() device.ID { return d.id }

// current makes the context current on the calling OS thread. Every entry
// point goes through it because callers may hop goroutines between calls.
func (d *Driver) current() error {
	return cuCtxSetCurrent(d.ctx).toErr("cuCtxSetCurrent")
}

func (d *Driver) Alloc(n int64) (driver.Ptr, error) {
	if err := d.current(); err != nil {
		return 0, err
	}
	var p uintptr
	if r := cuMemAlloc(&p, uint64(n)); r != cudaSuccess {
		return 0, r.toErr("cuMemAlloc")
	}
	return driver.Ptr(p), nil
}

func (d *Driver) AllocHost(n int64) (driver.Ptr, unsafe.Pointer, error) {
	if err := d.current(); err != nil {
		return 0, nil, err
	}
	var p uintptr
	if r := cuMemAllocHost(&p, uint64(n)); r != cudaSuccess {
		return 0, nil, r.toErr("cuMemAllocHost")
	}
	d.mu.Lock()
	d.hostPtrs[driver.Ptr(p)] = struct{}{}
	d.mu.Unlock()
	return driver.Ptr(p), unsafe.Pointer(p), nil
}

func (d *Driver) Free(p driver.Ptr) error {
	if err := d.current(); err != nil {
		return err
	}
	d.mu.Lock()
	_, pinned := d.hostPtrs[p]
	delete(d.hostPtrs, p)
	d.mu.Unlock()
	if pinned {
		return cuMemFreeHost(uintptr(p)).toErr("cuMemFreeHost")
	}
	return cuMemFree(uintptr(p)).toErr("cuMemFree")
}

func (d *Driver) CopyHtoD(dst driver.Ptr, dstOff int64, src unsafe.Pointer, n int64, q driver.Queue) error {
	if err := d.current(); err != nil {
		return err
	}
	addr := uintptr(dst) + uintptr(dstOff)
	if q == 0 {
		return cuMemcpyHtoD(addr, src, uint64(n)).toErr("cuMemcpyHtoD")
	}
	return cuMemcpyHtoDAsync(addr, src, uint64(n), uintptr(q)).toErr("cuMemcpyHtoDAsync")
}

func (d *Driver) CopyDtoH(dst unsafe.Pointer, src driver.Ptr, srcOff int64, n int64, q driver.Queue) error {
	if err := d.current(); err != nil {
		return err
	}
	addr := uintptr(src) + uintptr(srcOff)
	if q == 0 {
		return cuMemcpyDtoH(dst, addr, uint64(n)).toErr("cuMemcpyDtoH")
	}
	return cuMemcpyDtoHAsync(dst, addr, uint64(n), uintptr(q)).toErr("cuMemcpyDtoHAsync")
}

func (d *Driver) CopyDtoD(dst driver.Ptr, dstOff int64, src driver.Ptr, srcOff int64, n int64, q driver.Queue) error {
	if err := d.current(); err != nil {
		return err
	}
	daddr := uintptr(dst) + uintptr(dstOff)
	saddr := uintptr(src) + uintptr(srcOff)
	if q == 0 {
		return cuMemcpyDtoD(daddr, saddr, uint64(n)).toErr("cuMemcpyDtoD")
	}
	return cuMemcpyDtoDAsync(daddr, saddr, uint64(n), uintptr(q)).toErr("cuMemcpyDtoDAsync")
}

func (d *Driver) MemsetD8(dst driver.Ptr, off int64, value byte, n int64, q driver.Queue) error {
	if err := d.current(); err != nil {
		return err
	}
	addr := uintptr(dst) + uintptr(off)
	if q == 0 {
		return cuMemsetD8(addr, value, uint64(n)).toErr("cuMemsetD8")
	}
	return cuMemsetD8Async(addr, value, uint64(n), uintptr(q)).toErr("cuMemsetD8Async")
}

func (d *Driver) CreateQueue() (driver.Queue, error) {
	if err := d.current(); err != nil {
		return 0, err
	}
	var s uintptr
	if r := cuStreamCreate(&s, streamNonBlocking); r != cudaSuccess {
		return 0, r.toErr("cuStreamCreate")
	}
	return driver.Queue(s), nil
}

func (d *Driver) DestroyQueue(q driver.Queue) error {
	if err := d.current(); err != nil {
		return err
	}
	if r := cuStreamSynchronize(uintptr(q)); r != cudaSuccess {
		return r.toErr("cuStreamSynchronize")
	}
	return cuStreamDestroy(uintptr(q)).toErr("cuStreamDestroy")
}

func (d *Driver) Sync(q driver.Queue) error {
	if err := d.current(); err != nil {
		return err
	}
	return cuStreamSynchronize(uintptr(q)).toErr("cuStreamSynchronize")
}

func (d *Driver) LoadModule(payload []byte) (driver.Module, error) {
	if err := d.current(); err != nil {
		return 0, err
	}
	// cuModuleLoadData requires a NUL-terminated image for PTX text.
	image := payload
	if len(image) == 0 || image[len(image)-1] != 0 {
		image = append(append([]byte(nil), payload...), 0)
	}
	var m uintptr
	if r := cuModuleLoadData(&m, unsafe.Pointer(&image[0])); r != cudaSuccess {
		return 0, gpuerr.Wrap(gpuerr.KindKernelCompilationFailed, "cuModuleLoadData", r.toErr("cuModuleLoadData"))
	}
	return driver.Module(m), nil
}

func (d *Driver) GetFunction(m driver.Module, entry string) (driver.Function, error) {
	if err := d.current(); err != nil {
		return 0, err
	}
	name := append([]byte(entry), 0)
	var f uintptr
	if r := cuModuleGetFunction(&f, uintptr(m), &name[0]); r != cudaSuccess {
		return 0, r.toErr(fmt.Sprintf("cuModuleGetFunction(%s)", entry))
	}
	return driver.Function(f), nil
}

func (d *Driver) UnloadModule(m driver.Module) error {
	if err := d.current(); err != nil {
		return err
	}
	return cuModuleUnload(uintptr(m)).toErr("cuModuleUnload")
}

// Launch marshals arguments into the kernel parameter array: each element
// points at either a device pointer cell or the caller's scalar bytes.
func (d *Driver) Launch(f driver.Function, grid, block driver.Dim3, args []driver.KernelArg, q driver.Queue) error {
	if err := d.current(); err != nil {
		return err
	}
	// ptrCells keeps device-pointer values addressable for the call.
	ptrCells := make([]uintptr, len(args))
	params := make([]unsafe.Pointer, len(args))
	for i, a := range args {
		if a.Kind == driver.ArgBuffer {
			ptrCells[i] = uintptr(a.Device) + uintptr(a.Offset)
			params[i] = unsafe.Pointer(&ptrCells[i])
		} else {
			params[i] = a.Host
		}
	}
	var paramBase unsafe.Pointer
	if len(params) > 0 {
		paramBase = unsafe.Pointer(&params[0])
	}
	r := cuLaunchKernel(uintptr(f),
		uint32(max1(grid.X)), uint32(max1(grid.Y)), uint32(max1(grid.Z)),
		uint32(max1(block.X)), uint32(max1(block.Y)), uint32(max1(block.Z)),
		0, uintptr(q), paramBase, nil)
	return r.toErr("cuLaunchKernel")
}

func (d *Driver) MemInfo() (free, total int64, err error) {
	if err := d.current(); err != nil {
		return 0, 0, err
	}
	var f, t uint64
	if r := cuMemGetInfo(&f, &t); r != cudaSuccess {
		return 0, 0, r.toErr("cuMemGetInfo")
	}
	return int64(f), int64(t), nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return cuCtxDestroy(d.ctx).toErr("cuCtxDestroy")
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
