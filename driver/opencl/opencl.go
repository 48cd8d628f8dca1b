// Package opencl binds the runtime to OpenCL platforms through the ICD
// loader. Buffer handles are cl_mem objects, so every transfer carries an
// explicit byte offset and kernel arguments at a non-zero offset go through
// clCreateSubBuffer.
package opencl

import (
	"strings"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/device"
	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
)

// spirvMagic is the little-endian magic word opening a SPIR-V module.
var spirvMagic = []byte{0x03, 0x02, 0x23, 0x07}

// Provider enumerates OpenCL devices across all platforms.
type Provider struct {
	log *zap.Logger
}

func NewProvider(log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{log: log.Named("opencl")}
}

func (p *Provider) Backend() device.Backend { return device.BackendOpenCL }

func (p *Provider) Enumerate() ([]device.Device, bool) {
	if err := initLoader(); err != nil {
		p.log.Debug("opencl loader not loadable", zap.Error(err))
		return nil, false
	}

	var numPlatforms uint32
	if s := clGetPlatformIDs(0, nil, &numPlatforms); s != clSuccess || numPlatforms == 0 {
		return nil, true
	}
	platforms := make([]uintptr, numPlatforms)
	if s := clGetPlatformIDs(numPlatforms, &platforms[0], nil); s != clSuccess {
		return nil, true
	}

	var out []device.Device
	for pi, platform := range platforms {
		var numDevs uint32
		if s := clGetDeviceIDs(platform, clDeviceTypeAll, 0, nil, &numDevs); s != clSuccess || numDevs == 0 {
			continue
		}
		devs := make([]uintptr, numDevs)
		if s := clGetDeviceIDs(platform, clDeviceTypeAll, numDevs, &devs[0], nil); s != clSuccess {
			continue
		}
		for di, dev := range devs {
			out = append(out, describe(pi, di, dev))
		}
	}
	return out, true
}

func deviceInfoString(dev uintptr, param uint32) string {
	var size uintptr
	if s := clGetDeviceInfo(dev, param, 0, nil, &size); s != clSuccess || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if s := clGetDeviceInfo(dev, param, size, unsafe.Pointer(&buf[0]), nil); s != clSuccess {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00")
}

func deviceInfoUint64(dev uintptr, param uint32) uint64 {
	var v uint64
	clGetDeviceInfo(dev, param, unsafe.Sizeof(v), unsafe.Pointer(&v), nil)
	return v
}

func describe(platformIdx, devIdx int, dev uintptr) device.Device {
	d := device.Device{
		ID:     device.OpenCLID(platformIdx, devIdx),
		Name:   deviceInfoString(dev, clDeviceName),
		Vendor: deviceInfoString(dev, clDeviceVendor),
		Status: device.StatusAvailable,
	}
	var available uint32
	clGetDeviceInfo(dev, clDeviceAvailable, unsafe.Sizeof(available), unsafe.Pointer(&available), nil)
	if available == 0 {
		d.Status = device.StatusUnavailable
		d.StatusReason = "device reports not available"
	}
	d.Capabilities = device.Capabilities{
		MaxWorkGroupSize: int(deviceInfoUint64(dev, clDeviceMaxWorkGroup)),
		UnifiedMemory:    deviceInfoUint64(dev, clDeviceHostUnifiedMem) != 0,
		AsyncCopy:        true,
	}
	total := int64(deviceInfoUint64(dev, clDeviceGlobalMemSize))
	d.SetMemoryInfoFunc(func() (device.MemoryInfo, error) {
		return device.MemoryInfo{TotalBytes: total, FreeBytes: total}, nil
	})
	return d
}

// handleFor re-resolves the raw cl_device_id for an enumerated ID.
func handleFor(id device.ID) (platform, dev uintptr, err error) {
	pi, di := id.OpenCLPair()

	var numPlatforms uint32
	if s := clGetPlatformIDs(0, nil, &numPlatforms); s != clSuccess {
		return 0, 0, statusErr("clGetPlatformIDs", s)
	}
	if pi >= int(numPlatforms) {
		return 0, 0, gpuerr.Newf(gpuerr.KindInvalidArgument, "platform index %d out of range", pi)
	}
	platforms := make([]uintptr, numPlatforms)
	if s := clGetPlatformIDs(numPlatforms, &platforms[0], nil); s != clSuccess {
		return 0, 0, statusErr("clGetPlatformIDs", s)
	}
	platform = platforms[pi]

	var numDevs uint32
	if s := clGetDeviceIDs(platform, clDeviceTypeAll, 0, nil, &numDevs); s != clSuccess {
		return 0, 0, statusErr("clGetDeviceIDs", s)
	}
	if di >= int(numDevs) {
		return 0, 0, gpuerr.Newf(gpuerr.KindInvalidArgument, "device index %d out of range", di)
	}
	devs := make([]uintptr, numDevs)
	if s := clGetDeviceIDs(platform, clDeviceTypeAll, numDevs, &devs[0], nil); s != clSuccess {
		return 0, 0, statusErr("clGetDeviceIDs", s)
	}
	return platform, devs[di], nil
}

func (p *Provider) Open(id device.ID) (driver.Driver, error) {
	if id.Backend != device.BackendOpenCL {
		return nil, gpuerr.Newf(gpuerr.KindInvalidArgument, "opencl provider cannot open %s", id)
	}
	if err := initLoader(); err != nil {
		return nil, err
	}
	_, dev, err := handleFor(id)
	if err != nil {
		return nil, err
	}

	var status clInt
	ctx := clCreateContext(nil, 1, &dev, 0, 0, &status)
	if status != clSuccess {
		return nil, statusErr("clCreateContext", status)
	}
	return &Driver{
		id:      id,
		dev:     dev,
		ctx:     ctx,
		log:     p.log,
		total:   int64(deviceInfoUint64(dev, clDeviceGlobalMemSize)),
		sizes:   make(map[driver.Ptr]int64),
		mapped:  make(map[driver.Ptr]unsafe.Pointer),
		modules: make(map[driver.Module]uintptr),
		funcs:   make(map[driver.Function]uintptr),
	}, nil
}

// Driver is one OpenCL device binding.
type Driver struct {
	id    device.ID
	dev   uintptr
	ctx   uintptr
	log   *zap.Logger
	total int64

	mu        sync.Mutex
	sizes     map[driver.Ptr]int64
	mapped    map[driver.Ptr]unsafe.Pointer
	allocated int64
	modules   map[driver.Module]uintptr
	nextMod   driver.Module
	funcs     map[driver.Function]uintptr
	nextFunc  driver.Function
	defQueue  uintptr
	closed    bool
}

var (
	_ driver.Provider = (*Provider)(nil)
	_ driver.Driver   = (*Driver)(nil)
)

func (d *Driver) DeviceID() device.ID { return d.id }

// syncQueue is the queue used for copies requested without a stream.
func (d *Driver) syncQueue() (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.defQueue != 0 {
		return d.defQueue, nil
	}
	var status clInt
	q := clCreateCommandQueue(d.ctx, d.dev, 0, &status)
	if status != clSuccess {
		return 0, statusErr("clCreateCommandQueue", status)
	}
	d.defQueue = q
	return q, nil
}

func (d *Driver) Alloc(n int64) (driver.Ptr, error) {
	var status clInt
	mem := clCreateBuffer(d.ctx, clMemReadWrite, uintptr(n), nil, &status)
	if status != clSuccess {
		return 0, statusErr("clCreateBuffer", status)
	}
	p := driver.Ptr(mem)
	d.mu.Lock()
	d.sizes[p] = n
	d.allocated += n
	d.mu.Unlock()
	return p, nil
}

// AllocHost creates a host-allocated buffer and keeps it mapped so the
// runtime can address the pinned bytes directly.
func (d *Driver) AllocHost(n int64) (driver.Ptr, unsafe.Pointer, error) {
	var status clInt
	mem := clCreateBuffer(d.ctx, clMemReadWrite|clMemAllocHostPtr, uintptr(n), nil, &status)
	if status != clSuccess {
		return 0, nil, statusErr("clCreateBuffer", status)
	}
	q, err := d.syncQueue()
	if err != nil {
		clReleaseMemObject(mem)
		return 0, nil, err
	}
	mapped := clEnqueueMapBuffer(q, mem, 1, clMapRead|clMapWrite, 0, uintptr(n), 0, nil, nil, &status)
	if status != clSuccess {
		clReleaseMemObject(mem)
		return 0, nil, statusErr("clEnqueueMapBuffer", status)
	}
	p := driver.Ptr(mem)
	d.mu.Lock()
	d.sizes[p] = n
	d.mapped[p] = mapped
	d.allocated += n
	d.mu.Unlock()
	return p, mapped, nil
}

func (d *Driver) Free(p driver.Ptr) error {
	d.mu.Lock()
	n, ok := d.sizes[p]
	delete(d.sizes, p)
	mapped := d.mapped[p]
	delete(d.mapped, p)
	d.allocated -= n
	d.mu.Unlock()
	if !ok {
		return gpuerr.Newf(gpuerr.KindInvalidArgument, "free of unknown cl_mem %#x", uintptr(p)).WithDevice(d.id.String())
	}
	if mapped != nil {
		if q, err := d.syncQueue(); err == nil {
			clEnqueueUnmapMemObject(q, uintptr(p), mapped, 0, nil, nil)
			clFinish(q)
		}
	}
	return statusErr("clReleaseMemObject", clReleaseMemObject(uintptr(p)))
}

// queueOrSync picks the target queue; copies without a stream block on the
// internal queue, matching a blocking clEnqueue call.
func (d *Driver) queueOrSync(q driver.Queue) (uintptr, uint32, error) {
	if q != 0 {
		return uintptr(q), 0, nil // non-blocking on the caller's queue
	}
	sq, err := d.syncQueue()
	return sq, 1, err
}

func (d *Driver) CopyHtoD(dst driver.Ptr, dstOff int64, src unsafe.Pointer, n int64, q driver.Queue) error {
	cq, blocking, err := d.queueOrSync(q)
	if err != nil {
		return err
	}
	return statusErr("clEnqueueWriteBuffer",
		clEnqueueWriteBuffer(cq, uintptr(dst), blocking, uintptr(dstOff), uintptr(n), src, 0, nil, nil))
}

func (d *Driver) CopyDtoH(dst unsafe.Pointer, src driver.Ptr, srcOff int64, n int64, q driver.Queue) error {
	cq, blocking, err := d.queueOrSync(q)
	if err != nil {
		return err
	}
	return statusErr("clEnqueueReadBuffer",
		clEnqueueReadBuffer(cq, uintptr(src), blocking, uintptr(srcOff), uintptr(n), dst, 0, nil, nil))
}

func (d *Driver) CopyDtoD(dst driver.Ptr, dstOff int64, src driver.Ptr, srcOff int64, n int64, q driver.Queue) error {
	cq, blocking, err := d.queueOrSync(q)
	if err != nil {
		return err
	}
	if s := clEnqueueCopyBuffer(cq, uintptr(src), uintptr(dst), uintptr(srcOff), uintptr(dstOff), uintptr(n), 0, nil, nil); s != clSuccess {
		return statusErr("clEnqueueCopyBuffer", s)
	}
	if blocking != 0 {
		return statusErr("clFinish", clFinish(cq))
	}
	return nil
}

func (d *Driver) MemsetD8(dst driver.Ptr, off int64, value byte, n int64, q driver.Queue) error {
	cq, blocking, err := d.queueOrSync(q)
	if err != nil {
		return err
	}
	pattern := value
	if s := clEnqueueFillBuffer(cq, uintptr(dst), unsafe.Pointer(&pattern), 1, uintptr(off), uintptr(n), 0, nil, nil); s != clSuccess {
		return statusErr("clEnqueueFillBuffer", s)
	}
	if blocking != 0 {
		return statusErr("clFinish", clFinish(cq))
	}
	return nil
}

func (d *Driver) CreateQueue() (driver.Queue, error) {
	var status clInt
	q := clCreateCommandQueue(d.ctx, d.dev, 0, &status)
	if status != clSuccess {
		return 0, statusErr("clCreateCommandQueue", status)
	}
	return driver.Queue(q), nil
}

func (d *Driver) DestroyQueue(q driver.Queue) error {
	if s := clFinish(uintptr(q)); s != clSuccess {
		return statusErr("clFinish", s)
	}
	return statusErr("clReleaseCommandQueue", clReleaseCommandQueue(uintptr(q)))
}

func (d *Driver) Sync(q driver.Queue) error {
	return statusErr("clFinish", clFinish(uintptr(q)))
}

// LoadModule builds a program from SPIR-V (clCreateProgramWithIL) or OpenCL
// C source.
func (d *Driver) LoadModule(payload []byte) (driver.Module, error) {
	if len(payload) == 0 {
		return 0, gpuerr.New(gpuerr.KindKernelCompilationFailed, "empty opencl module payload").WithDevice(d.id.String())
	}
	var status clInt
	var prog uintptr
	if len(payload) >= 4 && payload[0] == spirvMagic[0] && payload[1] == spirvMagic[1] &&
		payload[2] == spirvMagic[2] && payload[3] == spirvMagic[3] {
		prog = clCreateProgramWithIL(d.ctx, unsafe.Pointer(&payload[0]), uintptr(len(payload)), &status)
		if status != clSuccess {
			return 0, statusErr("clCreateProgramWithIL", status)
		}
	} else {
		src := append([]byte(nil), payload...)
		src = append(src, 0)
		srcPtr := &src[0]
		length := uintptr(len(payload))
		prog = clCreateProgramWithSource(d.ctx, 1, &srcPtr, &length, &status)
		if status != clSuccess {
			return 0, statusErr("clCreateProgramWithSource", status)
		}
	}
	if s := clBuildProgram(prog, 1, &d.dev, nil, 0, 0); s != clSuccess {
		clReleaseProgram(prog)
		return 0, statusErr("clBuildProgram", s)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextMod++
	d.modules[d.nextMod] = prog
	return d.nextMod, nil
}

func (d *Driver) GetFunction(m driver.Module, entry string) (driver.Function, error) {
	d.mu.Lock()
	prog, ok := d.modules[m]
	d.mu.Unlock()
	if !ok {
		return 0, gpuerr.New(gpuerr.KindInvalidArgument, "unknown module handle").WithDevice(d.id.String())
	}
	name := append([]byte(entry), 0)
	var status clInt
	k := clCreateKernel(prog, &name[0], &status)
	if status != clSuccess {
		return 0, statusErr("clCreateKernel", status)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextFunc++
	d.funcs[d.nextFunc] = k
	return d.nextFunc, nil
}

func (d *Driver) UnloadModule(m driver.Module) error {
	d.mu.Lock()
	prog, ok := d.modules[m]
	delete(d.modules, m)
	d.mu.Unlock()
	if !ok {
		return gpuerr.New(gpuerr.KindInvalidArgument, "unknown module handle").WithDevice(d.id.String())
	}
	return statusErr("clReleaseProgram", clReleaseProgram(prog))
}

func (d *Driver) Launch(f driver.Function, grid, block driver.Dim3, args []driver.KernelArg, q driver.Queue) error {
	d.mu.Lock()
	k, ok := d.funcs[f]
	d.mu.Unlock()
	if !ok {
		return gpuerr.New(gpuerr.KindLaunchFailed, "unknown function handle").WithDevice(d.id.String())
	}

	// Sub-buffers created for offset args live until after the enqueue;
	// the command retains its own references.
	var subBuffers []uintptr
	defer func() {
		for _, sb := range subBuffers {
			clReleaseMemObject(sb)
		}
	}()

	memCells := make([]uintptr, len(args))
	for i, a := range args {
		switch a.Kind {
		case driver.ArgBuffer:
			mem := uintptr(a.Device)
			if a.Offset != 0 {
				d.mu.Lock()
				size := d.sizes[a.Device]
				d.mu.Unlock()
				region := clBufferRegion{origin: uintptr(a.Offset), size: uintptr(size - a.Offset)}
				var status clInt
				sub := clCreateSubBuffer(mem, clMemReadWrite, clBufferCreateTypeRegion, unsafe.Pointer(&region), &status)
				if status != clSuccess {
					return statusErr("clCreateSubBuffer", status)
				}
				subBuffers = append(subBuffers, sub)
				mem = sub
			}
			memCells[i] = mem
			if s := clSetKernelArg(k, uint32(i), unsafe.Sizeof(mem), unsafe.Pointer(&memCells[i])); s != clSuccess {
				return statusErr("clSetKernelArg", s)
			}
		case driver.ArgScalar, driver.ArgStruct:
			if s := clSetKernelArg(k, uint32(i), a.Size, a.Host); s != clSuccess {
				return statusErr("clSetKernelArg", s)
			}
		}
	}

	global := [3]uintptr{
		uintptr(max1(grid.X) * max1(block.X)),
		uintptr(max1(grid.Y) * max1(block.Y)),
		uintptr(max1(grid.Z) * max1(block.Z)),
	}
	local := [3]uintptr{uintptr(max1(block.X)), uintptr(max1(block.Y)), uintptr(max1(block.Z))}
	cq := uintptr(q)
	if cq == 0 {
		sq, err := d.syncQueue()
		if err != nil {
			return err
		}
		cq = sq
	}
	if s := clEnqueueNDRangeKernel(cq, k, 3, nil, &global[0], &local[0], 0, nil, nil); s != clSuccess {
		return statusErr("clEnqueueNDRangeKernel", s)
	}
	if q == 0 {
		return statusErr("clFinish", clFinish(cq))
	}
	return nil
}

func (d *Driver) MemInfo() (free, total int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total - d.allocated, d.total, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	defQueue := d.defQueue
	d.defQueue = 0
	mods := d.modules
	d.modules = map[driver.Module]uintptr{}
	funcs := d.funcs
	d.funcs = map[driver.Function]uintptr{}
	d.mu.Unlock()

	for _, k := range funcs {
		clReleaseKernel(k)
	}
	for _, prog := range mods {
		clReleaseProgram(prog)
	}
	if defQueue != 0 {
		clFinish(defQueue)
		clReleaseCommandQueue(defQueue)
	}
	return statusErr("clReleaseContext", clReleaseContext(d.ctx))
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
