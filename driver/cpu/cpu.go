// Package cpu implements the in-process CPU simulator backend. Device
// memory is host memory, queues are FIFO worker goroutines, and kernel
// modules resolve against an explicit registry of Go functions.
package cpu

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/device"
	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
)

// simulatedTotalMem is what MemInfo reports as device capacity. The
// simulator does not enforce it; the memory pool applies its own bounds.
const simulatedTotalMem = 16 << 30

// Provider enumerates the single in-process CPU device.
type Provider struct {
	log *zap.Logger
}

// NewProvider builds the CPU device provider.
func NewProvider(log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{log: log.Named("cpu")}
}

func (p *Provider) Backend() device.Backend { return device.BackendCPU }

// deviceID derives the CPU device identity from the host configuration so
// it stays stable across enumerations of the same process.
func deviceID() device.ID {
	h := xxhash.New()
	fmt.Fprintf(h, "cpu:%s:%d", runtime.GOARCH, runtime.NumCPU())
	return device.CPUID(h.Sum64())
}

func (p *Provider) Enumerate() ([]device.Device, bool) {
	d := device.Device{
		ID:     deviceID(),
		Name:   fmt.Sprintf("CPU (%s, %d cores)", runtime.GOARCH, runtime.NumCPU()),
		Vendor: "host",
		Capabilities: device.Capabilities{
			MaxWorkGroupSize: 1024,
			UnifiedMemory:    true,
			MemoryPools:      true,
			AsyncCopy:        true,
		},
		Status: device.StatusAvailable,
	}
	d.SetMemoryInfoFunc(func() (device.MemoryInfo, error) {
		return device.MemoryInfo{TotalBytes: simulatedTotalMem, FreeBytes: simulatedTotalMem}, nil
	})
	return []device.Device{d}, true
}

func (p *Provider) Open(id device.ID) (driver.Driver, error) {
	if id.Backend != device.BackendCPU {
		return nil, gpuerr.Newf(gpuerr.KindInvalidArgument, "cpu provider cannot open %s", id)
	}
	return newDriver(id, p.log), nil
}

type allocation struct {
	base  uintptr
	bytes []byte
}

// Driver is the CPU simulator bound to the single host device.
type Driver struct {
	id  device.ID
	log *zap.Logger

	mu        sync.Mutex
	allocs    []*allocation // sorted by base address
	allocated int64
	queues    map[driver.Queue]*queue
	modules   map[driver.Module][]string
	nextMod   driver.Module
	funcs     map[driver.Function]Kernel
	nextFunc  driver.Function
	closed    bool
}

func newDriver(id device.ID, log *zap.Logger) *Driver {
	return &Driver{
		id:      id,
		log:     log,
		queues:  make(map[driver.Queue]*queue),
		modules: make(map[driver.Module][]string),
		funcs:   make(map[driver.Function]Kernel),
	}
}

var (
	_ driver.Provider = (*Provider)(nil)
	_ driver.Driver   = (*Driver)(nil)
)

func (d *Driver) DeviceID() device.ID { return d.id }

func (d *Driver) Alloc(bytes int64) (driver.Ptr, error) {
	if bytes <= 0 {
		return 0, gpuerr.Newf(gpuerr.KindInvalidArgument, "allocation size %d", bytes).WithDevice(d.id.String())
	}
	buf := make([]byte, bytes)
	a := &allocation{base: uintptr(unsafe.Pointer(&buf[0])), bytes: buf}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, gpuerr.New(gpuerr.KindDeviceUnavailable, "driver closed").WithDevice(d.id.String())
	}
	i := sort.Search(len(d.allocs), func(i int) bool { return d.allocs[i].base >= a.base })
	d.allocs = append(d.allocs, nil)
	copy(d.allocs[i+1:], d.allocs[i:])
	d.allocs[i] = a
	d.allocated += bytes
	return driver.Ptr(a.base), nil
}

// AllocHost is Alloc plus the host mapping: host memory needs no page
// locking when the device is the host.
func (d *Driver) AllocHost(bytes int64) (driver.Ptr, unsafe.Pointer, error) {
	p, err := d.Alloc(bytes)
	if err != nil {
		return 0, nil, err
	}
	return p, unsafe.Pointer(uintptr(p)), nil
}

func (d *Driver) Free(p driver.Ptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := sort.Search(len(d.allocs), func(i int) bool { return d.allocs[i].base >= uintptr(p) })
	if i >= len(d.allocs) || d.allocs[i].base != uintptr(p) {
		return gpuerr.Newf(gpuerr.KindInvalidArgument, "free of unknown pointer %#x", uintptr(p)).WithDevice(d.id.String())
	}
	d.allocated -= int64(len(d.allocs[i].bytes))
	d.allocs = append(d.allocs[:i], d.allocs[i+1:]...)
	return nil
}

// resolve maps a device pointer plus byte offset to its addressable bytes.
func (d *Driver) resolve(p driver.Ptr, off, n int64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := uintptr(p) + uintptr(off)
	i := sort.Search(len(d.allocs), func(i int) bool { return d.allocs[i].base > addr })
	if i == 0 {
		return nil, gpuerr.Newf(gpuerr.KindInvalidArgument, "pointer %#x outside any allocation", addr).WithDevice(d.id.String())
	}
	a := d.allocs[i-1]
	rel := addr - a.base
	if rel > uintptr(len(a.bytes)) || int64(len(a.bytes))-int64(rel) < n {
		return nil, gpuerr.Newf(gpuerr.KindInvalidArgument, "range [%#x,+%d) outside allocation", addr, n).WithDevice(d.id.String())
	}
	return a.bytes[rel : int64(rel)+n], nil
}

func hostBytes(p unsafe.Pointer, n int64) []byte {
	return unsafe.Slice((*byte)(p), n)
}

func (d *Driver) CopyHtoD(dst driver.Ptr, dstOff int64, src unsafe.Pointer, bytes int64, q driver.Queue) error {
	return d.run(q, func() error {
		db, err := d.resolve(dst, dstOff, bytes)
		if err != nil {
			return err
		}
		copy(db, hostBytes(src, bytes))
		return nil
	})
}

func (d *Driver) CopyDtoH(dst unsafe.Pointer, src driver.Ptr, srcOff int64, bytes int64, q driver.Queue) error {
	return d.run(q, func() error {
		sb, err := d.resolve(src, srcOff, bytes)
		if err != nil {
			return err
		}
		copy(hostBytes(dst, bytes), sb)
		return nil
	})
}

func (d *Driver) CopyDtoD(dst driver.Ptr, dstOff int64, src driver.Ptr, srcOff int64, bytes int64, q driver.Queue) error {
	return d.run(q, func() error {
		db, err := d.resolve(dst, dstOff, bytes)
		if err != nil {
			return err
		}
		sb, err := d.resolve(src, srcOff, bytes)
		if err != nil {
			return err
		}
		copy(db, sb)
		return nil
	})
}

func (d *Driver) MemsetD8(dst driver.Ptr, off int64, value byte, bytes int64, q driver.Queue) error {
	return d.run(q, func() error {
		db, err := d.resolve(dst, off, bytes)
		if err != nil {
			return err
		}
		for i := range db {
			db[i] = value
		}
		return nil
	})
}

// run executes op synchronously when q is zero, otherwise enqueues it.
func (d *Driver) run(q driver.Queue, op func() error) error {
	if q == 0 {
		return op()
	}
	qu, err := d.queue(q)
	if err != nil {
		return err
	}
	qu.enqueue(op)
	return nil
}

func (d *Driver) LoadModule(payload []byte) (driver.Module, error) {
	entries, err := parseManifest(payload)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if _, ok := lookupKernel(e); !ok {
			return 0, gpuerr.Newf(gpuerr.KindKernelCompilationFailed, "kernel %q not registered", e).WithDevice(d.id.String())
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextMod++
	d.modules[d.nextMod] = entries
	return d.nextMod, nil
}

func (d *Driver) GetFunction(m driver.Module, entry string) (driver.Function, error) {
	d.mu.Lock()
	entries, ok := d.modules[m]
	d.mu.Unlock()
	if !ok {
		return 0, gpuerr.New(gpuerr.KindInvalidArgument, "unknown module handle").WithDevice(d.id.String())
	}
	found := false
	for _, e := range entries {
		if e == entry {
			found = true
			break
		}
	}
	if !found {
		return 0, gpuerr.Newf(gpuerr.KindInvalidArgument, "entry %q not in module", entry).WithDevice(d.id.String())
	}
	fn, ok := lookupKernel(entry)
	if !ok {
		return 0, gpuerr.Newf(gpuerr.KindKernelCompilationFailed, "kernel %q not registered", entry).WithDevice(d.id.String())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextFunc++
	d.funcs[d.nextFunc] = fn
	return d.nextFunc, nil
}

func (d *Driver) UnloadModule(m driver.Module) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.modules, m)
	return nil
}

func (d *Driver) MemInfo() (free, total int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return simulatedTotalMem - d.allocated, simulatedTotalMem, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	queues := make([]*queue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.queues = map[driver.Queue]*queue{}
	d.closed = true
	d.mu.Unlock()

	for _, q := range queues {
		q.stop()
	}
	d.mu.Lock()
	d.allocs = nil
	d.allocated = 0
	d.mu.Unlock()
	return nil
}
