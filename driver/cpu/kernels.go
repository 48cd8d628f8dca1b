package cpu

import (
	"bytes"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
)

// ThreadID identifies one simulated thread within the launch hierarchy.
type ThreadID struct {
	Block    driver.Dim3
	Thread   driver.Dim3
	GridDim  driver.Dim3
	BlockDim driver.Dim3
}

// GlobalX is the flattened global index along X.
func (t ThreadID) GlobalX() int { return t.Block.X*t.BlockDim.X + t.Thread.X }

// GlobalY is the flattened global index along Y.
func (t ThreadID) GlobalY() int { return t.Block.Y*t.BlockDim.Y + t.Thread.Y }

// GlobalZ is the flattened global index along Z.
func (t ThreadID) GlobalZ() int { return t.Block.Z*t.BlockDim.Z + t.Thread.Z }

// Arg is one launch argument as seen by a registered kernel.
type Arg struct {
	kind driver.ArgKind
	data []byte
}

// IsBuffer reports whether the argument is a device buffer.
func (a Arg) IsBuffer() bool { return a.kind == driver.ArgBuffer }

// Bytes exposes the raw addressable bytes of the argument.
func (a Arg) Bytes() []byte { return a.data }

// Data reinterprets a buffer argument as a typed slice.
func Data[T any](a Arg) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(a.data) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&a.data[0])), len(a.data)/size)
}

// Scalar decodes a scalar argument by value.
func Scalar[T any](a Arg) T {
	var v T
	size := int(unsafe.Sizeof(v))
	if len(a.data) >= size {
		v = *(*T)(unsafe.Pointer(&a.data[0]))
	}
	return v
}

// Kernel is a Go function executable by the simulator. Kernels must be pure
// over their arguments: they may write buffer args and read scalars, and
// must tolerate concurrent invocation for distinct thread ids.
type Kernel func(tid ThreadID, args []Arg)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Kernel)
)

// RegisterKernel adds a kernel under its fully qualified entry name.
// Registration replaces reflection-based discovery: every kernel the CPU
// backend can run is declared here, and modules resolve against this table.
func RegisterKernel(name string, fn Kernel) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

func lookupKernel(name string) (Kernel, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// Manifest builds a CPU module payload listing the given entry points.
func Manifest(entries ...string) []byte {
	return []byte(strings.Join(entries, "\n"))
}

func parseManifest(payload []byte) ([]string, error) {
	if len(payload) == 0 {
		return nil, gpuerr.New(gpuerr.KindKernelCompilationFailed, "empty cpu module payload")
	}
	var entries []string
	for _, line := range bytes.Split(payload, []byte("\n")) {
		name := strings.TrimSpace(string(line))
		if name != "" {
			entries = append(entries, name)
		}
	}
	if len(entries) == 0 {
		return nil, gpuerr.New(gpuerr.KindKernelCompilationFailed, "cpu module payload lists no entries")
	}
	return entries, nil
}

// Launch enqueues a grid×block sweep of fn. Blocks run in parallel across
// host cores; threads within a block run sequentially, which preserves the
// ordering kernels may rely on for block-local reductions.
func (d *Driver) Launch(f driver.Function, grid, block driver.Dim3, args []driver.KernelArg, q driver.Queue) error {
	d.mu.Lock()
	fn, ok := d.funcs[f]
	d.mu.Unlock()
	if !ok {
		return gpuerr.New(gpuerr.KindLaunchFailed, "unknown function handle").WithDevice(d.id.String())
	}
	if grid.Count() == 0 || block.Count() == 0 {
		return gpuerr.New(gpuerr.KindInvalidArgument, "empty grid or block extent").WithDevice(d.id.String())
	}

	kargs, err := d.marshalArgs(args)
	if err != nil {
		return err
	}
	return d.run(q, func() error { return d.sweep(fn, grid, block, kargs) })
}

// marshalArgs snapshots scalar bytes and resolves buffer pointers before
// the launch is enqueued, so caller-owned values need not outlive Enqueue.
func (d *Driver) marshalArgs(args []driver.KernelArg) ([]Arg, error) {
	out := make([]Arg, len(args))
	for i, a := range args {
		switch a.Kind {
		case driver.ArgBuffer:
			data, err := d.resolveTail(a.Device, a.Offset)
			if err != nil {
				return nil, err
			}
			out[i] = Arg{kind: driver.ArgBuffer, data: data}
		case driver.ArgScalar, driver.ArgStruct:
			snapshot := make([]byte, a.Size)
			copy(snapshot, hostBytes(a.Host, int64(a.Size)))
			out[i] = Arg{kind: a.Kind, data: snapshot}
		default:
			return nil, gpuerr.Newf(gpuerr.KindInvalidKernelParameters, "unknown arg kind %d", a.Kind)
		}
	}
	return out, nil
}

// resolveTail returns the addressable bytes from p+off to the end of its
// allocation.
func (d *Driver) resolveTail(p driver.Ptr, off int64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := uintptr(p) + uintptr(off)
	for i := len(d.allocs) - 1; i >= 0; i-- {
		a := d.allocs[i]
		if a.base <= addr && addr < a.base+uintptr(len(a.bytes)) {
			return a.bytes[addr-a.base:], nil
		}
	}
	return nil, gpuerr.Newf(gpuerr.KindInvalidArgument, "pointer %#x outside any allocation", addr).WithDevice(d.id.String())
}

func (d *Driver) sweep(fn Kernel, grid, block driver.Dim3, args []Arg) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = gpuerr.Newf(gpuerr.KindLaunchFailed, "kernel panicked: %v", r).WithDevice(d.id.String())
		}
	}()

	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for bz := 0; bz < max1(grid.Z); bz++ {
		for by := 0; by < max1(grid.Y); by++ {
			for bx := 0; bx < max1(grid.X); bx++ {
				blockIdx := driver.Dim3{X: bx, Y: by, Z: bz}
				g.Go(func() (err error) {
					defer func() {
						if r := recover(); r != nil {
							err = gpuerr.Newf(gpuerr.KindLaunchFailed, "kernel panicked: %v", r)
						}
					}()
					for tz := 0; tz < max1(block.Z); tz++ {
						for ty := 0; ty < max1(block.Y); ty++ {
							for tx := 0; tx < max1(block.X); tx++ {
								fn(ThreadID{
									Block:    blockIdx,
									Thread:   driver.Dim3{X: tx, Y: ty, Z: tz},
									GridDim:  grid,
									BlockDim: block,
								}, args)
							}
						}
					}
					return nil
				})
			}
		}
	}
	if werr := g.Wait(); werr != nil {
		return werr
	}
	return err
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
