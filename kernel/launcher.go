package kernel

import (
	"context"
	"runtime"
	"time"
	"unsafe"

	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/gpuerr"
	"github.com/mivertowski/accelgo/internal/metrics"
)

// Stream is the slice of an execution stream the launcher needs.
type Stream interface {
	Enqueue(op func(drv driver.Driver, q driver.Queue) error) error
}

// ArgMarshaler is satisfied by buffers and views: anything that can
// produce a device argument.
type ArgMarshaler interface {
	KernelArg() (driver.KernelArg, error)
}

// slot is the resolved layout of one parameter: its offset into the packed
// parameter block and its marshal kind.
type slot struct {
	kind   ParamKind
	offset int64
	size   int64
}

// Launcher is a reusable dispatch stub for one kernel signature. It packs
// scalar and struct arguments into an ABI-aligned parameter block, resolves
// view arguments to device pointers, and submits driver launches. A
// launcher never outlives its artifact's module.
type Launcher struct {
	sig    Signature
	fn     driver.Function
	layout []slot
	// blockSize is the packed parameter block length in bytes.
	blockSize int64
}

// NewLauncher builds the parameter layout for sig against the artifact's
// declared layout. Arity or kind disagreements between the signature and
// the artifact are InvalidKernelParameters: they mean the caller is about
// to launch a kernel with the wrong shape.
func NewLauncher(sig Signature, art *Artifact, fn driver.Function) (*Launcher, error) {
	if err := art.Validate(); err != nil {
		return nil, err
	}
	if len(art.Params) != len(sig.Params) {
		return nil, gpuerr.Newf(gpuerr.KindInvalidKernelParameters,
			"signature declares %d params, artifact %d", len(sig.Params), len(art.Params)).
			WithKernel(sig.Name)
	}

	l := &Launcher{sig: sig, fn: fn, layout: make([]slot, len(sig.Params))}
	var offset int64
	for i, p := range art.Params {
		if p.Kind != sig.Params[i].Kind {
			return nil, gpuerr.Newf(gpuerr.KindInvalidKernelParameters,
				"param %d kind mismatch: signature %s, artifact %s", i, sig.Params[i].Kind, p.Kind).
				WithKernel(sig.Name)
		}
		align := p.Align
		if align <= 0 {
			align = p.Size
		}
		if align > 0 {
			offset = (offset + align - 1) / align * align
		}
		l.layout[i] = slot{kind: p.Kind, offset: offset, size: p.Size}
		if p.Kind != ParamView {
			offset += p.Size
		} else {
			// Views occupy a pointer cell in the block for ABI
			// accounting; the driver receives the handle directly.
			offset += int64(unsafe.Sizeof(uintptr(0)))
		}
	}
	l.blockSize = offset
	return l, nil
}

// Name is the kernel's fully qualified name.
func (l *Launcher) Name() string { return l.sig.Name }

// Signature returns the launcher's signature.
func (l *Launcher) Signature() Signature { return l.sig }

// bind validates and marshals args. The returned block backs the scalar
// Host pointers and must stay live until the driver call returns.
func (l *Launcher) bind(args []any) ([]driver.KernelArg, []byte, error) {
	if len(args) != len(l.layout) {
		return nil, nil, gpuerr.Newf(gpuerr.KindInvalidKernelParameters,
			"kernel takes %d arguments, got %d", len(l.layout), len(args)).WithKernel(l.sig.Name)
	}

	block := make([]byte, l.blockSize)
	out := make([]driver.KernelArg, len(args))
	for i, arg := range args {
		s := l.layout[i]
		switch s.kind {
		case ParamView:
			m, ok := arg.(ArgMarshaler)
			if !ok {
				return nil, nil, gpuerr.Newf(gpuerr.KindInvalidKernelParameters,
					"argument %d must be a buffer or view", i).WithKernel(l.sig.Name)
			}
			ka, err := m.KernelArg()
			if err != nil {
				return nil, nil, err
			}
			out[i] = ka
		case ParamScalar, ParamStruct:
			raw, err := scalarBytes(arg)
			if err != nil {
				return nil, nil, gpuerr.Newf(gpuerr.KindInvalidKernelParameters,
					"argument %d: %v", i, err).WithKernel(l.sig.Name)
			}
			if int64(len(raw)) != s.size {
				return nil, nil, gpuerr.Newf(gpuerr.KindInvalidKernelParameters,
					"argument %d is %d bytes, kernel expects %d", i, len(raw), s.size).
					WithKernel(l.sig.Name)
			}
			copy(block[s.offset:], raw)
			kind := driver.ArgScalar
			if s.kind == ParamStruct {
				kind = driver.ArgStruct
			}
			out[i] = driver.KernelArg{
				Kind: kind,
				Host: unsafe.Pointer(&block[s.offset]),
				Size: uintptr(s.size),
			}
		}
	}
	return out, block, nil
}

// scalarBytes views a scalar value's bytes. Struct arguments arrive as
// pre-encoded []byte from the typed descriptor layer.
func scalarBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case int8:
		return unsafe.Slice((*byte)(unsafe.Pointer(&x)), 1), nil
	case uint8:
		return []byte{x}, nil
	case int16:
		return unsafe.Slice((*byte)(unsafe.Pointer(&x)), 2), nil
	case uint16:
		return unsafe.Slice((*byte)(unsafe.Pointer(&x)), 2), nil
	case int32:
		return unsafe.Slice((*byte)(unsafe.Pointer(&x)), 4), nil
	case uint32:
		return unsafe.Slice((*byte)(unsafe.Pointer(&x)), 4), nil
	case int64:
		return unsafe.Slice((*byte)(unsafe.Pointer(&x)), 8), nil
	case uint64:
		return unsafe.Slice((*byte)(unsafe.Pointer(&x)), 8), nil
	case int:
		y := int64(x)
		return unsafe.Slice((*byte)(unsafe.Pointer(&y)), 8), nil
	case float32:
		return unsafe.Slice((*byte)(unsafe.Pointer(&x)), 4), nil
	case float64:
		return unsafe.Slice((*byte)(unsafe.Pointer(&x)), 8), nil
	default:
		return nil, gpuerr.Newf(gpuerr.KindInvalidKernelParameters, "unsupported scalar type %T", v)
	}
}

// Launch validates args and enqueues the kernel on the stream. Mismatched
// parameter counts or types are rejected before anything is submitted.
func (l *Launcher) Launch(s Stream, grid, block driver.Dim3, args ...any) error {
	kargs, blockBytes, err := l.bind(args)
	if err != nil {
		metrics.KernelLaunches.WithLabelValues(l.sig.Name, "rejected").Inc()
		return err
	}
	return s.Enqueue(func(drv driver.Driver, q driver.Queue) error {
		err := drv.Launch(l.fn, grid, block, kargs, q)
		runtime.KeepAlive(blockBytes)
		if err != nil {
			metrics.KernelLaunches.WithLabelValues(l.sig.Name, "failed").Inc()
			return gpuerr.Wrap(gpuerr.KindLaunchFailed, "launch failed", err).WithKernel(l.sig.Name)
		}
		metrics.KernelLaunches.WithLabelValues(l.sig.Name, "ok").Inc()
		return nil
	})
}

// LaunchResult reports the outcome of an asynchronous launch.
type LaunchResult struct {
	Kernel  string
	Elapsed time.Duration
	// Metrics carries optional backend-supplied figures (occupancy,
	// achieved bandwidth). Empty unless the driver reports them.
	Metrics map[string]float64
	Err     error
}

// LaunchAsync submits the kernel and returns a future for its completion.
// Cancellation is honored at the enqueue boundary: work already handed to
// the driver runs to completion but reports Cancelled.
func (l *Launcher) LaunchAsync(ctx context.Context, s Stream, grid, block driver.Dim3, args ...any) <-chan LaunchResult {
	ch := make(chan LaunchResult, 1)

	kargs, blockBytes, err := l.bind(args)
	if err != nil {
		metrics.KernelLaunches.WithLabelValues(l.sig.Name, "rejected").Inc()
		ch <- LaunchResult{Kernel: l.sig.Name, Err: err}
		return ch
	}
	if err := ctx.Err(); err != nil {
		ch <- LaunchResult{Kernel: l.sig.Name, Err: gpuerr.Wrap(gpuerr.KindCancelled, "launch", err)}
		return ch
	}

	enqErr := s.Enqueue(func(drv driver.Driver, q driver.Queue) error {
		start := time.Now()
		err := drv.Launch(l.fn, grid, block, kargs, q)
		if err == nil {
			err = drv.Sync(q)
		}
		runtime.KeepAlive(blockBytes)
		elapsed := time.Since(start)
		metrics.KernelLaunchDuration.WithLabelValues(l.sig.Name).Observe(float64(elapsed) / float64(time.Millisecond))

		status := "ok"
		res := LaunchResult{Kernel: l.sig.Name, Elapsed: elapsed}
		switch {
		case err != nil && ctx.Err() != nil:
			status = "cancelled"
			res.Err = gpuerr.Wrap(gpuerr.KindCancelled, "launch", ctx.Err())
		case err != nil:
			status = "failed"
			res.Err = gpuerr.Wrap(gpuerr.KindLaunchFailed, "launch failed", err).WithKernel(l.sig.Name)
		case ctx.Err() != nil:
			// The kernel ran to completion but the caller gave up.
			status = "cancelled"
			res.Err = gpuerr.Wrap(gpuerr.KindCancelled, "launch", ctx.Err())
		}
		metrics.KernelLaunches.WithLabelValues(l.sig.Name, status).Inc()
		ch <- res
		return res.Err
	})
	if enqErr != nil {
		ch <- LaunchResult{Kernel: l.sig.Name, Err: enqErr}
	}
	return ch
}
