// Package hybrid routes high-level operations (add, matmul, reduce,
// transpose) to the CPU SIMD path or to device kernels, splitting work
// across both under the Hybrid strategy.
package hybrid

import (
	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/accel"
	"github.com/mivertowski/accelgo/config"
	"github.com/mivertowski/accelgo/device"
	"github.com/mivertowski/accelgo/internal/metrics"
	"github.com/mivertowski/accelgo/kernel"
)

// Strategy selects the execution path for one operation.
type Strategy int

const (
	StrategyAuto Strategy = iota
	StrategyCpuSimd
	StrategyGpuGeneral
	StrategyGpuTensorCore
	StrategyHybrid
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyCpuSimd:
		return "cpu-simd"
	case StrategyGpuGeneral:
		return "gpu-general"
	case StrategyGpuTensorCore:
		return "gpu-tensor-core"
	case StrategyHybrid:
		return "hybrid"
	}
	return "unknown"
}

// Op names a dispatchable operation.
type Op string

const (
	OpAdd       Op = "add"
	OpMatMul    Op = "matmul"
	OpReduce    Op = "reduce"
	OpTranspose Op = "transpose"
)

// tensorCoreMinDim is the smallest dimension dedicated matrix units
// accept; smaller problems fall back to general compute.
const tensorCoreMinDim = 16

// SourceHook supplies device kernel artifacts for an operation on a
// backend. The dispatcher ships artifacts for the CPU simulator; real GPU
// backends plug their code generator in here.
type SourceHook func(op Op, backend device.Backend) (kernel.SourceFunc, bool)

// Dispatcher routes operations for one accelerator.
type Dispatcher struct {
	acc  *accel.Accelerator
	opts Options
	log  *zap.Logger
	hook SourceHook
}

// Options tune dispatch decisions.
type Options struct {
	// SmallThreshold is the element count below which the Auto strategy
	// picks the CPU SIMD path. Explicit strategies ignore it.
	SmallThreshold int64
	// CPUGPURatio is the CPU share of the outermost dimension under the
	// Hybrid strategy.
	CPUGPURatio float64
	// KernelVersion versions the built-in kernels in the cache.
	KernelVersion string
}

// OptionsFromConfig maps runtime configuration to dispatcher options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SmallThreshold: cfg.Hybrid.SmallThreshold,
		CPUGPURatio:    cfg.Hybrid.CPUGPURatio,
		KernelVersion:  "builtin-1",
	}
}

// New builds a dispatcher over acc. hook may be nil; the built-in CPU
// simulator artifacts are always available.
func New(acc *accel.Accelerator, opts Options, log *zap.Logger, hook SourceHook) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CPUGPURatio <= 0 || opts.CPUGPURatio >= 1 {
		opts.CPUGPURatio = 0.3
	}
	if opts.KernelVersion == "" {
		opts.KernelVersion = "builtin-1"
	}
	return &Dispatcher{acc: acc, opts: opts, log: log.Named("hybrid"), hook: hook}
}

// choose applies the deterministic auto-selection rule.
func (d *Dispatcher) choose(op Op, total int64, dims []int64, precisionOK bool, strategy Strategy) Strategy {
	if strategy != StrategyAuto {
		return strategy
	}
	if total < d.opts.SmallThreshold {
		return StrategyCpuSimd
	}
	if d.acc.SupportsTensorCores() && op == OpMatMul && precisionOK && minDim(dims) >= tensorCoreMinDim {
		return StrategyGpuTensorCore
	}
	dev := d.acc.Device()
	if !dev.IsCPU() {
		return StrategyGpuGeneral
	}
	return StrategyCpuSimd
}

func minDim(dims []int64) int64 {
	if len(dims) == 0 {
		return 0
	}
	m := dims[0]
	for _, v := range dims[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// float32 qualifies for the dedicated matrix units when the device
// accepts TF32 rounding.
func (d *Dispatcher) float32TensorOK() bool {
	return d.acc.Device().Capabilities.SupportsPrecision(device.PrecisionTF32)
}

func (d *Dispatcher) count(op Op, strategy Strategy) {
	metrics.HybridDispatches.WithLabelValues(string(op), strategy.String()).Inc()
}
