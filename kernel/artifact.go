package kernel

import (
	"github.com/mivertowski/accelgo/gpuerr"
)

// Artifact is an opaque compiled kernel produced by an external backend:
// PTX text, SPIR-V, machine code, or a CPU registry manifest. The runtime
// never parses the payload; the layout descriptor is the contract.
type Artifact struct {
	// Payload is handed verbatim to the driver's module loader.
	Payload []byte
	// Entry is the kernel entry point within the module.
	Entry string
	// Params is the declared parameter layout. All kernels return void.
	Params []Param
}

// Validate rejects artifacts whose layout descriptor is unusable.
func (a *Artifact) Validate() error {
	if a == nil {
		return gpuerr.New(gpuerr.KindInvalidArgument, "nil artifact")
	}
	if len(a.Payload) == 0 {
		return gpuerr.New(gpuerr.KindKernelCompilationFailed, "artifact has empty payload")
	}
	if a.Entry == "" {
		return gpuerr.New(gpuerr.KindKernelCompilationFailed, "artifact declares no entry point")
	}
	for i, p := range a.Params {
		if p.Size <= 0 && p.Kind != ParamView {
			return gpuerr.Newf(gpuerr.KindKernelCompilationFailed, "param %d has size %d", i, p.Size)
		}
		if p.Align < 0 {
			return gpuerr.Newf(gpuerr.KindKernelCompilationFailed, "param %d has alignment %d", i, p.Align)
		}
	}
	return nil
}

// SourceFunc produces an artifact on a cache miss. It is supplied by the
// external backend collaborator and may be expensive; the cache guarantees
// at most one concurrent invocation per fingerprint.
type SourceFunc func() (*Artifact, error)
