// Package kernel holds compiled-kernel identity, the versioned kernel
// cache with its single-compile barrier, optional on-disk persistence, and
// the parameter-marshalling launcher.
package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/mivertowski/accelgo/device"
)

// ParamKind classifies one kernel parameter slot.
type ParamKind int

const (
	ParamScalar ParamKind = iota
	ParamView
	ParamStruct
)

func (k ParamKind) String() string {
	switch k {
	case ParamScalar:
		return "scalar"
	case ParamView:
		return "view"
	case ParamStruct:
		return "struct"
	}
	return "unknown"
}

// Param describes one slot: kind, element type name, byte size and
// alignment. For views, Size and Align describe the element.
type Param struct {
	Kind     ParamKind
	ElemType string
	Size     int64
	Align    int64
}

// Signature identifies a kernel request: name, ordered parameter slots,
// the device kind it targets and the optimization flags it was requested
// with. Signatures are value types fingerprinted with a stable hash.
type Signature struct {
	Name       string
	Params     []Param
	DeviceKind device.Backend
	OptFlags   string
}

// Fingerprint is the stable cache key derived from a signature.
type Fingerprint uint64

func (f Fingerprint) String() string { return fmt.Sprintf("%016x", uint64(f)) }

// Fingerprint hashes the canonical encoding of the signature. The encoding
// is length-prefixed so distinct signatures cannot collide structurally.
func (s Signature) Fingerprint() Fingerprint {
	h := xxhash.New()
	writeString := func(v string) {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(v)))
		h.Write(n[:])
		h.Write([]byte(v))
	}
	writeString(s.Name)
	var tag [8]byte
	binary.LittleEndian.PutUint64(tag[:], uint64(s.DeviceKind))
	h.Write(tag[:])
	writeString(s.OptFlags)
	for _, p := range s.Params {
		var enc [24]byte
		binary.LittleEndian.PutUint64(enc[0:], uint64(p.Kind))
		binary.LittleEndian.PutUint64(enc[8:], uint64(p.Size))
		binary.LittleEndian.PutUint64(enc[16:], uint64(p.Align))
		h.Write(enc[:])
		writeString(p.ElemType)
	}
	return Fingerprint(h.Sum64())
}

// Arity is the number of parameter slots.
func (s Signature) Arity() int { return len(s.Params) }
