// Package gpuerr defines the typed error taxonomy used across the runtime,
// the structured error logger, and the retry dispatcher that consumes
// retryable errors before they surface to the caller.
package gpuerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a runtime failure. The set is closed; new failure modes
// map onto an existing kind at the boundary where they are observed.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindInvalidKernelParameters
	KindOutOfMemory
	KindDeviceUnavailable
	KindDriverError
	KindKernelCompilationFailed
	KindLaunchFailed
	KindTimeout
	KindCancelled
	KindUnsupported
	KindInternalInvariantViolated
)

var kindNames = map[Kind]string{
	KindUnknown:                   "Unknown",
	KindInvalidArgument:           "InvalidArgument",
	KindInvalidKernelParameters:   "InvalidKernelParameters",
	KindOutOfMemory:               "OutOfMemory",
	KindDeviceUnavailable:         "DeviceUnavailable",
	KindDriverError:               "DriverError",
	KindKernelCompilationFailed:   "KernelCompilationFailed",
	KindLaunchFailed:              "LaunchFailed",
	KindTimeout:                   "Timeout",
	KindCancelled:                 "Cancelled",
	KindUnsupported:               "Unsupported",
	KindInternalInvariantViolated: "InternalInvariantViolated",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Severity is the log level an error maps to when it reaches the error logger.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// Error is the diagnostic carried by every runtime failure. It records the
// failure kind, the device and kernel involved when known, a free-form
// context map, and optional recovery suggestions for the caller.
type Error struct {
	Kind        Kind
	Message     string
	Device      string
	Kernel      string
	Context     map[string]string
	Suggestions []string

	// Transient marks a DriverError the driver itself classified as
	// recoverable. It has no meaning for other kinds.
	Transient bool

	cause error
}

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping cause. A nil cause
// yields a plain error.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Kernel != "" {
		fmt.Fprintf(&b, " (kernel %s)", e.Kernel)
	}
	if e.Device != "" {
		fmt.Fprintf(&b, " (device %s)", e.Device)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports kind equality so callers can match with errors.Is against a
// bare sentinel like gpuerr.New(gpuerr.KindTimeout, "").
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// WithDevice attaches the originating device identity.
func (e *Error) WithDevice(device string) *Error {
	e.Device = device
	return e
}

// WithKernel attaches the kernel name involved in the failure.
func (e *Error) WithKernel(kernel string) *Error {
	e.Kernel = kernel
	return e
}

// WithContext adds a key/value pair to the error's context map.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion appends a recovery suggestion.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestions = append(e.Suggestions, s)
	return e
}

// WithTransient marks a driver error as driver-classified transient.
func (e *Error) WithTransient() *Error {
	e.Transient = true
	return e
}

// Retryable reports whether the retry dispatcher may consume this error and
// attempt local recovery instead of surfacing it.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindOutOfMemory, KindTimeout, KindLaunchFailed:
		return true
	case KindDriverError:
		return e.Transient
	case KindDeviceUnavailable:
		return true
	}
	return false
}

// Severity maps the error kind to its log level.
func (e *Error) Severity() Severity {
	switch e.Kind {
	case KindInternalInvariantViolated:
		return SeverityCritical
	case KindKernelCompilationFailed:
		return SeverityError
	case KindDriverError:
		if e.Transient {
			return SeverityWarning
		}
		return SeverityError
	case KindOutOfMemory, KindTimeout:
		return SeverityWarning
	case KindCancelled:
		return SeverityInfo
	case KindInvalidArgument, KindInvalidKernelParameters, KindLaunchFailed, KindUnsupported:
		return SeverityError
	}
	return SeverityError
}

// KindOf extracts the Kind from any error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err carries a retryable runtime error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
