package gpuerr

import (
	"errors"

	"go.uber.org/zap"
)

// Sink receives structured error reports. Implementations must be safe for
// concurrent use.
type Sink interface {
	Report(err *Error, op string, attempt int)
}

// Logger routes runtime errors to a zap logger at the severity their kind
// maps to, and fans out to any additional sinks.
type Logger struct {
	log   *zap.Logger
	sinks []Sink
}

// NewLogger builds an error logger over log. A nil log falls back to a nop
// logger so library embedders pay nothing when they opt out.
func NewLogger(log *zap.Logger, sinks ...Sink) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log.Named("gpuerr"), sinks: sinks}
}

// Report logs err for operation op on the given attempt. Non-runtime errors
// are wrapped as Unknown so nothing is dropped silently.
func (l *Logger) Report(err error, op string, attempt int) {
	if err == nil {
		return
	}
	var e *Error
	if !errors.As(err, &e) {
		e = Wrap(KindUnknown, op, err)
	}

	fields := []zap.Field{
		zap.String("op", op),
		zap.String("kind", e.Kind.String()),
		zap.Int("attempt", attempt),
	}
	if e.Device != "" {
		fields = append(fields, zap.String("device", e.Device))
	}
	if e.Kernel != "" {
		fields = append(fields, zap.String("kernel", e.Kernel))
	}
	if len(e.Context) > 0 {
		fields = append(fields, zap.Any("context", e.Context))
	}
	if len(e.Suggestions) > 0 {
		fields = append(fields, zap.Strings("suggestions", e.Suggestions))
	}

	switch e.Severity() {
	case SeverityCritical:
		l.log.Error(e.Message, append(fields, zap.Bool("invariant_violated", true))...)
	case SeverityError:
		l.log.Error(e.Message, fields...)
	case SeverityWarning:
		l.log.Warn(e.Message, fields...)
	default:
		l.log.Info(e.Message, fields...)
	}

	for _, s := range l.sinks {
		s.Report(e, op, attempt)
	}
}
