package logger

import (
	"go.uber.org/zap"
)

// New builds a production zap logger at the given verbosity ("debug",
// "info", "warn", "error").
func New(verbosity string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}

// NewDevelopment builds a console-friendly logger for the CLI and tests.
func NewDevelopment(verbosity string) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}
