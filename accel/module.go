package accel

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/config"
	"github.com/mivertowski/accelgo/internal/logger"
)

// Module wires the runtime into an fx application: configuration in,
// logger and Context out, with Close bound to application shutdown.
// Embedders that already provide a *config.Config or *zap.Logger can
// decorate or replace the provided constructors.
var Module = fx.Options(
	fx.Provide(
		func() *config.Config { return config.DefaultConfig() },
		func(cfg *config.Config) (*zap.Logger, error) {
			return logger.New(cfg.Logger.Verbosity)
		},
		NewRuntimeContext,
	),
)

// NewRuntimeContext is the fx constructor for Context, hooking disposal
// into the application lifecycle.
func NewRuntimeContext(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*Context, error) {
	c, err := NewContext(WithConfig(cfg), WithLogger(log))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return c.Close()
		},
	})
	return c, nil
}
