package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/config"
	"github.com/mivertowski/accelgo/internal/logger"
)

func main() {
	var cfgPath string
	var cfg *config.Config
	var zapLogger *zap.Logger
	var rootLogger *zap.Logger

	app := &cli.App{
		Name:  "accel",
		Usage: "A CLI for inspecting and exercising the accelgo compute runtime",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to a YAML config file (defaults apply when omitted)",
				Destination: &cfgPath,
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "",
				Usage: "Override log verbosity (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if cfgPath != "" {
				cfg, err = config.LoadConfig(cfgPath)
				if err != nil {
					return err
				}
			} else {
				cfg = config.DefaultConfig()
			}
			verbosity := cfg.Logger.Verbosity
			if v := c.String("verbosity"); v != "" {
				verbosity = v
			}
			zapLogger, err = logger.NewDevelopment(verbosity)
			if err != nil {
				return err
			}
			rootLogger = zapLogger.Named("cli")
			return nil
		},
		Commands: []*cli.Command{
			devicesCommand(&rootLogger, &cfg),
			runCommand(&rootLogger, &cfg),
			benchCommand(&rootLogger, &cfg),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if rootLogger != nil {
			rootLogger.Fatal("command failed", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}
