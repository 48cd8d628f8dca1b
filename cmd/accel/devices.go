package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/accel"
	"github.com/mivertowski/accelgo/config"
	"github.com/mivertowski/accelgo/device"
)

func devicesCommand(log **zap.Logger, cfg **config.Config) *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "Discover and list compute devices",
		Action: func(c *cli.Context) error {
			ctx, err := accel.NewContext(accel.WithConfig(*cfg), accel.WithLogger(*log))
			if err != nil {
				return err
			}
			defer ctx.Close()

			devices := ctx.Devices(device.Filter{})
			if len(devices) == 0 {
				fmt.Println("no devices found")
				return nil
			}
			for _, d := range devices {
				fmt.Printf("%-14s %-40s %s\n", d.ID, d.Name, d.Status)
				caps := d.Capabilities
				fmt.Printf("  compute %d.%d  max-group %d  unified=%v  pools=%v  tensor-cores=%v\n",
					caps.ComputeMajor, caps.ComputeMinor, caps.MaxWorkGroupSize,
					caps.UnifiedMemory, caps.MemoryPools, caps.TensorCores)
				if d.StatusReason != "" {
					fmt.Printf("  reason: %s\n", d.StatusReason)
				}
			}
			return nil
		},
	}
}
