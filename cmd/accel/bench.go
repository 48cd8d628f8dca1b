package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/accel"
	"github.com/mivertowski/accelgo/config"
	"github.com/mivertowski/accelgo/hybrid"
	"github.com/mivertowski/accelgo/memory"
)

func benchCommand(log **zap.Logger, cfg **config.Config) *cli.Command {
	var size int64
	var strategyName string
	return &cli.Command{
		Name:  "bench",
		Usage: "Time a matrix multiplication through the hybrid dispatcher",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "size",
				Value:       512,
				Usage:       "Square matrix dimension",
				Destination: &size,
			},
			&cli.StringFlag{
				Name:        "strategy",
				Value:       "auto",
				Usage:       "auto, cpu-simd, gpu-general, gpu-tensor-core or hybrid",
				Destination: &strategyName,
			},
		},
		Action: func(c *cli.Context) error {
			strategy, err := parseStrategy(strategyName)
			if err != nil {
				return err
			}

			rctx, err := accel.NewContext(accel.WithConfig(*cfg), accel.WithLogger(*log))
			if err != nil {
				return err
			}
			defer rctx.Close()

			a, err := rctx.DefaultAccelerator()
			if err != nil {
				return err
			}
			d := hybrid.New(a, hybrid.OptionsFromConfig(*cfg), *log, nil)

			n := size
			ma, err := accel.Allocate[float32](a, memory.Dim1(n*n), memory.HintGpuOptimized)
			if err != nil {
				return err
			}
			defer ma.Dispose()
			mb, err := accel.Allocate[float32](a, memory.Dim1(n*n), memory.HintGpuOptimized)
			if err != nil {
				return err
			}
			defer mb.Dispose()
			mc, err := accel.Allocate[float32](a, memory.Dim1(n*n), memory.HintGpuOptimized)
			if err != nil {
				return err
			}
			defer mc.Dispose()

			host := make([]float32, n*n)
			for i := range host {
				host[i] = rand.Float32()
			}
			if err := ma.CopyFromHost(host, nil); err != nil {
				return err
			}
			if err := mb.CopyFromHost(host, nil); err != nil {
				return err
			}

			start := time.Now()
			if err := d.MatMul(context.Background(), mc, ma, mb, n, n, n, strategy); err != nil {
				return err
			}
			elapsed := time.Since(start)

			flops := 2 * float64(n) * float64(n) * float64(n)
			fmt.Printf("%dx%d matmul via %s on %s: %v (%.2f GFLOPS)\n",
				n, n, strategyName, a.Device().Name, elapsed, flops/elapsed.Seconds()/1e9)
			return nil
		},
	}
}

func parseStrategy(name string) (hybrid.Strategy, error) {
	switch name {
	case "auto":
		return hybrid.StrategyAuto, nil
	case "cpu-simd":
		return hybrid.StrategyCpuSimd, nil
	case "gpu-general":
		return hybrid.StrategyGpuGeneral, nil
	case "gpu-tensor-core":
		return hybrid.StrategyGpuTensorCore, nil
	case "hybrid":
		return hybrid.StrategyHybrid, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", name)
	}
}
