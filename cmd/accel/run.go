package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mivertowski/accelgo/accel"
	"github.com/mivertowski/accelgo/config"
	"github.com/mivertowski/accelgo/driver"
	"github.com/mivertowski/accelgo/kernel"
	"github.com/mivertowski/accelgo/memory"
)

// runCommand launches a small index-fill kernel end to end: allocate,
// launch, copy back, verify.
func runCommand(log **zap.Logger, cfg **config.Config) *cli.Command {
	var length int64
	return &cli.Command{
		Name:  "run",
		Usage: "Run a smoke-test kernel on the best available device",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "length",
				Value:       1000,
				Usage:       "Buffer length in elements",
				Destination: &length,
			},
		},
		Action: func(c *cli.Context) error {
			rctx, err := accel.NewContext(accel.WithConfig(*cfg), accel.WithLogger(*log))
			if err != nil {
				return err
			}
			defer rctx.Close()

			a, err := rctx.DefaultAccelerator()
			if err != nil {
				return err
			}

			buf, err := accel.Allocate[int32](a, memory.Dim1(length), memory.HintGpuOptimized)
			if err != nil {
				return err
			}
			defer buf.Dispose()

			sig := kernel.Signature{
				Name: "accelgo.iota_i32",
				Params: []kernel.Param{
					{Kind: kernel.ParamView, ElemType: "int32", Size: 4, Align: 4},
					{Kind: kernel.ParamScalar, ElemType: "int64", Size: 8, Align: 8},
				},
				DeviceKind: a.Device().ID.Backend,
			}
			l, err := a.LoadKernelCached(context.Background(), sig, "builtin-1", func() (*kernel.Artifact, error) {
				return &kernel.Artifact{Payload: []byte("iota_i32"), Entry: "iota_i32", Params: sig.Params}, nil
			})
			if err != nil {
				return err
			}

			view, err := buf.View()
			if err != nil {
				return err
			}
			stream := a.DefaultStream()
			blocks := int((length + 255) / 256)
			if err := l.Launch(stream, driver.Dim3{X: blocks, Y: 1, Z: 1}, driver.Dim3{X: 256, Y: 1, Z: 1}, view, length); err != nil {
				return err
			}
			if err := stream.Synchronize(); err != nil {
				return err
			}

			host := make([]int32, length)
			if err := buf.CopyToHost(host, nil); err != nil {
				return err
			}
			for i, v := range host {
				if v != int32(i) {
					return fmt.Errorf("verification failed at %d: got %d", i, v)
				}
			}
			fmt.Printf("ok: %d elements verified on %s\n", length, a.Device().Name)
			return nil
		},
	}
}
