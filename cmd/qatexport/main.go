// qatexport places quantizers in the test models, initializes them and exports the result to ONNX.
// It can also inspect and run exported models.
//
//	qatexport export --model two_conv --config quantization.json --output two_conv.onnx
//	qatexport inspect two_conv.onnx
//	qatexport run two_conv.onnx
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	app := &cli.Command{
		Name:  "qatexport",
		Usage: "Quantization-aware ONNX export of convolutional models",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "verbosity",
				Usage: "klog verbosity level",
				Action: func(ctx context.Context, cmd *cli.Command, v int) error {
					return flag.Set("v", strconv.Itoa(v))
				},
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			exportCmd(),
			inspectCmd(),
			runCmd(),
		},
	}

	err := app.Run(context.Background(), os.Args)
	klog.Flush()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
