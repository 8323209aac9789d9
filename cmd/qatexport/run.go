package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-qat/compression"
	"github.com/gomlx/onnx-qat/onnx"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	_ "github.com/gomlx/gomlx/backends/default"
)

func runCmd() *cli.Command {
	var (
		seed     int
		batch    int
		numRuns  int
		showData bool
	)
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute an ONNX model on GoMLX with random normal inputs",
		ArgsUsage: "<model.onnx>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "seed", Usage: "seed of the random inputs", Destination: &seed},
			&cli.IntFlag{Name: "batch", Usage: "dimension used for dynamic axes", Value: 1, Destination: &batch},
			&cli.IntFlag{Name: "runs", Usage: "number of random inputs to run", Value: 1, Destination: &numRuns},
			&cli.BoolFlag{Name: "values", Usage: "print the output values", Destination: &showData},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errUsage(cmd, "expected one ONNX file, got %d arguments", cmd.Args().Len())
			}
			m, err := onnx.ReadFile(cmd.Args().First())
			if err != nil {
				return err
			}
			backend, err := backends.New()
			if err != nil {
				return errors.WithMessage(err, "failed to create GoMLX backend")
			}
			defer backend.Finalize()

			inputShapes := make([][]int, len(m.InputsShapes))
			for ii, dshape := range m.InputsShapes {
				inputShapes[ii] = dshape.Shape(batch).Dimensions
			}
			rng := rand.New(rand.NewPCG(uint64(seed), 0))
			samples := compression.RandomSamples(rng, numRuns, inputShapes)

			fmt.Println(titleStyle.Render(fmt.Sprintf("Running on %s", backend.Name())))
			table := newPlainTable(lipgloss.Right, lipgloss.Left).Headers("run", "output", "shape", "min", "max")
			for runIdx, inputs := range samples {
				outputs, err := m.Exec(backend, inputs...)
				if err != nil {
					return err
				}
				for outputIdx, output := range outputs {
					values := tensors.MustCopyFlatData[float32](output)
					table.Row(fmt.Sprint(runIdx), m.OutputsNames[outputIdx], output.Shape().String(),
						fmt.Sprintf("%.4g", slices.Min(values)), fmt.Sprintf("%.4g", slices.Max(values)))
					if showData {
						fmt.Printf("%s #%d: %s\n", m.OutputsNames[outputIdx], runIdx, output)
					}
					output.FinalizeAll()
				}
			}
			fmt.Println(table.Render())
			return nil
		},
	}
}
