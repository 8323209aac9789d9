package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/onnx-qat/compression"
	"github.com/gomlx/onnx-qat/config"
	"github.com/gomlx/onnx-qat/nn/testmodels"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

func exportCmd() *cli.Command {
	var (
		modelName       string
		configPath      string
		outputPath      string
		calibrationPath string
		targetDevice    string
		standardOps     bool
		initSamples     int
		seed            int
		opsetVersion    int
		showQuantizers  bool
		printConfig     bool
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Quantize one of the test models and export it to ONNX",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "test model, one of " + strings.Join(testmodels.Names(), ", "),
				Destination: &modelName,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "compression configuration (.json or .yaml); defaults to the model input and default quantization",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "path of the exported ONNX model",
				Destination: &outputPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "calibration",
				Usage:       "parquet file with range initialization samples (column \"input\")",
				Destination: &calibrationPath,
			},
			&cli.StringFlag{
				Name:        "target-device",
				Usage:       "overrides target_device of the configuration",
				Destination: &targetDevice,
			},
			&cli.BoolFlag{
				Name:        "standard-ops",
				Usage:       "export QuantizeLinear/DequantizeLinear pairs instead of FakeQuantize",
				Destination: &standardOps,
			},
			&cli.IntFlag{
				Name:        "init-samples",
				Usage:       "overrides compression.initializer.range.num_init_samples (-1 keeps the configuration value)",
				Value:       -1,
				Destination: &initSamples,
			},
			&cli.IntFlag{Name: "seed", Usage: "seed of the random calibration samples", Destination: &seed},
			&cli.IntFlag{Name: "opset", Usage: "ONNX opset version (0 for the default)", Destination: &opsetVersion},
			&cli.BoolFlag{Name: "quantizers", Usage: "list the quantizers", Destination: &showQuantizers},
			&cli.BoolFlag{Name: "print-config", Usage: "print the effective configuration as JSON", Destination: &printConfig},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var cfg *config.Config
			if configPath != "" {
				var err error
				cfg, err = config.ReadFile(configPath)
				if err != nil {
					return err
				}
			}
			var sampleSizes [][]int
			if cfg != nil {
				sampleSizes = cfg.SampleSizes()
			}
			model, err := testmodels.ByName(modelName, sampleSizes...)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.New(model.Inputs[0].Shape...)
			}
			if targetDevice != "" {
				cfg.TargetDevice = config.Device(strings.ToUpper(targetDevice))
			}
			if standardOps {
				cfg.Compression.ExportToONNXStandardOps = true
			}
			if initSamples >= 0 {
				cfg.Compression.Initializer.Range.NumInitSamples = initSamples
			}
			if printConfig {
				data, err := cfg.MarshalIndentJSON()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.Root().Writer, "%s\n", data)
			}

			opts := []compression.Option{
				compression.WithSeed(uint64(seed)),
				compression.WithProgressBar(true),
				compression.WithOpsetVersion(opsetVersion),
			}
			if calibrationPath != "" {
				opts = append(opts, compression.WithCalibrationFile(calibrationPath))
			}
			ctrl, err := compression.CreateCompressedModel(model, cfg, opts...)
			if err != nil {
				return err
			}
			if err = ctrl.Export(outputPath); err != nil {
				return err
			}

			fmt.Println(titleStyle.Render(fmt.Sprintf("Exported %q", model.Name)))
			table := newPlainTable(lipgloss.Right, lipgloss.Left)
			table.Row("output", outputPath)
			if info, err := os.Stat(outputPath); err == nil {
				table.Row("file size", humanize.Bytes(uint64(info.Size())))
			}
			table.Row("target device", string(cfg.TargetDevice))
			for _, row := range ctrl.Statistics().Rows() {
				table.Row(row[0], row[1])
			}
			fmt.Println(table.Render())

			if showQuantizers {
				fmt.Println(titleStyle.Render("Quantizers"))
				qTable := newPlainTable(lipgloss.Right, lipgloss.Left).Headers("#", "point", "quantizer")
				for _, point := range ctrl.Quantizers() {
					qTable.Row(fmt.Sprint(point.ID), point.Name(), point.Quantizer.String())
				}
				fmt.Println(qTable.Render())
			}
			return nil
		},
	}
}

// errUsage is returned for command line arguments errors.
func errUsage(cmd *cli.Command, format string, args ...any) error {
	return errors.Errorf("%s: %s, see '%s --help'", cmd.FullName(), fmt.Sprintf(format, args...), cmd.FullName())
}
