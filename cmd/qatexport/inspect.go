package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/onnx-qat/internal/onnxgraph"
	"github.com/gomlx/onnx-qat/onnx"
	"github.com/urfave/cli/v3"
)

// quantizerOpTypes are the ONNX ops an exported quantizer is lowered to.
var quantizerOpTypes = []string{"FakeQuantize", "QuantizeLinear", "DequantizeLinear"}

func inspectCmd() *cli.Command {
	var showNodes bool
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize an ONNX model: op types and what each quantizer feeds",
		ArgsUsage: "<model.onnx>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "nodes", Usage: "list every node", Destination: &showNodes},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errUsage(cmd, "expected one ONNX file, got %d arguments", cmd.Args().Len())
			}
			filePath := cmd.Args().First()
			m, err := onnx.ReadFile(filePath)
			if err != nil {
				return err
			}
			graph := m.Proto.GetGraph()

			fmt.Println(titleStyle.Render(fmt.Sprintf("Model %q", graph.GetName())))
			summary := newPlainTable(lipgloss.Right, lipgloss.Left)
			summary.Row("file", filePath)
			if info, err := os.Stat(filePath); err == nil {
				summary.Row("file size", humanize.Bytes(uint64(info.Size())))
			}
			summary.Row("producer", strings.TrimSpace(m.Proto.GetProducerName()+" "+m.Proto.GetProducerVersion()))
			summary.Row("opset", fmt.Sprint(m.OpsetVersion("")))
			if version := m.OpsetVersion(onnx.OpenVINODomain); version > 0 {
				summary.Row(onnx.OpenVINODomain, fmt.Sprint(version))
			}
			for ii, name := range m.InputsNames {
				summary.Row("input "+name, m.InputsShapes[ii].String())
			}
			for ii, name := range m.OutputsNames {
				summary.Row("output "+name, m.OutputsShapes[ii].String())
			}
			summary.Row("# nodes", humanize.Comma(int64(len(graph.GetNode()))))
			fmt.Println(summary.Render())

			counts := onnxgraph.CountOpTypes(graph)
			opTypes := make([]string, 0, len(counts))
			for opType := range counts {
				opTypes = append(opTypes, opType)
			}
			slices.Sort(opTypes)
			fmt.Println(titleStyle.Render("Op types"))
			opsTable := newPlainTable(lipgloss.Left, lipgloss.Right).Headers("op type", "count")
			for _, opType := range opTypes {
				opsTable.Row(opType, humanize.Comma(int64(counts[opType])))
			}
			fmt.Println(opsTable.Render())

			var quantizers [][]string
			for _, node := range graph.GetNode() {
				if !slices.Contains(quantizerOpTypes, node.OpType) {
					continue
				}
				var followers []string
				for _, follower := range onnxgraph.Successors(node, graph) {
					followers = append(followers, fmt.Sprintf("%s (%s)", follower.Name, follower.OpType))
				}
				quantizers = append(quantizers, []string{node.Name, node.OpType, strings.Join(followers, "\n")})
			}
			if len(quantizers) > 0 {
				fmt.Println(titleStyle.Render("Quantizers"))
				qTable := newPlainTable(lipgloss.Left).Headers("node", "op type", "feeds")
				qTable.Rows(quantizers...)
				fmt.Println(qTable.Render())
			}

			if showNodes {
				fmt.Println(titleStyle.Render("Nodes"))
				nodesTable := newPlainTable(lipgloss.Left).Headers("name", "op type", "inputs", "outputs")
				for _, node := range graph.GetNode() {
					nodesTable.Row(node.Name, node.OpType, strings.Join(node.Input, "\n"), strings.Join(node.Output, "\n"))
				}
				fmt.Println(nodesTable.Render())
			}
			return nil
		},
	}
}
