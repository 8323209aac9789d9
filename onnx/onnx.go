// Package onnx exports compressed models to ONNX and converts ONNX graphs back to GoMLX.
//
// Export writes weights and quantizer parameters as Constant nodes, and lowers each quantizer either
// to a fused FakeQuantize (OpenVINO domain) or to a QuantizeLinear/DequantizeLinear pair.
//
// The runtime side (Parse, ReadFile, Model.CallGraph and Model.Exec) converts the subset of ONNX ops
// the exporter emits, so exported files can be executed and checked with any GoMLX backend.
package onnx

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/onnx-qat/internal/onnxgraph"
	"github.com/gomlx/onnx-qat/internal/protos"
	"github.com/pkg/errors"
)

// Model is a parsed ONNX model, ready to be converted to a GoMLX graph with CallGraph.
type Model struct {
	Proto *protos.ModelProto

	InputsNames, OutputsNames   []string
	InputsShapes, OutputsShapes []DynamicShape

	// nodeOutputToNode maps a node output name to the node that produces it.
	nodeOutputToNode map[string]*protos.NodeProto

	// initializers are converted to constants.
	initializers map[string]*protos.TensorProto
}

// Parse parses an ONNX model from its serialized contents.
func Parse(contents []byte) (*Model, error) {
	m := &Model{Proto: &protos.ModelProto{}}
	if err := protos.Unmarshal(contents, m.Proto); err != nil {
		return nil, errors.Wrap(err, "failed to parse ONNX model proto")
	}
	if err := m.index(); err != nil {
		return nil, err
	}
	return m, nil
}

// FromProto wraps an in-memory ONNX model proto, as returned by Export.
func FromProto(proto *protos.ModelProto) (*Model, error) {
	m := &Model{Proto: proto}
	if err := m.index(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadFile reads and parses an ONNX model file.
func ReadFile(filePath string) (*Model, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model file in %q", filePath)
	}
	m, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing %q", filePath)
	}
	return m, nil
}

// index builds the lookup tables and the inputs and outputs descriptions.
func (m *Model) index() error {
	graph := m.Proto.GetGraph()
	if graph == nil {
		return errors.New("ONNX model has no graph")
	}
	m.nodeOutputToNode = make(map[string]*protos.NodeProto)
	for _, node := range graph.Node {
		for _, outputName := range node.Output {
			if outputName == "" {
				continue
			}
			if _, found := m.nodeOutputToNode[outputName]; found {
				return errors.Errorf("ONNX output %q is produced by more than one node", outputName)
			}
			m.nodeOutputToNode[outputName] = node
		}
	}
	m.initializers = make(map[string]*protos.TensorProto)
	for _, tensorProto := range graph.Initializer {
		m.initializers[tensorProto.Name] = tensorProto
	}

	m.InputsNames, m.InputsShapes = nil, nil
	for _, input := range graph.Input {
		if _, found := m.initializers[input.Name]; found {
			// Older models list initializers as inputs too.
			continue
		}
		dshape, err := makeDynamicShapeFromProto(input.GetType().GetTensorType())
		if err != nil {
			return errors.WithMessagef(err, "while parsing type of input %q", input.Name)
		}
		m.InputsNames = append(m.InputsNames, input.Name)
		m.InputsShapes = append(m.InputsShapes, dshape)
	}
	m.OutputsNames, m.OutputsShapes = nil, nil
	for _, output := range graph.Output {
		dshape, err := makeDynamicShapeFromProto(output.GetType().GetTensorType())
		if err != nil {
			return errors.WithMessagef(err, "while parsing type of output %q", output.Name)
		}
		m.OutputsNames = append(m.OutputsNames, output.Name)
		m.OutputsShapes = append(m.OutputsShapes, dshape)
	}
	return nil
}

// Write serializes the model to w.
func (m *Model) Write(w io.Writer) error {
	contents, err := protos.Marshal(m.Proto)
	if err != nil {
		return errors.Wrap(err, "failed to serialize ONNX model proto")
	}
	_, err = w.Write(contents)
	return errors.Wrap(err, "failed to write ONNX model")
}

// SaveToFile serializes the model to the given file path.
func (m *Model) SaveToFile(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	err = m.Write(f)
	if err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "while saving model to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// OpsetVersion returns the version of the given domain imported by the model, or 0 if not imported.
// The default ONNX domain is "" (or "ai.onnx").
func (m *Model) OpsetVersion(domain string) int {
	if domain == "ai.onnx" {
		domain = ""
	}
	for _, opset := range m.Proto.GetOpsetImport() {
		opsetDomain := opset.Domain
		if opsetDomain == "ai.onnx" {
			opsetDomain = ""
		}
		if opsetDomain == domain {
			return int(opset.GetVersion())
		}
	}
	return 0
}

// String implements fmt.Stringer, with a summary of the model.
func (m *Model) String() string {
	var sb strings.Builder
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&sb, format, args...) }
	graph := m.Proto.GetGraph()
	w("ONNX Model %q:\n", graph.Name)
	if m.Proto.ProducerName != "" {
		w("\tProducer:\t%s %s\n", m.Proto.ProducerName, m.Proto.ProducerVersion)
	}
	w("\tIR version:\t%d\n", m.Proto.GetIrVersion())
	w("\tOpset imports:")
	for _, opset := range m.Proto.GetOpsetImport() {
		domain := opset.Domain
		if domain == "" {
			domain = "ai.onnx"
		}
		w(" %s@%d", domain, opset.GetVersion())
	}
	w("\n\t# nodes:\t%d\n", len(graph.GetNode()))
	w("\tInputs:\n")
	for ii, name := range m.InputsNames {
		w("\t\t%q: %s\n", name, m.InputsShapes[ii])
	}
	w("\tOutputs:\n")
	for ii, name := range m.OutputsNames {
		w("\t\t%q: %s\n", name, m.OutputsShapes[ii])
	}
	counts := onnxgraph.CountOpTypes(graph)
	opTypes := make([]string, 0, len(counts))
	for opType := range counts {
		opTypes = append(opTypes, opType)
	}
	slices.Sort(opTypes)
	w("\tOp types:\n")
	for _, opType := range opTypes {
		w("\t\t%s: %d\n", opType, counts[opType])
	}
	return sb.String()
}

// nodeToString returns a one-line description of the node, used in error messages.
func nodeToString(node *protos.NodeProto) string {
	opType := node.OpType
	if node.Domain != "" {
		opType = node.Domain + "." + opType
	}
	return fmt.Sprintf("node %q: %s(%s) -> (%s)", node.Name, opType,
		strings.Join(node.Input, ", "), strings.Join(node.Output, ", "))
}
