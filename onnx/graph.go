package onnx

import (
	"fmt"
	"runtime"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnx-qat/internal/protos"
	"github.com/pkg/errors"
)

// OpenVINODomain is the ONNX domain of the FakeQuantize operator.
const OpenVINODomain = "org.openvinotoolkit"

// sliceMap executes the given function sequentially for every element on in and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// CallGraph calls the ONNX graph, and hence are building it with GoMLX ops.
//
// The inputs (a map of the input name to its graph.Node) must have one entry per model input.
// Initializers are converted to constants.
//
// If outputNames is not given, it will output the model's registered outputs. Alternatively, you can select
// any list of node outputs to generate. It will return the values for the selected outputs.
//
// As in GoMLX graph building (symbolic) functions, it panics (throws exceptions) in case of errors.
func (m *Model) CallGraph(g *Graph, inputs map[string]*Node, outputNames ...string) (outputs []*Node) {
	if len(outputNames) == 0 {
		outputNames = m.OutputsNames
	}

	// Map the given inputs to the corresponding ONNX inputs and report (throw exception) if there are
	// any discrepancies.
	convertedOutputs := make(map[string]*Node)
	missingInputs := sets.Make[string]()
	unknownInputs := sets.Make[string]()
	for inputIdx, inputName := range m.InputsNames {
		if inputName == "" {
			inputName = fmt.Sprintf("#%d", inputIdx)
		}
		inputN := inputs[inputName]
		if inputN == nil {
			missingInputs.Insert(inputName)
			continue
		}
		convertedOutputs[inputName] = inputN
	}
	for givenName := range inputs {
		if _, found := convertedOutputs[givenName]; !found {
			unknownInputs.Insert(givenName)
		}
	}
	if len(missingInputs) > 0 || len(unknownInputs) > 0 {
		exceptions.Panicf("onnx.CallGraph() called with wrong inputs: missing inputs=%q; unknown given inputs=%q",
			missingInputs, unknownInputs)
	}

	err := m.ValidateInputs(sliceMap(m.InputsNames, func(inputName string) shapes.Shape { return convertedOutputs[inputName].Shape() })...)
	if err != nil {
		panic(err)
	}

	// Convert all nodes recursively, which will implicitly yield a topological order.
	for _, target := range outputNames {
		m.recursiveCallGraph(g, target, convertedOutputs)
	}

	outputs = make([]*Node, len(outputNames))
	var found bool
	for outputIdx, nodeName := range outputNames {
		outputs[outputIdx], found = convertedOutputs[nodeName]
		if !found {
			exceptions.Panicf("output node %q not found", nodeName)
		}
	}

	// Makes sure the temporary tensors used to convert constants are freed.
	runtime.GC()
	return outputs
}

// recursiveCallGraph recursively creates a GoMLX graph for the target output name.
// The convertedOutputs are used both as input and as output to store the converted nodes.
func (m *Model) recursiveCallGraph(g *Graph, nodeOutputName string, convertedOutputs map[string]*Node) {
	if _, found := convertedOutputs[nodeOutputName]; found {
		return
	}

	if tensorProto, found := m.initializers[nodeOutputName]; found {
		tensor, err := tensorToGoMLX(g.Backend(), tensorProto)
		if err != nil {
			panic(errors.WithMessagef(err, "while converting initializer %q", nodeOutputName))
		}
		convertedOutputs[nodeOutputName] = Const(g, tensor)
		return
	}

	onnxNode, found := m.nodeOutputToNode[nodeOutputName]
	if !found {
		exceptions.Panicf("ONNX node output %q not found as the output of any Op, and not an initializer or input either -- could it be a node name, and note a node **output** name ?", nodeOutputName)
	}

	for _, inputName := range onnxNode.Input {
		if inputName == "" {
			// Optional input not given.
			continue
		}
		m.recursiveCallGraph(g, inputName, convertedOutputs)
	}
	m.convertNode(g, onnxNode, convertedOutputs)
}

// convertNode converts a single ONNX node to a GoMLX node.
//
// Previously converted nodes are given in convertedNodes.
// The converted output(s) are updated into `convertedNodes`.
//
// It panics (throw exceptions) in case of errors.
func (m *Model) convertNode(g *Graph, node *protos.NodeProto, convertedOutputs map[string]*Node) {
	switch node.Domain {
	case "", "ai.onnx":
		if node.OpType == "FakeQuantize" {
			exceptions.Panicf("FakeQuantize must be in the %q domain in %s", OpenVINODomain, nodeToString(node))
		}
	case OpenVINODomain:
		if node.OpType != "FakeQuantize" {
			exceptions.Panicf("unimplemented op %q of domain %q in %s", node.OpType, node.Domain, nodeToString(node))
		}
	default:
		exceptions.Panicf("unsupported ONNX domain %q in %s", node.Domain, nodeToString(node))
	}

	var result *Node
	inputs := sliceMap(node.Input, func(n string) *Node { return convertedOutputs[n] })
	switch node.OpType {
	case "Add":
		result = convertBinaryOp(Add, inputs[0], inputs[1])
	case "Sub":
		result = convertBinaryOp(Sub, inputs[0], inputs[1])
	case "Mul":
		result = convertBinaryOp(Mul, inputs[0], inputs[1])
	case "Div":
		result = convertBinaryOp(Div, inputs[0], inputs[1])
	case "Identity":
		result = inputs[0]
	case "Constant":
		result = convertConstant(node, g)
	case "Conv":
		result = convertConv(node, inputs)
	case "ConvTranspose":
		result = convertConvTranspose(node, inputs)
	case "QuantizeLinear":
		result = convertQuantizeLinear(node, inputs)
	case "DequantizeLinear":
		result = convertDequantizeLinear(node, inputs)
	case "FakeQuantize":
		result = convertFakeQuantize(node, inputs)
	default:
		exceptions.Panicf("unimplemented ONNX op %q in %s", node.OpType, nodeToString(node))
	}
	if result == nil {
		exceptions.Panicf("nil output for ONNX node %q", node.Name)
	}
	convertedOutputs[node.Output[0]] = result
}

// Exec builds the model graph and executes it on backend with the given inputs, one per model input.
// It returns the model outputs.
func (m *Model) Exec(backend backends.Backend, inputs ...*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	if len(inputs) == 0 {
		return nil, errors.New("onnx.Model.Exec requires at least one input")
	}
	err = m.ValidateInputs(sliceMap(inputs, func(t *tensors.Tensor) shapes.Shape { return t.Shape() })...)
	if err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() {
		exec := MustNewExec(backend, func(nodes []*Node) []*Node {
			feed := make(map[string]*Node, len(nodes))
			for ii, name := range m.InputsNames {
				feed[name] = nodes[ii]
			}
			return m.CallGraph(nodes[0].Graph(), feed)
		})
		defer exec.Finalize()
		outputs = exec.MustExec(sliceMap(inputs, func(t *tensors.Tensor) any { return t })...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while executing ONNX model %q", m.Proto.GetGraph().Name)
	}
	return outputs, nil
}
