package onnxgraph

import (
	"testing"

	"github.com/gomlx/onnx-qat/internal/protos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constantNode(output string, dims ...int64) *protos.NodeProto {
	return &protos.NodeProto{
		OpType: "Constant",
		Output: []string{output},
		Attribute: []*protos.AttributeProto{{
			Name: "value",
			Type: protos.AttributeProto_TENSOR,
			T:    &protos.TensorProto{Dims: dims, DataType: int32(protos.TensorProto_FLOAT)},
		}},
	}
}

// testGraph: x -> fq -> {conv_a, conv_b}, with constants for the fq range and conv weights.
func testGraph() *protos.GraphProto {
	return &protos.GraphProto{
		Node: []*protos.NodeProto{
			constantNode("low", 1),
			constantNode("high", 1),
			{Name: "fq", OpType: "FakeQuantize", Input: []string{"x", "low", "high", "low", "high"}, Output: []string{"xq"}},
			constantNode("w", 2, 2, 1, 1),
			{Name: "conv_a", OpType: "Conv", Input: []string{"xq", "w"}, Output: []string{"a"}},
			{Name: "conv_b", OpType: "Conv", Input: []string{"xq", "w"}, Output: []string{"b"}},
		},
	}
}

func TestMaps(t *testing.T) {
	graph := testGraph()
	consumers := BuildConsumerMap(graph)
	require.Len(t, consumers["xq"], 2)
	require.Len(t, consumers["low"], 2, "a node reading the same tensor twice is listed once per input slot")
	assert.Nil(t, SoleConsumer(consumers, "xq"))
	assert.Equal(t, "fq", SoleConsumer(consumers, "x").Name)

	producers := BuildProducerMap(graph)
	assert.Equal(t, "fq", producers["xq"].Name)
	assert.Len(t, ProducersOf(graph, "w"), 1)
	assert.Empty(t, ProducersOf(graph, "x"))
}

func TestNodesByTypeAndCounts(t *testing.T) {
	graph := testGraph()
	require.Len(t, NodesByType(graph, "Conv"), 2)
	require.Empty(t, NodesByType(graph, "ConvTranspose"))
	require.Equal(t, map[string]int{"Constant": 3, "FakeQuantize": 1, "Conv": 2}, CountOpTypes(graph))
}

func TestSuccessors(t *testing.T) {
	graph := testGraph()
	fq := NodesByType(graph, "FakeQuantize")[0]
	successors := Successors(fq, graph)
	require.Len(t, successors, 2)
	assert.Equal(t, "conv_a", successors[0].Name)
	assert.Equal(t, "conv_b", successors[1].Name)
}

func TestResolveConstantInputs(t *testing.T) {
	graph := testGraph()
	fq := NodesByType(graph, "FakeQuantize")[0]
	resolved := ResolveConstantInputs(fq, graph)
	// "x" is a graph input, not a constant.
	require.Len(t, resolved, 4)
	assert.Equal(t, 1, resolved[0].InputIndex)
	assert.Equal(t, "low", resolved[0].Name)
	assert.Equal(t, []int{1}, resolved[0].Shape())

	conv := NodesByType(graph, "Conv")[0]
	resolved = ResolveConstantInputs(conv, graph)
	require.Len(t, resolved, 1)
	assert.Equal(t, []int{2, 2, 1, 1}, resolved[0].Shape())
}
