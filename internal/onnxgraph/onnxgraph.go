// Package onnxgraph provides inspection utilities for ONNX proto graphs: lookups by op type,
// producer/consumer maps and resolution of constant inputs.
package onnxgraph

import (
	"github.com/gomlx/onnx-qat/internal/protos"
)

// BuildConsumerMap builds a map from output name to all NodeProto nodes that consume it as input.
func BuildConsumerMap(graph *protos.GraphProto) map[string][]*protos.NodeProto {
	consumers := make(map[string][]*protos.NodeProto)
	for _, node := range graph.Node {
		for _, inputName := range node.Input {
			if inputName == "" {
				continue
			}
			consumers[inputName] = append(consumers[inputName], node)
		}
	}
	return consumers
}

// BuildProducerMap builds a map from tensor name to the node that outputs it.
func BuildProducerMap(graph *protos.GraphProto) map[string]*protos.NodeProto {
	producers := make(map[string]*protos.NodeProto)
	for _, node := range graph.Node {
		for _, outputName := range node.Output {
			if outputName != "" {
				producers[outputName] = node
			}
		}
	}
	return producers
}

// SoleConsumer returns the single consumer of outputName, or nil if there are 0 or 2+ consumers.
func SoleConsumer(consumers map[string][]*protos.NodeProto, outputName string) *protos.NodeProto {
	list := consumers[outputName]
	if len(list) == 1 {
		return list[0]
	}
	return nil
}

// NodesByType returns the nodes of the given op type, in graph order.
func NodesByType(graph *protos.GraphProto, opType string) []*protos.NodeProto {
	var nodes []*protos.NodeProto
	for _, node := range graph.GetNode() {
		if node.OpType == opType {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// CountOpTypes returns a histogram of op types.
func CountOpTypes(graph *protos.GraphProto) map[string]int {
	counts := make(map[string]int)
	for _, node := range graph.GetNode() {
		counts[node.OpType]++
	}
	return counts
}

// ProducersOf returns all nodes that list name among their outputs. A well-formed graph has at most one.
func ProducersOf(graph *protos.GraphProto, name string) []*protos.NodeProto {
	var matches []*protos.NodeProto
	for _, node := range graph.GetNode() {
		for _, outputName := range node.Output {
			if outputName == name {
				matches = append(matches, node)
				break
			}
		}
	}
	return matches
}

// Successors returns the nodes consuming any of node's outputs, in graph order.
// A consumer is listed once per output it reads.
func Successors(node *protos.NodeProto, graph *protos.GraphProto) []*protos.NodeProto {
	var successors []*protos.NodeProto
	for _, outputName := range node.Output {
		for _, target := range graph.GetNode() {
			for _, inputName := range target.Input {
				if inputName == outputName {
					successors = append(successors, target)
					break
				}
			}
		}
	}
	return successors
}

// ConstantInput is the value of one input of a node that is produced by a "Constant" node.
type ConstantInput struct {
	InputIndex int
	Name       string
	Value      *protos.TensorProto
}

// Shape returns the dimensions of the constant.
func (c ConstantInput) Shape() []int {
	shape := make([]int, len(c.Value.GetDims()))
	for ii, dim := range c.Value.GetDims() {
		shape[ii] = int(dim)
	}
	return shape
}

// ResolveConstantInputs returns, ordered by input index, the inputs of node that are produced by
// "Constant" nodes (their "value" attribute). Inputs produced by anything else are not included.
func ResolveConstantInputs(node *protos.NodeProto, graph *protos.GraphProto) []ConstantInput {
	producers := BuildProducerMap(graph)
	var resolved []ConstantInput
	for idx, inputName := range node.Input {
		producer, found := producers[inputName]
		if !found || producer.OpType != "Constant" {
			continue
		}
		for _, attr := range producer.Attribute {
			if attr.Name == "value" && attr.Type == protos.AttributeProto_TENSOR {
				resolved = append(resolved, ConstantInput{InputIndex: idx, Name: inputName, Value: attr.T})
				break
			}
		}
	}
	return resolved
}
