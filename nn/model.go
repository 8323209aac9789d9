// Package nn defines the small convolutional model IR that the quantization pipeline works on.
//
// A Model is a list of Ops in topological order connected by Values. Every op carries a scope string,
// modelled after the way PyTorch module hierarchies are named (e.g.
// "TwoConvTestModel/Sequential[features]/Sequential[0]/NNCFConv2d[0]/conv2d_0"). Scopes are what
// ignored/target scope patterns in the compression config are matched against.
//
// Models are created with Build and a Builder, see Builder.
package nn

import (
	"fmt"
	"strings"
)

// OpKind enumerates the supported operations.
type OpKind int

const (
	OpInput OpKind = iota
	OpConv2D
	OpConvTranspose2D
	OpAdd
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case OpInput:
		return "Input"
	case OpConv2D:
		return "Conv2D"
	case OpConvTranspose2D:
		return "ConvTranspose2D"
	case OpAdd:
		return "Add"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Value is a tensor flowing through the model. Shapes are always NCHW.
type Value struct {
	ID       int
	Name     string
	Shape    []int
	Producer *Op
}

// String implements fmt.Stringer.
func (v *Value) String() string {
	return fmt.Sprintf("%s%v", v.Name, v.Shape)
}

// ConvConfig configures a 2D convolution or transposed convolution. Zero values of Stride and Dilation
// mean 1.
type ConvConfig struct {
	InChannels, OutChannels int
	Kernel                  [2]int
	Stride                  [2]int
	Padding                 [2]int
	Dilation                [2]int
	Groups                  int

	// OutputPadding is only used by transposed convolutions.
	OutputPadding [2]int

	NoBias bool
}

func (cfg ConvConfig) withDefaults() ConvConfig {
	for axis := range 2 {
		if cfg.Stride[axis] == 0 {
			cfg.Stride[axis] = 1
		}
		if cfg.Dilation[axis] == 0 {
			cfg.Dilation[axis] = 1
		}
	}
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	return cfg
}

// Op is one operation of the model.
type Op struct {
	Kind   OpKind
	Scope  string
	Inputs []*Value
	Output *Value

	// Conv, Weight and Bias are only set for convolutions.
	Conv   ConvConfig
	Weight []float32
	Bias   []float32
}

// IsConvolution returns whether op has weights.
func (op *Op) IsConvolution() bool {
	return op.Kind == OpConv2D || op.Kind == OpConvTranspose2D
}

// WeightShape returns the shape of the weights: [out, in/groups, kh, kw] for Conv2D and
// [in, out/groups, kh, kw] for ConvTranspose2D (the PyTorch and ONNX layouts).
func (op *Op) WeightShape() []int {
	cfg := op.Conv
	switch op.Kind {
	case OpConv2D:
		return []int{cfg.OutChannels, cfg.InChannels / cfg.Groups, cfg.Kernel[0], cfg.Kernel[1]}
	case OpConvTranspose2D:
		return []int{cfg.InChannels, cfg.OutChannels / cfg.Groups, cfg.Kernel[0], cfg.Kernel[1]}
	default:
		return nil
	}
}

// OutputChannelAxis returns the axis of the weights that indexes output channels: 0 for Conv2D and
// 1 for ConvTranspose2D.
func (op *Op) OutputChannelAxis() int {
	if op.Kind == OpConvTranspose2D {
		return 1
	}
	return 0
}

// String implements fmt.Stringer.
func (op *Op) String() string {
	inputs := make([]string, len(op.Inputs))
	for ii, input := range op.Inputs {
		inputs[ii] = input.Name
	}
	return fmt.Sprintf("%s(%s) -> %s [%s]", op.Kind, strings.Join(inputs, ", "), op.Output, op.Scope)
}

// Use is a consumer of a Value: the op and the index of the input that reads it.
type Use struct {
	Op   *Op
	Port int
}

// Model is a built model. It is immutable, except for the values of weights and biases.
type Model struct {
	Name    string
	Ops     []*Op
	Inputs  []*Value
	Outputs []*Value

	consumers map[*Value][]Use
}

// Consumers returns the ops reading v, in model order.
func (m *Model) Consumers(v *Value) []Use {
	return m.consumers[v]
}

// IsOutput returns whether v is one of the model outputs.
func (m *Model) IsOutput(v *Value) bool {
	for _, output := range m.Outputs {
		if output == v {
			return true
		}
	}
	return false
}

// OpByScope returns the op with the given scope, or nil.
func (m *Model) OpByScope(scope string) *Op {
	for _, op := range m.Ops {
		if op.Scope == scope {
			return op
		}
	}
	return nil
}

// Convolutions returns the ops with weights, in model order.
func (m *Model) Convolutions() []*Op {
	var convs []*Op
	for _, op := range m.Ops {
		if op.IsConvolution() {
			convs = append(convs, op)
		}
	}
	return convs
}

// NumParameters returns the number of weights and biases.
func (m *Model) NumParameters() int {
	var count int
	for _, op := range m.Ops {
		count += len(op.Weight) + len(op.Bias)
	}
	return count
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Model %q:\n", m.Name)
	for _, op := range m.Ops {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", op)
	}
	outputs := make([]string, len(m.Outputs))
	for ii, output := range m.Outputs {
		outputs[ii] = output.String()
	}
	_, _ = fmt.Fprintf(&sb, "\toutputs: %s\n", strings.Join(outputs, ", "))
	return sb.String()
}
