package nn

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Builder constructs a Model. Its methods panic (with exceptions.Panicf) on invalid arguments,
// the panic is converted to an error by Build.
type Builder struct {
	model    *Model
	rng      *rand.Rand
	numAdds  int
	opCounts map[string]int
}

// Build creates a model named name, by calling fn to define its ops.
// Any panic raised by the Builder is returned as an error.
//
// Convolution weights are initialized with a deterministic random initialization (see RandomWeights),
// fn can overwrite them with Op.FillWeights or by changing Op.Weight directly.
func Build(name string, fn func(b *Builder)) (model *Model, err error) {
	b := &Builder{
		model: &Model{
			Name:      name,
			consumers: make(map[*Value][]Use),
		},
		rng:      rand.New(rand.NewPCG(0, uint64(len(name)))),
		opCounts: make(map[string]int),
	}
	err = exceptions.TryCatch[error](func() {
		fn(b)
		if len(b.model.Outputs) == 0 {
			exceptions.Panicf("model %q has no outputs, use Builder.Output", name)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while building model %q", name)
	}
	return b.model, nil
}

// Name of the model being built.
func (b *Builder) Name() string {
	return b.model.Name
}

func (b *Builder) newValue(producer *Op, shape []int) *Value {
	id := len(b.model.Ops)
	name := fmt.Sprintf("input.%d", len(b.model.Inputs))
	if producer.Kind != OpInput {
		name = fmt.Sprintf("%s.%d", producer.Kind, id)
	}
	return &Value{ID: id, Name: name, Shape: shape, Producer: producer}
}

func (b *Builder) addOp(op *Op, shape []int) *Value {
	op.Output = b.newValue(op, shape)
	for port, input := range op.Inputs {
		b.model.consumers[input] = append(b.model.consumers[input], Use{Op: op, Port: port})
	}
	b.model.Ops = append(b.model.Ops, op)
	return op.Output
}

func (b *Builder) checkValue(v *Value) {
	if v == nil || v.Producer == nil || !slices.Contains(b.model.Ops, v.Producer) {
		exceptions.Panicf("value %v does not belong to model %q", v, b.model.Name)
	}
}

// Input adds a model input with the given NCHW shape.
func (b *Builder) Input(shape ...int) *Value {
	if len(shape) != 4 {
		exceptions.Panicf("input must have rank 4 (NCHW), got shape %v", shape)
	}
	for _, dim := range shape {
		if dim <= 0 {
			exceptions.Panicf("input shape %v has non-positive dimensions", shape)
		}
	}
	op := &Op{
		Kind:  OpInput,
		Scope: fmt.Sprintf("/nncf_model_input_%d", len(b.model.Inputs)),
	}
	v := b.addOp(op, slices.Clone(shape))
	b.model.Inputs = append(b.model.Inputs, v)
	return v
}

// scope returns the scope of the n-th call of opName within module, e.g.
// "Model/Sequential[features]/NNCFConv2d[0]/conv2d_0".
func (b *Builder) scope(module, opName string) string {
	prefix := b.model.Name
	if module != "" {
		prefix = prefix + "/" + module
	}
	key := prefix + "/" + opName
	idx := b.opCounts[key]
	b.opCounts[key]++
	return fmt.Sprintf("%s_%d", key, idx)
}

func (b *Builder) convOp(kind OpKind, module string, x *Value, cfg ConvConfig) *Value {
	b.checkValue(x)
	cfg = cfg.withDefaults()
	if cfg.InChannels <= 0 || cfg.OutChannels <= 0 {
		exceptions.Panicf("%s %q: channels must be positive, got in=%d out=%d", kind, module, cfg.InChannels, cfg.OutChannels)
	}
	if cfg.InChannels%cfg.Groups != 0 || cfg.OutChannels%cfg.Groups != 0 {
		exceptions.Panicf("%s %q: channels (in=%d, out=%d) must be divisible by groups=%d",
			kind, module, cfg.InChannels, cfg.OutChannels, cfg.Groups)
	}
	if x.Shape[1] != cfg.InChannels {
		exceptions.Panicf("%s %q: input %v has %d channels, expected %d", kind, module, x, x.Shape[1], cfg.InChannels)
	}
	outShape := []int{x.Shape[0], cfg.OutChannels, 0, 0}
	for axis := range 2 {
		in := x.Shape[2+axis]
		k, s, p, d := cfg.Kernel[axis], cfg.Stride[axis], cfg.Padding[axis], cfg.Dilation[axis]
		if k <= 0 {
			exceptions.Panicf("%s %q: kernel size must be positive, got %v", kind, module, cfg.Kernel)
		}
		var out int
		if kind == OpConv2D {
			out = (in+2*p-d*(k-1)-1)/s + 1
		} else {
			out = (in-1)*s - 2*p + d*(k-1) + cfg.OutputPadding[axis] + 1
		}
		if out <= 0 {
			exceptions.Panicf("%s %q: input %v too small for kernel %v", kind, module, x, cfg.Kernel)
		}
		outShape[2+axis] = out
	}

	opName := "conv2d"
	if kind == OpConvTranspose2D {
		opName = "conv_transpose2d"
	}
	op := &Op{
		Kind:   kind,
		Scope:  b.scope(module, opName),
		Inputs: []*Value{x},
		Conv:   cfg,
	}
	op.Weight = make([]float32, shapeSize(op.WeightShape()))
	if !cfg.NoBias {
		op.Bias = make([]float32, cfg.OutChannels)
	}
	op.RandomWeights(b.rng)
	return b.addOp(op, outShape)
}

// Conv2D adds a 2D convolution. module is the scope of the owning module relative to the model,
// e.g. "Sequential[features]/Sequential[0]/NNCFConv2d[0]".
func (b *Builder) Conv2D(module string, x *Value, cfg ConvConfig) *Value {
	return b.convOp(OpConv2D, module, x, cfg)
}

// ConvTranspose2D adds a 2D transposed convolution, see Conv2D for module.
func (b *Builder) ConvTranspose2D(module string, x *Value, cfg ConvConfig) *Value {
	return b.convOp(OpConvTranspose2D, module, x, cfg)
}

// Add adds the element-wise sum of lhs and rhs, which must have the same shape.
func (b *Builder) Add(lhs, rhs *Value) *Value {
	b.checkValue(lhs)
	b.checkValue(rhs)
	if !slices.Equal(lhs.Shape, rhs.Shape) {
		exceptions.Panicf("Add: shapes %v and %v differ", lhs.Shape, rhs.Shape)
	}
	op := &Op{
		Kind:   OpAdd,
		Scope:  fmt.Sprintf("%s/__add___%d", b.model.Name, b.numAdds),
		Inputs: []*Value{lhs, rhs},
	}
	b.numAdds++
	return b.addOp(op, slices.Clone(lhs.Shape))
}

// Output marks values as model outputs, in order.
func (b *Builder) Output(values ...*Value) {
	for _, v := range values {
		b.checkValue(v)
		b.model.Outputs = append(b.model.Outputs, v)
	}
}

// RandomWeights initializes weights and biases uniformly in ±1/sqrt(fanIn), like PyTorch does by default.
func (op *Op) RandomWeights(rng *rand.Rand) {
	shape := op.WeightShape()
	fanIn := shape[1] * shape[2] * shape[3]
	bound := float32(1 / math.Sqrt(float64(fanIn)))
	for ii := range op.Weight {
		op.Weight[ii] = (2*rng.Float32() - 1) * bound
	}
	for ii := range op.Bias {
		op.Bias[ii] = (2*rng.Float32() - 1) * bound
	}
}

// FillWeights sets every weight to weight and every bias to bias, and then adds the identity matrix
// to each (square) kernel.
func (op *Op) FillWeights(weight, bias float32) {
	shape := op.WeightShape()
	kh, kw := shape[2], shape[3]
	for ii := range op.Weight {
		op.Weight[ii] = weight
		pos := ii % (kh * kw)
		if pos/kw == pos%kw {
			op.Weight[ii] += 1
		}
	}
	for ii := range op.Bias {
		op.Bias[ii] = bias
	}
}

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}
