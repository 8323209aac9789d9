package onnx

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-qat/internal/protos"
	"github.com/gomlx/onnx-qat/nn"
	"github.com/gomlx/onnx-qat/quantization"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultOpsetVersion is the version of the default ONNX domain used by Export.
const DefaultOpsetVersion = 13

// irVersion is the ONNX IR version matching DefaultOpsetVersion.
const irVersion = 7

// ExportOptions configures Export.
type ExportOptions struct {
	// OpsetVersion of the default domain. If 0, DefaultOpsetVersion is used.
	OpsetVersion int

	ProducerName, ProducerVersion string
}

// exporter holds the state of one export.
type exporter struct {
	model *nn.Model
	setup *quantization.Setup
	graph *protos.GraphProto

	usedNames map[string]int

	// lowered maps an activation quantization point to the name of its lowered output.
	lowered map[*quantization.QuantizationPoint]string
}

// Export converts the model, with the quantizers of setup, to an ONNX model.
//
// Weights, biases and quantizer parameters are Constant nodes. Each quantizer is lowered according to
// its export mode: a FakeQuantize node (domain "org.openvinotoolkit") or a QuantizeLinear/DequantizeLinear
// pair. Lowering errors (e.g. quantization.ErrPerChannelQDQ) are returned.
//
// If setup is nil, the float model is exported.
func Export(model *nn.Model, setup *quantization.Setup, opts ExportOptions) (*protos.ModelProto, error) {
	if opts.OpsetVersion == 0 {
		opts.OpsetVersion = DefaultOpsetVersion
	}
	if setup != nil && setup.Model != model {
		return nil, errors.Errorf("quantization setup was created for model %q, not for %q", setup.Model.Name, model.Name)
	}
	e := &exporter{
		model:     model,
		setup:     setup,
		graph:     &protos.GraphProto{Name: model.Name},
		usedNames: make(map[string]int),
		lowered:   make(map[*quantization.QuantizationPoint]string),
	}
	for _, v := range model.Inputs {
		e.usedNames[v.Name] = 1
		info, err := makeValueInfoProto(v.Name, shapes.Make(dtypes.Float32, v.Shape...))
		if err != nil {
			return nil, err
		}
		e.graph.Input = append(e.graph.Input, info)
	}
	for _, op := range model.Ops {
		if err := e.exportOp(op); err != nil {
			return nil, errors.WithMessagef(err, "while exporting %s", op)
		}
	}
	for _, v := range model.Outputs {
		info, err := makeValueInfoProto(v.Name, shapes.Make(dtypes.Float32, v.Shape...))
		if err != nil {
			return nil, err
		}
		e.graph.Output = append(e.graph.Output, info)
	}

	proto := &protos.ModelProto{
		IrVersion:       irVersion,
		ProducerName:    opts.ProducerName,
		ProducerVersion: opts.ProducerVersion,
		Graph:           e.graph,
		OpsetImport: []*protos.OperatorSetIdProto{
			{Domain: "", Version: int64(opts.OpsetVersion)},
		},
	}
	if e.hasDomain(OpenVINODomain) {
		proto.OpsetImport = append(proto.OpsetImport, &protos.OperatorSetIdProto{Domain: OpenVINODomain, Version: 1})
	}
	klog.V(1).Infof("exported %q: %d ONNX nodes", model.Name, len(e.graph.Node))
	return proto, nil
}

// WriteFile exports the model and writes it to filePath.
func WriteFile(filePath string, model *nn.Model, setup *quantization.Setup, opts ExportOptions) error {
	proto, err := Export(model, setup, opts)
	if err != nil {
		return err
	}
	m, err := FromProto(proto)
	if err != nil {
		return err
	}
	return m.SaveToFile(filePath)
}

func (e *exporter) hasDomain(domain string) bool {
	for _, node := range e.graph.Node {
		if node.Domain == domain {
			return true
		}
	}
	return false
}

// uniqueName returns name, with a suffix if it was already used.
func (e *exporter) uniqueName(name string) string {
	count := e.usedNames[name]
	e.usedNames[name] = count + 1
	if count == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, count)
}

// addNode appends a node named name with a single output of the same name, and returns the output name.
func (e *exporter) addNode(opType, domain, name string, inputs []string, attrs ...*protos.AttributeProto) string {
	name = e.uniqueName(name)
	e.graph.Node = append(e.graph.Node, &protos.NodeProto{
		Name:      name,
		OpType:    opType,
		Domain:    domain,
		Input:     inputs,
		Output:    []string{name},
		Attribute: attrs,
	})
	return name
}

// addConstant appends a Constant node holding t and returns its output name.
func (e *exporter) addConstant(name string, t *tensors.Tensor) (string, error) {
	name = e.uniqueName(name)
	tensorProto, err := TensorToProto(name, t)
	if err != nil {
		return "", err
	}
	return e.appendConstant(tensorProto), nil
}

// addFloat32Constant appends a Constant node with the float32 values shaped dims and returns its output name.
func (e *exporter) addFloat32Constant(name string, values []float32, dims ...int) (string, error) {
	name = e.uniqueName(name)
	tensorProto, err := TensorProtoFromFloat32(name, values, dims...)
	if err != nil {
		return "", err
	}
	return e.appendConstant(tensorProto), nil
}

func (e *exporter) appendConstant(tensorProto *protos.TensorProto) string {
	e.graph.Node = append(e.graph.Node, &protos.NodeProto{
		Name:      tensorProto.Name,
		OpType:    "Constant",
		Input:     []string{},
		Output:    []string{tensorProto.Name},
		Attribute: []*protos.AttributeProto{{Name: "value", Type: protos.AttributeProto_TENSOR, T: tensorProto}},
	})
	return tensorProto.Name
}

func intAttr(name string, value int) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_INT, I: int64(value)}
}

func intsAttr(name string, values ...int) *protos.AttributeProto {
	return &protos.AttributeProto{
		Name: name,
		Type: protos.AttributeProto_INTS,
		Ints: sliceMap(values, func(v int) int64 { return int64(v) }),
	}
}

// inputName returns the name of the tensor read by input port of op: the lowered quantizer of the
// port, if there is one, or the value itself.
func (e *exporter) inputName(op *nn.Op, port int) (string, error) {
	v := op.Inputs[port]
	if e.setup == nil {
		return v.Name, nil
	}
	point := e.setup.InputQuantizer(op, port)
	if point == nil {
		return v.Name, nil
	}
	if name, found := e.lowered[point]; found {
		return name, nil
	}
	name, err := e.lowerQuantizer(point, v.Name)
	if err != nil {
		return "", err
	}
	e.lowered[point] = name
	return name, nil
}

// lowerQuantizer appends the nodes of the lowered quantizer of point applied to x, and returns the
// name of its output.
func (e *exporter) lowerQuantizer(point *quantization.QuantizationPoint, x string) (string, error) {
	params, err := point.Quantizer.ExportParams()
	if err != nil {
		return "", errors.WithMessagef(err, "quantizer %s", point.Name())
	}
	prefix := point.Name()
	switch params.Mode {
	case quantization.ExportFakeQuantize:
		fq := params.FakeQuantize
		inputs := []string{x}
		for _, r := range []struct {
			suffix string
			values []float32
		}{
			{"input_low", fq.InputLow}, {"input_high", fq.InputHigh},
			{"output_low", fq.OutputLow}, {"output_high", fq.OutputHigh},
		} {
			name, err := e.addFloat32Constant(prefix+"/"+r.suffix, r.values, fq.Shape...)
			if err != nil {
				return "", err
			}
			inputs = append(inputs, name)
		}
		return e.addNode("FakeQuantize", OpenVINODomain, prefix+"/FakeQuantize", inputs, intAttr("levels", fq.Levels)), nil

	case quantization.ExportQuantizeDequantize:
		qdq := params.QDQ
		scale, err := e.addConstant(prefix+"/scale", tensors.FromScalar(qdq.Scale))
		if err != nil {
			return "", err
		}
		var zeroPointTensor *tensors.Tensor
		if qdq.DType == dtypes.Int8 {
			zeroPointTensor = tensors.FromScalar(int8(qdq.ZeroPoint))
		} else {
			zeroPointTensor = tensors.FromScalar(uint8(qdq.ZeroPoint))
		}
		zeroPoint, err := e.addConstant(prefix+"/zero_point", zeroPointTensor)
		if err != nil {
			return "", err
		}
		q := e.addNode("QuantizeLinear", "", prefix+"/QuantizeLinear", []string{x, scale, zeroPoint})
		return e.addNode("DequantizeLinear", "", prefix+"/DequantizeLinear", []string{q, scale, zeroPoint}), nil
	}
	return "", errors.Errorf("quantizer %s has unknown export mode %s", point.Name(), params.Mode)
}

// exportOp appends the nodes of op.
func (e *exporter) exportOp(op *nn.Op) error {
	switch op.Kind {
	case nn.OpInput:
		return nil
	case nn.OpAdd:
		lhs, err := e.inputName(op, 0)
		if err != nil {
			return err
		}
		rhs, err := e.inputName(op, 1)
		if err != nil {
			return err
		}
		e.addNodeWithOutput(op, "Add", []string{lhs, rhs})
		return nil
	case nn.OpConv2D, nn.OpConvTranspose2D:
		return e.exportConv(op)
	}
	return errors.Errorf("op kind %s cannot be exported", op.Kind)
}

// addNodeWithOutput appends the node computing op.Output.
func (e *exporter) addNodeWithOutput(op *nn.Op, opType string, inputs []string, attrs ...*protos.AttributeProto) {
	name := op.Output.Name
	e.usedNames[name]++
	e.graph.Node = append(e.graph.Node, &protos.NodeProto{
		Name:      op.Scope,
		OpType:    opType,
		Input:     inputs,
		Output:    []string{name},
		Attribute: attrs,
	})
}

func (e *exporter) exportConv(op *nn.Op) error {
	cfg := op.Conv
	x, err := e.inputName(op, 0)
	if err != nil {
		return err
	}
	weight, err := e.addFloat32Constant(op.Scope+"/weight", op.Weight, op.WeightShape()...)
	if err != nil {
		return err
	}
	if e.setup != nil {
		if point := e.setup.WeightQuantizer(op); point != nil {
			weight, err = e.lowerQuantizer(point, weight)
			if err != nil {
				return err
			}
		}
	}
	inputs := []string{x, weight}
	if !cfg.NoBias {
		bias, err := e.addFloat32Constant(op.Scope+"/bias", op.Bias, cfg.OutChannels)
		if err != nil {
			return err
		}
		inputs = append(inputs, bias)
	}
	attrs := []*protos.AttributeProto{
		intsAttr("kernel_shape", cfg.Kernel[:]...),
		intsAttr("strides", cfg.Stride[:]...),
		intsAttr("pads", cfg.Padding[0], cfg.Padding[1], cfg.Padding[0], cfg.Padding[1]),
		intsAttr("dilations", cfg.Dilation[:]...),
		intAttr("group", cfg.Groups),
	}
	opType := "Conv"
	if op.Kind == nn.OpConvTranspose2D {
		opType = "ConvTranspose"
		attrs = append(attrs, intsAttr("output_padding", cfg.OutputPadding[:]...))
	}
	e.addNodeWithOutput(op, opType, inputs, attrs...)
	return nil
}
