package onnx

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/onnx-qat/internal/protos"
	"github.com/gomlx/onnx-qat/quantization"
	"github.com/pkg/errors"
)

// This file implements the conversion of the ONNX operators emitted by Export.

// gomlxBinaryOp is a GoMLX binary op. Used by convertBinaryOp.
type gomlxBinaryOp func(lhs, rhs *Node) *Node

// onnxImplicitExpansion expands operands to the largest rank, expanding to the left.
// This is part of ONNX implicit broadcasting rule.
// Scalars are left untouched, because generally, XLA will broadcast them.
func onnxImplicitExpansion(operands []*Node) []*Node {
	ranks := sliceMap(operands, func(n *Node) int { return n.Rank() })
	maxRank := slices.Max(ranks)
	return sliceMap(operands, func(n *Node) *Node {
		if n.IsScalar() || n.Rank() == maxRank {
			return n
		}
		return ExpandLeftToRank(n, maxRank)
	})
}

// convertBinaryOp applies ONNX broadcasting rule before calling the fn.
//
// It differs from GoMLX and XLA in that it automatically prepend 1-dimensional axes to
// any of the operands, if they differ in rank.
func convertBinaryOp(fn gomlxBinaryOp, lhs, rhs *Node) *Node {
	operands := onnxImplicitExpansion([]*Node{lhs, rhs})
	lhs, rhs = operands[0], operands[1]
	if lhs.DType() != rhs.DType() {
		exceptions.Panicf("binary op with mismatched dtypes %s and %s", lhs.DType(), rhs.DType())
	}
	return fn(lhs, rhs)
}

////////////////////////////////////////////////////////////////////
//
// Attributes.
//
////////////////////////////////////////////////////////////////////

// getNodeAttr returns the given node attribute. If required is true, it will panic with a message about
// the missing attribute.
func getNodeAttr(node *protos.NodeProto, name string, required bool) *protos.AttributeProto {
	for _, attr := range node.Attribute {
		if attr.Name == name {
			return attr
		}
	}
	if required {
		exceptions.Panicf("ONNX %s is missing required attribute %q", nodeToString(node), name)
	}
	return nil
}

func assertNodeAttrType(node *protos.NodeProto, attr *protos.AttributeProto, attributeType protos.AttributeProto_AttributeType) {
	if attr.Type != attributeType {
		exceptions.Panicf("unsupported ONNX attribute %q of type %q in %s", attr.Name, attr.Type, nodeToString(node))
	}
}

// mustGetIntAttr get the attribute as an integer.
// It panics with an exception if attribute is not set or if it is of the wrong type.
func mustGetIntAttr(node *protos.NodeProto, attrName string) int {
	attr := getNodeAttr(node, attrName, true)
	assertNodeAttrType(node, attr, protos.AttributeProto_INT)
	return int(attr.I)
}

// getIntAttrOr gets an integer attribute for node if present or return the given defaultValue.
// It panics with an error message if the attribute is present but is of the wrong type.
func getIntAttrOr(node *protos.NodeProto, attrName string, defaultValue int) int {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_INT)
	return int(attr.I)
}

// getDTypeAttrOr gets a int attribute for node if present and convert to a GoMLX dtype, or return the given defaultValue.
// It panics with an error message if the attribute is present but is of the wrong type.
func getDTypeAttrOr(node *protos.NodeProto, attrName string, defaultValue dtypes.DType) dtypes.DType {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_INT)
	onnxDType := protos.TensorProto_DataType(int32(attr.I))
	dtype, err := dtypeForONNX(onnxDType)
	if err != nil {
		exceptions.Panicf("unsupported ONNX data type %q for attribute %q in %s", onnxDType, attrName, nodeToString(node))
	}
	return dtype
}

// getStringAttrOr gets a string attribute for node if present or return the given defaultValue.
// It panics with an error message if the attribute is present but is of the wrong type.
func getStringAttrOr(node *protos.NodeProto, attrName string, defaultValue string) string {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_STRING)
	return string(attr.S)
}

// getIntsAttrOr gets an integer list attribute for node if present or return the given defaultValues.
// It panics with an error message if the attribute is present but is of the wrong type.
func getIntsAttrOr(node *protos.NodeProto, attrName string, defaultValues []int) []int {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValues
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_INTS)
	return sliceMap(attr.Ints, func(i int64) int { return int(i) })
}

////////////////////////////////////////////////////////////////////
//
// Ops.
//
////////////////////////////////////////////////////////////////////

// convertConstant converts a ONNX node to a GoMLX node.
func convertConstant(node *protos.NodeProto, g *Graph) *Node {
	valueAttr := getNodeAttr(node, "value", true)
	assertNodeAttrType(node, valueAttr, protos.AttributeProto_TENSOR)
	if valueAttr.T == nil {
		panic(errors.Errorf("TENSOR attribute for ONNX node %s is nil!?", nodeToString(node)))
	}
	tensor, err := tensorToGoMLX(g.Backend(), valueAttr.T)
	if err != nil {
		panic(errors.WithMessagef(err, "while converting ONNX %s", nodeToString(node)))
	}
	return Const(g, tensor)
}

// convAxesConfig is the layout of ONNX convolutions: [batch, channels, spatial...] for inputs and outputs,
// and [out, in/groups, spatial...] for kernels.
func convAxesConfig(rank int) backends.ConvolveAxesConfig {
	spatialAxes := make([]int, rank-2)
	for i := range spatialAxes {
		spatialAxes[i] = i + 2
	}
	return backends.ConvolveAxesConfig{
		InputBatch:           0,
		InputChannels:        1,
		InputSpatial:         spatialAxes,
		KernelOutputChannels: 0,
		KernelInputChannels:  1,
		KernelSpatial:        spatialAxes,
		OutputBatch:          0,
		OutputChannels:       1,
		OutputSpatial:        spatialAxes,
	}
}

// addChannelBias adds a 1D bias along the channels axis (1) of out.
func addChannelBias(out, b *Node) *Node {
	if b == nil {
		return out
	}
	if b.Rank() == 1 && out.Rank() >= 3 {
		shape := make([]int, out.Rank())
		for i := range shape {
			shape[i] = 1
		}
		shape[1] = b.Shape().Dim(0)
		b = Reshape(b, shape...)
	}
	return Add(out, b)
}

// padsToPaddings converts ONNX pads [x1_begin, x2_begin, ..., x1_end, x2_end, ...] to GoMLX pairs.
func padsToPaddings(opName string, pads []int, numSpatialDims int) [][2]int {
	if pads == nil {
		return nil
	}
	if len(pads) != 2*numSpatialDims {
		exceptions.Panicf("%s: invalid number of padding values: %d spatial axes, got %d padding values -- expected 2 pads per axis",
			opName, numSpatialDims, len(pads))
	}
	paddings := make([][2]int, numSpatialDims)
	for i := range numSpatialDims {
		paddings[i] = [2]int{pads[i], pads[i+numSpatialDims]}
	}
	return paddings
}

// optionalInput returns inputs[idx], or nil if not given.
func optionalInput(inputs []*Node, idx int) *Node {
	if idx < len(inputs) {
		return inputs[idx]
	}
	return nil
}

// convertConv converts an ONNX Conv node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Conv.html
func convertConv(node *protos.NodeProto, inputs []*Node) *Node {
	autoPad := getStringAttrOr(node, "auto_pad", "NOTSET")
	if autoPad != "NOTSET" {
		exceptions.Panicf("Conv: support for attribute 'auto_pad' (%s) is not yet implemented", autoPad)
	}
	kernelShape := getIntsAttrOr(node, "kernel_shape", nil)
	if kernelShape == nil {
		exceptions.Panicf("Conv: support for inferring 'kernel_shape' is not yet implemented")
	}
	strides := getIntsAttrOr(node, "strides", nil)
	pads := getIntsAttrOr(node, "pads", nil)
	dilations := getIntsAttrOr(node, "dilations", nil)
	groups := getIntAttrOr(node, "group", 1)

	x, w := inputs[0], inputs[1]
	paddings := padsToPaddings("Conv", pads, x.Rank()-2)
	conv := Convolve(x, w).AxesConfig(convAxesConfig(x.Rank()))
	if len(strides) > 0 {
		conv = conv.StridePerAxis(strides...)
	}
	if len(dilations) > 0 {
		conv = conv.DilationPerAxis(dilations...)
	}
	if len(paddings) > 0 {
		conv = conv.PaddingPerDim(paddings)
	}
	if groups > 1 {
		conv = conv.ChannelGroupCount(groups)
	}
	return addChannelBias(conv.Done(), optionalInput(inputs, 2))
}

// convertConvTranspose converts an ONNX ConvTranspose node to a GoMLX node.
//
// It is computed as a convolution of the input dilated by the strides, with the kernel flipped on its
// spatial axes and its channel axes swapped ([in, out/groups, ...] to [out, in/groups, ...]).
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__ConvTranspose.html
func convertConvTranspose(node *protos.NodeProto, inputs []*Node) *Node {
	autoPad := getStringAttrOr(node, "auto_pad", "NOTSET")
	if autoPad != "NOTSET" {
		exceptions.Panicf("ConvTranspose: support for attribute 'auto_pad' (%s) is not yet implemented", autoPad)
	}
	if getIntsAttrOr(node, "output_shape", nil) != nil {
		exceptions.Panicf("ConvTranspose: support for attribute 'output_shape' is not yet implemented")
	}
	x, w := inputs[0], inputs[1]
	numSpatialDims := x.Rank() - 2
	ones := make([]int, numSpatialDims)
	for i := range ones {
		ones[i] = 1
	}
	wDims := w.Shape().Dimensions
	kernelShape := getIntsAttrOr(node, "kernel_shape", wDims[2:])
	strides := getIntsAttrOr(node, "strides", ones)
	dilations := getIntsAttrOr(node, "dilations", ones)
	pads := getIntsAttrOr(node, "pads", make([]int, 2*numSpatialDims))
	outputPadding := getIntsAttrOr(node, "output_padding", make([]int, numSpatialDims))
	groups := getIntAttrOr(node, "group", 1)
	if len(kernelShape) != numSpatialDims || len(strides) != numSpatialDims ||
		len(dilations) != numSpatialDims || len(outputPadding) != numSpatialDims {
		exceptions.Panicf("ConvTranspose: attributes don't match the %d spatial axes of the input in %s",
			numSpatialDims, nodeToString(node))
	}
	if wDims[0]%groups != 0 {
		exceptions.Panicf("ConvTranspose: %d input channels not divisible by group=%d", wDims[0], groups)
	}

	// Kernel to [out, in/groups, spatial...], flipped.
	inPerGroup, outPerGroup := wDims[0]/groups, wDims[1]
	groupedDims := append([]int{groups, inPerGroup, outPerGroup}, wDims[2:]...)
	permutation := make([]int, len(groupedDims))
	for axis := range permutation {
		permutation[axis] = axis
	}
	permutation[1], permutation[2] = 2, 1
	kernel := TransposeAllAxes(Reshape(w, groupedDims...), permutation...)
	kernel = Reshape(kernel, append([]int{groups * outPerGroup, inPerGroup}, wDims[2:]...)...)
	spatialAxes := make([]int, numSpatialDims)
	for i := range spatialAxes {
		spatialAxes[i] = i + 2
	}
	kernel = Reverse(kernel, spatialAxes...)

	paddings := make([][2]int, numSpatialDims)
	for i := range numSpatialDims {
		full := dilations[i] * (kernelShape[i] - 1)
		paddings[i] = [2]int{full - pads[i], full - pads[i+numSpatialDims] + outputPadding[i]}
		if paddings[i][0] < 0 || paddings[i][1] < 0 {
			exceptions.Panicf("ConvTranspose: pads %v larger than the dilated kernel are not supported in %s",
				pads, nodeToString(node))
		}
	}
	conv := Convolve(x, kernel).AxesConfig(convAxesConfig(x.Rank())).
		InputDilationPerAxis(strides...).
		DilationPerAxis(dilations...).
		PaddingPerDim(paddings)
	if groups > 1 {
		conv = conv.ChannelGroupCount(groups)
	}
	return addChannelBias(conv.Done(), optionalInput(inputs, 2))
}

// convertQuantizeLinear converts the corresponding ONNX node to a GoMLX node.
//
// Not yet supporting block quantization.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__QuantizeLinear.html
func convertQuantizeLinear(node *protos.NodeProto, inputs []*Node) *Node {
	targetAxis := getIntAttrOr(node, "axis", 1)
	if getIntAttrOr(node, "block_size", 0) != 0 {
		exceptions.Panicf("QuantizeLinear: support for attribute 'block_size' is not yet implemented")
	}
	x, scale := inputs[0], inputs[1]
	zeroPoint := optionalInput(inputs, 2)
	outputDType := getDTypeAttrOr(node, "output_dtype", dtypes.Uint8)
	if zeroPoint != nil {
		outputDType = zeroPoint.DType()
	}
	return quantization.QuantizeLinear(x, scale, zeroPoint, targetAxis, outputDType)
}

// convertDequantizeLinear converts the corresponding ONNX node to a GoMLX node.
//
// Not yet supporting block dequantization.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__DequantizeLinear.html
func convertDequantizeLinear(node *protos.NodeProto, inputs []*Node) *Node {
	targetAxis := getIntAttrOr(node, "axis", 1)
	if getIntAttrOr(node, "block_size", 0) != 0 {
		exceptions.Panicf("DequantizeLinear: support for attribute 'block_size' is not yet implemented")
	}
	x, scale := inputs[0], inputs[1]
	return quantization.DequantizeLinear(x, scale, optionalInput(inputs, 2), targetAxis, scale.DType())
}

// convertFakeQuantize converts an OpenVINO FakeQuantize node to a GoMLX node.
//
// See OpenVINO documentation in:
// https://docs.openvino.ai/latest/openvino_docs_ops_quantization_FakeQuantize_1.html
func convertFakeQuantize(node *protos.NodeProto, inputs []*Node) *Node {
	if len(inputs) != 5 {
		exceptions.Panicf("FakeQuantize requires 5 inputs, got %d in %s", len(inputs), nodeToString(node))
	}
	if autoBroadcast := getStringAttrOr(node, "auto_broadcast", "numpy"); autoBroadcast != "numpy" {
		exceptions.Panicf("FakeQuantize: auto_broadcast=%q not supported", autoBroadcast)
	}
	levels := mustGetIntAttr(node, "levels")
	return quantization.FakeQuantize(inputs[0], inputs[1], inputs[2], inputs[3], inputs[4], levels)
}
