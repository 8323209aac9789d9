package onnx

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/onnx-qat/internal/protos"
	"github.com/stretchr/testify/require"
)

func TestConvertConv(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Conv", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][][]float32{{{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}}}})
		w := Const(g, [][][][]float32{{{{1, 1}, {1, 1}}}})
		b := Const(g, []float32{1})
		node := &protos.NodeProto{OpType: "Conv", Attribute: []*protos.AttributeProto{
			intsAttr("kernel_shape", 2, 2), intsAttr("pads", 0, 0, 0, 0), intAttr("group", 1),
		}}
		inputs = []*Node{x, w, b}
		outputs = []*Node{convertConv(node, inputs)}
		return
	}, []any{
		[][][][]float32{{{{9, 13}, {21, 25}}}},
	}, 1e-5)

	graphtest.RunTestGraphFn(t, "Conv-groups", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][][]float32{{{{1}}, {{10}}}})
		w := Const(g, [][][][]float32{{{{2}}}, {{{3}}}})
		node := &protos.NodeProto{OpType: "Conv", Attribute: []*protos.AttributeProto{
			intsAttr("kernel_shape", 1, 1), intAttr("group", 2),
		}}
		inputs = []*Node{x, w}
		outputs = []*Node{convertConv(node, inputs)}
		return
	}, []any{
		[][][][]float32{{{{2}}, {{30}}}},
	}, 1e-5)
}

func TestConvertConvTranspose(t *testing.T) {
	x := [][][][]float32{{{{1, 2}, {3, 4}}}}
	graphtest.RunTestGraphFn(t, "ConvTranspose", func(g *Graph) (inputs, outputs []*Node) {
		xN := Const(g, x)
		ones := Const(g, [][][][]float32{{{{1, 1}, {1, 1}}}})
		corner := Const(g, [][][][]float32{{{{1, 0}, {0, 0}}}})
		node := &protos.NodeProto{OpType: "ConvTranspose"}
		strided := &protos.NodeProto{OpType: "ConvTranspose", Attribute: []*protos.AttributeProto{
			intsAttr("strides", 2, 2),
		}}
		inputs = []*Node{xN}
		outputs = []*Node{
			convertConvTranspose(node, []*Node{xN, ones}),
			convertConvTranspose(node, []*Node{xN, corner}),
			convertConvTranspose(strided, []*Node{xN, ones}),
		}
		return
	}, []any{
		[][][][]float32{{{{1, 3, 2}, {4, 10, 6}, {3, 7, 4}}}},
		[][][][]float32{{{{1, 2, 0}, {3, 4, 0}, {0, 0, 0}}}},
		[][][][]float32{{{{1, 1, 2, 2}, {1, 1, 2, 2}, {3, 3, 4, 4}, {3, 3, 4, 4}}}},
	}, 1e-5)

	graphtest.RunTestGraphFn(t, "ConvTranspose-channels", func(g *Graph) (inputs, outputs []*Node) {
		xN := Const(g, [][][][]float32{{{{1, 2}}}})
		// Weights are [in, out, kh, kw].
		w := Const(g, [][][][]float32{{{{2}}, {{3}}}})
		b := Const(g, []float32{0, 100})
		node := &protos.NodeProto{OpType: "ConvTranspose", Attribute: []*protos.AttributeProto{
			intsAttr("kernel_shape", 1, 1),
		}}
		inputs = []*Node{xN}
		outputs = []*Node{convertConvTranspose(node, []*Node{xN, w, b})}
		return
	}, []any{
		[][][][]float32{{{{2, 4}}, {{103, 106}}}},
	}, 1e-5)
}

func TestConvertQuantizationOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "QuantizeLinear+DequantizeLinear", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{-1, 0, 0.5, 3})
		scale := Scalar(g, dtypes.Float32, 0.01)
		zeroPoint := Const(g, uint8(100))
		q := convertQuantizeLinear(&protos.NodeProto{OpType: "QuantizeLinear"}, []*Node{x, scale, zeroPoint})
		dq := convertDequantizeLinear(&protos.NodeProto{OpType: "DequantizeLinear"}, []*Node{q, scale, zeroPoint})
		inputs = []*Node{x}
		outputs = []*Node{q, dq}
		return
	}, []any{
		[]uint8{0, 100, 150, 255},
		[]float32{-1, 0, 0.5, 1.55},
	}, 1e-5)

	graphtest.RunTestGraphFn(t, "FakeQuantize", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{-2, 0.4, 2})
		low, high := Const(g, []float32{-1}), Const(g, []float32{1})
		node := &protos.NodeProto{OpType: "FakeQuantize", Domain: OpenVINODomain, Attribute: []*protos.AttributeProto{
			intAttr("levels", 3),
		}}
		inputs = []*Node{x}
		outputs = []*Node{convertFakeQuantize(node, []*Node{x, low, high, low, high})}
		return
	}, []any{
		[]float32{-1, 0, 1},
	}, 1e-6)

	err := exceptions.TryCatch[error](func() {
		_ = convertFakeQuantize(&protos.NodeProto{OpType: "FakeQuantize"}, make([]*Node, 5))
	})
	require.ErrorContains(t, err, "levels")
}
