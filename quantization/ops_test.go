package quantization

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
)

func TestFakeQuantize(t *testing.T) {
	graphtest.RunTestGraphFn(t, "FakeQuantize-per-tensor", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{-2, -0.5, 0, 0.26, 0.74, 2})
		low := Const(g, []float32{-1})
		high := Const(g, []float32{1})
		inputs = []*Node{x}
		outputs = []*Node{FakeQuantize(x, low, high, low, high, 3)}
		return
	}, []any{
		// Levels {-1, 0, 1}; -0.5 sits at level 0.5 and rounds to even.
		[]float32{-1, -1, 0, 0, 1, 1},
	}, 1e-6)

	graphtest.RunTestGraphFn(t, "FakeQuantize-output-range", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{0, 0.5, 1})
		inputs = []*Node{x}
		outputs = []*Node{FakeQuantize(x,
			Scalar(g, dtypes.Float32, 0), Scalar(g, dtypes.Float32, 1),
			Scalar(g, dtypes.Float32, 10), Scalar(g, dtypes.Float32, 20), 3)}
		return
	}, []any{
		[]float32{10, 15, 20},
	}, 1e-5)

	graphtest.RunTestGraphFn(t, "FakeQuantize-per-channel", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][][]float32{{{{-1, 1}}}, {{{-1, 3}}}})
		low := Const(g, [][][][]float32{{{{0}}}, {{{-2}}}})
		high := Const(g, [][][][]float32{{{{0.5}}}, {{{2}}}})
		inputs = []*Node{x}
		outputs = []*Node{FakeQuantize(x, low, high, low, high, 5)}
		return
	}, []any{
		[][][][]float32{{{{0, 0.5}}}, {{{-1, 2}}}},
	}, 1e-6)
}

func TestFakeQuantizeFloat32(t *testing.T) {
	x := []float32{-2, -0.5, 0, 0.26, 0.74, 2}
	y := make([]float32, len(x))
	FakeQuantizeFloat32(y, x, -1, 1, -1, 1, 3)
	assert.Equal(t, []float32{-1, -1, 0, 0, 1, 1}, y)

	// In-place.
	FakeQuantizeFloat32(x, x, 0, 1, 10, 20, 3)
	assert.Equal(t, []float32{10, 10, 10, 10, 20, 20}, x)
}

func TestQuantizeDequantize(t *testing.T) {
	graphtest.RunTestGraphFn(t, "QuantizeLinear-int8", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{-100, -0.3, 0.26, 1, 70})
		inputs = []*Node{x}
		outputs = []*Node{QuantizeLinear(x, Scalar(g, dtypes.Float32, 0.5), Scalar(g, dtypes.Int8, 0), 1, dtypes.Int8)}
		return
	}, []any{
		[]int8{-128, -1, 1, 2, 127},
	}, -1)

	graphtest.RunTestGraphFn(t, "DequantizeLinear-uint8", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []uint8{0, 10, 255})
		inputs = []*Node{x}
		outputs = []*Node{DequantizeLinear(x, Scalar(g, dtypes.Float32, 0.5), Scalar(g, dtypes.Uint8, 10), 1, dtypes.Float32)}
		return
	}, []any{
		[]float32{-5, 0, 122.5},
	}, 1e-6)

	graphtest.RunTestGraphFn(t, "QuantizeLinear-per-axis", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float32{{1, 2}, {1, 2}})
		scale := Const(g, []float32{1, 0.5})
		inputs = []*Node{x}
		outputs = []*Node{QuantizeLinear(x, scale, nil, 0, dtypes.Int8)}
		return
	}, []any{
		[][]int8{{1, 2}, {2, 4}},
	}, -1)

	graphtest.RunTestGraphFn(t, "QuantizeDequantize", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{-100, -0.3, 0.26, 1, 70})
		inputs = []*Node{x}
		outputs = []*Node{QuantizeDequantize(x, &QDQParams{Scale: 0.5, ZeroPoint: 0, DType: dtypes.Int8})}
		return
	}, []any{
		[]float32{-64, -0.5, 0.5, 1, 63.5},
	}, 1e-6)
}
