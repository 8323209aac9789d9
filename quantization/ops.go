package quantization

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// expandRange reshapes a range operand so it broadcasts against x: ranks are matched by prepending axes
// of dimension 1, and the dtype is converted to x's dtype.
func expandRange(x, r *Node) *Node {
	if r.DType() != x.DType() {
		r = ConvertDType(r, x.DType())
	}
	if r.IsScalar() || r.Rank() == x.Rank() {
		return r
	}
	if r.Rank() > x.Rank() {
		exceptions.Panicf("FakeQuantize: range shaped %s has a higher rank than the input %s", r.Shape(), x.Shape())
	}
	return ExpandLeftToRank(r, x.Rank())
}

// FakeQuantize quantizes x to levels evenly spaced values in [inLow, inHigh], and maps them linearly to
// [outLow, outHigh]. Values below inLow map to outLow and values above inHigh map to outHigh.
//
// The ranges must broadcast against x: scalars, rank-1 shaped [1], or the same rank as x with dimensions
// of 1 on non-channel axes. This is the semantics of the OpenVINO FakeQuantize operator.
func FakeQuantize(x, inLow, inHigh, outLow, outHigh *Node, levels int) *Node {
	if levels < 2 {
		exceptions.Panicf("FakeQuantize: levels must be >= 2, got %d", levels)
	}
	if !x.DType().IsFloat() {
		exceptions.Panicf("FakeQuantize: input must be a float, got %s", x.Shape())
	}
	g := x.Graph()
	inLow, inHigh = expandRange(x, inLow), expandRange(x, inHigh)
	outLow, outHigh = expandRange(x, outLow), expandRange(x, outHigh)

	steps := Scalar(g, x.DType(), float64(levels-1))
	clipped := Min(Max(x, inLow), inHigh)
	q := Round(Mul(Div(Sub(clipped, inLow), Sub(inHigh, inLow)), steps))
	return Add(Mul(Div(q, steps), Sub(outHigh, outLow)), outLow)
}

// reshapeToAxis reshapes a 1D per-axis parameter so it broadcasts with x along targetAxis.
// Scalars are returned as is, and targetAxis is ignored.
func reshapeToAxis(opName, paramName string, x, param *Node, targetAxis int) *Node {
	if param.IsScalar() {
		return param
	}
	if param.Rank() != 1 {
		exceptions.Panicf("%s: %s must be a scalar or 1D, got %s instead", opName, paramName, param.Shape())
	}
	targetAxis = AdjustAxisToOperandRank(x, targetAxis)
	newShape := x.Shape().Clone()
	for axis := range newShape.Dimensions {
		if axis != targetAxis {
			newShape.Dimensions[axis] = 1
		} else if newShape.Dimensions[axis] != param.Shape().Dimensions[0] {
			exceptions.Panicf("%s: %s must have the same dimension as the input axis %d (input shape=%s), got %s instead",
				opName, paramName, targetAxis, x.Shape(), param.Shape())
		}
	}
	return Reshape(param, newShape.Dimensions...)
}

// QuantizeLinear implements y = saturate(round(x / scale) + zeroPoint), with the output in outputDType.
// Scale and zero point are scalars, or 1D tensors along targetAxis. zeroPoint can be nil.
func QuantizeLinear(x, scale, zeroPoint *Node, targetAxis int, outputDType dtypes.DType) *Node {
	g := x.Graph()
	scale = reshapeToAxis("QuantizeLinear", "scale", x, scale, targetAxis)
	if zeroPoint != nil {
		zeroPoint = reshapeToAxis("QuantizeLinear", "zero point", x, zeroPoint, targetAxis)
	}

	y := Round(Div(ConvertDType(x, scale.DType()), scale))
	if zeroPoint != nil {
		y = Add(y, ConvertDType(zeroPoint, y.DType()))
	}

	var minVal, maxVal float64
	switch outputDType {
	case dtypes.Int8:
		minVal, maxVal = -128, 127
	case dtypes.Uint8:
		minVal, maxVal = 0, 255
	case dtypes.Int16:
		minVal, maxVal = -32768, 32767
	case dtypes.Uint16:
		minVal, maxVal = 0, 65535
	case dtypes.Int32:
		minVal, maxVal = -2147483648, 2147483647
	default:
		exceptions.Panicf("QuantizeLinear: output dtype %s not supported", outputDType)
	}
	y = Min(Max(y, Scalar(g, y.DType(), minVal)), Scalar(g, y.DType(), maxVal))
	return ConvertDType(y, outputDType)
}

// DequantizeLinear implements y = (x - zeroPoint) * scale, with the output in outputDType.
// Scale and zero point are scalars, or 1D tensors along targetAxis. zeroPoint can be nil.
func DequantizeLinear(x, scale, zeroPoint *Node, targetAxis int, outputDType dtypes.DType) *Node {
	scale = reshapeToAxis("DequantizeLinear", "scale", x, scale, targetAxis)
	if zeroPoint != nil {
		zeroPoint = reshapeToAxis("DequantizeLinear", "zero point", x, zeroPoint, targetAxis)
		x = Sub(ConvertDType(x, dtypes.Int32), ConvertDType(zeroPoint, dtypes.Int32))
	}
	x = Mul(ConvertDType(x, scale.DType()), scale)
	if x.DType() != outputDType {
		x = ConvertDType(x, outputDType)
	}
	return x
}

// QuantizeDequantize applies a per-tensor QuantizeLinear followed by the matching DequantizeLinear.
func QuantizeDequantize(x *Node, params *QDQParams) *Node {
	g := x.Graph()
	scale := Scalar(g, x.DType(), float64(params.Scale))
	zeroPoint := Scalar(g, params.DType, float64(params.ZeroPoint))
	q := QuantizeLinear(x, scale, zeroPoint, 1, params.DType)
	return DequantizeLinear(q, scale, zeroPoint, 1, x.DType())
}

// FakeQuantizeFloat32 is the host implementation of FakeQuantize for per-tensor ranges, writing the result
// to dst (which can be the same slice as x).
func FakeQuantizeFloat32(dst, x []float32, inLow, inHigh, outLow, outHigh float32, levels int) {
	steps := float32(levels - 1)
	inRange, outRange := inHigh-inLow, outHigh-outLow
	for ii, v := range x {
		v = math32.Min(math32.Max(v, inLow), inHigh)
		q := math32.RoundToEven((v - inLow) / inRange * steps)
		dst[ii] = q/steps*outRange + outLow
	}
}
