package quantization

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ApplyExportParams builds the lowered quantization of x in the graph: a FakeQuantize, or a
// QuantizeLinear/DequantizeLinear pair.
func ApplyExportParams(x *Node, params *ExportParams) *Node {
	g := x.Graph()
	switch {
	case params.FakeQuantize != nil:
		fq := params.FakeQuantize
		rangeConst := func(values []float32) *Node {
			return Const(g, tensors.FromFlatDataAndDimensions(values, fq.Shape...))
		}
		return FakeQuantize(x, rangeConst(fq.InputLow), rangeConst(fq.InputHigh),
			rangeConst(fq.OutputLow), rangeConst(fq.OutputHigh), fq.Levels)
	case params.QDQ != nil:
		return QuantizeDequantize(x, params.QDQ)
	default:
		exceptions.Panicf("empty export parameters for mode %s", params.Mode)
		return nil
	}
}

// RunExportQuantization executes the lowered quantizer (as it would be exported) on x.
//
// Lowering errors, like ErrPerChannelQDQ, are returned before anything is executed.
func RunExportQuantization(backend backends.Backend, q Quantizer, x *tensors.Tensor) (*tensors.Tensor, error) {
	params, err := q.ExportParams()
	if err != nil {
		return nil, err
	}
	var y *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		y = MustExecOnce(backend, func(x *Node) *Node {
			return ApplyExportParams(x, params)
		}, x)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while running %s", q)
	}
	return y, nil
}
