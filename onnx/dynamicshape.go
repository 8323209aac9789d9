package onnx

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/onnx-qat/internal/protos"
	"github.com/pkg/errors"
)

// DynamicShape represents a shape for which some of the axes have unknown dimensions.
//
// Similar to GoMLX Shape but some of the dimensions may be -1, denoting an undefined dimension.
//
// Dimensions may also be named, in which case shapes of inputs and outputs with the same name should match.
type DynamicShape struct {
	dtypes.DType
	Dimensions []int
	Names      []string
}

// UnnamedDynamicDimension is a placeholder name for an unnamed dynamic dimension, that doesn't necessarily match any other (in inputs/outputs).
const UnnamedDynamicDimension = "?"

// makeDynamicShapeFromProto converts from a tensor proto type to a DynamicShape.
func makeDynamicShapeFromProto(proto *protos.TypeProto_Tensor) (dshape DynamicShape, err error) {
	if proto == nil {
		err = errors.New("only tensor types are supported")
		return
	}
	dshape.DType, err = dtypeForONNX(protos.TensorProto_DataType(proto.GetElemType()))
	if err != nil {
		return
	}
	var dims []*protos.TensorShapeProto_Dimension
	if proto.Shape != nil {
		dims = proto.Shape.Dim
	}
	dshape.Names = make([]string, len(dims))
	dshape.Dimensions = make([]int, len(dims))
	for ii, dProto := range dims {
		switch dim := dProto.GetValue().(type) {
		case *protos.TensorShapeProto_Dimension_DimValue:
			dshape.Names[ii] = strconv.Itoa(int(dim.DimValue))
			dshape.Dimensions[ii] = int(dim.DimValue)
		case *protos.TensorShapeProto_Dimension_DimParam:
			dshape.Names[ii] = dim.DimParam
			dshape.Dimensions[ii] = -1
		default:
			dshape.Names[ii] = UnnamedDynamicDimension
			dshape.Dimensions[ii] = -1
		}
	}
	return
}

// makeValueInfoProto describes a graph input or output with a static shape.
func makeValueInfoProto(name string, shape shapes.Shape) (*protos.ValueInfoProto, error) {
	elemType, err := dtypeToONNX(shape.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "value %q", name)
	}
	shapeProto := &protos.TensorShapeProto{Dim: make([]*protos.TensorShapeProto_Dimension, shape.Rank())}
	for axis, dim := range shape.Dimensions {
		shapeProto.Dim[axis] = &protos.TensorShapeProto_Dimension{
			Value: &protos.TensorShapeProto_Dimension_DimValue{DimValue: int64(dim)},
		}
	}
	return &protos.ValueInfoProto{
		Name: name,
		Type: &protos.TypeProto{TensorType: &protos.TypeProto_Tensor{
			ElemType: int32(elemType),
			Shape:    shapeProto,
		}},
	}, nil
}

// Rank returns the DynamicShape's rank.
func (dshape DynamicShape) Rank() int {
	return len(dshape.Dimensions)
}

// IsStatic returns whether all dimensions are known.
func (dshape DynamicShape) IsStatic() bool {
	for _, dim := range dshape.Dimensions {
		if dim < 0 {
			return false
		}
	}
	return true
}

// Shape returns the static shape, with dynamic dimensions set to defaultDim.
func (dshape DynamicShape) Shape(defaultDim int) shapes.Shape {
	dims := make([]int, len(dshape.Dimensions))
	for axis, dim := range dshape.Dimensions {
		if dim < 0 {
			dim = defaultDim
		}
		dims[axis] = dim
	}
	return shapes.Make(dshape.DType, dims...)
}

// String implements fmt.Stringer.
func (dshape DynamicShape) String() string {
	if len(dshape.Dimensions) == 0 {
		return fmt.Sprintf("(%s)", dshape.DType)
	}
	return fmt.Sprintf("(%s) [%s]", dshape.DType, strings.Join(dshape.Names, ", "))
}

// ValidateInputs checks the inputs has a shape that is compatible with the DynamicShapes of the inputs for the model.
func (m *Model) ValidateInputs(inputsShapes ...shapes.Shape) error {
	if len(inputsShapes) != len(m.InputsNames) {
		return errors.Errorf("model takes %d inputs, but %d inputs provided",
			len(m.InputsNames), len(inputsShapes))
	}
	dimValues := make(map[string]int)
	for idx, givenShape := range inputsShapes {
		name := m.InputsNames[idx]
		wantShape := m.InputsShapes[idx]
		if givenShape.Rank() != wantShape.Rank() {
			return errors.Errorf("model input #%d (%q) should be rank %d, got rank %d instead",
				idx, name, wantShape.Rank(), givenShape.Rank())
		}
		if givenShape.DType != wantShape.DType {
			return errors.Errorf("model input #%d (%q) should have dtype %s, got dtype %s instead",
				idx, name, wantShape.DType, givenShape.DType)
		}
		for axis, wantDim := range wantShape.Dimensions {
			gotDim := givenShape.Dim(axis)
			if wantDim > 0 {
				if wantDim != gotDim {
					return errors.Errorf("model input #%d (%q) has invalid shape: want %s, got %s",
						idx, name, wantShape, givenShape)
				}
				continue
			}
			dimName := wantShape.Names[axis]
			if dimName == UnnamedDynamicDimension {
				continue
			}
			if prevDim, found := dimValues[dimName]; !found {
				dimValues[dimName] = gotDim
			} else if prevDim != gotDim {
				return errors.Errorf("model input #%d (%q) shaped %s got unmatching invalid shape %s for axis %q (wanted dim %d)",
					idx, name, wantShape, givenShape, dimName, prevDim)
			}
		}
	}
	return nil
}
