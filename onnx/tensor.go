package onnx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-qat/internal/protos"
	"github.com/pkg/errors"
)

// Shape converts an ONNX data type and shape to GoMLX shapes.Shape (it includes the dtype).
func Shape(proto *protos.TensorProto) (shape shapes.Shape, err error) {
	if proto == nil {
		err = errors.New("ONNX TensorProto is nil")
		return
	}
	shape.DType, err = dtypeForONNX(protos.TensorProto_DataType(proto.DataType))
	if err != nil {
		return
	}
	shape.Dimensions = make([]int, len(proto.Dims))
	for axis, dim := range proto.Dims {
		shape.Dimensions[axis] = int(dim)
	}
	if proto.Segment != nil {
		err = errors.Errorf("segmented tensor not supported (%v)", proto.Segment)
		return
	}
	return
}

// checkAndCreateTensorFromProto implements the generic check and copy of the ONNX proto data to a tensor for the supported data type.
// Typed ONNX fields may hold a wider type than the tensor (int8 values are stored in int32_data), in which case
// the values are converted with the given backend.
func checkAndCreateTensorFromProto[T interface {
	float32 | float64 | int32 | int64 | uint64
}](backend backends.Backend, proto *protos.TensorProto, onnxData []T, shape shapes.Shape) (*tensors.Tensor, error) {
	if len(onnxData) != shape.Size() {
		return nil, errors.Errorf("tensor %q shaped %s has size %d , but ONNX model provided a slice with %d values!?",
			proto.Name, shape, shape.Size(), len(onnxData))
	}

	onnxDataTensor := tensors.FromFlatDataAndDimensions(onnxData, shape.Dimensions...)
	if shape.DType == dtypes.FromGenericsType[T]() {
		return onnxDataTensor, nil
	}
	defer onnxDataTensor.FinalizeAll()

	var converted *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		converted = MustExecOnce(backend, func(x *Node) *Node {
			return ConvertDType(x, shape.DType)
		}, onnxDataTensor)
		converted.ToLocal()
	})
	return converted, err
}

// tensorToGoMLX converts a protos.TensorProto object to a tensors.Tensor object, handling errors and different data types.
func tensorToGoMLX(backend backends.Backend, proto *protos.TensorProto) (t *tensors.Tensor, err error) {
	if proto == nil {
		return nil, errors.New("ONNX TensorProto is nil")
	}

	var shape shapes.Shape
	shape, err = Shape(proto)
	if err != nil {
		err = errors.WithMessagef(err, "while parsing tensor %q", proto.Name)
		return
	}

	// If data is provided as RawData: check that the size of the data is the same used in GoMLX.
	if proto.RawData != nil {
		t = tensors.FromShape(shape)
		t.MutableBytes(func(data []byte) {
			if len(data) != len(proto.RawData) {
				err = errors.Errorf("tensor %q shaped %s uses %d bytes, but ONNX model provided %d bytes of raw-data!?",
					proto.Name, shape, len(data), len(proto.RawData))
			} else {
				copy(data, proto.RawData)
			}
		})
		if err != nil {
			t.FinalizeAll()
			return nil, err
		}
		return
	}

	switch {
	case proto.FloatData != nil:
		return checkAndCreateTensorFromProto(backend, proto, proto.FloatData, shape)
	case proto.DoubleData != nil:
		return checkAndCreateTensorFromProto(backend, proto, proto.DoubleData, shape)
	case proto.Int32Data != nil:
		return checkAndCreateTensorFromProto(backend, proto, proto.Int32Data, shape)
	case proto.Int64Data != nil:
		return checkAndCreateTensorFromProto(backend, proto, proto.Int64Data, shape)
	case proto.Uint64Data != nil:
		return checkAndCreateTensorFromProto(backend, proto, proto.Uint64Data, shape)
	case proto.StringData != nil:
		return nil, errors.Errorf("ONNX model tensor %q holds string data which is not supported in GoMLX models", proto.Name)
	}
	if shape.Size() == 0 {
		return tensors.FromShape(shape), nil
	}
	return nil, errors.Errorf("tensor %q shaped %s has no supported format of data in the ONNX model!?", proto.Name, shape)
}

// TensorToProto converts a GoMLX tensor to a named ONNX TensorProto, with the values stored as raw data.
func TensorToProto(name string, t *tensors.Tensor) (*protos.TensorProto, error) {
	shape := t.Shape()
	onnxDType, err := dtypeToONNX(shape.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "while converting tensor %q", name)
	}
	proto := &protos.TensorProto{
		Name:     name,
		DataType: int32(onnxDType),
		Dims:     make([]int64, shape.Rank()),
	}
	for axis, dim := range shape.Dimensions {
		proto.Dims[axis] = int64(dim)
	}
	t.ConstBytes(func(data []byte) {
		proto.RawData = make([]byte, len(data))
		copy(proto.RawData, data)
	})
	return proto, nil
}

// TensorProtoFromFloat32 creates a named float32 ONNX TensorProto with the given values and dimensions.
func TensorProtoFromFloat32(name string, values []float32, dims ...int) (*protos.TensorProto, error) {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	if size != len(values) {
		return nil, errors.Errorf("tensor %q shaped %v requires %d values, got %d", name, dims, size, len(values))
	}
	return TensorToProto(name, tensors.FromFlatDataAndDimensions(values, dims...))
}
