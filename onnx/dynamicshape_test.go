package onnx

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/require"
)

func TestValidateInputs(t *testing.T) {
	m := &Model{
		InputsNames: []string{"i0", "i1"},
		InputsShapes: []DynamicShape{
			{
				DType:      dtypes.Float32,
				Dimensions: []int{-1, -1},
				Names:      []string{"batch_size", "feature_dim"},
			},
			{
				DType:      dtypes.Int32,
				Dimensions: []int{-1, 3},
				Names:      []string{"batch_size", "other"},
			},
		},
	}

	// Example valid input, batch_size=5
	require.NoError(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32, 5, 3)))

	// Wrong dtype:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7, 1),
		shapes.Make( /**/ dtypes.Int64, 5, 3)))

	// Wrong rank:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7 /**/, 1),
		shapes.Make(dtypes.Int32, 5, 3)))

	// Fixed dimension not matching:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32, 5 /**/, 4)))

	// Dynamic dimension not matching:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32 /**/, 6, 3)))
}

func TestDynamicShapeProtos(t *testing.T) {
	info, err := makeValueInfoProto("x", shapes.Make(dtypes.Float32, 1, 3, 4, 4))
	require.NoError(t, err)
	require.Equal(t, "x", info.Name)
	dshape, err := makeDynamicShapeFromProto(info.GetType().GetTensorType())
	require.NoError(t, err)
	require.True(t, dshape.IsStatic())
	require.Equal(t, []int{1, 3, 4, 4}, dshape.Dimensions)
	require.Equal(t, "(Float32) [1, 3, 4, 4]", dshape.String())

	_, err = makeDynamicShapeFromProto(nil)
	require.Error(t, err)

	dynamic := DynamicShape{
		DType:      dtypes.Float32,
		Dimensions: []int{-1, 3},
		Names:      []string{UnnamedDynamicDimension, "3"},
	}
	require.False(t, dynamic.IsStatic())
	require.Equal(t, []int{7, 3}, dynamic.Shape(7).Dimensions)

	// Unnamed dynamic dimensions don't need to match each other.
	m := &Model{
		InputsNames:  []string{"a", "b"},
		InputsShapes: []DynamicShape{dynamic, dynamic},
	}
	require.NoError(t, m.ValidateInputs(shapes.Make(dtypes.Float32, 2, 3), shapes.Make(dtypes.Float32, 5, 3)))
}
