package quantization

import (
	"testing"

	"github.com/gomlx/onnx-qat/config"
	"github.com/gomlx/onnx-qat/nn"
	"github.com/gomlx/onnx-qat/nn/testmodels"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptions(t *testing.T) {
	cfg := config.New(1, 1, 4, 4)
	opts := must.M1(NewOptions(cfg))
	assert.Equal(t, Symmetric, opts.Weights.Mode)
	assert.Equal(t, Symmetric, opts.Activations.Mode)
	assert.True(t, opts.Weights.PerChannel)
	assert.False(t, opts.Activations.PerChannel)
	assert.Equal(t, 8, opts.Weights.NumBits)

	cfg.TargetDevice = config.DeviceTrial
	cfg.Compression.Preset = config.PresetMixed
	cfg.Compression.Activations.Bits = 4
	opts = must.M1(NewOptions(cfg))
	assert.False(t, opts.Weights.PerChannel)
	assert.Equal(t, Asymmetric, opts.Activations.Mode)
	assert.Equal(t, 4, opts.Activations.NumBits)

	perChannel := true
	cfg.Compression.Weights.PerChannel = &perChannel
	_, err := NewOptions(cfg)
	require.Error(t, err, "TRIAL doesn't support per-channel")
}

func TestSetupTwoConv(t *testing.T) {
	model := must.M1(testmodels.TwoConvTestModel())
	setup := must.M1(NewSetup(model, must.M1(NewOptions(config.New(1, 1, 4, 4)))))
	require.Len(t, setup.Points, 4)
	require.Len(t, setup.PointsOfKind(WeightPoint), 2)
	activations := setup.PointsOfKind(ActivationPoint)
	require.Len(t, activations, 2)

	convs := model.Convolutions()
	w0 := setup.WeightQuantizer(convs[0])
	require.NotNil(t, w0)
	assert.Equal(t, []int{2, 1, 1, 1}, w0.Quantizer.Spec().ScaleShape)
	assert.True(t, w0.Quantizer.Spec().NarrowRange)
	assert.Equal(t, []int{1, 1, 1, 1}, setup.WeightQuantizer(convs[1]).Quantizer.Spec().ScaleShape)

	// Input quantized at the producer output, shared.
	assert.Equal(t, "/nncf_model_input_0|OUTPUT", activations[0].Name())
	assert.Equal(t, activations[0], setup.InputQuantizer(convs[0], 0))
	assert.Equal(t, activations[1], setup.InputQuantizer(convs[1], 0))
	assert.Equal(t, convs[0].Scope+"|WEIGHT", w0.Name())

	setup.SetExportMode(ExportQuantizeDequantize)
	for _, point := range setup.Points {
		assert.Equal(t, ExportQuantizeDequantize, point.Quantizer.ExportMode())
	}
}

func TestSetupTargetCompressionIdx(t *testing.T) {
	model := must.M1(testmodels.TargetCompressionIdxTestModel())
	setup := must.M1(NewSetup(model, must.M1(NewOptions(config.New(1, 1, 4, 4)))))
	convs := model.Convolutions()
	assert.Equal(t, []int{5, 1, 1, 1}, setup.WeightQuantizer(convs[0]).Quantizer.Spec().ScaleShape)
	assert.Equal(t, []int{1, 10, 1, 1}, setup.WeightQuantizer(convs[1]).Quantizer.Spec().ScaleShape)
}

func TestSetupBranches(t *testing.T) {
	model := must.M1(testmodels.ModelWithBranches())
	setup := must.M1(NewSetup(model, must.M1(NewOptions(config.New(1, 2, 2, 2)))))
	activations := setup.PointsOfKind(ActivationPoint)
	require.Len(t, activations, 1, "x is shared by all branches")
	assert.Len(t, activations[0].Consumers, 5)
	add := model.Ops[len(model.Ops)-1]
	require.Equal(t, nn.OpAdd, add.Kind)
	assert.Equal(t, activations[0], setup.InputQuantizer(add, 1))

	// Ignoring one consumer makes every other consumer quantize x on its own input.
	cfg := config.New(1, 2, 2, 2)
	cfg.Compression.IgnoredScopes = []string{"{re}.*conv_2.*"}
	setup = must.M1(NewSetup(model, must.M1(NewOptions(cfg))))
	activations = setup.PointsOfKind(ActivationPoint)
	require.Len(t, activations, 3, "conv_1, conv_3 and the add")
	for _, point := range activations {
		assert.Equal(t, model.Inputs[0], point.Value)
		assert.GreaterOrEqual(t, point.Port, 0)
	}
	assert.Len(t, activations[0].Consumers, 1)
	assert.Len(t, activations[1].Consumers, 1)

	// Both inputs of x+x read x through the same quantizer.
	addPoint := setup.InputQuantizer(add, 0)
	require.NotNil(t, addPoint)
	assert.Same(t, addPoint, setup.InputQuantizer(add, 1))
	assert.Equal(t, 0, addPoint.Port)
	assert.Len(t, addPoint.Consumers, 2)
	assert.Equal(t, add.Scope+"|INPUT0", addPoint.Name())
	assert.Len(t, setup.PointsOfKind(WeightPoint), 2)
	assert.Nil(t, setup.WeightQuantizer(model.OpByScope("ModelWithBranches/NNCFConv2d[conv_2]/conv2d_0")))
}
