package compression

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-qat/config"
	"github.com/gomlx/onnx-qat/internal/onnxgraph"
	"github.com/gomlx/onnx-qat/internal/protos"
	"github.com/gomlx/onnx-qat/nn/testmodels"
	"github.com/gomlx/onnx-qat/onnx"
	"github.com/gomlx/onnx-qat/quantization"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// configForExportMode returns the configuration for TwoConvTestModel with the given export mode.
func configForExportMode(standardOps bool) *config.Config {
	cfg := config.New(1, 1, 4, 4)
	cfg.Compression.ExportToONNXStandardOps = standardOps
	return cfg
}

// exportAndReload exports the controller model to a file and reads it back.
func exportAndReload(t *testing.T, ctrl *Controller) *protos.ModelProto {
	filePath := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, ctrl.Export(filePath))
	return must.M1(onnx.ReadFile(filePath)).Proto
}

func countOtherOps(graph *protos.GraphProto, known ...string) (others []string) {
	for opType := range onnxgraph.CountOpTypes(graph) {
		isKnown := false
		for _, k := range known {
			if opType == k {
				isKnown = true
				break
			}
		}
		if !isKnown {
			others = append(others, opType)
		}
	}
	return
}

func TestExportToFakeQuantize(t *testing.T) {
	model := must.M1(testmodels.TwoConvTestModel())
	ctrl := must.M1(CreateCompressedModel(model, configForExportMode(false)))
	proto := exportAndReload(t, ctrl)
	assert.Len(t, onnxgraph.NodesByType(proto.Graph, "FakeQuantize"), 4)
	assert.Empty(t, countOtherOps(proto.Graph, "FakeQuantize", "Conv", "Constant"))
	assert.Equal(t, ProducerName, proto.ProducerName)
}

func TestExportToQuantizeDequantize(t *testing.T) {
	model := must.M1(testmodels.TwoConvTestModel())
	cfg := configForExportMode(true)
	// Per-channel quantization can't be exported to QuantizeLinear/DequantizeLinear.
	cfg.TargetDevice = config.DeviceTrial
	ctrl := must.M1(CreateCompressedModel(model, cfg))
	proto := exportAndReload(t, ctrl)
	counts := onnxgraph.CountOpTypes(proto.Graph)
	assert.Equal(t, 4, counts["QuantizeLinear"])
	assert.Equal(t, counts["QuantizeLinear"], counts["DequantizeLinear"])
	assert.Empty(t, countOtherOps(proto.Graph, "QuantizeLinear", "DequantizeLinear", "Conv", "Constant"))

	// The same configuration with the default (per-channel) target device fails to export.
	cfg = configForExportMode(true)
	ctrl = must.M1(CreateCompressedModel(model, cfg))
	_, err := ctrl.ExportProto()
	require.Error(t, err)
	assert.True(t, errors.Is(err, quantization.ErrPerChannelQDQ), "unexpected error: %+v", err)
	assert.Error(t, ctrl.Export(filepath.Join(t.TempDir(), "model.onnx")))
}

func TestTargetCompressionIdx(t *testing.T) {
	model := must.M1(testmodels.TargetCompressionIdxTestModel())
	ctrl := must.M1(CreateCompressedModel(model, configForExportMode(false)))
	proto := exportAndReload(t, ctrl)
	graph := proto.Graph

	for _, tc := range []struct {
		opType string
		shape  []int
	}{
		{"Conv", []int{5, 1, 1, 1}},
		{"ConvTranspose", []int{1, 10, 1, 1}},
	} {
		convs := onnxgraph.NodesByType(graph, tc.opType)
		require.Len(t, convs, 1)
		producers := onnxgraph.ProducersOf(graph, convs[0].Input[1])
		require.Len(t, producers, 1)
		weightFQ := producers[0]
		require.Equal(t, "FakeQuantize", weightFQ.OpType)
		ranges := onnxgraph.ResolveConstantInputs(weightFQ, graph)
		require.Len(t, ranges, 5, "weights and the 4 ranges are constants")
		inputLow, inputHigh := ranges[1], ranges[2]
		assert.Equal(t, tc.shape, inputLow.Shape(), "%s input_low", tc.opType)
		assert.Equal(t, inputLow.Shape(), inputHigh.Shape(), "%s input_high", tc.opType)
	}
}

func TestBranchingQuantizersAreNotChained(t *testing.T) {
	for _, standardOps := range []bool{false, true} {
		targetType := "FakeQuantize"
		if standardOps {
			targetType = "DequantizeLinear"
		}
		t.Run(targetType, func(t *testing.T) {
			cfg := config.New(1, 2, 2, 2)
			cfg.Compression.Preset = config.PresetMixed
			cfg.Compression.IgnoredScopes = []string{"/nncf_model_input_0", "{re}.*__add__.*"}
			cfg.Compression.ExportToONNXStandardOps = standardOps
			if standardOps {
				cfg.TargetDevice = config.DeviceTrial
			}
			model := must.M1(testmodels.ModelWithBranches())
			ctrl := must.M1(CreateCompressedModel(model, cfg))
			proto := exportAndReload(t, ctrl)

			quantizerNodes := onnxgraph.NodesByType(proto.Graph, targetType)
			require.Len(t, quantizerNodes, 6, "3 weights and one input quantizer per convolution")
			for _, node := range quantizerNodes {
				for _, follower := range onnxgraph.Successors(node, proto.Graph) {
					assert.NotEqual(t, targetType, follower.OpType, "%s is followed by %s", node.Name, follower.Name)
				}
			}
			adds := onnxgraph.NodesByType(proto.Graph, "Add")
			require.Len(t, adds, 1)
			assert.Equal(t, []string{model.Inputs[0].Name, model.Inputs[0].Name}, adds[0].Input, "add is ignored")
		})
	}
}

func TestCreateCompressedModelErrors(t *testing.T) {
	model := must.M1(testmodels.TwoConvTestModel())
	_, err := CreateCompressedModel(model, config.New(1, 1, 8, 8))
	require.ErrorContains(t, err, "doesn't match")

	cfg := config.New(1, 1, 4, 4)
	cfg.Compression.Algorithm = "sparsity"
	_, err = CreateCompressedModel(model, cfg)
	require.Error(t, err)

	cfg = config.New(1, 1, 4, 4)
	cfg.Compression.Initializer.Range.NumInitSamples = 2
	_, err = CreateCompressedModel(model, cfg, WithCalibrationFile(filepath.Join(t.TempDir(), "missing.parquet")))
	require.ErrorContains(t, err, "calibration file")
}

func TestWeightRanges(t *testing.T) {
	model := must.M1(testmodels.TargetCompressionIdxTestModel())
	conv := model.Convolutions()[0]
	for ii := range conv.Weight {
		conv.Weight[ii] = float32(ii) - 2
	}
	ctrl := must.M1(CreateCompressedModel(model, configForExportMode(false)))
	q := ctrl.Setup.WeightQuantizer(conv).Quantizer.(*quantization.SymmetricQuantizer)
	assert.True(t, q.Signed())
	assert.InDeltaSlice(t, []float32{2, 1, 0, 1, 2}, q.Scale(), 1e-6)
}

func TestRangeInitFromCalibrationFile(t *testing.T) {
	calibrationPath := filepath.Join(t.TempDir(), "calibration.parquet")
	sample0, sample1 := make([]float32, 16), make([]float32, 16)
	sample0[3], sample0[7] = -1, 3
	sample1[3], sample1[7] = -3, 1
	require.NoError(t, WriteCalibrationFile(calibrationPath, [][]float32{sample0, sample1}))

	for _, tc := range []struct {
		rangeType string
		scale     float32
	}{
		{config.RangeInitMinMax, 3},
		{config.RangeInitMeanMinMax, 2},
	} {
		t.Run(tc.rangeType, func(t *testing.T) {
			model := must.M1(testmodels.TwoConvTestModel())
			cfg := configForExportMode(false)
			cfg.Compression.Initializer.Range.NumInitSamples = 10
			cfg.Compression.Initializer.Range.Type = tc.rangeType
			ctrl := must.M1(CreateCompressedModel(model, cfg,
				WithBackend(graphtest.BuildTestBackend()), WithCalibrationFile(calibrationPath)))
			inputQuantizer := ctrl.Setup.InputQuantizer(model.Convolutions()[0], 0).Quantizer.(*quantization.SymmetricQuantizer)
			assert.True(t, inputQuantizer.Signed())
			assert.InDeltaSlice(t, []float32{tc.scale}, inputQuantizer.Scale(), 1e-6)
		})
	}
}

func TestRangeInitRandomSamples(t *testing.T) {
	model := must.M1(testmodels.TwoConvTestModel())
	cfg := configForExportMode(true)
	cfg.TargetDevice = config.DeviceTrial
	cfg.Compression.Preset = config.PresetMixed
	cfg.Compression.Initializer.Range.NumInitSamples = 8
	backend := graphtest.BuildTestBackend()
	ctrl := must.M1(CreateCompressedModel(model, cfg, WithBackend(backend), WithSeed(42)))
	for _, point := range ctrl.Setup.PointsOfKind(quantization.ActivationPoint) {
		q := point.Quantizer.(*quantization.AsymmetricQuantizer)
		assert.NotEqual(t, []float32{1}, q.InputRange(), "%s kept the default range", point.Name())
	}

	// The exported pairs run on GoMLX.
	proto := must.M1(ctrl.ExportProto())
	m := must.M1(onnx.FromProto(proto))
	x := tensors.FromFlatDataAndDimensions(make([]float32, 16), 1, 1, 4, 4)
	outputs := must.M1(m.Exec(backend, x))
	require.Len(t, outputs, 1)
	assert.Equal(t, []int{1, 1, 1, 1}, outputs[0].Shape().Dimensions)
}

func TestStatistics(t *testing.T) {
	model := must.M1(testmodels.TwoConvTestModel())
	ctrl := must.M1(CreateCompressedModel(model, configForExportMode(false)))
	stats := ctrl.Statistics()
	assert.Equal(t, 4, stats.NumQuantizers())
	assert.Equal(t, 2, stats.NumWeightQuantizers)
	assert.Equal(t, 2, stats.NumActivationQuantizers)
	assert.Equal(t, 2, stats.NumQuantizableConvolutions)
	assert.Equal(t, 2, stats.NumPerChannel, "TwoConvTestModel weights have 2 and 1 output channels")
	assert.Equal(t, 4, stats.NumSymmetric)
	assert.Equal(t, map[int]int{8: 4}, stats.Bits)
	assert.Equal(t, model.NumParameters(), stats.NumParameters)
	assert.Equal(t, quantization.ExportFakeQuantize, stats.ExportMode)
	assert.Contains(t, stats.String(), "weight quantizers: 2 / 2 convolutions")
	assert.Len(t, ctrl.Quantizers(), 4)
}
