package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	cfg, err := ParseJSON([]byte(`{
		"input_info": {"sample_size": [1, 1, 4, 4]},
		"target_device": "trial",
		"compression": {
			"algorithm": "quantization",
			"export_to_onnx_standard_ops": true,
			"ignored_scopes": ["{re}.*conv_2.*"],
			"activations": {"mode": "asymmetric", "bits": 8},
			"initializer": {"range": {"num_init_samples": 4}}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 1, 4, 4}}, cfg.SampleSizes())
	assert.Equal(t, DeviceTrial, cfg.TargetDevice)
	assert.True(t, cfg.TargetDevice.PerTensorOnly())
	assert.True(t, cfg.Compression.ExportToONNXStandardOps)
	assert.Equal(t, PresetPerformance, cfg.Compression.Preset)
	assert.Equal(t, ModeAsymmetric, cfg.Compression.Activations.Mode)
	assert.Equal(t, 4, cfg.Compression.Initializer.Range.NumInitSamples)
	assert.Equal(t, RangeInitMinMax, cfg.Compression.Initializer.Range.Type)

	cfg, err = ParseJSON([]byte(`{
		"input_info": [{"sample_size": [1, 2, 2, 2]}, {"sample_size": [1, 3], "keyword": "y"}],
		"compression": {"algorithm": "quantization"}
	}`))
	require.NoError(t, err)
	require.Len(t, cfg.InputInfo, 2)
	assert.Equal(t, "y", cfg.InputInfo[1].Keyword)
	assert.Equal(t, DeviceAny, cfg.TargetDevice)
	assert.Equal(t, 0, cfg.Compression.Initializer.Range.NumInitSamples)
}

func TestParseYAML(t *testing.T) {
	cfg, err := ParseYAML([]byte(`
input_info:
  - sample_size: [1, 1, 4, 4]
target_device: CPU
compression:
  algorithm: quantization
  preset: mixed
  weights:
    per_channel: false
  initializer:
    range:
      num_init_samples: 2
      type: mean_min_max
`))
	require.NoError(t, err)
	assert.Equal(t, PresetMixed, cfg.Compression.Preset)
	require.NotNil(t, cfg.Compression.Weights.PerChannel)
	assert.False(t, *cfg.Compression.Weights.PerChannel)
	assert.Equal(t, RangeInitMeanMinMax, cfg.Compression.Initializer.Range.Type)

	cfg, err = ParseYAML([]byte("input_info:\n  sample_size: [1, 2]\ncompression:\n  algorithm: quantization\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2}}, cfg.SampleSizes())
}

func TestValidationErrors(t *testing.T) {
	testCases := map[string]string{
		"missing input":   `{"compression": {"algorithm": "quantization"}}`,
		"empty sample":    `{"input_info": {"sample_size": []}, "compression": {"algorithm": "quantization"}}`,
		"bad device":      `{"input_info": {"sample_size": [1]}, "target_device": "TPU", "compression": {"algorithm": "quantization"}}`,
		"bad algorithm":   `{"input_info": {"sample_size": [1]}, "compression": {"algorithm": "magnitude_sparsity"}}`,
		"bad preset":      `{"input_info": {"sample_size": [1]}, "compression": {"algorithm": "quantization", "preset": "fast"}}`,
		"bad mode":        `{"input_info": {"sample_size": [1]}, "compression": {"algorithm": "quantization", "weights": {"mode": "log"}}}`,
		"bad bits":        `{"input_info": {"sample_size": [1]}, "compression": {"algorithm": "quantization", "weights": {"bits": 16}}}`,
		"bad regexp":      `{"input_info": {"sample_size": [1]}, "compression": {"algorithm": "quantization", "ignored_scopes": ["{re}(("]}}`,
		"bad range type":  `{"input_info": {"sample_size": [1]}, "compression": {"algorithm": "quantization", "initializer": {"range": {"type": "percentile"}}}}`,
		"negative sample": `{"input_info": {"sample_size": [1]}, "compression": {"algorithm": "quantization", "initializer": {"range": {"num_init_samples": -1}}}}`,
		"unknown key":     `{"input_info": {"sample_size": [1]}, "compression": {"algorithm": "quantization", "sparsity_level": 0.5}}`,
	}
	for name, data := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJSON([]byte(data))
			require.Error(t, err)
		})
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "cfg.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"input_info": {"sample_size": [1, 1, 4, 4]}, "compression": {"algorithm": "quantization"}}`), 0o644))
	cfg, err := ReadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmQuantization, cfg.Compression.Algorithm)

	data, err := cfg.MarshalIndentJSON()
	require.NoError(t, err)
	again, err := ParseJSON(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)

	txtPath := filepath.Join(dir, "cfg.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte("{}"), 0o644))
	_, err = ReadFile(txtPath)
	require.ErrorContains(t, err, "unknown extension")

	_, err = ReadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestScopes(t *testing.T) {
	scopes, err := CompileScopes([]string{
		"Model/NNCFConv2d[conv_1]/conv2d_0",
		"{re}.*conv_transpose2d_[0-9]+",
	})
	require.NoError(t, err)
	assert.True(t, scopes.Match("Model/NNCFConv2d[conv_1]/conv2d_0"))
	assert.False(t, scopes.Match("Model/NNCFConv2d[conv_1]"))
	assert.True(t, scopes.Match("Model/NNCFConvTranspose2d[up]/conv_transpose2d_0"))
	// Regexps must match the whole scope.
	assert.False(t, scopes.Match("Model/NNCFConvTranspose2d[up]/conv_transpose2d_0/extra"))

	var nilScopes *Scopes
	assert.False(t, nilScopes.Match("anything"))
	assert.True(t, nilScopes.Empty())

	comp := &Compression{
		IgnoredScopes: []string{"{re}.*conv_2.*"},
		TargetScopes:  []string{"{re}.*NNCFConv2d.*"},
	}
	filter, err := comp.ScopeFilter()
	require.NoError(t, err)
	assert.True(t, filter.Accepts("M/NNCFConv2d[conv_1]/conv2d_0"))
	assert.False(t, filter.Accepts("M/NNCFConv2d[conv_2]/conv2d_0"))
	assert.False(t, filter.Accepts("M/__add___0"))

	comp.TargetScopes = nil
	filter, err = comp.ScopeFilter()
	require.NoError(t, err)
	assert.True(t, filter.Accepts("M/__add___0"))
}

func TestNew(t *testing.T) {
	cfg := New(1, 1, 4, 4)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DeviceAny, cfg.TargetDevice)
	assert.Equal(t, PresetPerformance, cfg.Compression.Preset)
}
