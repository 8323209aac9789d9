// Package config defines the compression configuration: the model inputs, the target device and the
// quantization algorithm parameters.
//
// Configurations are read from JSON or YAML, with the same key names:
//
//	{
//	  "input_info": {"sample_size": [1, 1, 4, 4]},
//	  "target_device": "CPU",
//	  "compression": {
//	    "algorithm": "quantization",
//	    "export_to_onnx_standard_ops": false,
//	    "preset": "performance",
//	    "ignored_scopes": ["{re}.*conv_transpose2d.*"],
//	    "initializer": {"range": {"num_init_samples": 16, "type": "min_max"}}
//	  }
//	}
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Device is the hardware the compressed model targets. It defines the default quantizer granularity.
type Device string

const (
	DeviceAny Device = "ANY"
	DeviceCPU Device = "CPU"
	DeviceGPU Device = "GPU"
	DeviceVPU Device = "VPU"

	// DeviceTrial quantizes everything per-tensor, for runtimes without per-channel support.
	DeviceTrial Device = "TRIAL"

	// DeviceNone is an alias of DeviceTrial.
	DeviceNone Device = "NONE"
)

// Devices lists the valid values of Device.
var Devices = []Device{DeviceAny, DeviceCPU, DeviceGPU, DeviceVPU, DeviceTrial, DeviceNone}

// PerTensorOnly returns whether the device only supports per-tensor quantization.
func (d Device) PerTensorOnly() bool {
	return d == DeviceTrial || d == DeviceNone
}

const (
	AlgorithmQuantization = "quantization"

	PresetPerformance = "performance"
	PresetMixed       = "mixed"

	RangeInitMinMax     = "min_max"
	RangeInitMeanMinMax = "mean_min_max"

	ModeSymmetric  = "symmetric"
	ModeAsymmetric = "asymmetric"
)

// InputInfo describes one model input.
type InputInfo struct {
	SampleSize []int  `json:"sample_size" yaml:"sample_size"`
	Type       string `json:"type,omitempty" yaml:"type,omitempty"`
	Keyword    string `json:"keyword,omitempty" yaml:"keyword,omitempty"`
}

// InputInfoList accepts either a single InputInfo object or a list of them.
type InputInfoList []InputInfo

// UnmarshalJSON implements json.Unmarshaler.
func (l *InputInfoList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []InputInfo
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*l = list
		return nil
	}
	var info InputInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return err
	}
	*l = InputInfoList{info}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *InputInfoList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var list []InputInfo
		if err := value.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	}
	var info InputInfo
	if err := value.Decode(&info); err != nil {
		return err
	}
	*l = InputInfoList{info}
	return nil
}

// QuantizerOverrides changes the preset parameters of the weight or activation quantizers.
// Unset fields keep the preset value.
type QuantizerOverrides struct {
	Mode        string `json:"mode,omitempty" yaml:"mode,omitempty"`
	Bits        int    `json:"bits,omitempty" yaml:"bits,omitempty"`
	PerChannel  *bool  `json:"per_channel,omitempty" yaml:"per_channel,omitempty"`
	Signed      *bool  `json:"signed,omitempty" yaml:"signed,omitempty"`
	NarrowRange *bool  `json:"narrow_range,omitempty" yaml:"narrow_range,omitempty"`
}

// RangeInit configures the initialization of activation quantizer ranges from calibration samples.
type RangeInit struct {
	NumInitSamples int    `json:"num_init_samples" yaml:"num_init_samples"`
	Type           string `json:"type,omitempty" yaml:"type,omitempty"`
}

// BatchnormAdaptation configures the batch-norm statistics adaptation step.
type BatchnormAdaptation struct {
	NumBNAdaptationSamples int `json:"num_bn_adaptation_samples" yaml:"num_bn_adaptation_samples"`
}

// Initializer groups the initialization steps of the compression algorithm.
type Initializer struct {
	Range               RangeInit           `json:"range" yaml:"range"`
	BatchnormAdaptation BatchnormAdaptation `json:"batchnorm_adaptation" yaml:"batchnorm_adaptation"`
}

// Compression holds the parameters of the compression algorithm.
type Compression struct {
	Algorithm               string             `json:"algorithm" yaml:"algorithm"`
	ExportToONNXStandardOps bool               `json:"export_to_onnx_standard_ops" yaml:"export_to_onnx_standard_ops"`
	Preset                  string             `json:"preset,omitempty" yaml:"preset,omitempty"`
	IgnoredScopes           []string           `json:"ignored_scopes,omitempty" yaml:"ignored_scopes,omitempty"`
	TargetScopes            []string           `json:"target_scopes,omitempty" yaml:"target_scopes,omitempty"`
	Weights                 QuantizerOverrides `json:"weights" yaml:"weights"`
	Activations             QuantizerOverrides `json:"activations" yaml:"activations"`
	Initializer             Initializer        `json:"initializer" yaml:"initializer"`
}

// Config is a compression configuration.
type Config struct {
	InputInfo    InputInfoList `json:"input_info" yaml:"input_info"`
	TargetDevice Device        `json:"target_device,omitempty" yaml:"target_device,omitempty"`
	Compression  Compression   `json:"compression" yaml:"compression"`
}

// New returns a configuration with one input of the given sample size and default values for everything
// else.
func New(sampleSize ...int) *Config {
	cfg := &Config{
		InputInfo:   InputInfoList{{SampleSize: slices.Clone(sampleSize)}},
		Compression: Compression{Algorithm: AlgorithmQuantization},
	}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.TargetDevice == "" {
		c.TargetDevice = DeviceAny
	}
	c.TargetDevice = Device(strings.ToUpper(string(c.TargetDevice)))
	if c.Compression.Preset == "" {
		c.Compression.Preset = PresetPerformance
	}
	if c.Compression.Initializer.Range.Type == "" {
		c.Compression.Initializer.Range.Type = RangeInitMinMax
	}
}

// ParseJSON parses a JSON configuration and validates it. Unknown keys are an error.
func ParseJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse JSON configuration")
	}
	return cfg.finish()
}

// ParseYAML parses a YAML configuration and validates it. Unknown keys are an error.
func ParseYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML configuration")
	}
	return cfg.finish()
}

func (c *Config) finish() (*Config, error) {
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadFile reads a configuration file, ".json", ".yaml" or ".yml".
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration %q", path)
	}
	var cfg *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		cfg, err = ParseJSON(data)
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	default:
		return nil, errors.Errorf("configuration %q: unknown extension %q, expected .json, .yaml or .yml", path, ext)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration %q", path)
	}
	return cfg, nil
}

// MarshalIndentJSON returns the configuration as indented JSON.
func (c *Config) MarshalIndentJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// SampleSizes returns the sample size of each input.
func (c *Config) SampleSizes() [][]int {
	sizes := make([][]int, len(c.InputInfo))
	for ii, info := range c.InputInfo {
		sizes[ii] = slices.Clone(info.SampleSize)
	}
	return sizes
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if len(c.InputInfo) == 0 {
		return errors.New("input_info is missing")
	}
	for ii, info := range c.InputInfo {
		if len(info.SampleSize) == 0 {
			return errors.Errorf("input_info[%d]: sample_size is empty", ii)
		}
		for _, dim := range info.SampleSize {
			if dim <= 0 {
				return errors.Errorf("input_info[%d]: sample_size %v has non-positive dimensions", ii, info.SampleSize)
			}
		}
		switch info.Type {
		case "", "float", "float32":
		default:
			return errors.Errorf("input_info[%d]: type %q not supported, only float32 inputs are", ii, info.Type)
		}
	}
	if !slices.Contains(Devices, c.TargetDevice) {
		return errors.Errorf("target_device %q is not valid, valid values are %q", c.TargetDevice, Devices)
	}

	comp := &c.Compression
	if comp.Algorithm != AlgorithmQuantization {
		return errors.Errorf("compression.algorithm %q not supported, only %q is", comp.Algorithm, AlgorithmQuantization)
	}
	if comp.Preset != PresetPerformance && comp.Preset != PresetMixed {
		return errors.Errorf("compression.preset %q is not valid, use %q or %q", comp.Preset, PresetPerformance, PresetMixed)
	}
	if err := comp.Weights.validate("weights"); err != nil {
		return err
	}
	if err := comp.Activations.validate("activations"); err != nil {
		return err
	}
	rangeInit := comp.Initializer.Range
	if rangeInit.NumInitSamples < 0 {
		return errors.Errorf("compression.initializer.range.num_init_samples must be >= 0, got %d", rangeInit.NumInitSamples)
	}
	if rangeInit.Type != RangeInitMinMax && rangeInit.Type != RangeInitMeanMinMax {
		return errors.Errorf("compression.initializer.range.type %q is not valid, use %q or %q",
			rangeInit.Type, RangeInitMinMax, RangeInitMeanMinMax)
	}
	if comp.Initializer.BatchnormAdaptation.NumBNAdaptationSamples < 0 {
		return errors.New("compression.initializer.batchnorm_adaptation.num_bn_adaptation_samples must be >= 0")
	}
	if _, err := CompileScopes(comp.IgnoredScopes); err != nil {
		return errors.WithMessage(err, "compression.ignored_scopes")
	}
	if _, err := CompileScopes(comp.TargetScopes); err != nil {
		return errors.WithMessage(err, "compression.target_scopes")
	}
	return nil
}

func (o *QuantizerOverrides) validate(key string) error {
	switch o.Mode {
	case "", ModeSymmetric, ModeAsymmetric:
	default:
		return errors.Errorf("compression.%s.mode %q is not valid, use %q or %q", key, o.Mode, ModeSymmetric, ModeAsymmetric)
	}
	if o.Bits != 0 && (o.Bits < 2 || o.Bits > 8) {
		return errors.Errorf("compression.%s.bits must be in [2, 8], got %d", key, o.Bits)
	}
	return nil
}
