// Package compression runs the quantization-aware compression pipeline on a model: quantizer placement,
// range initialization and export to ONNX.
//
// Example:
//
//	cfg := must.M1(config.ReadFile("quantization.json"))
//	model := must.M1(testmodels.TwoConvTestModel(cfg.SampleSizes()...))
//	ctrl := must.M1(compression.CreateCompressedModel(model, cfg))
//	must.M(ctrl.Export("two_conv.onnx"))
package compression

import (
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/onnx-qat/config"
	"github.com/gomlx/onnx-qat/internal/protos"
	"github.com/gomlx/onnx-qat/nn"
	"github.com/gomlx/onnx-qat/onnx"
	"github.com/gomlx/onnx-qat/quantization"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// Default GoMLX backends, used by range initialization if no backend is given.
	_ "github.com/gomlx/gomlx/backends/default"
)

// ProducerName is written to the exported ONNX models.
const ProducerName = "onnx-qat"

// ProducerVersion is written to the exported ONNX models.
var ProducerVersion = "v0.1.0"

type options struct {
	backend         backends.Backend
	calibrationFile string
	seed            uint64
	progressBar     bool
	opsetVersion    int
}

// Option configures CreateCompressedModel.
type Option func(o *options)

// WithBackend sets the GoMLX backend used to run the model during range initialization.
// If not set, backends.New() is used, which can be configured with $GOMLX_BACKEND.
func WithBackend(backend backends.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithCalibrationFile reads the range initialization samples from a parquet file, see ReadCalibrationFile.
// If not set, samples are drawn from a normal distribution.
func WithCalibrationFile(path string) Option {
	return func(o *options) { o.calibrationFile = path }
}

// WithSeed sets the seed of the random calibration samples.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

// WithProgressBar displays a progress bar during range initialization.
func WithProgressBar(enabled bool) Option {
	return func(o *options) { o.progressBar = enabled }
}

// WithOpsetVersion sets the version of the default ONNX domain of exported models.
func WithOpsetVersion(version int) Option {
	return func(o *options) { o.opsetVersion = version }
}

// Controller holds a model with quantizers placed and initialized, ready to be exported.
type Controller struct {
	Model  *nn.Model
	Config *config.Config
	Setup  *quantization.Setup

	opts options
}

// CreateCompressedModel places quantizers in model according to cfg, initializes their ranges and
// sets their export mode ("export_to_onnx_standard_ops").
//
// Weight quantizers are initialized from the weights. Activation quantizers are initialized from
// "compression.initializer.range" statistics collected over calibration samples, if
// num_init_samples > 0.
func CreateCompressedModel(model *nn.Model, cfg *config.Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}
	sampleSizes := cfg.SampleSizes()
	if len(sampleSizes) != len(model.Inputs) {
		return nil, errors.Errorf("configuration has %d input_info entries, model %q has %d inputs",
			len(sampleSizes), model.Name, len(model.Inputs))
	}
	for ii, v := range model.Inputs {
		if !slices.Equal(sampleSizes[ii], v.Shape) {
			return nil, errors.Errorf("input_info[%d].sample_size %v doesn't match model input %s", ii, sampleSizes[ii], v)
		}
	}

	c := &Controller{Model: model, Config: cfg}
	for _, opt := range opts {
		opt(&c.opts)
	}
	qOpts, err := quantization.NewOptions(cfg)
	if err != nil {
		return nil, err
	}
	c.Setup, err = quantization.NewSetup(model, qOpts)
	if err != nil {
		return nil, errors.WithMessagef(err, "while placing quantizers in %q", model.Name)
	}
	if err = initWeightQuantizers(c.Setup); err != nil {
		return nil, err
	}

	initializer := cfg.Compression.Initializer
	if initializer.Range.NumInitSamples > 0 {
		if err = c.initActivationRanges(); err != nil {
			return nil, errors.WithMessage(err, "range initialization")
		}
	} else {
		klog.V(1).Infof("num_init_samples is 0, activation quantizers keep their default ranges")
	}
	if initializer.BatchnormAdaptation.NumBNAdaptationSamples > 0 {
		klog.Warningf("batchnorm adaptation skipped: model %q has no batch normalization", model.Name)
	}

	mode := quantization.ExportModeFor(cfg.Compression.ExportToONNXStandardOps)
	c.Setup.SetExportMode(mode)
	klog.V(1).Infof("compressed %q: %d quantizers, export mode %s", model.Name, len(c.Setup.Points), mode)
	return c, nil
}

// Quantizers returns the quantization points, in placement order.
func (c *Controller) Quantizers() []*quantization.QuantizationPoint {
	return c.Setup.Points
}

func (c *Controller) exportOptions() onnx.ExportOptions {
	return onnx.ExportOptions{
		OpsetVersion:    c.opts.opsetVersion,
		ProducerName:    ProducerName,
		ProducerVersion: ProducerVersion,
	}
}

// ExportProto returns the quantized model as an ONNX model.
func (c *Controller) ExportProto() (*protos.ModelProto, error) {
	return onnx.Export(c.Model, c.Setup, c.exportOptions())
}

// Export writes the quantized model to an ONNX file.
func (c *Controller) Export(filePath string) error {
	if err := onnx.WriteFile(filePath, c.Model, c.Setup, c.exportOptions()); err != nil {
		return errors.WithMessagef(err, "while exporting %q to %q", c.Model.Name, filePath)
	}
	klog.V(1).Infof("exported %q to %q", c.Model.Name, filePath)
	return nil
}
