package quantization

import (
	"fmt"

	"github.com/gomlx/onnx-qat/config"
	"github.com/gomlx/onnx-qat/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// QuantizerConfig is the configuration of a group of quantizers (weights or activations).
type QuantizerConfig struct {
	NumBits           int
	Mode              Mode
	PerChannel        bool
	SignednessToForce *bool
	NarrowRange       bool
}

// Options controls the placement of quantizers.
type Options struct {
	Weights, Activations QuantizerConfig
	Filter               *config.ScopeFilter
}

// NewOptions derives placement options from the configuration: preset, target device and overrides.
//
//   - "performance" preset: symmetric weights and activations.
//   - "mixed" preset: symmetric weights and asymmetric activations.
//   - Weights are per-channel, unless the target device is TRIAL (or NONE).
//   - Everything uses 8 bits by default; weights use a narrow range.
func NewOptions(cfg *config.Config) (*Options, error) {
	comp := &cfg.Compression
	opts := &Options{
		Weights: QuantizerConfig{
			NumBits:     8,
			Mode:        Symmetric,
			PerChannel:  !cfg.TargetDevice.PerTensorOnly(),
			NarrowRange: true,
		},
		Activations: QuantizerConfig{
			NumBits: 8,
			Mode:    Symmetric,
		},
	}
	if comp.Preset == config.PresetMixed {
		opts.Activations.Mode = Asymmetric
	}
	if err := opts.Weights.override(&comp.Weights); err != nil {
		return nil, errors.WithMessage(err, "compression.weights")
	}
	if err := opts.Activations.override(&comp.Activations); err != nil {
		return nil, errors.WithMessage(err, "compression.activations")
	}
	if cfg.TargetDevice.PerTensorOnly() && (opts.Weights.PerChannel || opts.Activations.PerChannel) {
		return nil, errors.Errorf("target device %s doesn't support per-channel quantization", cfg.TargetDevice)
	}
	var err error
	opts.Filter, err = comp.ScopeFilter()
	if err != nil {
		return nil, err
	}
	return opts, nil
}

func (c *QuantizerConfig) override(o *config.QuantizerOverrides) error {
	if o.Mode != "" {
		mode, err := ParseMode(o.Mode)
		if err != nil {
			return err
		}
		c.Mode = mode
	}
	if o.Bits != 0 {
		c.NumBits = o.Bits
	}
	if o.PerChannel != nil {
		c.PerChannel = *o.PerChannel
	}
	if o.Signed != nil {
		signed := *o.Signed
		c.SignednessToForce = &signed
	}
	if o.NarrowRange != nil {
		c.NarrowRange = *o.NarrowRange
	}
	return nil
}

func (c *QuantizerConfig) spec(scaleShape []int) QuantizerSpec {
	return QuantizerSpec{
		NumBits:           c.NumBits,
		Mode:              c.Mode,
		SignednessToForce: c.SignednessToForce,
		NarrowRange:       c.NarrowRange,
		ScaleShape:        scaleShape,
	}.Clone()
}

// PointKind tells whether a quantization point quantizes weights or activations.
type PointKind int

const (
	WeightPoint PointKind = iota
	ActivationPoint
)

// String implements fmt.Stringer.
func (k PointKind) String() string {
	if k == WeightPoint {
		return "weights"
	}
	return "activations"
}

// QuantizationPoint is a quantizer inserted in the model.
//
// Weight points quantize the weights of Op. Activation points quantize Value: either at the output of its
// producer (Port == -1), shared by all Consumers, or at the inputs of Op (Port is the first one), where
// Consumers lists every port of Op reading Value.
type QuantizationPoint struct {
	ID        int
	Kind      PointKind
	Op        *nn.Op
	Port      int
	Value     *nn.Value
	Consumers []nn.Use
	Quantizer Quantizer
}

// Name identifies the point: the scope of the op followed by what is quantized.
func (p *QuantizationPoint) Name() string {
	switch {
	case p.Kind == WeightPoint:
		return p.Op.Scope + "|WEIGHT"
	case p.Port < 0:
		return p.Op.Scope + "|OUTPUT"
	default:
		return fmt.Sprintf("%s|INPUT%d", p.Op.Scope, p.Port)
	}
}

// String implements fmt.Stringer.
func (p *QuantizationPoint) String() string {
	return fmt.Sprintf("#%d %s: %s", p.ID, p.Name(), p.Quantizer)
}

type inputKey struct {
	op   *nn.Op
	port int
}

// Setup is the set of quantizers placed in a model.
type Setup struct {
	Model  *nn.Model
	Points []*QuantizationPoint

	weights map[*nn.Op]*QuantizationPoint
	inputs  map[inputKey]*QuantizationPoint
}

// isQuantizable returns whether the op is compressed: a convolution or an addition accepted by the filter.
func isQuantizable(op *nn.Op, filter *config.ScopeFilter) bool {
	switch op.Kind {
	case nn.OpConv2D, nn.OpConvTranspose2D, nn.OpAdd:
		return filter.Accepts(op.Scope)
	default:
		return false
	}
}

// producerAccepted returns whether a quantizer can be placed at the output of op. Model inputs are only
// excluded by ignored scopes, not by target scopes.
func producerAccepted(op *nn.Op, filter *config.ScopeFilter) bool {
	if op.Kind == nn.OpInput {
		return filter == nil || !filter.Ignored.Match(op.Scope)
	}
	return filter.Accepts(op.Scope)
}

// NewSetup places the quantizers in the model:
//
//   - One weight quantizer for each accepted convolution. Per-channel scale shapes are (out,1,1,1) for
//     Conv2D and (1,out,1,1) for ConvTranspose2D.
//   - Every input of an accepted op is quantized. If a tensor is only read by accepted ops, is not a model
//     output and its producer is accepted, it gets one quantizer at the producer output shared by all
//     consumers. Otherwise, each accepted consumer op gets its own quantizer, shared by the op's inputs
//     reading the tensor. They all read the original tensor, so quantizers are never chained.
func NewSetup(model *nn.Model, opts *Options) (*Setup, error) {
	s := &Setup{
		Model:   model,
		weights: make(map[*nn.Op]*QuantizationPoint),
		inputs:  make(map[inputKey]*QuantizationPoint),
	}
	filter := opts.Filter

	for _, op := range model.Ops {
		if !op.IsConvolution() || !isQuantizable(op, filter) {
			continue
		}
		scaleShape := []int{1}
		if opts.Weights.PerChannel {
			weightShape := op.WeightShape()
			scaleShape = []int{1, 1, 1, 1}
			axis := op.OutputChannelAxis()
			scaleShape[axis] = weightShape[axis]
		}
		q, err := New(opts.Weights.spec(scaleShape))
		if err != nil {
			return nil, errors.WithMessagef(err, "weights of %q", op.Scope)
		}
		point := s.addPoint(&QuantizationPoint{Kind: WeightPoint, Op: op, Port: -1, Quantizer: q})
		s.weights[op] = point
	}

	for _, producer := range model.Ops {
		v := producer.Output
		uses := model.Consumers(v)
		var quantizable []nn.Use
		for _, use := range uses {
			if isQuantizable(use.Op, filter) {
				quantizable = append(quantizable, use)
			}
		}
		if len(quantizable) == 0 {
			continue
		}
		shared := len(quantizable) == len(uses) && !model.IsOutput(v) && producerAccepted(producer, filter)
		if shared {
			q, err := s.activationQuantizer(opts, v)
			if err != nil {
				return nil, err
			}
			point := s.addPoint(&QuantizationPoint{
				Kind: ActivationPoint, Op: producer, Port: -1, Value: v, Consumers: quantizable, Quantizer: q})
			for _, use := range quantizable {
				s.inputs[inputKey{use.Op, use.Port}] = point
			}
			continue
		}
		klog.V(2).Infof("tensor %s (from %q) is quantized per consumer", v, producer.Scope)
		consumerPoints := make(map[*nn.Op]*QuantizationPoint)
		for _, use := range quantizable {
			point, found := consumerPoints[use.Op]
			if found {
				// Same op reading v on another port.
				point.Consumers = append(point.Consumers, use)
				s.inputs[inputKey{use.Op, use.Port}] = point
				continue
			}
			q, err := s.activationQuantizer(opts, v)
			if err != nil {
				return nil, err
			}
			point = s.addPoint(&QuantizationPoint{
				Kind: ActivationPoint, Op: use.Op, Port: use.Port, Value: v, Consumers: []nn.Use{use}, Quantizer: q})
			consumerPoints[use.Op] = point
			s.inputs[inputKey{use.Op, use.Port}] = point
		}
	}
	klog.V(1).Infof("placed %d quantizers in %q", len(s.Points), model.Name)
	return s, nil
}

func (s *Setup) activationQuantizer(opts *Options, v *nn.Value) (Quantizer, error) {
	scaleShape := []int{1}
	if opts.Activations.PerChannel {
		scaleShape = make([]int, len(v.Shape))
		for ii := range scaleShape {
			scaleShape[ii] = 1
		}
		scaleShape[1] = v.Shape[1]
	}
	q, err := New(opts.Activations.spec(scaleShape))
	if err != nil {
		return nil, errors.WithMessagef(err, "activations %s", v)
	}
	return q, nil
}

func (s *Setup) addPoint(point *QuantizationPoint) *QuantizationPoint {
	point.ID = len(s.Points)
	s.Points = append(s.Points, point)
	return point
}

// WeightQuantizer returns the point quantizing the weights of op, or nil.
func (s *Setup) WeightQuantizer(op *nn.Op) *QuantizationPoint {
	return s.weights[op]
}

// InputQuantizer returns the point quantizing input port of op, or nil.
func (s *Setup) InputQuantizer(op *nn.Op, port int) *QuantizationPoint {
	return s.inputs[inputKey{op, port}]
}

// PointsOfKind returns the points of the given kind, in placement order.
func (s *Setup) PointsOfKind(kind PointKind) []*QuantizationPoint {
	var points []*QuantizationPoint
	for _, point := range s.Points {
		if point.Kind == kind {
			points = append(points, point)
		}
	}
	return points
}

// SetExportMode sets the export mode of all quantizers.
func (s *Setup) SetExportMode(mode ExportMode) {
	for _, point := range s.Points {
		point.Quantizer.SetExportMode(mode)
	}
}
