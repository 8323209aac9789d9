package quantization

import (
	"fmt"
	"slices"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// eps is added to the magnitude of scales and ranges so they are never zero.
const eps = float32(1e-16)

// ErrPerChannelQDQ is returned when lowering a per-channel quantizer to a QuantizeLinear/DequantizeLinear
// pair, which the target runtimes only support per-tensor.
var ErrPerChannelQDQ = errors.New("export to QuantizeLinear/DequantizeLinear doesn't support per-channel quantization")

// Quantizer is a fake-quantizer: its spec, its current parameters, and its lowering.
type Quantizer interface {
	fmt.Stringer

	Spec() *QuantizerSpec

	// Levels is the number of quantization levels, LevelHigh-LevelLow+1.
	Levels() int
	LevelLow() int
	LevelHigh() int

	// InitRange sets the parameters from the observed minimum and maximum, one value per element of the
	// scale shape.
	InitRange(min, max []float32) error

	// InputLowHigh returns the float range of the quantization grid, one value per element of the
	// scale shape.
	InputLowHigh() (low, high []float32)

	ExportMode() ExportMode
	SetExportMode(mode ExportMode)

	// ExportParams lowers the quantizer for its current ExportMode.
	ExportParams() (*ExportParams, error)
}

// FakeQuantizeParams are the inputs and attribute of a FakeQuantize op. All ranges are shaped Shape.
type FakeQuantizeParams struct {
	Levels                                     int
	Shape                                      []int
	InputLow, InputHigh, OutputLow, OutputHigh []float32
}

// QDQParams are the inputs of a per-tensor QuantizeLinear/DequantizeLinear pair.
type QDQParams struct {
	Scale     float32
	ZeroPoint int

	// DType of the quantized values: Int8 if the grid has negative levels, Uint8 otherwise.
	DType dtypes.DType
}

// ExportParams is the lowering of a quantizer: exactly one of FakeQuantize or QDQ is set, according to Mode.
type ExportParams struct {
	Mode         ExportMode
	FakeQuantize *FakeQuantizeParams
	QDQ          *QDQParams
}

// QuantizerModules maps each Mode to the constructor of its quantizer.
var QuantizerModules = map[Mode]func(spec QuantizerSpec) (Quantizer, error){
	Symmetric: func(spec QuantizerSpec) (Quantizer, error) {
		return NewSymmetricQuantizer(spec)
	},
	Asymmetric: func(spec QuantizerSpec) (Quantizer, error) {
		return NewAsymmetricQuantizer(spec)
	},
}

// New creates the quantizer for spec.Mode.
func New(spec QuantizerSpec) (Quantizer, error) {
	constructor, found := QuantizerModules[spec.Mode]
	if !found {
		return nil, errors.Errorf("no quantizer registered for mode %s", spec.Mode)
	}
	return constructor(spec)
}

// base implements the parts common to all quantizers.
type base struct {
	spec       QuantizerSpec
	exportMode ExportMode
}

func newBase(spec QuantizerSpec) (base, error) {
	spec = spec.Clone()
	if err := spec.Validate(); err != nil {
		return base{}, errors.WithMessagef(err, "invalid quantizer spec %s", spec)
	}
	return base{spec: spec}, nil
}

// Spec implements Quantizer.
func (b *base) Spec() *QuantizerSpec { return &b.spec }

// ExportMode implements Quantizer.
func (b *base) ExportMode() ExportMode { return b.exportMode }

// SetExportMode implements Quantizer.
func (b *base) SetExportMode(mode ExportMode) { b.exportMode = mode }

func (b *base) checkStatistics(min, max []float32) error {
	numParams := b.spec.NumParams()
	if len(min) != numParams || len(max) != numParams {
		return errors.Errorf("quantizer with scale shape %v requires %d statistics, got min=%d and max=%d values",
			b.spec.ScaleShape, numParams, len(min), len(max))
	}
	for ii := range min {
		if math32.IsNaN(min[ii]) || math32.IsNaN(max[ii]) || min[ii] > max[ii] {
			return errors.Errorf("invalid statistics for element %d: min=%g, max=%g", ii, min[ii], max[ii])
		}
	}
	return nil
}

// exportParams lowers the range [low, high] with the levels [levelLow, levelHigh].
func (b *base) exportParams(low, high []float32, levelLow, levelHigh int) (*ExportParams, error) {
	if b.exportMode == ExportFakeQuantize {
		return &ExportParams{
			Mode: ExportFakeQuantize,
			FakeQuantize: &FakeQuantizeParams{
				Levels:     levelHigh - levelLow + 1,
				Shape:      slices.Clone(b.spec.ScaleShape),
				InputLow:   low,
				InputHigh:  high,
				OutputLow:  slices.Clone(low),
				OutputHigh: slices.Clone(high),
			},
		}, nil
	}

	if b.spec.PerChannel() {
		return nil, errors.WithMessagef(ErrPerChannelQDQ, "quantizer %s", b.spec)
	}
	if b.spec.EffectiveBits() != 8 {
		return nil, errors.Errorf("export to QuantizeLinear/DequantizeLinear only supports 8 bits quantization, quantizer %s uses %d",
			b.spec, b.spec.EffectiveBits())
	}
	scale, zeroPoint := scaleAndZeroPoint(low[0], high[0], levelLow, levelHigh)
	dtype := dtypes.Uint8
	if levelLow < 0 {
		dtype = dtypes.Int8
	}
	return &ExportParams{
		Mode: ExportQuantizeDequantize,
		QDQ:  &QDQParams{Scale: scale, ZeroPoint: zeroPoint, DType: dtype},
	}, nil
}

// scaleAndZeroPoint converts a float range to the scale and zero point of the integer grid [levelLow, levelHigh].
// The zero point is rounded and clamped to the grid.
func scaleAndZeroPoint(low, high float32, levelLow, levelHigh int) (scale float32, zeroPoint int) {
	fLow, fHigh := float32(levelLow), float32(levelHigh)
	scale = (high - low) / (fHigh - fLow)
	zp := (fLow*high - fHigh*low) / (high - low)
	zeroPoint = int(math32.RoundToEven(zp))
	zeroPoint = min(max(zeroPoint, levelLow), levelHigh)
	return
}

// SymmetricQuantizer quantizes in [-scale, scale] (signed) or [0, scale] (unsigned).
type SymmetricQuantizer struct {
	base

	// scale holds one value per element of the scale shape, or its logarithm if LogarithmScale is set.
	scale  []float32
	signed bool
}

var _ Quantizer = (*SymmetricQuantizer)(nil)

// NewSymmetricQuantizer creates a symmetric quantizer with scale 1.
func NewSymmetricQuantizer(spec QuantizerSpec) (*SymmetricQuantizer, error) {
	if spec.Mode != Symmetric {
		return nil, errors.Errorf("NewSymmetricQuantizer: spec has mode %s", spec.Mode)
	}
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	q := &SymmetricQuantizer{base: b, scale: make([]float32, b.spec.NumParams())}
	if b.spec.SignednessToForce != nil {
		q.signed = *b.spec.SignednessToForce
	}
	for ii := range q.scale {
		q.setScale(ii, 1)
	}
	return q, nil
}

func (q *SymmetricQuantizer) setScale(idx int, value float32) {
	if q.spec.LogarithmScale {
		value = math32.Log(math32.Max(value, eps))
	}
	q.scale[idx] = value
}

// Scale returns the current scales, one per element of the scale shape.
func (q *SymmetricQuantizer) Scale() []float32 {
	scale := slices.Clone(q.scale)
	if q.spec.LogarithmScale {
		for ii, v := range scale {
			scale[ii] = math32.Exp(v)
		}
	}
	return scale
}

// Signed returns whether the quantization grid includes negative values.
func (q *SymmetricQuantizer) Signed() bool { return q.signed }

// LevelLow implements Quantizer.
func (q *SymmetricQuantizer) LevelLow() int {
	low, _ := symmetricLevels(q.spec.EffectiveBits(), q.signed, q.spec.NarrowRange)
	return low
}

// LevelHigh implements Quantizer.
func (q *SymmetricQuantizer) LevelHigh() int {
	_, high := symmetricLevels(q.spec.EffectiveBits(), q.signed, q.spec.NarrowRange)
	return high
}

// Levels implements Quantizer.
func (q *SymmetricQuantizer) Levels() int { return q.LevelHigh() - q.LevelLow() + 1 }

// InitRange implements Quantizer: scale = max(|min|, |max|). Unless forced, the quantizer becomes signed if
// any minimum is negative.
func (q *SymmetricQuantizer) InitRange(min, max []float32) error {
	if err := q.checkStatistics(min, max); err != nil {
		return err
	}
	if q.spec.SignednessToForce == nil {
		q.signed = slices.Min(min) < 0
	}
	for ii := range min {
		q.setScale(ii, math32.Max(math32.Abs(min[ii]), math32.Abs(max[ii])))
	}
	return nil
}

// InputLowHigh implements Quantizer.
func (q *SymmetricQuantizer) InputLowHigh() (low, high []float32) {
	levelLow, levelHigh := float32(q.LevelLow()), float32(q.LevelHigh())
	scale := q.Scale()
	low = make([]float32, len(scale))
	high = make([]float32, len(scale))
	for ii, s := range scale {
		s = math32.Abs(s) + eps
		high[ii] = s
		low[ii] = s * levelLow / levelHigh
	}
	return
}

// ExportParams implements Quantizer.
func (q *SymmetricQuantizer) ExportParams() (*ExportParams, error) {
	low, high := q.InputLowHigh()
	return q.exportParams(low, high, q.LevelLow(), q.LevelHigh())
}

// String implements fmt.Stringer.
func (q *SymmetricQuantizer) String() string {
	return fmt.Sprintf("SymmetricQuantizer(%s, signed=%v, levels=%d)", q.spec, q.signed, q.Levels())
}

// AsymmetricQuantizer quantizes in [inputLow, inputLow+|inputRange|], tuned so zero is on the grid.
type AsymmetricQuantizer struct {
	base
	inputLow, inputRange []float32
}

var _ Quantizer = (*AsymmetricQuantizer)(nil)

// NewAsymmetricQuantizer creates an asymmetric quantizer with range [0, 1].
func NewAsymmetricQuantizer(spec QuantizerSpec) (*AsymmetricQuantizer, error) {
	if spec.Mode != Asymmetric {
		return nil, errors.Errorf("NewAsymmetricQuantizer: spec has mode %s", spec.Mode)
	}
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	numParams := b.spec.NumParams()
	q := &AsymmetricQuantizer{
		base:       b,
		inputLow:   make([]float32, numParams),
		inputRange: make([]float32, numParams),
	}
	for ii := range q.inputRange {
		q.inputRange[ii] = 1
	}
	return q, nil
}

// InputLow returns the current lower bounds, before range tuning.
func (q *AsymmetricQuantizer) InputLow() []float32 { return slices.Clone(q.inputLow) }

// InputRange returns the current range widths, before range tuning.
func (q *AsymmetricQuantizer) InputRange() []float32 { return slices.Clone(q.inputRange) }

// LevelLow implements Quantizer.
func (q *AsymmetricQuantizer) LevelLow() int {
	low, _ := asymmetricLevels(q.spec.EffectiveBits(), q.spec.NarrowRange)
	return low
}

// LevelHigh implements Quantizer.
func (q *AsymmetricQuantizer) LevelHigh() int {
	_, high := asymmetricLevels(q.spec.EffectiveBits(), q.spec.NarrowRange)
	return high
}

// Levels implements Quantizer.
func (q *AsymmetricQuantizer) Levels() int { return q.LevelHigh() - q.LevelLow() + 1 }

// InitRange implements Quantizer: low = min, range = max - min.
func (q *AsymmetricQuantizer) InitRange(min, max []float32) error {
	if err := q.checkStatistics(min, max); err != nil {
		return err
	}
	for ii := range min {
		q.inputLow[ii] = min[ii]
		q.inputRange[ii] = max[ii] - min[ii]
	}
	return nil
}

// InputLowHigh implements Quantizer.
func (q *AsymmetricQuantizer) InputLowHigh() (low, high []float32) {
	low = make([]float32, len(q.inputLow))
	high = make([]float32, len(q.inputLow))
	levelHigh := float32(q.LevelHigh())
	for ii := range q.inputLow {
		low[ii], high[ii] = TuneRange(q.inputLow[ii], q.inputLow[ii]+math32.Abs(q.inputRange[ii])+eps, levelHigh)
	}
	return
}

// ExportParams implements Quantizer.
func (q *AsymmetricQuantizer) ExportParams() (*ExportParams, error) {
	low, high := q.InputLowHigh()
	return q.exportParams(low, high, q.LevelLow(), q.LevelHigh())
}

// String implements fmt.Stringer.
func (q *AsymmetricQuantizer) String() string {
	return fmt.Sprintf("AsymmetricQuantizer(%s, levels=%d)", q.spec, q.Levels())
}

// TuneRange moves one of the borders of [left, right] so that zero falls exactly on one of the levelHigh+1
// levels. It keeps the border whose move would shrink the range the most.
//
// A range that doesn't contain zero is first extended to it.
func TuneRange(left, right, levelHigh float32) (tunedLeft, tunedRight float32) {
	left = min(left, 0)
	right = max(right, 0)
	s := levelHigh / (right - left)
	zeroLevel := math32.RoundToEven(-left * s)

	ra := left
	if zeroLevel < levelHigh {
		ra = zeroLevel / (zeroLevel - levelHigh) * right
	}
	rb := right
	if zeroLevel > 0 {
		rb = (zeroLevel - levelHigh) / zeroLevel * left
	}
	if right-ra > rb-left {
		return ra, right
	}
	return left, rb
}
