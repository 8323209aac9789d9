// Package quantization implements fake-quantizers, their lowering to the ONNX quantization operators and
// the placement of quantizers in a model.
//
// A quantizer maps a float tensor to one of Levels evenly spaced values between an input low and input
// high (per tensor, or per output channel for weights), and back to float. How it is exported depends on
// its ExportMode: a single fused FakeQuantize op, or a QuantizeLinear/DequantizeLinear pair.
package quantization

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/onnx-qat/config"
	"github.com/pkg/errors"
)

// Mode of the quantization grid.
type Mode int

const (
	// Symmetric quantizers have a range symmetric around zero (or [0, scale] when unsigned), parametrized
	// by a scale.
	Symmetric Mode = iota

	// Asymmetric quantizers have an arbitrary [low, low+range] range, adjusted so zero is exactly
	// representable.
	Asymmetric
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Symmetric:
		return config.ModeSymmetric
	case Asymmetric:
		return config.ModeAsymmetric
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts a configuration mode name to a Mode.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(name) {
	case config.ModeSymmetric:
		return Symmetric, nil
	case config.ModeAsymmetric:
		return Asymmetric, nil
	default:
		return Symmetric, errors.Errorf("unknown quantization mode %q", name)
	}
}

// ExportMode selects how a quantizer is lowered to ONNX.
type ExportMode int

const (
	// ExportFakeQuantize emits one FakeQuantize op (domain "org.openvinotoolkit").
	ExportFakeQuantize ExportMode = iota

	// ExportQuantizeDequantize emits a standard QuantizeLinear followed by a DequantizeLinear.
	ExportQuantizeDequantize
)

// String implements fmt.Stringer.
func (m ExportMode) String() string {
	switch m {
	case ExportFakeQuantize:
		return "FakeQuantize"
	case ExportQuantizeDequantize:
		return "QuantizeDequantize"
	default:
		return fmt.Sprintf("ExportMode(%d)", int(m))
	}
}

// ExportModeFor returns the export mode selected by the "export_to_onnx_standard_ops" flag.
func ExportModeFor(standardOps bool) ExportMode {
	if standardOps {
		return ExportQuantizeDequantize
	}
	return ExportFakeQuantize
}

// QuantizerSpec is the static description of a quantizer.
type QuantizerSpec struct {
	NumBits int
	Mode    Mode

	// SignednessToForce fixes the signedness of a symmetric quantizer. If nil, it is decided when the
	// range is initialized: signed if the minimum is negative.
	SignednessToForce *bool

	// NarrowRange drops the lowest level (e.g. [-127, 127] instead of [-128, 127]). Used by weights.
	NarrowRange bool

	// HalfRange quantizes with one bit less than NumBits, for hardware that saturates on NumBits.
	HalfRange bool

	// LogarithmScale stores the symmetric scale as its logarithm.
	LogarithmScale bool

	// ScaleShape is the shape of the quantization parameters: [1] for per-tensor, or the weight rank with
	// the number of output channels on the output channel axis, e.g. (out,1,1,1) for Conv2D weights.
	ScaleShape []int
}

// PerChannel returns whether the quantizer has parameters per channel, that is, if the scale shape is
// anything other than [1].
func (s *QuantizerSpec) PerChannel() bool {
	return !(len(s.ScaleShape) == 1 && s.ScaleShape[0] == 1)
}

// NumParams returns the number of elements of ScaleShape.
func (s *QuantizerSpec) NumParams() int {
	size := 1
	for _, dim := range s.ScaleShape {
		size *= dim
	}
	return size
}

// EffectiveBits returns the number of bits actually used by the quantization grid.
func (s *QuantizerSpec) EffectiveBits() int {
	if s.HalfRange {
		return s.NumBits - 1
	}
	return s.NumBits
}

// Validate checks the spec values.
func (s *QuantizerSpec) Validate() error {
	if s.NumBits < 2 || s.NumBits > 16 || s.EffectiveBits() < 2 {
		return errors.Errorf("invalid number of bits %d (half-range=%v)", s.NumBits, s.HalfRange)
	}
	if s.Mode != Symmetric && s.Mode != Asymmetric {
		return errors.Errorf("invalid quantization mode %s", s.Mode)
	}
	if len(s.ScaleShape) == 0 {
		return errors.New("empty scale shape, use [1] for per-tensor quantization")
	}
	for _, dim := range s.ScaleShape {
		if dim <= 0 {
			return errors.Errorf("invalid scale shape %v", s.ScaleShape)
		}
	}
	if s.LogarithmScale && s.Mode != Symmetric {
		return errors.New("logarithm scale is only supported by symmetric quantizers")
	}
	return nil
}

// String implements fmt.Stringer.
func (s QuantizerSpec) String() string {
	parts := []string{fmt.Sprintf("%s/%dbits", s.Mode, s.NumBits)}
	if s.PerChannel() {
		parts = append(parts, fmt.Sprintf("per-channel%v", s.ScaleShape))
	} else {
		parts = append(parts, "per-tensor")
	}
	if s.SignednessToForce != nil {
		if *s.SignednessToForce {
			parts = append(parts, "signed")
		} else {
			parts = append(parts, "unsigned")
		}
	}
	if s.NarrowRange {
		parts = append(parts, "narrow")
	}
	if s.HalfRange {
		parts = append(parts, "half-range")
	}
	return strings.Join(parts, ",")
}

// Clone returns a deep copy of the spec.
func (s QuantizerSpec) Clone() QuantizerSpec {
	s.ScaleShape = slices.Clone(s.ScaleShape)
	if s.SignednessToForce != nil {
		signed := *s.SignednessToForce
		s.SignednessToForce = &signed
	}
	return s
}

// symmetricLevels returns the integer range of a symmetric grid.
func symmetricLevels(bits int, signed, narrow bool) (low, high int) {
	if signed {
		high = 1<<(bits-1) - 1
		low = -(high + 1)
		if narrow {
			low++
		}
		return
	}
	return 0, 1<<bits - 1
}

// asymmetricLevels returns the integer range of an asymmetric grid.
func asymmetricLevels(bits int, narrow bool) (low, high int) {
	high = 1<<bits - 1
	if narrow {
		high--
	}
	return 0, high
}
