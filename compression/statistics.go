package compression

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/onnx-qat/quantization"
)

// Statistics summarizes the quantizers of a Controller.
type Statistics struct {
	NumWeightQuantizers, NumActivationQuantizers int

	// NumQuantizableConvolutions is the number of convolutions of the model, with or without weight quantizer.
	NumQuantizableConvolutions int

	NumPerChannel, NumSymmetric, NumAsymmetric, NumSigned int

	// Bits maps the number of bits to the number of quantizers using it.
	Bits map[int]int

	// NumParameters of the model and NumQuantizerParameters of the quantizers.
	NumParameters, NumQuantizerParameters int

	ExportMode quantization.ExportMode
}

// Statistics returns a summary of the quantizers.
func (c *Controller) Statistics() *Statistics {
	s := &Statistics{
		Bits:                       make(map[int]int),
		NumParameters:              c.Model.NumParameters(),
		NumQuantizableConvolutions: len(c.Model.Convolutions()),
		ExportMode:                 quantization.ExportModeFor(c.Config.Compression.ExportToONNXStandardOps),
	}
	for _, point := range c.Setup.Points {
		if point.Kind == quantization.WeightPoint {
			s.NumWeightQuantizers++
		} else {
			s.NumActivationQuantizers++
		}
		spec := point.Quantizer.Spec()
		if spec.PerChannel() {
			s.NumPerChannel++
		}
		switch q := point.Quantizer.(type) {
		case *quantization.SymmetricQuantizer:
			s.NumSymmetric++
			if q.Signed() {
				s.NumSigned++
			}
		case *quantization.AsymmetricQuantizer:
			s.NumAsymmetric++
		}
		s.Bits[spec.NumBits]++
		s.NumQuantizerParameters += spec.NumParams()
	}
	return s
}

// NumQuantizers returns the total number of quantizers.
func (s *Statistics) NumQuantizers() int {
	return s.NumWeightQuantizers + s.NumActivationQuantizers
}

// Rows returns the statistics as (name, value) pairs, for display.
func (s *Statistics) Rows() [][2]string {
	bits := make([]int, 0, len(s.Bits))
	for b := range s.Bits {
		bits = append(bits, b)
	}
	slices.Sort(bits)
	bitsParts := make([]string, len(bits))
	for ii, b := range bits {
		bitsParts[ii] = fmt.Sprintf("%d bits: %d", b, s.Bits[b])
	}
	return [][2]string{
		{"weight quantizers", fmt.Sprintf("%d / %d convolutions", s.NumWeightQuantizers, s.NumQuantizableConvolutions)},
		{"activation quantizers", fmt.Sprint(s.NumActivationQuantizers)},
		{"per-channel", fmt.Sprint(s.NumPerChannel)},
		{"symmetric (signed)", fmt.Sprintf("%d (%d)", s.NumSymmetric, s.NumSigned)},
		{"asymmetric", fmt.Sprint(s.NumAsymmetric)},
		{"bits", strings.Join(bitsParts, ", ")},
		{"model parameters", fmt.Sprint(s.NumParameters)},
		{"quantizer parameters", fmt.Sprint(s.NumQuantizerParameters)},
		{"export mode", s.ExportMode.String()},
	}
}

// String implements fmt.Stringer.
func (s *Statistics) String() string {
	var sb strings.Builder
	for _, row := range s.Rows() {
		_, _ = fmt.Fprintf(&sb, "%s: %s\n", row[0], row[1])
	}
	return sb.String()
}
