// Package testmodels holds the small reference models used to test quantization and export.
package testmodels

import (
	"sort"

	"github.com/gomlx/onnx-qat/nn"
	"github.com/pkg/errors"
)

// Builder creates a model for the given NCHW input sample sizes. Nil or empty sample sizes use the
// model default.
type Builder func(sampleSizes ...[]int) (*nn.Model, error)

// Registry of test models by short name, used by the command line tool.
var Registry = map[string]Builder{
	"two_conv":               TwoConvTestModel,
	"target_compression_idx": TargetCompressionIdxTestModel,
	"branches":               ModelWithBranches,
}

// Names of the registered models, sorted.
func Names() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByName builds the registered model name.
func ByName(name string, sampleSizes ...[]int) (*nn.Model, error) {
	builder, found := Registry[name]
	if !found {
		return nil, errors.Errorf("unknown test model %q, valid models are %q", name, Names())
	}
	return builder(sampleSizes...)
}

func sampleSize(sampleSizes [][]int, defaultSize ...int) []int {
	if len(sampleSizes) == 0 || len(sampleSizes[0]) == 0 {
		return defaultSize
	}
	return sampleSizes[0]
}

// TwoConvTestModel is two sequential convolutions:
// Conv2d(1->2, kernel 2, weight -1, bias -2) and Conv2d(2->1, kernel 3, weight 0, bias 0),
// each kernel with the identity matrix added. Default input is 1x1x4x4.
func TwoConvTestModel(sampleSizes ...[]int) (*nn.Model, error) {
	return nn.Build("TwoConvTestModel", func(b *nn.Builder) {
		x := b.Input(sampleSize(sampleSizes, 1, 1, 4, 4)...)
		x = b.Conv2D("Sequential[features]/Sequential[0]/NNCFConv2d[0]", x,
			nn.ConvConfig{InChannels: 1, OutChannels: 2, Kernel: [2]int{2, 2}})
		x.Producer.FillWeights(-1, -2)
		x = b.Conv2D("Sequential[features]/Sequential[1]/NNCFConv2d[0]", x,
			nn.ConvConfig{InChannels: 2, OutChannels: 1, Kernel: [2]int{3, 3}})
		x.Producer.FillWeights(0, 0)
		b.Output(x)
	})
}

// TargetCompressionIdxTestModel is a Conv2d(1->5, kernel 1) followed by a ConvTranspose2d(5->10, kernel 1).
// Its weight quantizers have ranges shaped (5,1,1,1) and (1,10,1,1) respectively when per-channel.
// Default input is 1x1x4x4.
func TargetCompressionIdxTestModel(sampleSizes ...[]int) (*nn.Model, error) {
	return nn.Build("TargetCompressionIdxTestModel", func(b *nn.Builder) {
		x := b.Input(sampleSize(sampleSizes, 1, 1, 4, 4)...)
		x = b.Conv2D("NNCFConv2d[conv]", x,
			nn.ConvConfig{InChannels: 1, OutChannels: 5, Kernel: [2]int{1, 1}})
		x = b.ConvTranspose2D("NNCFConvTranspose2d[conv_t]", x,
			nn.ConvConfig{InChannels: 5, OutChannels: 10, Kernel: [2]int{1, 1}})
		b.Output(x)
	})
}

// ModelWithBranches has one input feeding four branches: conv_1 (2->2), conv_2 and conv_3
// (2->2, groups=2), and x+x. Each branch is a model output. Default input is 1x2x2x2.
func ModelWithBranches(sampleSizes ...[]int) (*nn.Model, error) {
	return nn.Build("ModelWithBranches", func(b *nn.Builder) {
		x := b.Input(sampleSize(sampleSizes, 1, 2, 2, 2)...)
		x1 := b.Conv2D("NNCFConv2d[conv_1]", x,
			nn.ConvConfig{InChannels: 2, OutChannels: 2, Kernel: [2]int{1, 1}})
		x2 := b.Conv2D("NNCFConv2d[conv_2]", x,
			nn.ConvConfig{InChannels: 2, OutChannels: 2, Kernel: [2]int{1, 1}, Groups: 2})
		x3 := b.Conv2D("NNCFConv2d[conv_3]", x,
			nn.ConvConfig{InChannels: 2, OutChannels: 2, Kernel: [2]int{1, 1}, Groups: 2})
		x4 := b.Add(x, x)
		b.Output(x1, x2, x3, x4)
	})
}
