package nn

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildShapesAndScopes(t *testing.T) {
	model, err := Build("Net", func(b *Builder) {
		x := b.Input(2, 3, 8, 8)
		y := b.Conv2D("NNCFConv2d[conv]", x, ConvConfig{
			InChannels: 3, OutChannels: 4, Kernel: [2]int{3, 3}, Stride: [2]int{2, 2}, Padding: [2]int{1, 1}})
		z := b.ConvTranspose2D("NNCFConvTranspose2d[up]", y, ConvConfig{
			InChannels: 4, OutChannels: 6, Kernel: [2]int{2, 2}, Stride: [2]int{2, 2}, Groups: 2})
		w := b.Conv2D("NNCFConv2d[conv]", y, ConvConfig{InChannels: 4, OutChannels: 4, Kernel: [2]int{1, 1}, NoBias: true})
		b.Output(z, b.Add(w, y))
	})
	require.NoError(t, err)
	require.Len(t, model.Ops, 5)
	require.Len(t, model.Inputs, 1)
	require.Len(t, model.Outputs, 2)

	assert.Equal(t, "/nncf_model_input_0", model.Ops[0].Scope)
	assert.Equal(t, "Net/NNCFConv2d[conv]/conv2d_0", model.Ops[1].Scope)
	assert.Equal(t, "Net/NNCFConvTranspose2d[up]/conv_transpose2d_0", model.Ops[2].Scope)
	assert.Equal(t, "Net/NNCFConv2d[conv]/conv2d_1", model.Ops[3].Scope)
	assert.Equal(t, "Net/__add___0", model.Ops[4].Scope)

	assert.Equal(t, []int{2, 4, 4, 4}, model.Ops[1].Output.Shape)
	assert.Equal(t, []int{2, 6, 8, 8}, model.Ops[2].Output.Shape)
	assert.Equal(t, []int{4, 3, 3, 3}, model.Ops[1].WeightShape())
	assert.Equal(t, []int{4, 3, 2, 2}, model.Ops[2].WeightShape())
	assert.Equal(t, 1, model.Ops[2].OutputChannelAxis())
	assert.Nil(t, model.Ops[3].Bias)
	assert.Len(t, model.Ops[1].Weight, 4*3*3*3)

	y := model.Ops[1].Output
	uses := model.Consumers(y)
	require.Len(t, uses, 3)
	assert.Equal(t, model.Ops[2], uses[0].Op)
	assert.Equal(t, 1, uses[2].Port)
	assert.True(t, model.IsOutput(model.Ops[2].Output))
	assert.False(t, model.IsOutput(y))
	assert.Equal(t, model.Ops[3], model.OpByScope("Net/NNCFConv2d[conv]/conv2d_1"))
	assert.Len(t, model.Convolutions(), 3)
	assert.Equal(t, 4*3*9+4+4*3*4+6+16, model.NumParameters())
}

func TestBuildErrors(t *testing.T) {
	testCases := map[string]func(b *Builder){
		"no outputs": func(b *Builder) { b.Input(1, 1, 4, 4) },
		"bad rank":   func(b *Builder) { b.Output(b.Input(1, 4, 4)) },
		"channels mismatch": func(b *Builder) {
			b.Output(b.Conv2D("c", b.Input(1, 2, 4, 4), ConvConfig{InChannels: 3, OutChannels: 1, Kernel: [2]int{1, 1}}))
		},
		"groups": func(b *Builder) {
			b.Output(b.Conv2D("c", b.Input(1, 3, 4, 4), ConvConfig{InChannels: 3, OutChannels: 2, Kernel: [2]int{1, 1}, Groups: 2}))
		},
		"kernel too large": func(b *Builder) {
			b.Output(b.Conv2D("c", b.Input(1, 1, 2, 2), ConvConfig{InChannels: 1, OutChannels: 1, Kernel: [2]int{3, 3}}))
		},
		"add shapes": func(b *Builder) {
			x := b.Input(1, 1, 4, 4)
			y := b.Conv2D("c", x, ConvConfig{InChannels: 1, OutChannels: 1, Kernel: [2]int{2, 2}})
			b.Output(b.Add(x, y))
		},
	}
	for name, fn := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := Build("Broken", fn)
			require.Error(t, err)
			require.Contains(t, err.Error(), "Broken")
		})
	}
}

func TestFillWeights(t *testing.T) {
	model, err := Build("Fill", func(b *Builder) {
		x := b.Conv2D("c", b.Input(1, 1, 4, 4), ConvConfig{InChannels: 1, OutChannels: 2, Kernel: [2]int{2, 2}})
		x.Producer.FillWeights(-1, -2)
		b.Output(x)
	})
	require.NoError(t, err)
	conv := model.Ops[1]
	assert.Equal(t, []float32{0, -1, -1, 0, 0, -1, -1, 0}, conv.Weight)
	assert.Equal(t, []float32{-2, -2}, conv.Bias)
}

func TestRandomWeights(t *testing.T) {
	model, err := Build("Random", func(b *Builder) {
		b.Output(b.Conv2D("c", b.Input(1, 4, 4, 4), ConvConfig{InChannels: 4, OutChannels: 8, Kernel: [2]int{2, 2}}))
	})
	require.NoError(t, err)
	conv := model.Ops[1]
	conv.RandomWeights(rand.New(rand.NewPCG(1, 2)))
	bound := float32(1.0 / 4.0) // fanIn = 4*2*2
	var nonZero int
	for _, w := range conv.Weight {
		require.LessOrEqual(t, w, bound)
		require.GreaterOrEqual(t, w, -bound)
		if w != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, len(conv.Weight)/2)
}
