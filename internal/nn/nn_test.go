package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/echopulse/internal/autodiff"
	"github.com/born-ml/echopulse/internal/backend/cpu"
	"github.com/born-ml/echopulse/internal/tensor"
)

type Backend = *autodiff.Backend[*cpu.Backend]

func newBackend() Backend {
	return autodiff.New(cpu.New())
}

func TestLinearForward(t *testing.T) {
	b := newBackend()
	layer := NewLinear(2, 3, b)

	// Overwrite the random init with known weights.
	copy(layer.Weight().Tensor().Data(), []float32{
		1, 0,
		0, 1,
		1, 1,
	})
	copy(layer.Bias().Tensor().Data(), []float32{0.5, 0.5, 0.5})

	x, err := tensor.FromSlice([]float32{2, 3}, tensor.Shape{1, 2}, b)
	require.NoError(t, err)

	y := layer.Forward(x)
	assert.Equal(t, tensor.Shape{1, 3}, y.Shape())
	assert.InDeltaSlice(t, []float32{2.5, 3.5, 5.5}, y.Data(), 1e-6)
}

func TestLayerNormStatistics(t *testing.T) {
	b := newBackend()
	norm := NewLayerNorm(4, 1e-5, b)

	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, -2, 0, 2, 4}, tensor.Shape{2, 4}, b)
	require.NoError(t, err)

	y := norm.Forward(x)
	for row := 0; row < 2; row++ {
		var sum, sq float32
		for col := 0; col < 4; col++ {
			v := y.At(row, col)
			sum += v
			sq += v * v
		}
		assert.InDelta(t, 0, sum, 1e-4)
		assert.InDelta(t, 4, sq, 1e-2) // unit variance
	}
}

func TestMultiHeadAttentionShape(t *testing.T) {
	b := newBackend()
	mha := NewMultiHeadAttention(16, 2, 8, b)

	x := tensor.Randn(tensor.Shape{2, 5, 16}, b)
	y := mha.Forward(x, x, x, nil)
	assert.Equal(t, tensor.Shape{2, 5, 16}, y.Shape())
}

func TestAttentionBiasBlocksPositions(t *testing.T) {
	b := newBackend()

	q := tensor.Randn(tensor.Shape{1, 1, 3, 4}, b)
	k := tensor.Randn(tensor.Shape{1, 1, 3, 4}, b)
	v := tensor.Randn(tensor.Shape{1, 1, 3, 4}, b)

	// Bias blocking everything except position 0 for every query.
	biasData := make([]float32, 9)
	for i := 0; i < 3; i++ {
		biasData[i*3+1] = -1e9
		biasData[i*3+2] = -1e9
	}
	bias, err := tensor.FromSlice(biasData, tensor.Shape{1, 1, 3, 3}, b)
	require.NoError(t, err)

	out, weights := ScaledDotProductAttention(q, k, v, bias, 0)
	assert.Equal(t, tensor.Shape{1, 1, 3, 4}, out.Shape())
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 1, weights.At(0, 0, i, 0), 1e-5)
		assert.InDelta(t, 0, weights.At(0, 0, i, 1), 1e-5)
	}
}

func TestFeedForward(t *testing.T) {
	b := newBackend()
	ffn := NewFeedForward(8, 4, b)

	x := tensor.Randn(tensor.Shape{2, 3, 8}, b)
	y := ffn.Forward(x)
	assert.Equal(t, tensor.Shape{2, 3, 8}, y.Shape())
}

func TestPEGPreservesShape(t *testing.T) {
	b := newBackend()
	peg := NewPEG(6, b)

	x := tensor.Randn(tensor.Shape{2, 12, 6}, b) // 2 batches, 3 frames of 2x2
	y := peg.Forward(x, 2, 3, 2, 2)
	assert.Equal(t, tensor.Shape{2, 12, 6}, y.Shape())
}

func TestPEGCausalFirstFrame(t *testing.T) {
	b := newBackend()
	peg := NewPEG(2, b)

	// Two clips differing only after frame 0 must agree on frame 0:
	// the temporal convolution is causal.
	x1 := tensor.Randn(tensor.Shape{1, 3, 2}, b) // 3 frames of 1x1
	data := append([]float32(nil), x1.Data()...)
	data[2] += 5
	data[4] -= 3
	x2, err := tensor.FromSlice(data, tensor.Shape{1, 3, 2}, b)
	require.NoError(t, err)

	y1 := peg.Forward(x1, 1, 3, 1, 1)
	y2 := peg.Forward(x2, 1, 3, 1, 1)
	assert.InDelta(t, y1.At(0, 0, 0), y2.At(0, 0, 0), 1e-6)
	assert.InDelta(t, y1.At(0, 0, 1), y2.At(0, 0, 1), 1e-6)
}

func TestContinuousPositionBiasShape(t *testing.T) {
	b := newBackend()
	cpb := NewContinuousPositionBias(16, 4, 1, b)

	bias := cpb.Forward(3, 3)
	assert.Equal(t, tensor.Shape{1, 4, 9, 9}, bias.Shape())
}

func TestContinuousPositionBiasTranslationInvariance(t *testing.T) {
	b := newBackend()
	cpb := NewContinuousPositionBias(16, 2, 1, b)

	bias := cpb.Forward(2, 2)
	// Positions (0,0)->(0,1) and (1,0)->(1,1) have the same displacement,
	// so they share a bias value.
	assert.InDelta(t, bias.At(0, 0, 0, 1), bias.At(0, 0, 2, 3), 1e-6)
	// Likewise (0,0)->(1,0) and (0,1)->(1,1).
	assert.InDelta(t, bias.At(0, 1, 0, 2), bias.At(0, 1, 1, 3), 1e-6)
}

func TestTransformerForward(t *testing.T) {
	b := newBackend()
	tr := NewTransformer(TransformerConfig{
		Dim:     16,
		Depth:   2,
		Heads:   2,
		HeadDim: 8,
		FFMult:  2,
		PEG:     true,
	}, b)

	x := tensor.Randn(tensor.Shape{2, 4, 16}, b)
	y := tr.Forward(x, nil, &GridShape{Batch: 2, Frames: 1, Height: 2, Width: 2})
	assert.Equal(t, tensor.Shape{2, 4, 16}, y.Shape())
}

func TestTransformerStateDictRoundTrip(t *testing.T) {
	b := newBackend()
	cfg := TransformerConfig{Dim: 8, Depth: 1, Heads: 2, HeadDim: 4, FFMult: 2, PEG: true}
	src := NewTransformer(cfg, b)
	dst := NewTransformer(cfg, b)

	require.NoError(t, dst.LoadStateDict(src.StateDict()))

	x := tensor.Randn(tensor.Shape{1, 4, 8}, b)
	grid := &GridShape{Batch: 1, Frames: 1, Height: 2, Width: 2}
	ySrc := src.Forward(x, nil, grid)
	yDst := dst.Forward(x, nil, grid)
	assert.InDeltaSlice(t, ySrc.Data(), yDst.Data(), 1e-6)
}

func TestMergeAndSubStateDict(t *testing.T) {
	b := newBackend()
	layer := NewLinear(2, 2, b)

	sd := make(map[string]*tensor.RawTensor)
	MergeStateDict(sd, layer.StateDict(), "block.proj")
	assert.Contains(t, sd, "block.proj.weight")
	assert.Contains(t, sd, "block.proj.bias")

	sub := SubStateDict(sd, "block.proj")
	assert.Contains(t, sub, "weight")
	assert.Len(t, sub, 2)
}

func TestLinearLoadStateDictShapeMismatch(t *testing.T) {
	b := newBackend()
	layer := NewLinear(2, 3, b)
	wrong := NewLinear(3, 3, b)

	err := layer.LoadStateDict(wrong.StateDict())
	assert.Error(t, err)
}
