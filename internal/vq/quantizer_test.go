package vq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/echopulse/internal/autodiff"
	"github.com/born-ml/echopulse/internal/backend/cpu"
	"github.com/born-ml/echopulse/internal/tensor"
)

type testBackend = *autodiff.Backend[*cpu.Backend]

func newQuantizerForTest(b testBackend) *Quantizer[testBackend] {
	return NewQuantizer(8, 4, 16, 0.25, b)
}

func TestQuantizeShapes(t *testing.T) {
	b := autodiff.New(cpu.New())
	q := newQuantizerForTest(b)

	x := tensor.Randn(tensor.Shape{2, 6, 8}, b)
	res := q.Quantize(x, nil)

	assert.Equal(t, tensor.Shape{2, 6, 8}, res.Quantized.Shape())
	assert.Equal(t, tensor.Shape{2, 6}, res.Indices.Shape())
	assert.Equal(t, 1, res.Loss.NumElements())

	for _, idx := range res.Indices.Data() {
		assert.GreaterOrEqual(t, idx, int64(0))
		assert.Less(t, idx, int64(16))
	}
}

func TestQuantizeMatchesDecodeIndices(t *testing.T) {
	b := autodiff.New(cpu.New())
	q := newQuantizerForTest(b)

	x := tensor.Randn(tensor.Shape{1, 5, 8}, b)
	res := q.Quantize(x, nil)

	// The straight-through output carries the decoded entry's value.
	decoded := q.DecodeIndices(res.Indices)
	assert.InDeltaSlice(t, decoded.Data(), res.Quantized.Data(), 1e-5)
}

func TestQuantizeDeterministic(t *testing.T) {
	b := autodiff.New(cpu.New())
	q := newQuantizerForTest(b)

	x := tensor.Randn(tensor.Shape{1, 4, 8}, b)
	first := q.Quantize(x, nil)
	second := q.Quantize(x, nil)
	assert.Equal(t, first.Indices.Data(), second.Indices.Data())
}

func TestQuantizeLossNonNegative(t *testing.T) {
	b := autodiff.New(cpu.New())
	q := newQuantizerForTest(b)

	x := tensor.Randn(tensor.Shape{2, 3, 8}, b)
	res := q.Quantize(x, nil)
	assert.GreaterOrEqual(t, res.Loss.Item(), float32(0))
}

func TestQuantizeMaskedLoss(t *testing.T) {
	b := autodiff.New(cpu.New())
	q := newQuantizerForTest(b)

	x := tensor.Randn(tensor.Shape{1, 4, 8}, b)

	full, err := tensor.FromSlice([]bool{true, true, true, true}, tensor.Shape{1, 4}, b)
	require.NoError(t, err)
	none, err := tensor.FromSlice([]bool{false, false, false, false}, tensor.Shape{1, 4}, b)
	require.NoError(t, err)

	unmasked := q.Quantize(x, nil)
	allValid := q.Quantize(x, full)
	allInvalid := q.Quantize(x, none)

	// A full mask matches the unmasked loss; an empty mask zeroes it.
	assert.InDelta(t, unmasked.Loss.Item(), allValid.Loss.Item(), 1e-5)
	assert.InDelta(t, 0, allInvalid.Loss.Item(), 1e-7)

	// Outputs and indices are produced regardless of the mask.
	assert.Equal(t, unmasked.Indices.Data(), allInvalid.Indices.Data())
}

func TestStraightThroughGradientReachesInput(t *testing.T) {
	b := autodiff.New(cpu.New())
	q := newQuantizerForTest(b)

	b.Tape().StartRecording()
	defer b.Tape().StopRecording()

	x := tensor.Randn(tensor.Shape{1, 3, 8}, b)
	res := q.Quantize(x, nil)
	res.Quantized.Sum()

	seed := tensor.Ones[float32](tensor.Shape{1}, b)
	grads := b.Tape().Backward(seed.Raw(), b)

	// Despite the hard assignment, the encoder input receives gradient.
	require.NotNil(t, grads[x.Raw()])
	var nonZero bool
	for _, v := range grads[x.Raw()].AsFloat32() {
		if v != 0 {
			nonZero = true
			break
		}
	}
	assert.True(t, nonZero)
}

func TestCommitmentGradientReachesCodebook(t *testing.T) {
	b := autodiff.New(cpu.New())
	q := newQuantizerForTest(b)

	b.Tape().StartRecording()
	defer b.Tape().StopRecording()

	x := tensor.Randn(tensor.Shape{1, 3, 8}, b)
	res := q.Quantize(x, nil)

	seed := tensor.Ones[float32](tensor.Shape{1}, b)
	grads := b.Tape().BackwardFrom(res.Loss.Raw(), seed.Raw(), b)

	require.NotNil(t, grads[q.Codebook().Tensor().Raw()])
}

func TestStateDictRoundTrip(t *testing.T) {
	b := autodiff.New(cpu.New())
	src := newQuantizerForTest(b)
	dst := newQuantizerForTest(b)

	require.NoError(t, dst.LoadStateDict(src.StateDict()))

	x := tensor.Randn(tensor.Shape{1, 4, 8}, b)
	assert.Equal(t, src.Quantize(x, nil).Indices.Data(), dst.Quantize(x, nil).Indices.Data())
}
