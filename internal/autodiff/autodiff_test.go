package autodiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/echopulse/internal/backend/cpu"
	"github.com/born-ml/echopulse/internal/tensor"
)

type testBackend = *Backend[*cpu.Backend]

func newRecording() testBackend {
	b := New(cpu.New())
	b.Tape().StartRecording()
	return b
}

func seed(b testBackend) *tensor.RawTensor {
	return tensor.Ones[float32](tensor.Shape{1}, b).Raw()
}

func fromSlice(t *testing.T, data []float32, shape tensor.Shape, b testBackend) *tensor.Tensor[float32, testBackend] {
	t.Helper()
	out, err := tensor.FromSlice(data, shape, b)
	require.NoError(t, err)
	return out
}

func TestBackwardSquare(t *testing.T) {
	b := newRecording()
	x := fromSlice(t, []float32{1, 2, 3}, tensor.Shape{3}, b)

	x.Mul(x).Sum()
	grads := b.Tape().Backward(seed(b), b)

	require.NotNil(t, grads[x.Raw()])
	assert.Equal(t, []float32{2, 4, 6}, grads[x.Raw()].AsFloat32())
}

func TestBackwardBroadcastAdd(t *testing.T) {
	b := newRecording()
	x := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2}, b)
	bias := fromSlice(t, []float32{1, 1}, tensor.Shape{2}, b)

	x.Add(bias).Sum()
	grads := b.Tape().Backward(seed(b), b)

	// The bias gradient is reduced over the broadcast dimension.
	require.NotNil(t, grads[bias.Raw()])
	assert.Equal(t, []float32{2, 2}, grads[bias.Raw()].AsFloat32())
}

func TestBackwardMatMul(t *testing.T) {
	b := newRecording()
	a := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2}, b)
	w := fromSlice(t, []float32{1, 0, 0, 1}, tensor.Shape{2, 2}, b)

	a.MatMul(w).Sum()
	grads := b.Tape().Backward(seed(b), b)

	// dL/dA = ones @ W^T, dL/dW = A^T @ ones.
	assert.Equal(t, []float32{1, 1, 1, 1}, grads[a.Raw()].AsFloat32())
	assert.Equal(t, []float32{4, 4, 6, 6}, grads[w.Raw()].AsFloat32())
}

func TestSoftmaxGradSumsToZero(t *testing.T) {
	b := newRecording()
	x := fromSlice(t, []float32{0.5, -1, 2}, tensor.Shape{1, 3}, b)

	y := x.Softmax(-1)
	// Seed only the first output element.
	g, err := tensor.FromSlice([]float32{1, 0, 0}, tensor.Shape{1, 3}, b)
	require.NoError(t, err)
	grads := b.Tape().BackwardFrom(y.Raw(), g.Raw(), b)

	var sum float32
	for _, v := range grads[x.Raw()].AsFloat32() {
		sum += v
	}
	assert.InDelta(t, 0, sum, 1e-6)
}

func TestPausedSkipsRecording(t *testing.T) {
	b := newRecording()
	x := fromSlice(t, []float32{1, 2}, tensor.Shape{2}, b)

	before := b.Tape().NumOps()
	b.Tape().Paused(func() {
		x.Mul(x)
		x.AddScalar(5)
	})
	assert.Equal(t, before, b.Tape().NumOps())
	assert.True(t, b.Tape().IsRecording())
}

func TestBackwardFromIntermediate(t *testing.T) {
	b := newRecording()
	x := fromSlice(t, []float32{1, 2}, tensor.Shape{2}, b)

	y := x.MulScalar(3)
	y.Sum() // later ops must not affect seeding at y

	g, err := tensor.FromSlice([]float32{1, 1}, tensor.Shape{2}, b)
	require.NoError(t, err)
	grads := b.Tape().BackwardFrom(y.Raw(), g.Raw(), b)

	assert.Equal(t, []float32{3, 3}, grads[x.Raw()].AsFloat32())
}

func TestBackwardThroughReshapeTranspose(t *testing.T) {
	b := newRecording()
	x := fromSlice(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, b)

	x.Transpose(1, 0).Reshape(6).Mul(fromSlice(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{6}, b)).Sum()
	grads := b.Tape().Backward(seed(b), b)

	// Gradient routes back through the permutation: position (i, j) of x
	// became position j*2+i of the flattened transpose.
	assert.Equal(t, []float32{1, 3, 5, 2, 4, 6}, grads[x.Raw()].AsFloat32())
}

func TestBackwardConv2D(t *testing.T) {
	b := newRecording()
	input := tensor.Ones[float32](tensor.Shape{1, 1, 3, 3}, b)
	kernel := tensor.Ones[float32](tensor.Shape{1, 1, 2, 2}, b)

	out := tensor.New[float32](b.Conv2D(input.Raw(), kernel.Raw(), 1, 0), b)
	out.Sum()
	grads := b.Tape().Backward(seed(b), b)

	// Each kernel element sees a 2x2 window of ones at every one of the
	// four output positions.
	require.NotNil(t, grads[kernel.Raw()])
	assert.Equal(t, []float32{4, 4, 4, 4}, grads[kernel.Raw()].AsFloat32())

	// Input corners contribute to one output, the center to all four.
	g := grads[input.Raw()].AsFloat32()
	assert.Equal(t, float32(1), g[0])
	assert.Equal(t, float32(4), g[4])
}

func TestBackwardEmbeddingScatters(t *testing.T) {
	b := newRecording()
	weight := tensor.Ones[float32](tensor.Shape{3, 2}, b)
	idx, err := tensor.FromSlice([]int64{1, 1, 0}, tensor.Shape{3}, b)
	require.NoError(t, err)

	out := tensor.New[float32](b.Embedding(weight.Raw(), idx.Raw()), b)
	out.Sum()
	grads := b.Tape().Backward(seed(b), b)

	// Row 1 was gathered twice, row 0 once, row 2 never.
	assert.Equal(t, []float32{1, 1, 2, 2, 0, 0}, grads[weight.Raw()].AsFloat32())
}
