package tensor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/echopulse/internal/backend/cpu"
	"github.com/born-ml/echopulse/internal/tensor"
)

func TestFromSliceValidatesLength(t *testing.T) {
	b := cpu.New()

	_, err := tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{2, 2}, b)
	assert.Error(t, err)

	x, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2}, b)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2}, x.Shape())
	assert.Equal(t, tensor.Float32, x.DType())
}

func TestCreationHelpers(t *testing.T) {
	b := cpu.New()

	z := tensor.Zeros[float32](tensor.Shape{3}, b)
	assert.Equal(t, []float32{0, 0, 0}, z.Data())

	o := tensor.Ones[float32](tensor.Shape{2}, b)
	assert.Equal(t, []float32{1, 1}, o.Data())

	f := tensor.Full(tensor.Shape{2}, int64(9), b)
	assert.Equal(t, []int64{9, 9}, f.Data())

	r := tensor.Rand(tensor.Shape{100}, b)
	for _, v := range r.Data() {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.Less(t, v, float32(1))
	}
}

func TestAtAndSet(t *testing.T) {
	b := cpu.New()
	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, b)
	require.NoError(t, err)

	assert.Equal(t, float32(6), x.At(1, 2))
	x.Set(42, 0, 1)
	assert.Equal(t, float32(42), x.At(0, 1))
}

func TestSqueezeUnsqueeze(t *testing.T) {
	b := cpu.New()
	x := tensor.Ones[float32](tensor.Shape{2, 3}, b)

	y := x.Unsqueeze(1)
	assert.Equal(t, tensor.Shape{2, 1, 3}, y.Shape())

	z := y.Squeeze(1)
	assert.Equal(t, tensor.Shape{2, 3}, z.Shape())
}

func TestCloneIsIndependent(t *testing.T) {
	b := cpu.New()
	x := tensor.Ones[float32](tensor.Shape{2}, b)

	y := x.Clone()
	y.Set(5, 0)
	assert.Equal(t, float32(1), x.At(0))
	assert.Equal(t, float32(5), y.At(0))
}

func TestShapeHelpers(t *testing.T) {
	s := tensor.Shape{2, 3, 4}
	assert.Equal(t, 24, s.NumElements())
	assert.True(t, s.Equal(tensor.Shape{2, 3, 4}))
	assert.False(t, s.Equal(tensor.Shape{2, 3}))
}

func TestBroadcastShapes(t *testing.T) {
	out, _, err := tensor.BroadcastShapes(tensor.Shape{2, 1, 4}, tensor.Shape{3, 1})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 4}, out)

	_, _, err = tensor.BroadcastShapes(tensor.Shape{2, 3}, tensor.Shape{4, 3})
	assert.Error(t, err)
}
