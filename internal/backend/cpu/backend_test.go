package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/echopulse/internal/tensor"
)

func fromSlice[T tensor.DType](t *testing.T, data []T, shape tensor.Shape, b *Backend) *tensor.Tensor[T, *Backend] {
	t.Helper()
	out, err := tensor.FromSlice(data, shape, b)
	require.NoError(t, err)
	return out
}

func TestAddBroadcasting(t *testing.T) {
	b := New()
	x := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2}, b)
	y := fromSlice(t, []float32{10, 20}, tensor.Shape{2}, b)

	z := x.Add(y)
	assert.Equal(t, tensor.Shape{2, 2}, z.Shape())
	assert.Equal(t, []float32{11, 22, 13, 24}, z.Data())
}

func TestMatMul(t *testing.T) {
	b := New()
	x := fromSlice(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, b)
	y := fromSlice(t, []float32{7, 8, 9, 10, 11, 12}, tensor.Shape{3, 2}, b)

	z := x.MatMul(y)
	assert.Equal(t, tensor.Shape{2, 2}, z.Shape())
	assert.Equal(t, []float32{58, 64, 139, 154}, z.Data())
}

func TestBatchMatMul(t *testing.T) {
	b := New()
	x := fromSlice(t, []float32{
		1, 0, 0, 1, // identity
		2, 0, 0, 2, // 2*identity
	}, tensor.Shape{2, 2, 2}, b)
	y := fromSlice(t, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
	}, tensor.Shape{2, 2, 2}, b)

	z := x.BatchMatMul(y)
	assert.Equal(t, []float32{1, 2, 3, 4, 10, 12, 14, 16}, z.Data())
}

func TestTranspose(t *testing.T) {
	b := New()
	x := fromSlice(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, b)

	y := x.Transpose(1, 0)
	assert.Equal(t, tensor.Shape{3, 2}, y.Shape())
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, y.Data())
}

func TestTransposeHighRank(t *testing.T) {
	b := New()
	data := make([]float32, 24)
	for i := range data {
		data[i] = float32(i)
	}
	x := fromSlice(t, data, tensor.Shape{2, 3, 4}, b)

	y := x.Transpose(2, 0, 1)
	assert.Equal(t, tensor.Shape{4, 2, 3}, y.Shape())
	// y[k, i, j] == x[i, j, k]
	assert.Equal(t, float32(0), y.At(0, 0, 0))
	assert.Equal(t, float32(13), y.At(1, 1, 0))
	assert.Equal(t, float32(23), y.At(3, 1, 2))
}

func TestCatNarrowRoundTrip(t *testing.T) {
	b := New()
	x := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2}, b)
	y := fromSlice(t, []float32{5, 6}, tensor.Shape{1, 2}, b)

	z := tensor.Cat([]*tensor.Tensor[float32, *Backend]{x, y}, 0)
	assert.Equal(t, tensor.Shape{3, 2}, z.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, z.Data())

	back := z.Narrow(0, 0, 2)
	assert.Equal(t, x.Data(), back.Data())
	tail := z.Narrow(0, 2, 1)
	assert.Equal(t, y.Data(), tail.Data())
}

func TestCatInnerDim(t *testing.T) {
	b := New()
	x := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2}, b)
	y := fromSlice(t, []float32{9, 10}, tensor.Shape{2, 1}, b)

	z := tensor.Cat([]*tensor.Tensor[float32, *Backend]{x, y}, 1)
	assert.Equal(t, tensor.Shape{2, 3}, z.Shape())
	assert.Equal(t, []float32{1, 2, 9, 3, 4, 10}, z.Data())
}

func TestSumAndMeanDim(t *testing.T) {
	b := New()
	x := fromSlice(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, b)

	sum := x.SumDim(1, false)
	assert.Equal(t, tensor.Shape{2}, sum.Shape())
	assert.Equal(t, []float32{6, 15}, sum.Data())

	kept := x.SumDim(0, true)
	assert.Equal(t, tensor.Shape{1, 3}, kept.Shape())
	assert.Equal(t, []float32{5, 7, 9}, kept.Data())

	mean := x.MeanDim(-1, false)
	assert.Equal(t, []float32{2, 5}, mean.Data())
}

func TestArgmax(t *testing.T) {
	b := New()
	x := fromSlice(t, []float32{0.1, 0.9, 0.3, 0.7, 0.2, 0.5}, tensor.Shape{2, 3}, b)

	idx := x.Argmax(-1)
	assert.Equal(t, tensor.Shape{2}, idx.Shape())
	assert.Equal(t, []int64{1, 0}, idx.Data())
}

func TestConv2DKnownValues(t *testing.T) {
	b := New()
	input := fromSlice(t, []float32{
		1, 1, 1,
		1, 1, 1,
		1, 1, 1,
	}, tensor.Shape{1, 1, 3, 3}, b)
	kernel := fromSlice(t, []float32{
		1, 1, 1,
		1, 1, 1,
		1, 1, 1,
	}, tensor.Shape{1, 1, 3, 3}, b)

	out := tensor.New[float32](b.Conv2D(input.Raw(), kernel.Raw(), 1, 1), b)
	require.Equal(t, tensor.Shape{1, 1, 3, 3}, out.Shape())
	// Each output counts the overlapping ones.
	assert.Equal(t, []float32{
		4, 6, 4,
		6, 9, 6,
		4, 6, 4,
	}, out.Data())
}

func TestConv2DStride(t *testing.T) {
	b := New()
	data := make([]float32, 16)
	for i := range data {
		data[i] = 1
	}
	input := fromSlice(t, data, tensor.Shape{1, 1, 4, 4}, b)
	kernel := fromSlice(t, []float32{1}, tensor.Shape{1, 1, 1, 1}, b)

	out := tensor.New[float32](b.Conv2D(input.Raw(), kernel.Raw(), 2, 0), b)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
}

func TestConv3DShape(t *testing.T) {
	b := New()
	input := tensor.Ones[float32](tensor.Shape{1, 2, 3, 4, 4}, b)
	kernel := tensor.Ones[float32](tensor.Shape{5, 2, 2, 3, 3}, b)

	out := tensor.New[float32](b.Conv3D(input.Raw(), kernel.Raw(), 1, 1, 0, 1), b)
	assert.Equal(t, tensor.Shape{1, 5, 2, 4, 4}, out.Shape())
	// Full-overlap center positions sum every kernel element.
	assert.Equal(t, float32(2*2*3*3), out.At(0, 0, 0, 1, 1))
}

func TestResize2DAlignedCorners(t *testing.T) {
	b := New()
	input := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{1, 1, 2, 2}, b)

	out := tensor.New[float32](b.Resize2D(input.Raw(), 4, 4), b)
	require.Equal(t, tensor.Shape{1, 1, 4, 4}, out.Shape())
	assert.InDelta(t, 1, out.At(0, 0, 0, 0), 1e-6)
	assert.InDelta(t, 2, out.At(0, 0, 0, 3), 1e-6)
	assert.InDelta(t, 3, out.At(0, 0, 3, 0), 1e-6)
	assert.InDelta(t, 4, out.At(0, 0, 3, 3), 1e-6)
	// Interior points interpolate linearly: scale is 1/3 here.
	assert.InDelta(t, 1+1.0/3, out.At(0, 0, 0, 1), 1e-5)
	assert.InDelta(t, 1+2.0/3, out.At(0, 0, 1, 0), 1e-5)
}

func TestEmbedding(t *testing.T) {
	b := New()
	weight := fromSlice(t, []float32{
		0, 1,
		10, 11,
		20, 21,
		30, 31,
	}, tensor.Shape{4, 2}, b)
	indices := fromSlice(t, []int64{3, 0, 2}, tensor.Shape{3}, b)

	out := tensor.New[float32](b.Embedding(weight.Raw(), indices.Raw()), b)
	assert.Equal(t, tensor.Shape{3, 2}, out.Shape())
	assert.Equal(t, []float32{30, 31, 0, 1, 20, 21}, out.Data())
}

func TestWhere(t *testing.T) {
	b := New()
	cond := fromSlice(t, []bool{true, false, false, true}, tensor.Shape{2, 2}, b)
	a := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2}, b)
	c := fromSlice(t, []float32{-1, -2, -3, -4}, tensor.Shape{2, 2}, b)

	out := tensor.New[float32](b.Where(cond.Raw(), a.Raw(), c.Raw()), b)
	assert.Equal(t, []float32{1, -2, -3, 4}, out.Data())
}

func TestSoftmaxRows(t *testing.T) {
	b := New()
	x := fromSlice(t, []float32{1, 1, 1, 0, 0, 0}, tensor.Shape{2, 3}, b)

	y := x.Softmax(-1)
	for i := 0; i < 6; i++ {
		assert.InDelta(t, 1.0/3.0, y.Data()[i], 1e-6)
	}
}
