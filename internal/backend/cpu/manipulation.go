package cpu

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/tensor"
)

// Reshape returns a view of the tensor under a new shape.
func (c *Backend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	if newShape.NumElements() != t.NumElements() {
		panic(fmt.Sprintf("reshape: cannot reshape %v to %v", t.Shape(), newShape))
	}
	return t.WithShape(newShape)
}

// Transpose permutes the tensor's dimensions, copying into contiguous layout.
// Empty axes reverse all dimensions.
func (c *Backend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := t.Shape()
	ndim := len(shape)

	if len(axes) == 0 {
		axes = make([]int, ndim)
		for i := range axes {
			axes[i] = ndim - 1 - i
		}
	}
	if len(axes) != ndim {
		panic(fmt.Sprintf("transpose: expected %d axes, got %d", ndim, len(axes)))
	}

	seen := make([]bool, ndim)
	outShape := make(tensor.Shape, ndim)
	for i, ax := range axes {
		if ax < 0 || ax >= ndim || seen[ax] {
			panic(fmt.Sprintf("transpose: invalid axes %v for shape %v", axes, shape))
		}
		seen[ax] = true
		outShape[i] = shape[ax]
	}

	result := tensor.MustNewRaw(outShape, t.DType(), c.device)

	inStrides := shape.ComputeStrides()
	outStrides := outShape.ComputeStrides()

	// Source stride for each output dimension.
	srcStrides := make([]int, ndim)
	for i, ax := range axes {
		srcStrides[i] = inStrides[ax]
	}

	switch t.DType() {
	case tensor.Float32:
		copyPermuted(result.AsFloat32(), t.AsFloat32(), outStrides, srcStrides)
	case tensor.Int64:
		copyPermuted(result.AsInt64(), t.AsInt64(), outStrides, srcStrides)
	case tensor.Bool:
		copyPermuted(result.AsBool(), t.AsBool(), outStrides, srcStrides)
	default:
		panic(fmt.Sprintf("transpose: unsupported dtype %s", t.DType()))
	}
	return result
}

func copyPermuted[T any](dst, src []T, outStrides, srcStrides []int) {
	for i := range dst {
		dst[i] = src[flatIndex(i, outStrides, srcStrides)]
	}
}

// Expand broadcasts the tensor to the given shape, materializing the copy.
func (c *Backend) Expand(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	_, _, err := tensor.BroadcastShapes(x.Shape(), shape)
	if err != nil {
		panic(fmt.Sprintf("expand: %v", err))
	}

	result := tensor.MustNewRaw(shape, x.DType(), c.device)
	srcStrides := broadcastStrides(x.Shape(), shape)
	outStrides := shape.ComputeStrides()

	switch x.DType() {
	case tensor.Float32:
		copyPermuted(result.AsFloat32(), x.AsFloat32(), outStrides, srcStrides)
	case tensor.Int64:
		copyPermuted(result.AsInt64(), x.AsInt64(), outStrides, srcStrides)
	case tensor.Bool:
		copyPermuted(result.AsBool(), x.AsBool(), outStrides, srcStrides)
	default:
		panic(fmt.Sprintf("expand: unsupported dtype %s", x.DType()))
	}
	return result
}

// Cat concatenates tensors along a dimension.
func (c *Backend) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	if len(tensors) == 0 {
		panic("cat: empty tensor list")
	}

	first := tensors[0]
	ndim := len(first.Shape())
	dim = normalizeDim(dim, ndim)

	outShape := first.Shape().Clone()
	for _, t := range tensors[1:] {
		if len(t.Shape()) != ndim {
			panic("cat: rank mismatch")
		}
		for i := 0; i < ndim; i++ {
			if i != dim && t.Shape()[i] != outShape[i] {
				panic(fmt.Sprintf("cat: shape mismatch at dim %d: %v vs %v", i, first.Shape(), t.Shape()))
			}
		}
		outShape[dim] += t.Shape()[dim]
	}

	result := tensor.MustNewRaw(outShape, first.DType(), c.device)

	// The concat axis splits each tensor into outer-many contiguous chunks of
	// (dimSize * inner) elements; interleave the chunks.
	outer := 1
	for i := 0; i < dim; i++ {
		outer *= outShape[i]
	}
	inner := 1
	for i := dim + 1; i < ndim; i++ {
		inner *= outShape[i]
	}

	switch first.DType() {
	case tensor.Float32:
		catChunks(result.AsFloat32(), tensors, dim, outer, inner, func(t *tensor.RawTensor) []float32 { return t.AsFloat32() })
	case tensor.Int64:
		catChunks(result.AsInt64(), tensors, dim, outer, inner, func(t *tensor.RawTensor) []int64 { return t.AsInt64() })
	case tensor.Bool:
		catChunks(result.AsBool(), tensors, dim, outer, inner, func(t *tensor.RawTensor) []bool { return t.AsBool() })
	default:
		panic(fmt.Sprintf("cat: unsupported dtype %s", first.DType()))
	}
	return result
}

func catChunks[T any](out []T, tensors []*tensor.RawTensor, dim, outer, inner int, data func(*tensor.RawTensor) []T) {
	dstOff := 0
	for o := 0; o < outer; o++ {
		for _, t := range tensors {
			chunk := t.Shape()[dim] * inner
			src := data(t)[o*chunk : (o+1)*chunk]
			copy(out[dstOff:dstOff+chunk], src)
			dstOff += chunk
		}
	}
}

// Narrow returns a copy of a contiguous slice [start, start+length) along dim.
func (c *Backend) Narrow(x *tensor.RawTensor, dim, start, length int) *tensor.RawTensor {
	shape := x.Shape()
	dim = normalizeDim(dim, len(shape))
	if start < 0 || length <= 0 || start+length > shape[dim] {
		panic(fmt.Sprintf("narrow: invalid range [%d, %d) for dim %d of size %d", start, start+length, dim, shape[dim]))
	}

	outShape := shape.Clone()
	outShape[dim] = length
	result := tensor.MustNewRaw(outShape, x.DType(), c.device)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}

	switch x.DType() {
	case tensor.Float32:
		narrowChunks(result.AsFloat32(), x.AsFloat32(), shape[dim], start, length, outer, inner)
	case tensor.Int64:
		narrowChunks(result.AsInt64(), x.AsInt64(), shape[dim], start, length, outer, inner)
	case tensor.Bool:
		narrowChunks(result.AsBool(), x.AsBool(), shape[dim], start, length, outer, inner)
	default:
		panic(fmt.Sprintf("narrow: unsupported dtype %s", x.DType()))
	}
	return result
}

func narrowChunks[T any](out, in []T, dimSize, start, length, outer, inner int) {
	for o := 0; o < outer; o++ {
		srcOff := (o*dimSize + start) * inner
		dstOff := o * length * inner
		copy(out[dstOff:dstOff+length*inner], in[srcOff:srcOff+length*inner])
	}
}
