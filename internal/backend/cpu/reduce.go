package cpu

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/tensor"
)

// Sum reduces all elements to a scalar tensor of shape [1].
func (c *Backend) Sum(x *tensor.RawTensor) *tensor.RawTensor {
	if x.DType() != tensor.Float32 {
		panic(fmt.Sprintf("sum: unsupported dtype %s", x.DType()))
	}
	var total float32
	for _, v := range x.AsFloat32() {
		total += v
	}
	result := tensor.MustNewRaw(tensor.Shape{1}, tensor.Float32, c.device)
	result.AsFloat32()[0] = total
	return result
}

// SumDim reduces along one dimension. keepDim retains the dimension with size 1.
func (c *Backend) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return c.reduceDim("sumdim", x, dim, keepDim, false)
}

// MeanDim averages along one dimension. keepDim retains the dimension with size 1.
func (c *Backend) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return c.reduceDim("meandim", x, dim, keepDim, true)
}

func (c *Backend) reduceDim(name string, x *tensor.RawTensor, dim int, keepDim, mean bool) *tensor.RawTensor {
	if x.DType() != tensor.Float32 {
		panic(fmt.Sprintf("%s: unsupported dtype %s", name, x.DType()))
	}
	shape := x.Shape()
	dim = normalizeDim(dim, len(shape))

	outShape := make(tensor.Shape, 0, len(shape))
	for i, s := range shape {
		if i == dim {
			if keepDim {
				outShape = append(outShape, 1)
			}
			continue
		}
		outShape = append(outShape, s)
	}
	if len(outShape) == 0 {
		outShape = tensor.Shape{1}
	}

	result := tensor.MustNewRaw(outShape, tensor.Float32, c.device)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	dimSize := shape[dim]

	in := x.AsFloat32()
	out := result.AsFloat32()
	for o := 0; o < outer; o++ {
		for in2 := 0; in2 < inner; in2++ {
			var sum float32
			base := o*dimSize*inner + in2
			for d := 0; d < dimSize; d++ {
				sum += in[base+d*inner]
			}
			if mean {
				sum /= float32(dimSize)
			}
			out[o*inner+in2] = sum
		}
	}
	return result
}

// Argmax returns int64 indices of the maximum along dim. The dimension is removed.
func (c *Backend) Argmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	if x.DType() != tensor.Float32 {
		panic(fmt.Sprintf("argmax: unsupported dtype %s", x.DType()))
	}
	shape := x.Shape()
	dim = normalizeDim(dim, len(shape))

	outShape := make(tensor.Shape, 0, len(shape)-1)
	for i, s := range shape {
		if i != dim {
			outShape = append(outShape, s)
		}
	}
	if len(outShape) == 0 {
		outShape = tensor.Shape{1}
	}

	result := tensor.MustNewRaw(outShape, tensor.Int64, c.device)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	dimSize := shape[dim]

	in := x.AsFloat32()
	out := result.AsInt64()
	for o := 0; o < outer; o++ {
		for in2 := 0; in2 < inner; in2++ {
			base := o*dimSize*inner + in2
			best := in[base]
			bestIdx := int64(0)
			for d := 1; d < dimSize; d++ {
				if v := in[base+d*inner]; v > best {
					best = v
					bestIdx = int64(d)
				}
			}
			out[o*inner+in2] = bestIdx
		}
	}
	return result
}
