package cpu

import (
	"math"

	"github.com/born-ml/echopulse/internal/tensor"
)

// Exp computes the element-wise exponential.
func (c *Backend) Exp(x *tensor.RawTensor) *tensor.RawTensor {
	return c.unaryOp(x, func(v float32) float32 { return float32(math.Exp(float64(v))) })
}

// Log computes the element-wise natural logarithm.
func (c *Backend) Log(x *tensor.RawTensor) *tensor.RawTensor {
	return c.unaryOp(x, func(v float32) float32 { return float32(math.Log(float64(v))) })
}

// Sqrt computes the element-wise square root.
func (c *Backend) Sqrt(x *tensor.RawTensor) *tensor.RawTensor {
	return c.unaryOp(x, func(v float32) float32 { return float32(math.Sqrt(float64(v))) })
}

// Rsqrt computes the element-wise reciprocal square root.
func (c *Backend) Rsqrt(x *tensor.RawTensor) *tensor.RawTensor {
	return c.unaryOp(x, func(v float32) float32 { return float32(1.0 / math.Sqrt(float64(v))) })
}

// ReLU computes max(0, x) element-wise.
func (c *Backend) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	return c.unaryOp(x, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

// LeakyReLU computes x for x > 0 and slope*x otherwise.
func (c *Backend) LeakyReLU(x *tensor.RawTensor, slope float32) *tensor.RawTensor {
	return c.unaryOp(x, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return slope * v
	})
}

// Sigmoid computes 1 / (1 + exp(-x)) element-wise.
func (c *Backend) Sigmoid(x *tensor.RawTensor) *tensor.RawTensor {
	return c.unaryOp(x, func(v float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(float64(-v))))
	})
}

// Softmax computes softmax along dim with max-shifting for stability.
func (c *Backend) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	dim = normalizeDim(dim, len(shape))

	result := tensor.MustNewRaw(shape, x.DType(), c.device)
	in := x.AsFloat32()
	out := result.AsFloat32()

	strides := shape.ComputeStrides()
	dimSize := shape[dim]
	dimStride := strides[dim]

	// Iterate over all slices along dim.
	outer := 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	inner := dimStride

	for o := 0; o < outer; o++ {
		for in2 := 0; in2 < inner; in2++ {
			base := o*dimSize*inner + in2

			maxVal := in[base]
			for k := 1; k < dimSize; k++ {
				if v := in[base+k*dimStride]; v > maxVal {
					maxVal = v
				}
			}

			var sum float32
			for k := 0; k < dimSize; k++ {
				e := float32(math.Exp(float64(in[base+k*dimStride] - maxVal)))
				out[base+k*dimStride] = e
				sum += e
			}
			for k := 0; k < dimSize; k++ {
				out[base+k*dimStride] /= sum
			}
		}
	}
	return result
}
