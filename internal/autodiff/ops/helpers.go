package ops

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/tensor"
)

// reduceBroadcast reduces a gradient tensor to the target input shape.
// Needed whenever broadcasting expanded the input during the forward pass:
// gradient contributions along broadcast dimensions must be summed.
func reduceBroadcast(grad *tensor.RawTensor, targetShape tensor.Shape, backend tensor.Backend) *tensor.RawTensor {
	gradShape := grad.Shape()

	// Clone on the match path so accumulation never aliases a shared gradient.
	if gradShape.Equal(targetShape) {
		return grad.Clone()
	}

	// Broadcasting aligns shapes from the right; leading extra dimensions
	// of the gradient are summed away first.
	result := grad
	for len(result.Shape()) > len(targetShape) {
		result = backend.SumDim(result, 0, false)
	}

	// Then sum along dimensions the input held at size 1.
	for i, s := range targetShape {
		if s == 1 && result.Shape()[i] > 1 {
			result = backend.SumDim(result, i, true)
		}
	}

	if !result.Shape().Equal(targetShape) {
		result = backend.Reshape(result, targetShape)
	}
	return result
}

// zerosLike allocates a zero-filled tensor with the same shape and dtype.
func zerosLike(t *tensor.RawTensor, backend tensor.Backend) *tensor.RawTensor {
	return tensor.MustNewRaw(t.Shape(), t.DType(), backend.Device())
}

func mustFloat32(name string, t *tensor.RawTensor) []float32 {
	if t.DType() != tensor.Float32 {
		panic(fmt.Sprintf("%s: unsupported dtype %s", name, t.DType()))
	}
	return t.AsFloat32()
}
