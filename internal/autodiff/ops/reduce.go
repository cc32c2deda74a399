package ops

import "github.com/born-ml/echopulse/internal/tensor"

// SumOp represents full reduction to a scalar.
// Backward: the scalar gradient broadcasts to the input shape.
type SumOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewSumOp creates a new SumOp.
func NewSumOp(x, output *tensor.RawTensor) *SumOp {
	return &SumOp{inputs: []*tensor.RawTensor{x}, output: output}
}

func (op *SumOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	x := op.inputs[0]
	g := mustFloat32("sum backward", outputGrad)[0]

	result := zerosLike(x, backend)
	out := result.AsFloat32()
	for i := range out {
		out[i] = g
	}
	return []*tensor.RawTensor{result}
}

func (op *SumOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *SumOp) Output() *tensor.RawTensor   { return op.output }

// SumDimOp represents reduction along one dimension.
type SumDimOp struct {
	inputs  []*tensor.RawTensor
	output  *tensor.RawTensor
	dim     int
	keepDim bool
}

// NewSumDimOp creates a new SumDimOp.
func NewSumDimOp(x, output *tensor.RawTensor, dim int, keepDim bool) *SumDimOp {
	return &SumDimOp{inputs: []*tensor.RawTensor{x}, output: output, dim: dim, keepDim: keepDim}
}

func (op *SumDimOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{expandDimGrad(outputGrad, op.inputs[0].Shape(), op.dim, op.keepDim, 1, backend)}
}

func (op *SumDimOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *SumDimOp) Output() *tensor.RawTensor   { return op.output }

// MeanDimOp represents averaging along one dimension.
// Backward divides the broadcast gradient by the dimension size.
type MeanDimOp struct {
	inputs  []*tensor.RawTensor
	output  *tensor.RawTensor
	dim     int
	keepDim bool
}

// NewMeanDimOp creates a new MeanDimOp.
func NewMeanDimOp(x, output *tensor.RawTensor, dim int, keepDim bool) *MeanDimOp {
	return &MeanDimOp{inputs: []*tensor.RawTensor{x}, output: output, dim: dim, keepDim: keepDim}
}

func (op *MeanDimOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	shape := op.inputs[0].Shape()
	dim := op.dim
	if dim < 0 {
		dim += len(shape)
	}
	scale := 1.0 / float32(shape[dim])
	return []*tensor.RawTensor{expandDimGrad(outputGrad, shape, op.dim, op.keepDim, scale, backend)}
}

func (op *MeanDimOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *MeanDimOp) Output() *tensor.RawTensor   { return op.output }

// expandDimGrad broadcasts a reduced gradient back along dim, scaling each
// element by scale.
func expandDimGrad(grad *tensor.RawTensor, inShape tensor.Shape, dim int, keepDim bool, scale float32, backend tensor.Backend) *tensor.RawTensor {
	if dim < 0 {
		dim += len(inShape)
	}
	if !keepDim {
		kept := inShape.Clone()
		kept[dim] = 1
		grad = backend.Reshape(grad, kept)
	}
	expanded := backend.Expand(grad, inShape)
	if scale != 1 {
		expanded = backend.MulScalar(expanded, scale)
	}
	return expanded
}
