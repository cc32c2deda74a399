package ops

import "github.com/born-ml/echopulse/internal/tensor"

// ReshapeOp represents a shape change. The gradient is reshaped back to the
// input shape. Recording it is what lets gradients reach parameters that
// were reshaped for broadcasting, such as convolution biases.
type ReshapeOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewReshapeOp creates a new ReshapeOp.
func NewReshapeOp(x, output *tensor.RawTensor) *ReshapeOp {
	return &ReshapeOp{inputs: []*tensor.RawTensor{x}, output: output}
}

func (op *ReshapeOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Reshape(outputGrad, op.inputs[0].Shape())}
}

func (op *ReshapeOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *ReshapeOp) Output() *tensor.RawTensor   { return op.output }

// TransposeOp represents a dimension permutation. The gradient is permuted
// by the inverse permutation.
type TransposeOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
	axes   []int
}

// NewTransposeOp creates a new TransposeOp.
func NewTransposeOp(x, output *tensor.RawTensor, axes []int) *TransposeOp {
	return &TransposeOp{inputs: []*tensor.RawTensor{x}, output: output, axes: axes}
}

func (op *TransposeOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inverse := make([]int, len(op.axes))
	for i, ax := range op.axes {
		inverse[ax] = i
	}
	return []*tensor.RawTensor{backend.Transpose(outputGrad, inverse...)}
}

func (op *TransposeOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *TransposeOp) Output() *tensor.RawTensor   { return op.output }

// ExpandOp represents broadcasting to a larger shape. The gradient sums
// back over the broadcast dimensions.
type ExpandOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewExpandOp creates a new ExpandOp.
func NewExpandOp(x, output *tensor.RawTensor) *ExpandOp {
	return &ExpandOp{inputs: []*tensor.RawTensor{x}, output: output}
}

func (op *ExpandOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{reduceBroadcast(outputGrad, op.inputs[0].Shape(), backend)}
}

func (op *ExpandOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *ExpandOp) Output() *tensor.RawTensor   { return op.output }

// CatOp represents concatenation along a dimension. The gradient is sliced
// back into per-input chunks.
type CatOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
	dim    int
}

// NewCatOp creates a new CatOp.
func NewCatOp(inputs []*tensor.RawTensor, output *tensor.RawTensor, dim int) *CatOp {
	return &CatOp{inputs: inputs, output: output, dim: dim}
}

func (op *CatOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	dim := op.dim
	if dim < 0 {
		dim += len(op.output.Shape())
	}
	grads := make([]*tensor.RawTensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		size := in.Shape()[dim]
		grads[i] = backend.Narrow(outputGrad, dim, offset, size)
		offset += size
	}
	return grads
}

func (op *CatOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *CatOp) Output() *tensor.RawTensor   { return op.output }

// NarrowOp represents a contiguous slice along a dimension. The gradient
// scatters back into a zero tensor of the input shape.
type NarrowOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
	dim    int
	start  int
}

// NewNarrowOp creates a new NarrowOp.
func NewNarrowOp(x, output *tensor.RawTensor, dim, start int) *NarrowOp {
	return &NarrowOp{inputs: []*tensor.RawTensor{x}, output: output, dim: dim, start: start}
}

func (op *NarrowOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	x := op.inputs[0]
	shape := x.Shape()
	dim := op.dim
	if dim < 0 {
		dim += len(shape)
	}
	length := op.output.Shape()[dim]

	result := zerosLike(x, backend)
	out := result.AsFloat32()
	grad := mustFloat32("narrow backward", outputGrad)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	for o := 0; o < outer; o++ {
		dstOff := (o*shape[dim] + op.start) * inner
		srcOff := o * length * inner
		copy(out[dstOff:dstOff+length*inner], grad[srcOff:srcOff+length*inner])
	}
	return []*tensor.RawTensor{result}
}

func (op *NarrowOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *NarrowOp) Output() *tensor.RawTensor   { return op.output }
