package ops

import "github.com/born-ml/echopulse/internal/tensor"

// ExpOp represents element-wise exponentiation: output = exp(x).
// Backward: grad * output.
type ExpOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewExpOp creates a new ExpOp.
func NewExpOp(x, output *tensor.RawTensor) *ExpOp {
	return &ExpOp{inputs: []*tensor.RawTensor{x}, output: output}
}

func (op *ExpOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Mul(outputGrad, op.output)}
}

func (op *ExpOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *ExpOp) Output() *tensor.RawTensor   { return op.output }

// LogOp represents element-wise natural logarithm. Backward: grad / x.
type LogOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewLogOp creates a new LogOp.
func NewLogOp(x, output *tensor.RawTensor) *LogOp {
	return &LogOp{inputs: []*tensor.RawTensor{x}, output: output}
}

func (op *LogOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Div(outputGrad, op.inputs[0])}
}

func (op *LogOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *LogOp) Output() *tensor.RawTensor   { return op.output }

// SqrtOp represents element-wise square root. Backward: grad / (2·output).
type SqrtOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewSqrtOp creates a new SqrtOp.
func NewSqrtOp(x, output *tensor.RawTensor) *SqrtOp {
	return &SqrtOp{inputs: []*tensor.RawTensor{x}, output: output}
}

func (op *SqrtOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Div(backend.MulScalar(outputGrad, 0.5), op.output)}
}

func (op *SqrtOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *SqrtOp) Output() *tensor.RawTensor   { return op.output }

// RsqrtOp represents element-wise reciprocal square root: output = x^(-1/2).
// Backward: grad · (-1/2) · output³.
type RsqrtOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewRsqrtOp creates a new RsqrtOp.
func NewRsqrtOp(x, output *tensor.RawTensor) *RsqrtOp {
	return &RsqrtOp{inputs: []*tensor.RawTensor{x}, output: output}
}

func (op *RsqrtOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	cube := backend.Mul(backend.Mul(op.output, op.output), op.output)
	return []*tensor.RawTensor{backend.MulScalar(backend.Mul(outputGrad, cube), -0.5)}
}

func (op *RsqrtOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *RsqrtOp) Output() *tensor.RawTensor   { return op.output }

// ReLUOp represents rectified linear activation.
// Backward: grad where x > 0, zero elsewhere.
type ReLUOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewReLUOp creates a new ReLUOp.
func NewReLUOp(x, output *tensor.RawTensor) *ReLUOp {
	return &ReLUOp{inputs: []*tensor.RawTensor{x}, output: output}
}

func (op *ReLUOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	x := mustFloat32("relu backward", op.inputs[0])
	grad := mustFloat32("relu backward", outputGrad)

	result := zerosLike(op.inputs[0], backend)
	out := result.AsFloat32()
	for i, v := range x {
		if v > 0 {
			out[i] = grad[i]
		}
	}
	return []*tensor.RawTensor{result}
}

func (op *ReLUOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *ReLUOp) Output() *tensor.RawTensor   { return op.output }

// LeakyReLUOp represents leaky rectified linear activation with a
// configurable negative slope.
type LeakyReLUOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
	slope  float32
}

// NewLeakyReLUOp creates a new LeakyReLUOp.
func NewLeakyReLUOp(x, output *tensor.RawTensor, slope float32) *LeakyReLUOp {
	return &LeakyReLUOp{inputs: []*tensor.RawTensor{x}, output: output, slope: slope}
}

func (op *LeakyReLUOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	x := mustFloat32("leakyrelu backward", op.inputs[0])
	grad := mustFloat32("leakyrelu backward", outputGrad)

	result := zerosLike(op.inputs[0], backend)
	out := result.AsFloat32()
	for i, v := range x {
		if v > 0 {
			out[i] = grad[i]
		} else {
			out[i] = grad[i] * op.slope
		}
	}
	return []*tensor.RawTensor{result}
}

func (op *LeakyReLUOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *LeakyReLUOp) Output() *tensor.RawTensor   { return op.output }

// SigmoidOp represents the logistic activation: output = 1 / (1 + exp(-x)).
// Backward: grad · output · (1 - output).
type SigmoidOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewSigmoidOp creates a new SigmoidOp.
func NewSigmoidOp(x, output *tensor.RawTensor) *SigmoidOp {
	return &SigmoidOp{inputs: []*tensor.RawTensor{x}, output: output}
}

func (op *SigmoidOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	y := mustFloat32("sigmoid backward", op.output)
	grad := mustFloat32("sigmoid backward", outputGrad)

	result := zerosLike(op.output, backend)
	out := result.AsFloat32()
	for i, v := range y {
		out[i] = grad[i] * v * (1 - v)
	}
	return []*tensor.RawTensor{result}
}

func (op *SigmoidOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *SigmoidOp) Output() *tensor.RawTensor   { return op.output }

// SoftmaxOp represents softmax along a dimension.
//
// The Jacobian collapses to:
//
//	grad_x = output · (grad - Σ_dim(grad · output))
type SoftmaxOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
	dim    int
}

// NewSoftmaxOp creates a new SoftmaxOp.
func NewSoftmaxOp(x, output *tensor.RawTensor, dim int) *SoftmaxOp {
	return &SoftmaxOp{inputs: []*tensor.RawTensor{x}, output: output, dim: dim}
}

func (op *SoftmaxOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inner := backend.SumDim(backend.Mul(outputGrad, op.output), op.dim, true)
	return []*tensor.RawTensor{backend.Mul(op.output, backend.Sub(outputGrad, inner))}
}

func (op *SoftmaxOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *SoftmaxOp) Output() *tensor.RawTensor   { return op.output }
