// Package ops defines differentiable operations for reverse-mode
// automatic differentiation.
//
// Each operation captures its inputs and output during the forward pass
// and computes input gradients from the output gradient during the
// backward pass.
package ops

import "github.com/born-ml/echopulse/internal/tensor"

// Operation represents a differentiable operation in the computation graph.
type Operation interface {
	// Backward computes gradients for inputs given the output gradient.
	// Returns one gradient per input tensor; nil entries mean the input
	// is not differentiable (for example integer indices).
	Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.RawTensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.RawTensor
}
