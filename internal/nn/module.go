// Package nn implements neural network modules for the EchoPulse video
// tokenizer.
//
// It provides the building blocks the factorized video transformer is
// assembled from:
//   - Module interface: base interface for all components
//   - Parameter: trainable tensors with gradient slots
//   - Linear, LayerNorm, Conv2D, Conv3D: core layers
//   - ScaledDotProductAttention, MultiHeadAttention: attention with an
//     optional additive relative-position bias
//   - FeedForward, PEG, ContinuousPositionBias: transformer companions
//
// Design follows the PyTorch nn.Module shape, adapted for Go generics.
package nn

import (
	"github.com/born-ml/echopulse/internal/tensor"
)

// Module is the base interface for all neural network components.
//
// Type parameter B must satisfy the tensor.Backend interface.
type Module[B tensor.Backend] interface {
	// Forward computes the output of the module given an input tensor.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns all trainable parameters of this module,
	// including nested module parameters. Modules without trainable
	// state return an empty slice.
	Parameters() []*Parameter[B]
}

// Stateful is implemented by modules whose parameters can be exported to
// and restored from a flat name-to-tensor mapping.
type Stateful interface {
	// StateDict returns a map of parameter names to raw tensors.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict loads parameters from a state dictionary.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}

// MergeStateDict copies src entries into dst under the given key prefix.
func MergeStateDict(dst, src map[string]*tensor.RawTensor, prefix string) {
	for k, v := range src {
		dst[prefix+"."+k] = v
	}
}

// SubStateDict extracts the entries under prefix, with the prefix stripped.
func SubStateDict(src map[string]*tensor.RawTensor, prefix string) map[string]*tensor.RawTensor {
	sub := make(map[string]*tensor.RawTensor)
	p := prefix + "."
	for k, v := range src {
		if len(k) > len(p) && k[:len(p)] == p {
			sub[k[len(p):]] = v
		}
	}
	return sub
}
