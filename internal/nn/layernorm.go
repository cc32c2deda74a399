package nn

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/tensor"
)

// LayerNorm normalizes the last dimension of the input:
//
//	Y = gamma * (X - mean(X)) / sqrt(var(X) + eps) + beta
//
// Statistics are computed per position across the feature dimension. The
// patch embedders apply it both before and after their linear projection.
type LayerNorm[B tensor.Backend] struct {
	Gamma   *Parameter[B] // learnable scale [d_model]
	Beta    *Parameter[B] // learnable shift [d_model]
	Epsilon float32
	dim     int
	backend B
}

// NewLayerNorm creates a LayerNorm over the given feature dimension.
// Gamma starts at one, beta at zero.
func NewLayerNorm[B tensor.Backend](normalizedShape int, epsilon float32, backend B) *LayerNorm[B] {
	return &LayerNorm[B]{
		Gamma:   NewParameter("gamma", Ones(tensor.Shape{normalizedShape}, backend)),
		Beta:    NewParameter("beta", Zeros(tensor.Shape{normalizedShape}, backend)),
		Epsilon: epsilon,
		dim:     normalizedShape,
		backend: backend,
	}
}

// Forward applies LayerNorm along the last dimension.
// Input and output shapes are [..., d_model].
func (l *LayerNorm[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	mean := x.MeanDim(-1, true)
	xCentered := x.Sub(mean)
	variance := xCentered.Mul(xCentered).MeanDim(-1, true)
	rsqrt := variance.AddScalar(l.Epsilon).Rsqrt()
	xNorm := xCentered.Mul(rsqrt)

	gamma := l.Gamma.Tensor()
	beta := l.Beta.Tensor()
	for i := 0; i < len(x.Shape())-1; i++ {
		gamma = gamma.Unsqueeze(0)
		beta = beta.Unsqueeze(0)
	}
	return xNorm.Mul(gamma).Add(beta)
}

// Parameters returns gamma and beta.
func (l *LayerNorm[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{l.Gamma, l.Beta}
}

// StateDict returns a map of parameter names to raw tensors.
func (l *LayerNorm[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"gamma": l.Gamma.Tensor().Raw(),
		"beta":  l.Beta.Tensor().Raw(),
	}
}

// LoadStateDict loads parameters from a state dictionary.
func (l *LayerNorm[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	want := tensor.Shape{l.dim}
	if err := loadParam(stateDict, "gamma", l.Gamma, want); err != nil {
		return fmt.Errorf("layernorm: %w", err)
	}
	if err := loadParam(stateDict, "beta", l.Beta, want); err != nil {
		return fmt.Errorf("layernorm: %w", err)
	}
	return nil
}
