package nn

import (
	"github.com/born-ml/echopulse/internal/tensor"
)

// GELU applies the Gaussian error linear unit using the sigmoid
// approximation x * sigma(1.702 x).
func GELU[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return x.Mul(x.MulScalar(1.702).Sigmoid())
}

// FeedForward is the transformer position-wise MLP:
//
//	Linear(dim, dim*mult) -> GELU -> Linear(dim*mult, dim)
type FeedForward[B tensor.Backend] struct {
	In      *Linear[B]
	Out     *Linear[B]
	dim     int
	backend B
}

// NewFeedForward creates a FeedForward with hidden width dim * mult.
func NewFeedForward[B tensor.Backend](dim, mult int, backend B) *FeedForward[B] {
	return &FeedForward[B]{
		In:      NewLinear[B](dim, dim*mult, backend),
		Out:     NewLinear[B](dim*mult, dim, backend),
		dim:     dim,
		backend: backend,
	}
}

// Forward applies the MLP to [batch, seq, dim] input.
func (f *FeedForward[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	batch, seq := shape[0], shape[1]

	h := f.In.Forward(x.Reshape(batch*seq, f.dim))
	h = GELU(h)
	return f.Out.Forward(h).Reshape(batch, seq, f.dim)
}

// Parameters returns both projection layers' parameters.
func (f *FeedForward[B]) Parameters() []*Parameter[B] {
	params := make([]*Parameter[B], 0, 4)
	params = append(params, f.In.Parameters()...)
	params = append(params, f.Out.Parameters()...)
	return params
}

// StateDict returns both projections keyed by position.
func (f *FeedForward[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	MergeStateDict(sd, f.In.StateDict(), "proj_in")
	MergeStateDict(sd, f.Out.StateDict(), "proj_out")
	return sd
}

// LoadStateDict restores both projections.
func (f *FeedForward[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := f.In.LoadStateDict(SubStateDict(stateDict, "proj_in")); err != nil {
		return err
	}
	return f.Out.LoadStateDict(SubStateDict(stateDict, "proj_out"))
}
