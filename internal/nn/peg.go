package nn

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/tensor"
)

// PEG is a position generating module: a depthwise 3x3x3 convolution over
// the token grid that injects positional information into transformer
// layers. Time is padded causally, so a token never sees frames after it.
type PEG[B tensor.Backend] struct {
	Dim     int
	weight  *Parameter[B] // [dim, 1, 3, 3, 3]
	backend B
}

// NewPEG creates a PEG over the given channel dimension.
func NewPEG[B tensor.Backend](dim int, backend B) *PEG[B] {
	weight := Xavier(27, 27, tensor.Shape{dim, 1, 3, 3, 3}, backend)
	return &PEG[B]{
		Dim:     dim,
		weight:  NewParameter("weight", weight),
		backend: backend,
	}
}

// Forward applies the depthwise convolution to tokens laid out as a
// (b, t, h, w) grid. x must hold b*t*h*w positions of Dim channels in
// that order, regardless of how the caller batches them.
func (p *PEG[B]) Forward(x *tensor.Tensor[float32, B], b, t, h, w int) *tensor.Tensor[float32, B] {
	if x.NumElements() != b*t*h*w*p.Dim {
		panic(fmt.Sprintf("PEG.Forward: %d elements cannot form a (%d,%d,%d,%d,%d) grid",
			x.NumElements(), b, t, h, w, p.Dim))
	}
	origShape := x.Shape()

	// [b, t, h, w, d] -> [b, d, t, h, w]
	grid := x.Reshape(b, t, h, w, p.Dim).Transpose(0, 4, 1, 2, 3)

	// Causal temporal padding: two zero frames in front, none behind.
	pad := tensor.Zeros[float32](tensor.Shape{b, p.Dim, 2, h, w}, p.backend)
	grid = tensor.Cat([]*tensor.Tensor[float32, B]{pad, grid}, 2)

	// Depthwise: convolve each channel with its own 1-channel kernel.
	outs := make([]*tensor.Tensor[float32, B], p.Dim)
	for c := 0; c < p.Dim; c++ {
		ch := grid.Narrow(1, c, 1)
		kernel := p.weight.Tensor().Narrow(0, c, 1)
		raw := p.backend.Conv3D(ch.Raw(), kernel.Raw(), 1, 1, 0, 1)
		outs[c] = tensor.New[float32, B](raw, p.backend)
	}
	out := tensor.Cat(outs, 1)

	// [b, d, t, h, w] -> original layout.
	out = out.Transpose(0, 2, 3, 4, 1)
	return out.Reshape(origShape...)
}

// Parameters returns the depthwise kernel.
func (p *PEG[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{p.weight}
}

// StateDict returns a map of parameter names to raw tensors.
func (p *PEG[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{"weight": p.weight.Tensor().Raw()}
}

// LoadStateDict loads parameters from a state dictionary.
func (p *PEG[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := loadParam(stateDict, "weight", p.weight, tensor.Shape{p.Dim, 1, 3, 3, 3}); err != nil {
		return fmt.Errorf("peg: %w", err)
	}
	return nil
}
