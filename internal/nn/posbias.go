package nn

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/tensor"
)

// ContinuousPositionBias produces a per-head additive attention bias from
// relative grid positions. A small MLP maps each of the (2h-1)(2w-1)
// possible displacements to one value per head; the results are gathered
// into a [heads, h*w, h*w] bias for spatial attention.
type ContinuousPositionBias[B tensor.Backend] struct {
	Heads  int
	Dim    int
	Layers []*Linear[B] // Linear(2, dim), hidden Linear(dim, dim)..., Linear(dim, heads)

	backend B
}

// NewContinuousPositionBias creates the bias MLP with the given number of
// hidden layers.
func NewContinuousPositionBias[B tensor.Backend](dim, heads, hiddenLayers int, backend B) *ContinuousPositionBias[B] {
	layers := make([]*Linear[B], 0, hiddenLayers+2)
	layers = append(layers, NewLinear[B](2, dim, backend))
	for i := 0; i < hiddenLayers; i++ {
		layers = append(layers, NewLinear[B](dim, dim, backend))
	}
	layers = append(layers, NewLinear[B](dim, heads, backend))
	return &ContinuousPositionBias[B]{
		Heads:   heads,
		Dim:     dim,
		Layers:  layers,
		backend: backend,
	}
}

// Forward computes the bias for an h x w token grid.
// Returns a tensor of shape [1, heads, h*w, h*w], ready to broadcast over
// the batch dimension of attention scores.
func (c *ContinuousPositionBias[B]) Forward(h, w int) *tensor.Tensor[float32, B] {
	numRel := (2*h - 1) * (2*w - 1)

	// All possible displacements (dy, dx), dy in [-(h-1), h-1].
	relRaw := tensor.MustNewRaw(tensor.Shape{numRel, 2}, tensor.Float32, c.backend.Device())
	rel := relRaw.AsFloat32()
	i := 0
	for dy := -(h - 1); dy <= h-1; dy++ {
		for dx := -(w - 1); dx <= w-1; dx++ {
			rel[i*2] = float32(dy)
			rel[i*2+1] = float32(dx)
			i++
		}
	}

	x := tensor.New[float32, B](relRaw, c.backend)
	for li, layer := range c.Layers {
		x = layer.Forward(x)
		if li < len(c.Layers)-1 {
			x = x.LeakyReLU(0.1)
		}
	}
	// x: [numRel, heads]

	// Index of the displacement between every pair of grid positions.
	n := h * w
	idxRaw := tensor.MustNewRaw(tensor.Shape{n * n}, tensor.Int64, c.backend.Device())
	idx := idxRaw.AsInt64()
	for qi := 0; qi < n; qi++ {
		qy, qx := qi/w, qi%w
		for ki := 0; ki < n; ki++ {
			ky, kx := ki/w, ki%w
			dy := qy - ky + (h - 1)
			dx := qx - kx + (w - 1)
			idx[qi*n+ki] = int64(dy*(2*w-1) + dx)
		}
	}
	indices := tensor.New[int64, B](idxRaw, c.backend)

	gathered := tensor.New[float32, B](c.backend.Embedding(x.Raw(), indices.Raw()), c.backend)
	// [n*n, heads] -> [1, heads, n, n]
	return gathered.Reshape(n, n, c.Heads).Transpose(2, 0, 1).Reshape(1, c.Heads, n, n)
}

// Parameters returns all MLP layer parameters.
func (c *ContinuousPositionBias[B]) Parameters() []*Parameter[B] {
	params := make([]*Parameter[B], 0, len(c.Layers)*2)
	for _, l := range c.Layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// StateDict returns the MLP layers keyed by index.
func (c *ContinuousPositionBias[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for i, l := range c.Layers {
		MergeStateDict(sd, l.StateDict(), fmt.Sprintf("net.%d", i))
	}
	return sd
}

// LoadStateDict restores the MLP layers.
func (c *ContinuousPositionBias[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for i, l := range c.Layers {
		if err := l.LoadStateDict(SubStateDict(stateDict, fmt.Sprintf("net.%d", i))); err != nil {
			return fmt.Errorf("position bias layer %d: %w", i, err)
		}
	}
	return nil
}
