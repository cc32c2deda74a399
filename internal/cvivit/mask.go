package cvivit

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/tensor"
)

// tokenMask turns a per-frame validity mask [b, t] into a per-token
// mask [b, steps*h*w]. The first frame maps to its own token step; each
// later step is valid when any frame inside its temporal patch window
// is valid. The step mask is then repeated across the spatial grid.
func (m *Model[B]) tokenMask(frameMask *tensor.Tensor[bool, B], frames int) (*tensor.Tensor[bool, B], error) {
	shape := frameMask.Shape()
	if len(shape) != 2 || shape[1] != frames {
		return nil, fmt.Errorf("%w: mask shape %v for %d frames", ErrMaskLength, shape, frames)
	}
	b := shape[0]
	pt := m.config.TemporalPatchSize
	steps := 1 + (frames-1)/pt
	h, w := m.config.PatchGrid()
	spatial := h * w

	src := frameMask.Raw().AsBool()
	out := make([]bool, b*steps*spatial)
	for bi := 0; bi < b; bi++ {
		row := src[bi*frames : (bi+1)*frames]
		for s := 0; s < steps; s++ {
			valid := false
			if s == 0 {
				valid = row[0]
			} else {
				start := 1 + (s-1)*pt
				for f := start; f < start+pt; f++ {
					if row[f] {
						valid = true
						break
					}
				}
			}
			if valid {
				base := (bi*steps + s) * spatial
				for i := 0; i < spatial; i++ {
					out[base+i] = true
				}
			}
		}
	}
	mask, err := tensor.FromSlice(out, tensor.Shape{b, steps * spatial}, m.backend)
	if err != nil {
		return nil, err
	}
	return mask, nil
}
