package nn

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/tensor"
)

// TransformerConfig defines the configuration for a Transformer stack.
type TransformerConfig struct {
	Dim     int     // model dimension
	Depth   int     // number of blocks
	Heads   int     // attention heads
	HeadDim int     // dimension per head
	FFMult  int     // feed-forward width multiplier
	PEG     bool    // inject a position generating module before each block
	NormEps float32 // LayerNorm epsilon
}

// GridShape describes the token grid a sequence was flattened from.
// PEG needs it to rebuild the (b, t, h, w) volume.
type GridShape struct {
	Batch  int
	Frames int
	Height int
	Width  int
}

type transformerBlock[B tensor.Backend] struct {
	peg       *PEG[B] // nil when disabled
	attnNorm  *LayerNorm[B]
	attention *MultiHeadAttention[B]
	ffnNorm   *LayerNorm[B]
	ffn       *FeedForward[B]
}

// Transformer is a pre-norm transformer stack with a final LayerNorm.
//
// Every block optionally applies a PEG before attention, and attention
// accepts an additive relative-position bias. The same stack serves both
// the spatial and the temporal axes of the factorized video transformer;
// only the sequence layout differs.
type Transformer[B tensor.Backend] struct {
	Config  TransformerConfig
	blocks  []*transformerBlock[B]
	norm    *LayerNorm[B]
	backend B
}

// NewTransformer creates a Transformer stack from the configuration.
func NewTransformer[B tensor.Backend](config TransformerConfig, backend B) *Transformer[B] {
	if config.Dim <= 0 || config.Depth <= 0 || config.Heads <= 0 || config.HeadDim <= 0 {
		panic(fmt.Sprintf("Transformer: invalid config %+v", config))
	}
	if config.FFMult <= 0 {
		config.FFMult = 4
	}
	if config.NormEps == 0 {
		config.NormEps = 1e-5
	}

	blocks := make([]*transformerBlock[B], config.Depth)
	for i := range blocks {
		blk := &transformerBlock[B]{
			attnNorm:  NewLayerNorm[B](config.Dim, config.NormEps, backend),
			attention: NewMultiHeadAttention[B](config.Dim, config.Heads, config.HeadDim, backend),
			ffnNorm:   NewLayerNorm[B](config.Dim, config.NormEps, backend),
			ffn:       NewFeedForward[B](config.Dim, config.FFMult, backend),
		}
		if config.PEG {
			blk.peg = NewPEG[B](config.Dim, backend)
		}
		blocks[i] = blk
	}

	return &Transformer[B]{
		Config:  config,
		blocks:  blocks,
		norm:    NewLayerNorm[B](config.Dim, config.NormEps, backend),
		backend: backend,
	}
}

// Forward runs the stack over x [batch, seq, dim].
//
// bias is an optional additive attention term broadcastable to
// [batch, heads, seq, seq]. grid must be non-nil when the stack was built
// with PEG enabled; batch must equal grid.Batch and seq the flattened
// remainder of the grid.
func (t *Transformer[B]) Forward(
	x *tensor.Tensor[float32, B],
	bias *tensor.Tensor[float32, B],
	grid *GridShape,
) *tensor.Tensor[float32, B] {
	if t.Config.PEG && grid == nil {
		panic("Transformer.Forward: grid shape required when PEG is enabled")
	}

	for _, blk := range t.blocks {
		if blk.peg != nil {
			x = x.Add(blk.peg.Forward(x, grid.Batch, grid.Frames, grid.Height, grid.Width))
		}
		attnIn := blk.attnNorm.Forward(x)
		x = x.Add(blk.attention.Forward(attnIn, attnIn, attnIn, bias))
		x = x.Add(blk.ffn.Forward(blk.ffnNorm.Forward(x)))
	}
	return t.norm.Forward(x)
}

// Parameters returns all block and final-norm parameters.
func (t *Transformer[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	for _, blk := range t.blocks {
		if blk.peg != nil {
			params = append(params, blk.peg.Parameters()...)
		}
		params = append(params, blk.attnNorm.Parameters()...)
		params = append(params, blk.attention.Parameters()...)
		params = append(params, blk.ffnNorm.Parameters()...)
		params = append(params, blk.ffn.Parameters()...)
	}
	return append(params, t.norm.Parameters()...)
}

// StateDict returns all parameters keyed by block index and submodule.
func (t *Transformer[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for i, blk := range t.blocks {
		prefix := fmt.Sprintf("blocks.%d", i)
		if blk.peg != nil {
			MergeStateDict(sd, blk.peg.StateDict(), prefix+".peg")
		}
		MergeStateDict(sd, blk.attnNorm.StateDict(), prefix+".attn_norm")
		MergeStateDict(sd, blk.attention.StateDict(), prefix+".attn")
		MergeStateDict(sd, blk.ffnNorm.StateDict(), prefix+".ffn_norm")
		MergeStateDict(sd, blk.ffn.StateDict(), prefix+".ffn")
	}
	MergeStateDict(sd, t.norm.StateDict(), "norm")
	return sd
}

// LoadStateDict restores all block and final-norm parameters.
func (t *Transformer[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for i, blk := range t.blocks {
		prefix := fmt.Sprintf("blocks.%d", i)
		if blk.peg != nil {
			if err := blk.peg.LoadStateDict(SubStateDict(stateDict, prefix+".peg")); err != nil {
				return err
			}
		}
		if err := blk.attnNorm.LoadStateDict(SubStateDict(stateDict, prefix+".attn_norm")); err != nil {
			return err
		}
		if err := blk.attention.LoadStateDict(SubStateDict(stateDict, prefix+".attn")); err != nil {
			return err
		}
		if err := blk.ffnNorm.LoadStateDict(SubStateDict(stateDict, prefix+".ffn_norm")); err != nil {
			return err
		}
		if err := blk.ffn.LoadStateDict(SubStateDict(stateDict, prefix+".ffn")); err != nil {
			return err
		}
	}
	return t.norm.LoadStateDict(SubStateDict(stateDict, "norm"))
}
