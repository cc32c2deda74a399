package cvivit

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/nn"
	"github.com/born-ml/echopulse/internal/tensor"
)

// PatchEmbedding folds a video into token-grid embeddings. The first
// frame gets its own projection over patchSize x patchSize pixel
// patches; every following group of temporalPatchSize frames shares a
// second projection over patchSize x patchSize x temporalPatchSize
// voxels. Each projection is LayerNorm -> Linear -> LayerNorm, applied
// to the flattened patch.
type PatchEmbedding[B tensor.Backend] struct {
	patchSize         int
	temporalPatchSize int
	channels          int
	dim               int

	firstNormIn  *nn.LayerNorm[B]
	firstProj    *nn.Linear[B]
	firstNormOut *nn.LayerNorm[B]

	restNormIn  *nn.LayerNorm[B]
	restProj    *nn.Linear[B]
	restNormOut *nn.LayerNorm[B]

	backend B
}

// NewPatchEmbedding builds both projections for the given geometry.
func NewPatchEmbedding[B tensor.Backend](channels, patchSize, temporalPatchSize, dim int, backend B) *PatchEmbedding[B] {
	firstVol := channels * patchSize * patchSize
	restVol := firstVol * temporalPatchSize
	return &PatchEmbedding[B]{
		patchSize:         patchSize,
		temporalPatchSize: temporalPatchSize,
		channels:          channels,
		dim:               dim,

		firstNormIn:  nn.NewLayerNorm(firstVol, 1e-5, backend),
		firstProj:    nn.NewLinear(firstVol, dim, backend),
		firstNormOut: nn.NewLayerNorm(dim, 1e-5, backend),

		restNormIn:  nn.NewLayerNorm(restVol, 1e-5, backend),
		restProj:    nn.NewLinear(restVol, dim, backend),
		restNormOut: nn.NewLayerNorm(dim, 1e-5, backend),

		backend: backend,
	}
}

// Forward maps a video [b, c, t, H, W] with t = 1 + k*temporalPatchSize
// to a token grid [b, 1+k, h, w, dim] where h = H/patchSize and
// w = W/patchSize.
func (p *PatchEmbedding[B]) Forward(video *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := video.Shape()
	if len(shape) != 5 {
		panic(fmt.Sprintf("PatchEmbedding.Forward: expected 5D video, got %v", shape))
	}
	b, c, t, height, width := shape[0], shape[1], shape[2], shape[3], shape[4]
	if c != p.channels {
		panic(fmt.Sprintf("PatchEmbedding.Forward: expected %d channels, got %d", p.channels, c))
	}
	if (t-1)%p.temporalPatchSize != 0 {
		panic(fmt.Sprintf("PatchEmbedding.Forward: %d frames do not split into 1+k*%d", t, p.temporalPatchSize))
	}
	ps := p.patchSize
	h, w := height/ps, width/ps

	// First frame: [b,c,1,H,W] -> [b,1,h,w,c*ps*ps].
	first := video.Narrow(2, 0, 1).
		Reshape(b, c, h, ps, w, ps).
		Transpose(0, 2, 4, 1, 3, 5).
		Reshape(b, 1, h, w, c*ps*ps)
	firstTokens := p.project(first, p.firstNormIn, p.firstProj, p.firstNormOut)

	if t == 1 {
		return firstTokens
	}

	// Remaining frames: [b,c,t-1,H,W] -> [b,k,h,w,c*pt*ps*ps].
	pt := p.temporalPatchSize
	k := (t - 1) / pt
	rest := video.Narrow(2, 1, t-1).
		Reshape(b, c, k, pt, h, ps, w, ps).
		Transpose(0, 2, 4, 6, 1, 3, 5, 7).
		Reshape(b, k, h, w, c*pt*ps*ps)
	restTokens := p.project(rest, p.restNormIn, p.restProj, p.restNormOut)

	return tensor.Cat([]*tensor.Tensor[float32, B]{firstTokens, restTokens}, 1)
}

func (p *PatchEmbedding[B]) project(
	patches *tensor.Tensor[float32, B],
	normIn *nn.LayerNorm[B],
	proj *nn.Linear[B],
	normOut *nn.LayerNorm[B],
) *tensor.Tensor[float32, B] {
	shape := patches.Shape()
	vol := shape[len(shape)-1]
	rows := patches.NumElements() / vol

	x := normIn.Forward(patches).Reshape(rows, vol)
	x = proj.Forward(x)
	x = x.Reshape(shape[0], shape[1], shape[2], shape[3], p.dim)
	return normOut.Forward(x)
}

// Parameters returns all trainable parameters of both projections.
func (p *PatchEmbedding[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	params = append(params, p.firstNormIn.Parameters()...)
	params = append(params, p.firstProj.Parameters()...)
	params = append(params, p.firstNormOut.Parameters()...)
	params = append(params, p.restNormIn.Parameters()...)
	params = append(params, p.restProj.Parameters()...)
	params = append(params, p.restNormOut.Parameters()...)
	return params
}

// StateDict returns the embedding weights with dotted prefixes.
func (p *PatchEmbedding[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	nn.MergeStateDict(sd, p.firstNormIn.StateDict(), "first.norm_in")
	nn.MergeStateDict(sd, p.firstProj.StateDict(), "first.proj")
	nn.MergeStateDict(sd, p.firstNormOut.StateDict(), "first.norm_out")
	nn.MergeStateDict(sd, p.restNormIn.StateDict(), "rest.norm_in")
	nn.MergeStateDict(sd, p.restProj.StateDict(), "rest.proj")
	nn.MergeStateDict(sd, p.restNormOut.StateDict(), "rest.norm_out")
	return sd
}

// LoadStateDict restores the embedding weights.
func (p *PatchEmbedding[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for _, part := range []struct {
		prefix string
		mod    interface {
			LoadStateDict(map[string]*tensor.RawTensor) error
		}
	}{
		{"first.norm_in", p.firstNormIn},
		{"first.proj", p.firstProj},
		{"first.norm_out", p.firstNormOut},
		{"rest.norm_in", p.restNormIn},
		{"rest.proj", p.restProj},
		{"rest.norm_out", p.restNormOut},
	} {
		if err := part.mod.LoadStateDict(nn.SubStateDict(stateDict, part.prefix)); err != nil {
			return fmt.Errorf("patch embedding %s: %w", part.prefix, err)
		}
	}
	return nil
}

// PixelProjection is the exact inverse of PatchEmbedding's geometry: it
// maps token embeddings back to pixels with a single linear projection
// per branch, then unfolds the patch volume into the frame layout.
type PixelProjection[B tensor.Backend] struct {
	patchSize         int
	temporalPatchSize int
	channels          int
	dim               int

	firstProj *nn.Linear[B]
	restProj  *nn.Linear[B]

	backend B
}

// NewPixelProjection builds the two output projections.
func NewPixelProjection[B tensor.Backend](channels, patchSize, temporalPatchSize, dim int, backend B) *PixelProjection[B] {
	firstVol := channels * patchSize * patchSize
	restVol := firstVol * temporalPatchSize
	return &PixelProjection[B]{
		patchSize:         patchSize,
		temporalPatchSize: temporalPatchSize,
		channels:          channels,
		dim:               dim,

		firstProj: nn.NewLinear(dim, firstVol, backend),
		restProj:  nn.NewLinear(dim, restVol, backend),

		backend: backend,
	}
}

// Forward maps a token grid [b, T, h, w, dim] to a video
// [b, c, 1+(T-1)*temporalPatchSize, h*patchSize, w*patchSize].
func (p *PixelProjection[B]) Forward(tokens *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := tokens.Shape()
	if len(shape) != 5 {
		panic(fmt.Sprintf("PixelProjection.Forward: expected 5D token grid, got %v", shape))
	}
	b, tDim, h, w := shape[0], shape[1], shape[2], shape[3]
	ps := p.patchSize
	c := p.channels

	// First token step: [b,1,h,w,dim] -> [b,c,1,h*ps,w*ps].
	first := tokens.Narrow(1, 0, 1).Reshape(b*h*w, p.dim)
	firstFrame := p.firstProj.Forward(first).
		Reshape(b, 1, h, w, c, ps, ps).
		Transpose(0, 4, 1, 2, 5, 3, 6).
		Reshape(b, c, 1, h*ps, w*ps)

	if tDim == 1 {
		return firstFrame
	}

	// Remaining steps: [b,T-1,h,w,dim] -> [b,c,(T-1)*pt,h*ps,w*ps].
	pt := p.temporalPatchSize
	k := tDim - 1
	rest := tokens.Narrow(1, 1, k).Reshape(b*k*h*w, p.dim)
	restFrames := p.restProj.Forward(rest).
		Reshape(b, k, h, w, c, pt, ps, ps).
		Transpose(0, 4, 1, 5, 2, 6, 3, 7).
		Reshape(b, c, k*pt, h*ps, w*ps)

	return tensor.Cat([]*tensor.Tensor[float32, B]{firstFrame, restFrames}, 2)
}

// Parameters returns the trainable projection weights.
func (p *PixelProjection[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	params = append(params, p.firstProj.Parameters()...)
	params = append(params, p.restProj.Parameters()...)
	return params
}

// StateDict returns the projection weights with dotted prefixes.
func (p *PixelProjection[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	nn.MergeStateDict(sd, p.firstProj.StateDict(), "first")
	nn.MergeStateDict(sd, p.restProj.StateDict(), "rest")
	return sd
}

// LoadStateDict restores the projection weights.
func (p *PixelProjection[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := p.firstProj.LoadStateDict(nn.SubStateDict(stateDict, "first")); err != nil {
		return fmt.Errorf("pixel projection first: %w", err)
	}
	if err := p.restProj.LoadStateDict(nn.SubStateDict(stateDict, "rest")); err != nil {
		return fmt.Errorf("pixel projection rest: %w", err)
	}
	return nil
}
