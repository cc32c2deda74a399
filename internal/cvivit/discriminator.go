package cvivit

import (
	"fmt"
	"math"

	"github.com/born-ml/echopulse/internal/nn"
	"github.com/born-ml/echopulse/internal/tensor"
)

const discrLeakySlope = 0.1

// discrBlock is one stage of the frame discriminator. The residual path
// is a 1x1 projection (strided when downsampling); the main path is two
// 3x3 convolutions, plus a space-to-depth fold and a 1x1 merge on
// downsampling stages. The two paths are summed and scaled by 1/sqrt(2).
type discrBlock[B tensor.Backend] struct {
	skip  *nn.Conv2D[B]
	conv1 *nn.Conv2D[B]
	conv2 *nn.Conv2D[B]
	fold  *nn.Conv2D[B] // nil when the block keeps its resolution
}

func newDiscrBlock[B tensor.Backend](inCh, outCh int, downsample bool, backend B) *discrBlock[B] {
	skipStride := 1
	if downsample {
		skipStride = 2
	}
	blk := &discrBlock[B]{
		skip:  nn.NewConv2D(inCh, outCh, 1, skipStride, 0, backend),
		conv1: nn.NewConv2D(inCh, outCh, 3, 1, 1, backend),
		conv2: nn.NewConv2D(outCh, outCh, 3, 1, 1, backend),
	}
	if downsample {
		blk.fold = nn.NewConv2D(outCh*4, outCh, 1, 1, 0, backend)
	}
	return blk
}

func (d *discrBlock[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	res := d.skip.Forward(x)

	x = d.conv1.Forward(x).LeakyReLU(discrLeakySlope)
	x = d.conv2.Forward(x).LeakyReLU(discrLeakySlope)
	if d.fold != nil {
		x = d.fold.Forward(spaceToDepth(x))
	}

	return x.Add(res).MulScalar(1 / float32(math.Sqrt2))
}

func (d *discrBlock[B]) parts() []struct {
	prefix string
	conv   *nn.Conv2D[B]
} {
	parts := []struct {
		prefix string
		conv   *nn.Conv2D[B]
	}{
		{"skip", d.skip},
		{"conv1", d.conv1},
		{"conv2", d.conv2},
	}
	if d.fold != nil {
		parts = append(parts, struct {
			prefix string
			conv   *nn.Conv2D[B]
		}{"fold", d.fold})
	}
	return parts
}

func (d *discrBlock[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, part := range d.parts() {
		params = append(params, part.conv.Parameters()...)
	}
	return params
}

func (d *discrBlock[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for _, part := range d.parts() {
		nn.MergeStateDict(sd, part.conv.StateDict(), part.prefix)
	}
	return sd
}

func (d *discrBlock[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for _, part := range d.parts() {
		if err := part.conv.LoadStateDict(nn.SubStateDict(stateDict, part.prefix)); err != nil {
			return fmt.Errorf("discriminator block %s: %w", part.prefix, err)
		}
	}
	return nil
}

// spaceToDepth folds each 2x2 pixel neighbourhood into the channel
// axis: [n, c, h, w] -> [n, c*4, h/2, w/2].
func spaceToDepth[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := x.Shape()
	n, c, h, w := s[0], s[1], s[2], s[3]
	return x.Reshape(n, c, h/2, 2, w/2, 2).
		Transpose(0, 1, 3, 5, 2, 4).
		Reshape(n, c*4, h/2, w/2)
}

// discrAttn is an optional self-attention stage applied to the
// flattened feature map at selected resolutions.
type discrAttn[B tensor.Backend] struct {
	norm *nn.LayerNorm[B]
	attn *nn.MultiHeadAttention[B]
	dim  int
}

func newDiscrAttn[B tensor.Backend](dim int, backend B) *discrAttn[B] {
	heads := dim / 64
	if heads < 1 {
		heads = 1
	}
	return &discrAttn[B]{
		norm: nn.NewLayerNorm(dim, 1e-5, backend),
		attn: nn.NewMultiHeadAttention(dim, heads, 64, backend),
		dim:  dim,
	}
}

func (a *discrAttn[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := x.Shape()
	n, c, h, w := s[0], s[1], s[2], s[3]

	seq := x.Reshape(n, c, h*w).Transpose(0, 2, 1)
	normed := a.norm.Forward(seq)
	seq = seq.Add(a.attn.Forward(normed, normed, normed, nil))

	return seq.Transpose(0, 2, 1).Reshape(n, c, h, w)
}

func (a *discrAttn[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	params = append(params, a.norm.Parameters()...)
	params = append(params, a.attn.Parameters()...)
	return params
}

func (a *discrAttn[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	nn.MergeStateDict(sd, a.norm.StateDict(), "norm")
	nn.MergeStateDict(sd, a.attn.StateDict(), "attn")
	return sd
}

func (a *discrAttn[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := a.norm.LoadStateDict(nn.SubStateDict(stateDict, "norm")); err != nil {
		return fmt.Errorf("discriminator attn norm: %w", err)
	}
	if err := a.attn.LoadStateDict(nn.SubStateDict(stateDict, "attn")); err != nil {
		return fmt.Errorf("discriminator attn: %w", err)
	}
	return nil
}

// Discriminator scores single frames. Every block except the last
// halves the resolution while widening channels up to the configured
// cap; the final block keeps its resolution. Self-attention can be
// inserted at chosen feature-map resolutions, and a 3x3 conv plus a
// single linear projection maps the last feature map to one logit per
// frame.
type Discriminator[B tensor.Backend] struct {
	blocks []*discrBlock[B]
	attns  []*discrAttn[B] // parallel to blocks; nil where absent

	finalConv *nn.Conv2D[B]
	toLogit   *nn.Linear[B]

	height  int
	width   int
	backend B
}

// NewDiscriminator builds the stack for the configured input
// resolution. The image edge must be divisible by two once per
// downsampling block; downsampling stops when the shorter edge reaches
// 4 pixels, and one resolution-preserving block closes the stack.
func NewDiscriminator[B tensor.Backend](cfg *Config, backend B) *Discriminator[B] {
	minRes := cfg.ImageHeight
	if cfg.ImageWidth < minRes {
		minRes = cfg.ImageWidth
	}

	numDown := 0
	for res := minRes; res > 4 && res%2 == 0; res /= 2 {
		numDown++
	}

	d := &Discriminator[B]{
		height:  cfg.ImageHeight,
		width:   cfg.ImageWidth,
		backend: backend,
	}

	inCh := cfg.Channels
	res := minRes
	var lastDim int
	for i := 0; i <= numDown; i++ {
		outCh := cfg.DiscrBaseDim * 4 * (1 << i)
		if cfg.DiscrMaxDim > 0 && outCh > cfg.DiscrMaxDim {
			outCh = cfg.DiscrMaxDim
		}
		downsample := i < numDown
		d.blocks = append(d.blocks, newDiscrBlock(inCh, outCh, downsample, backend))
		if downsample {
			res /= 2
		}

		var attn *discrAttn[B]
		for _, r := range cfg.DiscrAttnResolutions {
			if r == res {
				attn = newDiscrAttn(outCh, backend)
				break
			}
		}
		d.attns = append(d.attns, attn)

		inCh = outCh
		lastDim = outCh
	}

	hf := cfg.ImageHeight >> numDown
	wf := cfg.ImageWidth >> numDown
	latent := lastDim * hf * wf

	d.finalConv = nn.NewConv2D(lastDim, lastDim, 3, 1, 1, backend)
	d.toLogit = nn.NewLinear(latent, 1, backend)
	return d
}

// Forward scores a batch of frames [n, c, h, w] and returns logits [n].
func (d *Discriminator[B]) Forward(frames *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := frames.Shape()
	if len(s) != 4 || s[2] != d.height || s[3] != d.width {
		panic(fmt.Sprintf("Discriminator.Forward: expected [n, c, %d, %d], got %v", d.height, d.width, s))
	}
	n := s[0]

	x := frames
	for i, block := range d.blocks {
		x = block.Forward(x)
		if d.attns[i] != nil {
			x = d.attns[i].Forward(x)
		}
	}
	x = d.finalConv.Forward(x).LeakyReLU(discrLeakySlope)

	flat := x.Reshape(n, x.NumElements()/n)
	return d.toLogit.Forward(flat).Reshape(n)
}

// Parameters returns every trainable weight in the stack.
func (d *Discriminator[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for i, block := range d.blocks {
		params = append(params, block.Parameters()...)
		if d.attns[i] != nil {
			params = append(params, d.attns[i].Parameters()...)
		}
	}
	params = append(params, d.finalConv.Parameters()...)
	params = append(params, d.toLogit.Parameters()...)
	return params
}

// StateDict returns the discriminator weights with dotted prefixes.
func (d *Discriminator[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for i, block := range d.blocks {
		nn.MergeStateDict(sd, block.StateDict(), fmt.Sprintf("blocks.%d", i))
		if d.attns[i] != nil {
			nn.MergeStateDict(sd, d.attns[i].StateDict(), fmt.Sprintf("attns.%d", i))
		}
	}
	nn.MergeStateDict(sd, d.finalConv.StateDict(), "final_conv")
	nn.MergeStateDict(sd, d.toLogit.StateDict(), "to_logit")
	return sd
}

// LoadStateDict restores the discriminator weights.
func (d *Discriminator[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for i, block := range d.blocks {
		if err := block.LoadStateDict(nn.SubStateDict(stateDict, fmt.Sprintf("blocks.%d", i))); err != nil {
			return err
		}
		if d.attns[i] != nil {
			if err := d.attns[i].LoadStateDict(nn.SubStateDict(stateDict, fmt.Sprintf("attns.%d", i))); err != nil {
				return err
			}
		}
	}
	if err := d.finalConv.LoadStateDict(nn.SubStateDict(stateDict, "final_conv")); err != nil {
		return fmt.Errorf("discriminator final conv: %w", err)
	}
	if err := d.toLogit.LoadStateDict(nn.SubStateDict(stateDict, "to_logit")); err != nil {
		return fmt.Errorf("discriminator logit head: %w", err)
	}
	return nil
}
