// Package cvivit implements a video tokenizer: a factorized
// spatio-temporal vision transformer autoencoder with a vector
// quantization bottleneck. A clip is folded into patch tokens (first
// frame alone, later frames in temporal groups), encoded by a spatial
// then a causal temporal transformer, quantized against a learned
// codebook, and decoded by the mirrored stack back to pixels. Training
// combines reconstruction, commitment, adversarial, and perceptual
// objectives.
package cvivit

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/born-ml/echopulse/internal/nn"
	"github.com/born-ml/echopulse/internal/perceptual"
	"github.com/born-ml/echopulse/internal/tensor"
	"github.com/born-ml/echopulse/internal/vq"
)

// Model is the full tokenizer. The discriminator and the perceptual
// metrics are only present on trainable models; InferenceView returns a
// copy without them.
type Model[B tensor.Backend] struct {
	config  Config
	backend B
	logger  *zap.Logger

	patchEmb  *PatchEmbedding[B]
	pixelProj *PixelProjection[B]

	// spatialBias is shared by the encoder and decoder spatial stacks.
	spatialBias *nn.ContinuousPositionBias[B]

	encSpatial  *nn.Transformer[B]
	encTemporal *nn.Transformer[B]
	decSpatial  *nn.Transformer[B]
	decTemporal *nn.Transformer[B]

	quantizer *vq.Quantizer[B]

	discriminator  *Discriminator[B]
	imageMetric    *perceptual.ImageMetric[B]
	videoExtractor *perceptual.VideoExtractor[B]
}

// Option configures optional model behaviour.
type Option[B tensor.Backend] func(*Model[B])

// WithLogger attaches a logger; training steps report per-term losses
// at debug level. The default is a no-op logger.
func WithLogger[B tensor.Backend](logger *zap.Logger) Option[B] {
	return func(m *Model[B]) { m.logger = logger }
}

// New validates the configuration and builds a trainable model.
func New[B tensor.Backend](cfg Config, backend B, opts ...Option[B]) (*Model[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	spatialCfg := nn.TransformerConfig{
		Dim:     cfg.Dim,
		Depth:   cfg.SpatialDepth,
		Heads:   cfg.Heads,
		HeadDim: cfg.DimHead,
		FFMult:  cfg.ffMult(),
		PEG:     true,
	}
	temporalCfg := spatialCfg
	temporalCfg.Depth = cfg.TemporalDepth

	m := &Model[B]{
		config:  cfg,
		backend: backend,
		logger:  zap.NewNop(),

		patchEmb:  NewPatchEmbedding(cfg.Channels, cfg.PatchSize, cfg.TemporalPatchSize, cfg.Dim, backend),
		pixelProj: NewPixelProjection(cfg.Channels, cfg.PatchSize, cfg.TemporalPatchSize, cfg.Dim, backend),

		spatialBias: nn.NewContinuousPositionBias(cfg.Dim, cfg.Heads, 1, backend),

		encSpatial:  nn.NewTransformer(spatialCfg, backend),
		encTemporal: nn.NewTransformer(temporalCfg, backend),
		decSpatial:  nn.NewTransformer(spatialCfg, backend),
		decTemporal: nn.NewTransformer(temporalCfg, backend),

		quantizer: vq.NewQuantizer(cfg.Dim, cfg.codebookDim(), cfg.CodebookSize, cfg.CommitWeight, backend),
	}
	if !cfg.DisableGANAndPerceptual {
		m.discriminator = NewDiscriminator(&cfg, backend)
		m.imageMetric = perceptual.NewImageMetric(cfg.Channels, backend)
		m.videoExtractor = perceptual.NewVideoExtractor(cfg.Channels, 224, backend)
	}

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns a copy of the model's configuration.
func (m *Model[B]) Config() Config { return m.config }

// Backend returns the compute backend the model was built on.
func (m *Model[B]) Backend() B { return m.backend }

// Quantizer exposes the vector quantization bottleneck.
func (m *Model[B]) Quantizer() *vq.Quantizer[B] { return m.quantizer }

// HasDiscriminator reports whether the adversarial branch is present.
func (m *Model[B]) HasDiscriminator() bool { return m.discriminator != nil }

// validateVideo checks a [b, c, t, H, W] clip against the configured
// geometry.
func (m *Model[B]) validateVideo(video *tensor.Tensor[float32, B]) (b, t int, err error) {
	s := video.Shape()
	if len(s) != 5 {
		return 0, 0, fmt.Errorf("cvivit: expected video [b, c, t, h, w], got shape %v", s)
	}
	if s[1] != m.config.Channels {
		return 0, 0, fmt.Errorf("cvivit: expected %d channels, got %d", m.config.Channels, s[1])
	}
	if s[3] != m.config.ImageHeight || s[4] != m.config.ImageWidth {
		return 0, 0, fmt.Errorf("cvivit: expected %dx%d frames, got %dx%d",
			m.config.ImageHeight, m.config.ImageWidth, s[3], s[4])
	}
	if s[2] < 1 || (s[2]-1)%m.config.TemporalPatchSize != 0 {
		return 0, 0, fmt.Errorf("%w: got %d frames with temporal patch size %d",
			ErrFrameCount, s[2], m.config.TemporalPatchSize)
	}
	return s[0], s[2], nil
}

// causalBias returns an additive attention bias [1, 1, n, n] that
// blocks attention to future positions.
func (m *Model[B]) causalBias(n int) *tensor.Tensor[float32, B] {
	data := make([]float32, n*n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			data[i*n+j] = -1e9
		}
	}
	bias, err := tensor.FromSlice(data, tensor.Shape{1, 1, n, n}, m.backend)
	if err != nil {
		panic(err)
	}
	return bias
}

// Encode maps a clip [b, c, t, H, W] to continuous token embeddings
// [b, steps, h, w, dim]: patch embedding, a spatial transformer run per
// token step, then a causal temporal transformer run per grid position.
func (m *Model[B]) Encode(video *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	b, _, err := m.validateVideo(video)
	if err != nil {
		return nil, err
	}

	tokens := m.patchEmb.Forward(video)
	steps := tokens.Shape()[1]
	h, w := m.config.PatchGrid()

	x := m.runSpatial(m.encSpatial, tokens, b, steps, h, w)
	x = m.runTemporal(m.encTemporal, x, b, steps, h, w)
	return x, nil
}

// Decode maps token embeddings back to pixels, mirroring Encode: causal
// temporal transformer, spatial transformer, pixel projection. It
// accepts either the flat [b, n, dim] layout the quantizer produces or
// the [b, steps, h, w, dim] grid Encode returns.
func (m *Model[B]) Decode(tokens *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	s := tokens.Shape()
	if len(s) == 5 {
		gh, gw := m.config.PatchGrid()
		if s[2] != gh || s[3] != gw {
			return nil, fmt.Errorf("cvivit: expected token grid [b, steps, %d, %d, dim], got shape %v", gh, gw, s)
		}
		tokens = tokens.Reshape(s[0], s[1]*s[2]*s[3], s[4])
		s = tokens.Shape()
	}
	if len(s) != 3 || s[2] != m.config.Dim {
		return nil, fmt.Errorf("cvivit: expected tokens [b, n, %d], got shape %v", m.config.Dim, s)
	}
	h, w := m.config.PatchGrid()
	if s[1]%(h*w) != 0 || s[1] < h*w {
		return nil, fmt.Errorf("%w: %d tokens with %d tokens per step", ErrTokenCount, s[1], h*w)
	}
	b := s[0]
	steps := s[1] / (h * w)

	x := tokens.Reshape(b, steps, h, w, m.config.Dim)
	x = m.runTemporal(m.decTemporal, x, b, steps, h, w)
	x = m.runSpatial(m.decSpatial, x, b, steps, h, w)
	return m.pixelProj.Forward(x), nil
}

// runSpatial applies a transformer across the h*w grid of every token
// step, with the shared relative position bias.
func (m *Model[B]) runSpatial(
	t *nn.Transformer[B],
	tokens *tensor.Tensor[float32, B],
	b, steps, h, w int,
) *tensor.Tensor[float32, B] {
	bias := m.spatialBias.Forward(h, w)
	x := tokens.Reshape(b*steps, h*w, m.config.Dim)
	x = t.Forward(x, bias, &nn.GridShape{Batch: b * steps, Frames: 1, Height: h, Width: w})
	return x.Reshape(b, steps, h, w, m.config.Dim)
}

// runTemporal applies a causal transformer across token steps at every
// grid position.
func (m *Model[B]) runTemporal(
	t *nn.Transformer[B],
	tokens *tensor.Tensor[float32, B],
	b, steps, h, w int,
) *tensor.Tensor[float32, B] {
	x := tokens.Transpose(0, 2, 3, 1, 4).Reshape(b*h*w, steps, m.config.Dim)
	x = t.Forward(x, m.causalBias(steps), &nn.GridShape{Batch: b * h * w, Frames: steps, Height: 1, Width: 1})
	return x.Reshape(b, h, w, steps, m.config.Dim).Transpose(0, 3, 1, 2, 4)
}

// EncodeToIndices maps a clip to discrete codebook indices [b, n]. An
// optional frame mask [b, t] is expanded to token granularity and
// forwarded to the quantizer; pass nil for full clips.
func (m *Model[B]) EncodeToIndices(video *tensor.Tensor[float32, B], frameMask *tensor.Tensor[bool, B]) (*tensor.Tensor[int64, B], error) {
	_, t, err := m.validateVideo(video)
	if err != nil {
		return nil, err
	}
	var mask *tensor.Tensor[bool, B]
	if frameMask != nil {
		if mask, err = m.tokenMask(frameMask, t); err != nil {
			return nil, err
		}
	}
	tokens, err := m.Encode(video)
	if err != nil {
		return nil, err
	}
	s := tokens.Shape()
	flat := tokens.Reshape(s[0], s[1]*s[2]*s[3], s[4])
	return m.quantizer.Quantize(flat, mask).Indices, nil
}

// DecodeFromIndices maps discrete codebook indices [b, n] back to a
// clip. The token count must correspond to whole frames.
func (m *Model[B]) DecodeFromIndices(indices *tensor.Tensor[int64, B]) (*tensor.Tensor[float32, B], error) {
	s := indices.Shape()
	if len(s) != 2 {
		return nil, fmt.Errorf("cvivit: expected indices [b, n], got shape %v", s)
	}
	if _, err := m.FramesPerTokens(s[1]); err != nil {
		return nil, err
	}
	codes := m.quantizer.DecodeIndices(indices)
	return m.Decode(codes)
}

// Reconstruct encodes, quantizes, and decodes a clip. A 4D input is
// treated as a batch of single images: the time axis is added before
// encoding and removed again from the result.
func (m *Model[B]) Reconstruct(video *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	singleImage := len(video.Shape()) == 4
	if singleImage {
		s := video.Shape()
		video = video.Reshape(s[0], s[1], 1, s[2], s[3])
	}
	recon, err := m.reconstruct(video, nil)
	if err != nil {
		return nil, err
	}
	if singleImage {
		s := recon.Shape()
		recon = recon.Reshape(s[0], s[1], s[3], s[4])
	}
	return recon, nil
}

// reconstruct runs the full autoencoding path and returns the
// reconstruction together with the quantization result.
func (m *Model[B]) reconstruct(
	video *tensor.Tensor[float32, B],
	mask *tensor.Tensor[bool, B],
) (*tensor.Tensor[float32, B], error) {
	recon, _, err := m.reconstructWithVQ(video, mask)
	return recon, err
}

func (m *Model[B]) reconstructWithVQ(
	video *tensor.Tensor[float32, B],
	mask *tensor.Tensor[bool, B],
) (*tensor.Tensor[float32, B], *vq.Result[B], error) {
	tokens, err := m.Encode(video)
	if err != nil {
		return nil, nil, err
	}
	s := tokens.Shape()
	flat := tokens.Reshape(s[0], s[1]*s[2]*s[3], s[4])
	result := m.quantizer.Quantize(flat, mask)
	recon, err := m.Decode(result.Quantized)
	if err != nil {
		return nil, nil, err
	}
	return recon, result, nil
}

// Parameters returns the autoencoder's trainable parameters: patch and
// pixel projections, position bias, transformer stacks, and the
// quantizer. Discriminator weights are separate (see
// DiscriminatorParameters); the perceptual metrics are frozen.
func (m *Model[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	params = append(params, m.patchEmb.Parameters()...)
	params = append(params, m.spatialBias.Parameters()...)
	params = append(params, m.encSpatial.Parameters()...)
	params = append(params, m.encTemporal.Parameters()...)
	params = append(params, m.decSpatial.Parameters()...)
	params = append(params, m.decTemporal.Parameters()...)
	params = append(params, m.quantizer.Parameters()...)
	params = append(params, m.pixelProj.Parameters()...)
	return params
}

// DiscriminatorParameters returns the adversarial branch's parameters,
// or nil when the branch is disabled.
func (m *Model[B]) DiscriminatorParameters() []*nn.Parameter[B] {
	if m.discriminator == nil {
		return nil
	}
	return m.discriminator.Parameters()
}
