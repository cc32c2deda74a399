package cvivit

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/born-ml/echopulse/internal/autodiff"
	"github.com/born-ml/echopulse/internal/backend/cpu"
	"github.com/born-ml/echopulse/internal/tensor"
)

type testBackend = *autodiff.Backend[*cpu.Backend]

func testConfig() Config {
	return Config{
		Dim:               16,
		CodebookSize:      32,
		CodebookDim:       8,
		ImageHeight:       16,
		ImageWidth:        16,
		PatchSize:         8,
		TemporalPatchSize: 2,
		Channels:          3,
		SpatialDepth:      1,
		TemporalDepth:     1,
		Heads:             2,
		DimHead:           8,
		FFMult:            2,
		DiscrBaseDim:      8,
		DiscrMaxDim:       32,
		UseHingeLoss:      true,
		CommitWeight:      0.25,
		GenWeight:         1,
		PerceptualWeight:  0.1,
		ReconWeight:       1,
		GradPenaltyWeight: 10,
	}
}

func testConfigNoGAN() Config {
	cfg := testConfig()
	cfg.DisableGANAndPerceptual = true
	return cfg
}

func newTestModel(t *testing.T, cfg Config) (*Model[testBackend], testBackend) {
	t.Helper()
	backend := autodiff.New(cpu.New())
	model, err := New(cfg, backend)
	require.NoError(t, err)
	return model, backend
}

func testClip(b testBackend, batch, frames int) *tensor.Tensor[float32, testBackend] {
	return tensor.Rand(tensor.Shape{batch, 3, frames, 16, 16}, b)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"zero dim", func(c *Config) { c.Dim = 0 }, false},
		{"zero codebook", func(c *Config) { c.CodebookSize = 0 }, false},
		{"indivisible patch", func(c *Config) { c.PatchSize = 5 }, false},
		{"negative weight", func(c *Config) { c.GenWeight = -1 }, false},
		{"zero temporal patch", func(c *Config) { c.TemporalPatchSize = 0 }, false},
		{"missing discr dim", func(c *Config) { c.DiscrBaseDim = 0 }, false},
		{"discr dim unused when disabled", func(c *Config) {
			c.DiscrBaseDim = 0
			c.DisableGANAndPerceptual = true
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConfigJSONRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.DiscrAttnResolutions = []int{8}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	var got Config
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, cfg, got)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Dim = -1
	_, err := New(cfg, autodiff.New(cpu.New()))
	assert.Error(t, err)
}

func TestEncodeShape(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	tokens, err := model.Encode(testClip(b, 2, 3))
	require.NoError(t, err)
	// 3 frames -> first frame + one temporal patch of 2 -> 2 steps on a
	// 2x2 grid.
	assert.Equal(t, tensor.Shape{2, 2, 2, 2, 16}, tokens.Shape())
}

func TestEncodeRejectsBadGeometry(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	_, err := model.Encode(testClip(b, 1, 2))
	assert.ErrorIs(t, err, ErrFrameCount)

	_, err = model.Encode(tensor.Rand(tensor.Shape{1, 3, 3, 8, 8}, b))
	assert.Error(t, err)

	_, err = model.Encode(tensor.Rand(tensor.Shape{1, 1, 3, 16, 16}, b))
	assert.Error(t, err)
}

func TestEncodeFirstStepIsCausal(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	clip1 := testClip(b, 1, 3)
	data := append([]float32(nil), clip1.Data()...)
	// Perturb frames 1 and 2, leaving frame 0 untouched. Layout is
	// [b, c, t, h, w], so frame f of channel c starts at (c*3+f)*256.
	for c := 0; c < 3; c++ {
		for f := 1; f < 3; f++ {
			base := (c*3 + f) * 256
			for i := 0; i < 256; i++ {
				data[base+i] += 0.25
			}
		}
	}
	clip2, err := tensor.FromSlice(data, tensor.Shape{1, 3, 3, 16, 16}, b)
	require.NoError(t, err)

	tok1, err := model.Encode(clip1)
	require.NoError(t, err)
	tok2, err := model.Encode(clip2)
	require.NoError(t, err)

	// The temporal stack is causal: step 0 depends only on frame 0.
	first1 := tok1.Narrow(1, 0, 1)
	first2 := tok2.Narrow(1, 0, 1)
	assert.InDeltaSlice(t, first1.Data(), first2.Data(), 1e-4)
}

func TestEncodeToIndicesAndBack(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	indices, err := model.EncodeToIndices(testClip(b, 1, 3), nil)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 8}, indices.Shape())
	for _, idx := range indices.Data() {
		assert.GreaterOrEqual(t, idx, int64(0))
		assert.Less(t, idx, int64(32))
	}

	clip, err := model.DecodeFromIndices(indices)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 3, 16, 16}, clip.Shape())
}

func TestDecodeAcceptsTokenGrid(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	grid, err := model.Encode(testClip(b, 1, 3))
	require.NoError(t, err)
	require.Len(t, grid.Shape(), 5)

	fromGrid, err := model.Decode(grid)
	require.NoError(t, err)
	s := grid.Shape()
	fromFlat, err := model.Decode(grid.Reshape(s[0], s[1]*s[2]*s[3], s[4]))
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{1, 3, 3, 16, 16}, fromGrid.Shape())
	assert.InDeltaSlice(t, fromFlat.Data(), fromGrid.Data(), 1e-6)
}

func TestDecodeFromIndicesRejectsBadCount(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	bad := tensor.Zeros[int64](tensor.Shape{1, 5}, b)
	_, err := model.DecodeFromIndices(bad)
	assert.ErrorIs(t, err, ErrTokenCount)

	single := tensor.Zeros[int64](tensor.Shape{1, 4}, b)
	clip, err := model.DecodeFromIndices(single)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 1, 16, 16}, clip.Shape())
}

func TestTokensFramesInverse(t *testing.T) {
	model, _ := newTestModel(t, testConfigNoGAN())

	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(0, 64).Draw(t, "k")
		frames := 1 + k*model.config.TemporalPatchSize

		tokens, err := model.TokensPerFrames(frames)
		if err != nil {
			t.Fatalf("TokensPerFrames(%d): %v", frames, err)
		}
		back, err := model.FramesPerTokens(tokens)
		if err != nil {
			t.Fatalf("FramesPerTokens(%d): %v", tokens, err)
		}
		if back != frames {
			t.Fatalf("round trip %d -> %d -> %d", frames, tokens, back)
		}
	})
}

func TestTokensPerFramesRejectsPartialPatch(t *testing.T) {
	model, _ := newTestModel(t, testConfigNoGAN())

	_, err := model.TokensPerFrames(2)
	assert.ErrorIs(t, err, ErrFrameCount)
	_, err = model.TokensPerFrames(0)
	assert.ErrorIs(t, err, ErrFrameCount)
	_, err = model.FramesPerTokens(3)
	assert.ErrorIs(t, err, ErrTokenCount)
}

func TestReconstructShapes(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	video := testClip(b, 1, 3)
	recon, err := model.Reconstruct(video)
	require.NoError(t, err)
	assert.Equal(t, video.Shape(), recon.Shape())

	// 4D input is a single-image batch; the time axis never surfaces.
	image := tensor.Rand(tensor.Shape{2, 3, 16, 16}, b)
	recon, err = model.Reconstruct(image)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 16, 16}, recon.Shape())
}

func TestTokenMask(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	frameMask, err := tensor.FromSlice([]bool{true, false, false}, tensor.Shape{1, 3}, b)
	require.NoError(t, err)

	mask, err := model.tokenMask(frameMask, 3)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{1, 8}, mask.Shape())

	got := mask.Raw().AsBool()
	for i := 0; i < 4; i++ {
		assert.True(t, got[i], "first-frame token %d", i)
	}
	for i := 4; i < 8; i++ {
		assert.False(t, got[i], "second-step token %d", i)
	}
}

func TestTokenMaskAnyFrameInWindow(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	frameMask, err := tensor.FromSlice([]bool{false, false, true}, tensor.Shape{1, 3}, b)
	require.NoError(t, err)

	mask, err := model.tokenMask(frameMask, 3)
	require.NoError(t, err)

	got := mask.Raw().AsBool()
	for i := 0; i < 4; i++ {
		assert.False(t, got[i])
	}
	for i := 4; i < 8; i++ {
		assert.True(t, got[i])
	}
}

func TestTokenMaskLengthMismatch(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	frameMask, err := tensor.FromSlice([]bool{true, true}, tensor.Shape{1, 2}, b)
	require.NoError(t, err)

	_, err = model.tokenMask(frameMask, 3)
	assert.ErrorIs(t, err, ErrMaskLength)
}

func TestTrainStepWithoutAdversarial(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	loss, breakdown, err := model.TrainStep(testClip(b, 1, 3), TrainOptions[testBackend]{})
	require.NoError(t, err)

	assert.Zero(t, breakdown.Gen)
	assert.Zero(t, breakdown.Perceptual)
	assert.Zero(t, breakdown.VideoPerceptual)
	assert.Greater(t, breakdown.Recon, float32(0))
	assert.InDelta(t, breakdown.Recon+breakdown.Commit, breakdown.Total, 1e-5)
	assert.InDelta(t, breakdown.Total, loss.Item(), 1e-6)
}

func TestTrainStepWithAdversarial(t *testing.T) {
	model, b := newTestModel(t, testConfig())

	loss, breakdown, err := model.TrainStep(testClip(b, 1, 3), TrainOptions[testBackend]{})
	require.NoError(t, err)

	assert.NotZero(t, breakdown.Gen)
	assert.NotZero(t, breakdown.Perceptual)
	// The video-perceptual weight is zero in the test configuration.
	assert.Zero(t, breakdown.VideoPerceptual)
	assert.InDelta(t, breakdown.Total, loss.Item(), 1e-6)
}

func TestTrainStepSingleFrameSkipsVideoPerceptual(t *testing.T) {
	cfg := testConfig()
	cfg.VideoPerceptualWeight = 1
	model, b := newTestModel(t, cfg)

	_, breakdown, err := model.TrainStep(testClip(b, 1, 1), TrainOptions[testBackend]{})
	require.NoError(t, err)
	assert.Zero(t, breakdown.VideoPerceptual)
}

func TestTrainStepSingleImageBatch(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	images := tensor.Rand(tensor.Shape{2, 3, 16, 16}, b)
	loss4, breakdown4, err := model.TrainStep(images, TrainOptions[testBackend]{})
	require.NoError(t, err)

	clip := images.Reshape(2, 3, 1, 16, 16)
	loss5, breakdown5, err := model.TrainStep(clip, TrainOptions[testBackend]{})
	require.NoError(t, err)

	assert.InDelta(t, loss5.Item(), loss4.Item(), 1e-6)
	assert.InDelta(t, breakdown5.Recon, breakdown4.Recon, 1e-6)
}

func TestTrainStepMaskedAdversarialUnsupported(t *testing.T) {
	model, b := newTestModel(t, testConfig())

	mask, err := tensor.FromSlice([]bool{true, true, false}, tensor.Shape{1, 3}, b)
	require.NoError(t, err)

	_, _, err = model.TrainStep(testClip(b, 1, 3), TrainOptions[testBackend]{FrameMask: mask})
	assert.ErrorIs(t, err, ErrMaskedAdversarialUnsupported)
}

func TestTrainStepFullMaskMatchesUnmasked(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())
	video := testClip(b, 1, 3)

	mask, err := tensor.FromSlice([]bool{true, true, true}, tensor.Shape{1, 3}, b)
	require.NoError(t, err)

	_, plain, err := model.TrainStep(video, TrainOptions[testBackend]{})
	require.NoError(t, err)
	_, masked, err := model.TrainStep(video, TrainOptions[testBackend]{FrameMask: mask})
	require.NoError(t, err)

	assert.InDelta(t, plain.Recon, masked.Recon, 1e-5)
}

func TestTrainStepEmptyMask(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	mask, err := tensor.FromSlice([]bool{false, false, false}, tensor.Shape{1, 3}, b)
	require.NoError(t, err)

	_, _, err = model.TrainStep(testClip(b, 1, 3), TrainOptions[testBackend]{FrameMask: mask})
	assert.ErrorIs(t, err, ErrEmptyMask)
}

func TestEncodeToIndicesWithMask(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())
	clip := testClip(b, 1, 3)

	mask, err := tensor.FromSlice([]bool{true, false, false}, tensor.Shape{1, 3}, b)
	require.NoError(t, err)

	// The mask gates the commitment loss, not the index selection.
	plain, err := model.EncodeToIndices(clip, nil)
	require.NoError(t, err)
	masked, err := model.EncodeToIndices(clip, mask)
	require.NoError(t, err)
	assert.Equal(t, plain.Data(), masked.Data())

	badMask, err := tensor.FromSlice([]bool{true, true}, tensor.Shape{1, 2}, b)
	require.NoError(t, err)
	_, err = model.EncodeToIndices(clip, badMask)
	assert.ErrorIs(t, err, ErrMaskLength)
}

func TestGradientPenaltyNonNegative(t *testing.T) {
	model, b := newTestModel(t, testConfig())

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 4).Draw(rt, "n")
		k := rapid.IntRange(1, 8).Draw(rt, "k")
		scale := rapid.Float32Range(-4, 4).Draw(rt, "scale")
		values := rapid.SliceOfN(rapid.Float32Range(-1, 1), n*k, n*k).Draw(rt, "values")

		b.Tape().StartRecording()
		defer func() {
			b.Tape().StopRecording()
			b.Tape().Clear()
		}()

		frames, err := tensor.FromSlice(values, tensor.Shape{n, k}, b)
		if err != nil {
			rt.Fatalf("FromSlice: %v", err)
		}
		logits := frames.MulScalar(scale)

		if penalty := model.gradientPenalty(frames, logits); penalty < 0 {
			rt.Fatalf("penalty = %v, want >= 0", penalty)
		}
	})
}

func TestGradientPenaltyZeroAtUnitNorm(t *testing.T) {
	model, b := newTestModel(t, testConfig())

	b.Tape().StartRecording()
	defer func() {
		b.Tape().StopRecording()
		b.Tape().Clear()
	}()

	// d(sum(x / sqrt(k)))/dx has per-sample norm exactly 1, so the
	// penalty vanishes regardless of the weight.
	const n, k = 3, 16
	frames := tensor.Rand(tensor.Shape{n, k}, b)
	logits := frames.MulScalar(1 / float32(4))

	penalty := model.gradientPenalty(frames, logits)
	assert.InDelta(t, 0, penalty, 1e-5)
}

func TestDiscriminatorStep(t *testing.T) {
	model, b := newTestModel(t, testConfig())

	b.Tape().StartRecording()
	defer func() {
		b.Tape().StopRecording()
		b.Tape().Clear()
	}()

	clip := testClip(b, 1, 3)
	loss, breakdown, err := model.DiscriminatorStep(clip, DiscrOptions{ApplyGradPenalty: true})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, breakdown.GradPenalty, float32(0))
	assert.InDelta(t, breakdown.Adversarial, breakdown.Total, 1e-5)
	assert.InDelta(t, breakdown.Total, loss.Item(), 1e-6)

	// The penalty is reported, not optimized: the loss tensor is the
	// same with and without it.
	plain, plainBreakdown, err := model.DiscriminatorStep(clip, DiscrOptions{})
	require.NoError(t, err)
	assert.Zero(t, plainBreakdown.GradPenalty)
	assert.InDelta(t, loss.Item(), plain.Item(), 1e-6)
}

func TestDiscriminatorStepWithoutDiscriminator(t *testing.T) {
	model, b := newTestModel(t, testConfigNoGAN())

	_, _, err := model.DiscriminatorStep(testClip(b, 1, 3), DiscrOptions{})
	assert.ErrorIs(t, err, ErrNoDiscriminator)
}

func TestDiscriminatorLogits(t *testing.T) {
	cfg := testConfig()
	cfg.DiscrAttnResolutions = []int{8}
	b := autodiff.New(cpu.New())
	discr := NewDiscriminator(&cfg, b)

	frames := tensor.Rand(tensor.Shape{4, 3, 16, 16}, b)
	logits := discr.Forward(frames)
	assert.Equal(t, tensor.Shape{4}, logits.Shape())
}

func TestDiscriminatorArchitecture(t *testing.T) {
	cfg := testConfig()
	b := autodiff.New(cpu.New())
	discr := NewDiscriminator(&cfg, b)

	// 16x16 downsamples twice (16 -> 8 -> 4); a resolution-preserving
	// block closes the stack.
	require.Len(t, discr.blocks, 3)
	assert.NotNil(t, discr.blocks[0].fold)
	assert.NotNil(t, discr.blocks[1].fold)
	assert.Nil(t, discr.blocks[2].fold)

	sd := discr.StateDict()

	// Channel widths follow base*4*2^i capped at DiscrMaxDim; with
	// base 8 and cap 32 every block lands on the cap.
	for i := 0; i < 3; i++ {
		w := sd[fmt.Sprintf("blocks.%d.conv1.weight", i)]
		require.NotNil(t, w)
		assert.Equal(t, cfg.DiscrMaxDim, w.Shape()[0], "block %d", i)
	}

	// One linear logit head over the flattened 4x4 feature map.
	head := sd["to_logit.weight"]
	require.NotNil(t, head)
	assert.Equal(t, tensor.Shape{1, cfg.DiscrMaxDim * 4 * 4}, head.Shape())
}

func TestHingeLosses(t *testing.T) {
	b := autodiff.New(cpu.New())
	real, err := tensor.FromSlice([]float32{2, 0.5}, tensor.Shape{2}, b)
	require.NoError(t, err)
	fake, err := tensor.FromSlice([]float32{-2, 0.5}, tensor.Shape{2}, b)
	require.NoError(t, err)

	// relu(1-2)=0, relu(1-0.5)=0.5; relu(1-2)=0, relu(1+0.5)=1.5.
	d := hingeDiscrLoss(real, fake)
	assert.InDelta(t, 0.25+0.75, d.Item(), 1e-6)

	g := hingeGenLoss(fake)
	assert.InDelta(t, 0.75, g.Item(), 1e-6)
}

func TestInferenceView(t *testing.T) {
	model, b := newTestModel(t, testConfig())
	view := model.InferenceView()

	assert.False(t, view.HasDiscriminator())
	_, _, err := view.DiscriminatorStep(testClip(b, 1, 3), DiscrOptions{})
	assert.ErrorIs(t, err, ErrNoDiscriminator)

	// The view shares the autoencoder weights, so indices agree.
	clip := testClip(b, 1, 3)
	a, err := model.EncodeToIndices(clip, nil)
	require.NoError(t, err)
	v, err := view.EncodeToIndices(clip, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Data(), v.Data())
}

func TestStateDictExcludesFrozenMetrics(t *testing.T) {
	model, _ := newTestModel(t, testConfig())

	sd := model.StateDict()
	var hasDiscr bool
	for k := range sd {
		assert.False(t, strings.HasPrefix(k, "image"), "unexpected key %s", k)
		assert.False(t, strings.HasPrefix(k, "video"), "unexpected key %s", k)
		if strings.HasPrefix(k, "discr.") {
			hasDiscr = true
		}
	}
	assert.True(t, hasDiscr)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := testConfigNoGAN()
	src, b := newTestModel(t, cfg)
	dst, _ := newTestModel(t, cfg)

	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, src.Save(path))

	report, err := dst.Load(path, true)
	require.NoError(t, err)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Unexpected)

	clip := testClip(b, 1, 3)
	a, err := src.EncodeToIndices(clip, nil)
	require.NoError(t, err)
	c, err := dst.EncodeToIndices(clip, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Data(), c.Data())
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	model, _ := newTestModel(t, testConfigNoGAN())
	_, err := model.Load("weights.gguf", true)
	assert.Error(t, err)
}

func TestLoadStateDictStrictness(t *testing.T) {
	full, _ := newTestModel(t, testConfig())
	slim, _ := newTestModel(t, testConfigNoGAN())

	// A checkpoint without the discriminator fails a strict load but
	// passes non-strict with the gap reported.
	_, err := full.LoadStateDict(slim.StateDict(), true)
	assert.Error(t, err)

	report, err := full.LoadStateDict(slim.StateDict(), false)
	require.NoError(t, err)
	assert.NotEmpty(t, report.Missing)
	assert.Empty(t, report.Unexpected)
	for _, k := range report.Missing {
		assert.True(t, strings.HasPrefix(k, "discr."), "missing key %s", k)
	}
}
