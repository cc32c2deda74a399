package perceptual

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/nn"
	"github.com/born-ml/echopulse/internal/tensor"
)

// VideoExtractor embeds whole clips for a video-level perceptual loss.
// Clips are resized to the extractor's native spatial resolution, passed
// through a 3D convolutional stack, and globally average pooled into one
// embedding per clip. Like ImageMetric it is frozen.
type VideoExtractor[B tensor.Backend] struct {
	Resolution int // native input size, spatial
	stages     []*nn.Conv3D[B]
	backend    B
}

var videoStageChannels = []int{64, 128, 256}

// NewVideoExtractor creates the extractor. resolution is the spatial size
// clips are resampled to before feature extraction, typically 224.
func NewVideoExtractor[B tensor.Backend](channels, resolution int, backend B) *VideoExtractor[B] {
	stages := make([]*nn.Conv3D[B], len(videoStageChannels))
	in := channels
	for i, out := range videoStageChannels {
		// Temporal stride stays 1 so short clips keep all frames.
		stages[i] = nn.NewConv3D[B](in, out, 3, 3, 1, 2, 1, 1, backend)
		in = out
	}
	return &VideoExtractor[B]{
		Resolution: resolution,
		stages:     stages,
		backend:    backend,
	}
}

// Embed computes one embedding per clip for input [b, c, t, h, w].
// Returns [b, features].
func (v *VideoExtractor[B]) Embed(clip *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := clip.Shape()
	if len(shape) != 5 {
		panic(fmt.Sprintf("VideoExtractor.Embed: expected 5D [b,c,t,h,w], got %v", shape))
	}
	b, c, t := shape[0], shape[1], shape[2]

	x := v.resize(clip, b, c, t)
	for _, stage := range v.stages {
		x = stage.Forward(x).LeakyReLU(0.2)
	}

	// Global average pool over time and space: [b, feat, t, h, w] -> [b, feat].
	x = x.MeanDim(-1, false)
	x = x.MeanDim(-1, false)
	return x.MeanDim(-1, false)
}

// Distance computes the mean squared distance between the embeddings of
// two clips [b, c, t, h, w].
func (v *VideoExtractor[B]) Distance(a, b *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	diff := v.Embed(a).Sub(v.Embed(b))
	return diff.Mul(diff).Mean()
}

// resize resamples every frame to the native resolution.
func (v *VideoExtractor[B]) resize(clip *tensor.Tensor[float32, B], b, c, t int) *tensor.Tensor[float32, B] {
	shape := clip.Shape()
	h, w := shape[3], shape[4]
	if h == v.Resolution && w == v.Resolution {
		return clip
	}

	// [b, c, t, h, w] -> [b*t, c, h, w] for the 2D resampler.
	frames := clip.Transpose(0, 2, 1, 3, 4).Reshape(b*t, c, h, w)
	resized := tensor.New[float32, B](v.backend.Resize2D(frames.Raw(), v.Resolution, v.Resolution), v.backend)
	return resized.Reshape(b, t, c, v.Resolution, v.Resolution).Transpose(0, 2, 1, 3, 4)
}

// Parameters returns nil: the extractor is frozen and never optimized.
func (v *VideoExtractor[B]) Parameters() []*nn.Parameter[B] {
	return nil
}

// StateDict returns the stage weights, for loading pretrained filters.
func (v *VideoExtractor[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for i, stage := range v.stages {
		nn.MergeStateDict(sd, stage.StateDict(), fmt.Sprintf("stages.%d", i))
	}
	return sd
}

// LoadStateDict restores the stage weights.
func (v *VideoExtractor[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for i, stage := range v.stages {
		if err := stage.LoadStateDict(nn.SubStateDict(stateDict, fmt.Sprintf("stages.%d", i))); err != nil {
			return fmt.Errorf("video extractor stage %d: %w", i, err)
		}
	}
	return nil
}
