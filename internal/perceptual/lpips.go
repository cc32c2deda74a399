// Package perceptual provides frozen feature extractors for perceptual
// reconstruction losses: a convolutional image metric compared layer-wise
// in feature space, and a video feature extractor for clip-level distance.
//
// Both are composed into the training objective but excluded from the
// optimizer set and from model checkpoints. Gradients still flow through
// them to the reconstruction being scored; only their own weights stay
// fixed.
package perceptual

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/nn"
	"github.com/born-ml/echopulse/internal/tensor"
)

// ImageMetric scores perceptual distance between image batches by
// comparing unit-normalized activations of a small convolutional stack at
// every depth. Inputs are expected in [-1, 1].
type ImageMetric[B tensor.Backend] struct {
	stages  []*nn.Conv2D[B]
	backend B
}

var imageStageChannels = []int{64, 128, 256, 512}

// NewImageMetric creates the metric with randomly initialized weights.
// Pretrained weights are loaded with LoadStateDict.
func NewImageMetric[B tensor.Backend](channels int, backend B) *ImageMetric[B] {
	stages := make([]*nn.Conv2D[B], len(imageStageChannels))
	in := channels
	for i, out := range imageStageChannels {
		stages[i] = nn.NewConv2D[B](in, out, 3, 2, 1, backend)
		in = out
	}
	return &ImageMetric[B]{stages: stages, backend: backend}
}

// Distance computes the perceptual distance between two image batches of
// shape [N, C, H, W]. Returns a scalar tensor: the mean over stages of
// the mean squared difference between channel-normalized features.
func (m *ImageMetric[B]) Distance(a, b *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !a.Shape().Equal(b.Shape()) {
		panic(fmt.Sprintf("ImageMetric.Distance: shape mismatch %v vs %v", a.Shape(), b.Shape()))
	}

	var total *tensor.Tensor[float32, B]
	fa, fb := a, b
	for _, stage := range m.stages {
		fa = stage.Forward(fa).LeakyReLU(0.2)
		fb = stage.Forward(fb).LeakyReLU(0.2)

		na := channelNormalize(fa)
		nb := channelNormalize(fb)
		diff := na.Sub(nb)
		d := diff.Mul(diff).Mean()

		if total == nil {
			total = d
		} else {
			total = total.Add(d)
		}
	}
	return total.MulScalar(1.0 / float32(len(m.stages)))
}

// channelNormalize scales each spatial position's channel vector to unit
// length, the comparison space used for feature distances.
func channelNormalize[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	norm := x.Mul(x).SumDim(1, true).AddScalar(1e-10).Rsqrt()
	return x.Mul(norm)
}

// Parameters returns nil: the metric is frozen and never optimized.
func (m *ImageMetric[B]) Parameters() []*nn.Parameter[B] {
	return nil
}

// StateDict returns the stage weights, for loading pretrained filters.
func (m *ImageMetric[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for i, stage := range m.stages {
		nn.MergeStateDict(sd, stage.StateDict(), fmt.Sprintf("stages.%d", i))
	}
	return sd
}

// LoadStateDict restores the stage weights.
func (m *ImageMetric[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for i, stage := range m.stages {
		if err := stage.LoadStateDict(nn.SubStateDict(stateDict, fmt.Sprintf("stages.%d", i))); err != nil {
			return fmt.Errorf("image metric stage %d: %w", i, err)
		}
	}
	return nil
}
