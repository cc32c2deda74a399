package cvivit

import (
	"math"

	"github.com/born-ml/echopulse/internal/autodiff"
	"github.com/born-ml/echopulse/internal/tensor"
)

const logEps = 1e-8

// taped is satisfied by backends that expose a gradient tape.
type taped interface {
	Tape() *autodiff.GradientTape
}

// paused runs fn with tape recording disabled when the backend has one.
func (m *Model[B]) paused(fn func()) {
	if t, ok := any(m.backend).(taped); ok {
		t.Tape().Paused(fn)
		return
	}
	fn()
}

// flattenFrames turns a clip [b, c, t, h, w] into a frame batch
// [b*t, c, h, w] for the frame-level discriminator and image metric.
func flattenFrames[B tensor.Backend](video *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	s := video.Shape()
	return video.Transpose(0, 2, 1, 3, 4).Reshape(s[0]*s[2], s[1], s[3], s[4])
}

// toSigned rescales pixels from [0, 1] to [-1, 1] for the perceptual
// metrics.
func toSigned[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return x.MulScalar(2).AddScalar(-1)
}

// mseLoss is the mean squared error over all elements.
func mseLoss[B tensor.Backend](pred, target *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	diff := pred.Sub(target)
	return diff.Mul(diff).Mean()
}

// maskedFrameMSE computes mean squared error over valid frames only.
// The mask is [b, t] over the clip's frames; invalid frames contribute
// nothing to either the numerator or the element count. A mask with no
// valid frame is an error: there is nothing to average over.
func (m *Model[B]) maskedFrameMSE(
	pred, target *tensor.Tensor[float32, B],
	mask *tensor.Tensor[bool, B],
) (*tensor.Tensor[float32, B], error) {
	s := pred.Shape()
	b, c, t, h, w := s[0], s[1], s[2], s[3], s[4]

	maskData := mask.Raw().AsBool()
	weights := make([]float32, b*t)
	valid := 0
	for i, on := range maskData {
		if on {
			weights[i] = 1
			valid++
		}
	}
	if valid == 0 {
		return nil, ErrEmptyMask
	}
	wt, err := tensor.FromSlice(weights, tensor.Shape{b, 1, t, 1, 1}, m.backend)
	if err != nil {
		panic(err)
	}

	diff := pred.Sub(target)
	sq := diff.Mul(diff).Mul(wt.Expand(b, c, t, h, w))
	scale := 1 / float32(valid*c*h*w)
	return sq.Sum().MulScalar(scale), nil
}

// hingeGenLoss and bceGenLoss score generator logits; lower is better
// for the generator.
func hingeGenLoss[B tensor.Backend](fake *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return fake.Mean().MulScalar(-1)
}

func bceGenLoss[B tensor.Backend](fake *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return fake.Sigmoid().AddScalar(logEps).Log().Mean().MulScalar(-1)
}

// hingeDiscrLoss and bceDiscrLoss score discriminator logits on real
// and reconstructed frames.
func hingeDiscrLoss[B tensor.Backend](real, fake *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	realTerm := real.MulScalar(-1).AddScalar(1).ReLU().Mean()
	fakeTerm := fake.AddScalar(1).ReLU().Mean()
	return realTerm.Add(fakeTerm)
}

func bceDiscrLoss[B tensor.Backend](real, fake *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	realTerm := real.Sigmoid().AddScalar(logEps).Log().Mean().MulScalar(-1)
	fakeTerm := fake.Sigmoid().MulScalar(-1).AddScalar(1).AddScalar(logEps).Log().Mean().MulScalar(-1)
	return realTerm.Add(fakeTerm)
}

// gradientPenalty evaluates the R1-style penalty
// weight * mean((|grad| - 1)^2) of the real logits with respect to the
// input frames. It reads the gradient off the tape at the frames tensor
// and returns the penalty as a plain value; it does not produce
// second-order gradients.
func (m *Model[B]) gradientPenalty(
	frames *tensor.Tensor[float32, B],
	logits *tensor.Tensor[float32, B],
) float32 {
	t, ok := any(m.backend).(taped)
	if !ok {
		return 0
	}

	total := logits.Sum()
	seed := tensor.Ones[float32](tensor.Shape{1}, m.backend)
	grads := t.Tape().BackwardFrom(total.Raw(), seed.Raw(), m.backend)
	g := grads[frames.Raw()]
	if g == nil {
		return 0
	}

	data := g.AsFloat32()
	n := frames.Shape()[0]
	perSample := len(data) / n
	var penalty float64
	for i := 0; i < n; i++ {
		var sq float64
		for _, v := range data[i*perSample : (i+1)*perSample] {
			sq += float64(v) * float64(v)
		}
		d := math.Sqrt(sq) - 1
		penalty += d * d
	}
	return m.config.GradPenaltyWeight * float32(penalty/float64(n))
}
