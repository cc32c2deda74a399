package cvivit

import (
	"go.uber.org/zap"

	"github.com/born-ml/echopulse/internal/tensor"
)

// TrainOptions controls a generator training step.
type TrainOptions[B tensor.Backend] struct {
	// FrameMask, when non-nil, marks valid frames per batch element,
	// shape [b, t]. Masked training excludes invalid frames from the
	// reconstruction and commitment losses. It cannot be combined with
	// the adversarial or perceptual objectives.
	FrameMask *tensor.Tensor[bool, B]
}

// LossBreakdown reports the individual terms of a generator step. The
// weights from the configuration are already applied; Total is their
// sum and equals the returned loss tensor's value.
type LossBreakdown struct {
	Total           float32
	Recon           float32
	Commit          float32
	Gen             float32
	Perceptual      float32
	VideoPerceptual float32
}

// TrainStep runs one generator training pass: reconstruct the clip and
// combine reconstruction, commitment, adversarial, and perceptual
// losses per the configured weights. It returns the total loss tensor
// (for the caller to backpropagate) and the per-term breakdown.
//
// A 4D input is treated as a batch of single images, like Reconstruct.
// The adversarial term is zero when the model has no discriminator; the
// video-perceptual term is zero for single-frame clips.
func (m *Model[B]) TrainStep(
	video *tensor.Tensor[float32, B],
	opts TrainOptions[B],
) (*tensor.Tensor[float32, B], *LossBreakdown, error) {
	if s := video.Shape(); len(s) == 4 {
		video = video.Reshape(s[0], s[1], 1, s[2], s[3])
	}
	_, t, err := m.validateVideo(video)
	if err != nil {
		return nil, nil, err
	}

	var mask *tensor.Tensor[bool, B]
	if opts.FrameMask != nil {
		if m.discriminator != nil {
			return nil, nil, ErrMaskedAdversarialUnsupported
		}
		mask, err = m.tokenMask(opts.FrameMask, t)
		if err != nil {
			return nil, nil, err
		}
	}

	recon, vqResult, err := m.reconstructWithVQ(video, mask)
	if err != nil {
		return nil, nil, err
	}

	var reconLoss *tensor.Tensor[float32, B]
	if opts.FrameMask != nil {
		if reconLoss, err = m.maskedFrameMSE(recon, video, opts.FrameMask); err != nil {
			return nil, nil, err
		}
	} else {
		reconLoss = mseLoss(recon, video)
	}

	// The commitment weight is baked into the quantizer's loss.
	total := reconLoss.MulScalar(m.config.ReconWeight).Add(vqResult.Loss)
	breakdown := &LossBreakdown{
		Recon:  reconLoss.Item() * m.config.ReconWeight,
		Commit: vqResult.Loss.Item(),
	}

	if m.discriminator != nil {
		realFrames := flattenFrames(video)
		fakeFrames := flattenFrames(recon)

		if m.config.GenWeight > 0 {
			fakeLogits := m.discriminator.Forward(fakeFrames)
			var genLoss *tensor.Tensor[float32, B]
			if m.config.UseHingeLoss {
				genLoss = hingeGenLoss(fakeLogits)
			} else {
				genLoss = bceGenLoss(fakeLogits)
			}
			total = total.Add(genLoss.MulScalar(m.config.GenWeight))
			breakdown.Gen = genLoss.Item() * m.config.GenWeight
		}

		if m.config.PerceptualWeight > 0 {
			percep := m.imageMetric.Distance(toSigned(realFrames), toSigned(fakeFrames))
			total = total.Add(percep.MulScalar(m.config.PerceptualWeight))
			breakdown.Perceptual = percep.Item() * m.config.PerceptualWeight
		}

		if m.config.VideoPerceptualWeight > 0 && t > 1 {
			videoPercep := m.videoExtractor.Distance(toSigned(video), toSigned(recon))
			total = total.Add(videoPercep.MulScalar(m.config.VideoPerceptualWeight))
			breakdown.VideoPerceptual = videoPercep.Item() * m.config.VideoPerceptualWeight
		}
	}

	breakdown.Total = total.Item()
	m.logger.Debug("train step",
		zap.Float32("total", breakdown.Total),
		zap.Float32("recon", breakdown.Recon),
		zap.Float32("commit", breakdown.Commit),
		zap.Float32("gen", breakdown.Gen),
		zap.Float32("perceptual", breakdown.Perceptual),
		zap.Float32("video_perceptual", breakdown.VideoPerceptual),
	)
	return total, breakdown, nil
}

// DiscrOptions controls a discriminator training step.
type DiscrOptions struct {
	// ApplyGradPenalty evaluates the gradient penalty on the real
	// branch. Typical schedules apply it every few steps rather than
	// always.
	ApplyGradPenalty bool
}

// DiscrBreakdown reports the terms of a discriminator step. GradPenalty
// is informational: the tape is single-level, so the penalty is an
// exact value without second-order gradients and is kept out of the
// loss tensor rather than added as a gradient-free constant.
type DiscrBreakdown struct {
	Total       float32
	Adversarial float32
	GradPenalty float32
}

// DiscriminatorStep runs one discriminator training pass: score real
// frames against reconstructions produced outside the gradient tape,
// and optionally evaluate the gradient penalty on the real branch,
// reported in the breakdown. It returns ErrNoDiscriminator when the
// adversarial branch is disabled.
func (m *Model[B]) DiscriminatorStep(
	video *tensor.Tensor[float32, B],
	opts DiscrOptions,
) (*tensor.Tensor[float32, B], *DiscrBreakdown, error) {
	if m.discriminator == nil {
		return nil, nil, ErrNoDiscriminator
	}
	if _, _, err := m.validateVideo(video); err != nil {
		return nil, nil, err
	}

	// The generator is fixed during this step: the reconstruction is
	// produced with recording paused so only discriminator weights and
	// the real branch enter the graph.
	var recon *tensor.Tensor[float32, B]
	var reconErr error
	m.paused(func() {
		recon, reconErr = m.reconstruct(video, nil)
	})
	if reconErr != nil {
		return nil, nil, reconErr
	}

	realFrames := flattenFrames(video)
	realLogits := m.discriminator.Forward(realFrames)
	fakeLogits := m.discriminator.Forward(flattenFrames(recon))

	var loss *tensor.Tensor[float32, B]
	if m.config.UseHingeLoss {
		loss = hingeDiscrLoss(realLogits, fakeLogits)
	} else {
		loss = bceDiscrLoss(realLogits, fakeLogits)
	}
	breakdown := &DiscrBreakdown{Adversarial: loss.Item()}

	if opts.ApplyGradPenalty && m.config.GradPenaltyWeight > 0 {
		breakdown.GradPenalty = m.gradientPenalty(realFrames, realLogits)
	}

	breakdown.Total = loss.Item()
	m.logger.Debug("discriminator step",
		zap.Float32("total", breakdown.Total),
		zap.Float32("adversarial", breakdown.Adversarial),
		zap.Float32("grad_penalty", breakdown.GradPenalty),
	)
	return loss, breakdown, nil
}
