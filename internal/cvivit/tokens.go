package cvivit

import "fmt"

// TokensPerFrames returns how many discrete tokens a clip of the given
// frame count quantizes to. The frame count must be one leading frame
// plus a whole number of temporal patches.
func (m *Model[B]) TokensPerFrames(frames int) (int, error) {
	if frames < 1 {
		return 0, fmt.Errorf("%w: got %d frames", ErrFrameCount, frames)
	}
	if (frames-1)%m.config.TemporalPatchSize != 0 {
		return 0, fmt.Errorf("%w: got %d frames with temporal patch size %d",
			ErrFrameCount, frames, m.config.TemporalPatchSize)
	}
	h, w := m.config.PatchGrid()
	steps := 1 + (frames-1)/m.config.TemporalPatchSize
	return steps * h * w, nil
}

// FramesPerTokens is the inverse of TokensPerFrames: it returns the
// frame count a token sequence of the given length decodes to.
func (m *Model[B]) FramesPerTokens(tokens int) (int, error) {
	h, w := m.config.PatchGrid()
	perStep := h * w
	if tokens < perStep || tokens%perStep != 0 {
		return 0, fmt.Errorf("%w: %d tokens with %d tokens per step", ErrTokenCount, tokens, perStep)
	}
	steps := tokens / perStep
	return 1 + (steps-1)*m.config.TemporalPatchSize, nil
}
