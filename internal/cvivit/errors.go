package cvivit

import "errors"

// Sentinel errors for unsupported combinations and contract violations.
var (
	// ErrMaskedAdversarialUnsupported is returned when a frame mask is
	// combined with the adversarial or perceptual objective. Selecting
	// frames for those branches under a mask has no agreed semantics.
	ErrMaskedAdversarialUnsupported = errors.New("cvivit: frame mask cannot be combined with adversarial or perceptual losses")

	// ErrNoDiscriminator is returned by DiscriminatorStep when the model
	// was built without an adversarial branch.
	ErrNoDiscriminator = errors.New("cvivit: model has no discriminator")

	// ErrFrameCount is returned when a clip's frame count cannot be
	// split into one leading frame plus whole temporal patches.
	ErrFrameCount = errors.New("cvivit: frame count must be 1 + k*temporalPatchSize")

	// ErrTokenCount is returned when a token count does not correspond
	// to a whole number of frame groups.
	ErrTokenCount = errors.New("cvivit: token count does not map to whole frames")

	// ErrMaskLength is returned when a frame mask's length differs from
	// the clip's frame count.
	ErrMaskLength = errors.New("cvivit: frame mask length must equal frame count")

	// ErrEmptyMask is returned when a frame mask marks no frame valid;
	// there is nothing to average a loss over.
	ErrEmptyMask = errors.New("cvivit: frame mask has no valid frames")
)
