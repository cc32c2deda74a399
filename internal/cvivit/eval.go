package cvivit

// InferenceView returns a model that shares every autoencoder weight
// with the receiver but carries no discriminator or perceptual metrics.
// Encode, Decode, and the index operations behave identically; the
// training steps are unavailable (DiscriminatorStep returns
// ErrNoDiscriminator, TrainStep trains without adversarial terms).
func (m *Model[B]) InferenceView() *Model[B] {
	view := *m
	view.discriminator = nil
	view.imageMetric = nil
	view.videoExtractor = nil
	return &view
}
