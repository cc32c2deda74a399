// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cvivit provides the public API of the echopulse video
// tokenizer: a factorized spatio-temporal transformer autoencoder with
// a vector-quantized bottleneck and an adversarial training objective.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	model, err := cvivit.New(cvivit.DefaultConfig(), backend)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	indices, err := model.EncodeToIndices(clip, nil)
//	// ...
//	recon, err := model.DecodeFromIndices(indices)
package cvivit

import (
	internal "github.com/born-ml/echopulse/internal/cvivit"
	"github.com/born-ml/echopulse/internal/tensor"
	"go.uber.org/zap"
)

// Model is the video tokenizer.
type Model[B tensor.Backend] = internal.Model[B]

// Config describes the architecture and training objective.
type Config = internal.Config

// Option configures optional model behaviour.
type Option[B tensor.Backend] = internal.Option[B]

// TrainOptions controls a generator training step.
type TrainOptions[B tensor.Backend] = internal.TrainOptions[B]

// LossBreakdown reports the weighted terms of a generator step.
type LossBreakdown = internal.LossBreakdown

// DiscrOptions controls a discriminator training step.
type DiscrOptions = internal.DiscrOptions

// DiscrBreakdown reports the terms of a discriminator step.
type DiscrBreakdown = internal.DiscrBreakdown

// LoadReport lists the keys a non-strict checkpoint load skipped.
type LoadReport = internal.LoadReport

// Sentinel errors.
var (
	ErrMaskedAdversarialUnsupported = internal.ErrMaskedAdversarialUnsupported
	ErrNoDiscriminator              = internal.ErrNoDiscriminator
	ErrFrameCount                   = internal.ErrFrameCount
	ErrTokenCount                   = internal.ErrTokenCount
	ErrMaskLength                   = internal.ErrMaskLength
	ErrEmptyMask                    = internal.ErrEmptyMask
)

// New validates the configuration and builds a trainable model.
func New[B tensor.Backend](cfg Config, backend B, opts ...Option[B]) (*Model[B], error) {
	return internal.New(cfg, backend, opts...)
}

// DefaultConfig returns a small but complete configuration.
func DefaultConfig() Config {
	return internal.DefaultConfig()
}

// WithLogger attaches a logger; training steps report per-term losses
// at debug level.
func WithLogger[B tensor.Backend](logger *zap.Logger) Option[B] {
	return internal.WithLogger[B](logger)
}
