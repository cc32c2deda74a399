// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autodiff provides reverse-mode automatic differentiation.
//
// It wraps any backend with a gradient tape that records operations;
// Backward walks the tape and returns gradients keyed by raw tensor.
//
// Example:
//
//	base := cpu.New()
//	backend := autodiff.New(base)
//	backend.Tape().StartRecording()
//
//	x := tensor.Randn(tensor.Shape{2, 3}, backend)
//	y := x.Mul(x).Sum()
//
//	seed := tensor.Ones[float32](tensor.Shape{1}, backend)
//	grads := backend.Tape().Backward(seed.Raw(), backend)
package autodiff

import (
	internal "github.com/born-ml/echopulse/internal/autodiff"
	"github.com/born-ml/echopulse/internal/tensor"
)

// Backend decorates a backend with gradient recording.
type Backend[B tensor.Backend] = internal.Backend[B]

// New wraps backend with a fresh gradient tape.
func New[B tensor.Backend](backend B) *Backend[B] {
	return internal.New(backend)
}

// GradientTape records operations for reverse-mode differentiation.
type GradientTape = internal.GradientTape

// NewGradientTape creates an empty tape.
func NewGradientTape() *GradientTape {
	return internal.NewGradientTape()
}
