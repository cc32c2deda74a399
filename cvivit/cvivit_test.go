// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cvivit_test

import (
	"errors"
	"testing"

	"github.com/born-ml/echopulse/autodiff"
	"github.com/born-ml/echopulse/backend/cpu"
	"github.com/born-ml/echopulse/cvivit"
	"github.com/born-ml/echopulse/tensor"
)

func smallConfig() cvivit.Config {
	return cvivit.Config{
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
		UseHingeLoss:      true,
		// Inference-focused setup: no adversarial branch.
		DisableGANAndPerceptual: true,
		CommitWeight:            0.25,
		ReconWeight:             1,
	}
}

func TestPublicRoundTrip(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, err := cvivit.New(smallConfig(), backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	clip := tensor.Rand(tensor.Shape{1, 3, 3, 16, 16}, backend)

	indices, err := model.EncodeToIndices(clip, nil)
	if err != nil {
		t.Fatalf("EncodeToIndices: %v", err)
	}
	if got := indices.Shape(); !got.Equal(tensor.Shape{1, 8}) {
		t.Fatalf("indices shape = %v, want [1 8]", got)
	}

	recon, err := model.DecodeFromIndices(indices)
	if err != nil {
		t.Fatalf("DecodeFromIndices: %v", err)
	}
	if got := recon.Shape(); !got.Equal(clip.Shape()) {
		t.Fatalf("recon shape = %v, want %v", got, clip.Shape())
	}
}

func TestPublicErrors(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, err := cvivit.New(smallConfig(), backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// 2 frames cannot split into 1 + k*2.
	bad := tensor.Rand(tensor.Shape{1, 3, 2, 16, 16}, backend)
	if _, err := model.Encode(bad); !errors.Is(err, cvivit.ErrFrameCount) {
		t.Fatalf("Encode error = %v, want ErrFrameCount", err)
	}

	if _, _, err := model.DiscriminatorStep(bad, cvivit.DiscrOptions{}); !errors.Is(err, cvivit.ErrNoDiscriminator) {
		t.Fatalf("DiscriminatorStep error = %v, want ErrNoDiscriminator", err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := cvivit.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig does not validate: %v", err)
	}
}
