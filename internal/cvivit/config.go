package cvivit

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Config describes the architecture and training objective of a video
// tokenizer. The zero value is not usable; fill the fields and pass the
// struct to New, which validates it.
type Config struct {
	// Dim is the transformer embedding width.
	Dim int `json:"dim"`

	// CodebookSize is the number of entries in the quantizer codebook.
	CodebookSize int `json:"codebook_size"`
	// CodebookDim is the width codes are projected to before the
	// nearest-neighbour search. Zero means no projection (use Dim).
	CodebookDim int `json:"codebook_dim,omitempty"`

	// ImageHeight and ImageWidth are the expected input resolution.
	ImageHeight int `json:"image_height"`
	ImageWidth  int `json:"image_width"`

	// PatchSize is the spatial patch edge length. TemporalPatchSize is
	// the number of frames folded into one token step after the first
	// frame.
	PatchSize         int `json:"patch_size"`
	TemporalPatchSize int `json:"temporal_patch_size"`

	// Channels is the number of image channels, usually 3.
	Channels int `json:"channels"`

	SpatialDepth  int `json:"spatial_depth"`
	TemporalDepth int `json:"temporal_depth"`
	Heads         int `json:"heads"`
	DimHead       int `json:"dim_head"`
	FFMult        int `json:"ff_mult,omitempty"`

	// DiscrBaseDim is the discriminator's base channel width.
	// DiscrMaxDim caps the width growth across blocks.
	// DiscrAttnResolutions lists feature-map edge lengths at which the
	// discriminator inserts a self-attention block.
	DiscrBaseDim         int   `json:"discr_base_dim,omitempty"`
	DiscrMaxDim          int   `json:"discr_max_dim,omitempty"`
	DiscrAttnResolutions []int `json:"discr_attn_resolutions,omitempty"`

	// UseHingeLoss selects the hinge adversarial loss; otherwise the
	// non-saturating BCE formulation is used.
	UseHingeLoss bool `json:"use_hinge_loss"`
	// DisableGANAndPerceptual drops the discriminator and the frozen
	// perceptual metrics entirely. The model then trains on
	// reconstruction and commitment alone.
	DisableGANAndPerceptual bool `json:"disable_gan_and_perceptual,omitempty"`

	// Loss weights.
	CommitWeight          float32 `json:"commit_weight"`
	GenWeight             float32 `json:"gen_weight"`
	PerceptualWeight      float32 `json:"perceptual_weight"`
	VideoPerceptualWeight float32 `json:"video_perceptual_weight"`
	ReconWeight           float32 `json:"recon_weight"`
	GradPenaltyWeight     float32 `json:"grad_penalty_weight,omitempty"`
}

// DefaultConfig returns a small but complete configuration suitable for
// experimentation.
func DefaultConfig() Config {
	return Config{
		Dim:               512,
		CodebookSize:      8192,
		CodebookDim:       32,
		ImageHeight:       256,
		ImageWidth:        256,
		PatchSize:         8,
		TemporalPatchSize: 2,
		Channels:          3,
		SpatialDepth:      4,
		TemporalDepth:     4,
		Heads:             8,
		DimHead:           64,
		FFMult:            4,
		DiscrBaseDim:      16,
		DiscrMaxDim:       512,
		UseHingeLoss:      true,
		CommitWeight:      0.25,
		GenWeight:         1,
		PerceptualWeight:  1,
		ReconWeight:       1,
		GradPenaltyWeight: 10,
	}
}

// Validate reports the first problem with the configuration, or nil.
func (c *Config) Validate() error {
	switch {
	case c.Dim <= 0:
		return fmt.Errorf("cvivit: dim must be positive, got %d", c.Dim)
	case c.CodebookSize <= 0:
		return fmt.Errorf("cvivit: codebook_size must be positive, got %d", c.CodebookSize)
	case c.CodebookDim < 0:
		return fmt.Errorf("cvivit: codebook_dim must be non-negative, got %d", c.CodebookDim)
	case c.ImageHeight <= 0 || c.ImageWidth <= 0:
		return fmt.Errorf("cvivit: image size must be positive, got %dx%d", c.ImageHeight, c.ImageWidth)
	case c.PatchSize <= 0:
		return fmt.Errorf("cvivit: patch_size must be positive, got %d", c.PatchSize)
	case c.TemporalPatchSize <= 0:
		return fmt.Errorf("cvivit: temporal_patch_size must be positive, got %d", c.TemporalPatchSize)
	case c.Channels <= 0:
		return fmt.Errorf("cvivit: channels must be positive, got %d", c.Channels)
	case c.SpatialDepth <= 0 || c.TemporalDepth <= 0:
		return fmt.Errorf("cvivit: depths must be positive, got spatial=%d temporal=%d", c.SpatialDepth, c.TemporalDepth)
	case c.Heads <= 0 || c.DimHead <= 0:
		return fmt.Errorf("cvivit: heads and dim_head must be positive, got %d and %d", c.Heads, c.DimHead)
	}
	if c.ImageHeight%c.PatchSize != 0 || c.ImageWidth%c.PatchSize != 0 {
		return fmt.Errorf("cvivit: image size %dx%d not divisible by patch_size %d",
			c.ImageHeight, c.ImageWidth, c.PatchSize)
	}
	if !c.DisableGANAndPerceptual && c.DiscrBaseDim <= 0 {
		return fmt.Errorf("cvivit: discr_base_dim must be positive when the adversarial branch is enabled, got %d", c.DiscrBaseDim)
	}
	for _, w := range []struct {
		name string
		v    float32
	}{
		{"commit_weight", c.CommitWeight},
		{"gen_weight", c.GenWeight},
		{"perceptual_weight", c.PerceptualWeight},
		{"video_perceptual_weight", c.VideoPerceptualWeight},
		{"recon_weight", c.ReconWeight},
		{"grad_penalty_weight", c.GradPenaltyWeight},
	} {
		if w.v < 0 {
			return fmt.Errorf("cvivit: %s must be non-negative, got %v", w.name, w.v)
		}
	}
	return nil
}

// ffMult returns the feed-forward expansion factor with its default.
func (c *Config) ffMult() int {
	if c.FFMult <= 0 {
		return 4
	}
	return c.FFMult
}

// codebookDim returns the projected code width, defaulting to Dim.
func (c *Config) codebookDim() int {
	if c.CodebookDim <= 0 {
		return c.Dim
	}
	return c.CodebookDim
}

// PatchGrid returns the spatial token grid (height, width).
func (c *Config) PatchGrid() (int, int) {
	return c.ImageHeight / c.PatchSize, c.ImageWidth / c.PatchSize
}

// MarshalJSON and UnmarshalJSON use the field tags above; the methods
// exist so callers can persist configs next to checkpoints.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	return json.Marshal(alias(c))
}

func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Config(a)
	return nil
}
