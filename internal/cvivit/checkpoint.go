package cvivit

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/born-ml/echopulse/internal/nn"
	"github.com/born-ml/echopulse/internal/serialization"
	"github.com/born-ml/echopulse/internal/tensor"
)

// stateParts enumerates the checkpointed submodules with their key
// prefixes. The frozen perceptual metrics are deliberately absent:
// their weights come from pretrained releases and are loaded through
// LoadImageMetric and LoadVideoExtractor instead.
func (m *Model[B]) stateParts() []struct {
	prefix string
	mod    nn.Stateful
} {
	parts := []struct {
		prefix string
		mod    nn.Stateful
	}{
		{"patch_emb", m.patchEmb},
		{"pixel_proj", m.pixelProj},
		{"spatial_bias", m.spatialBias},
		{"enc_spatial", m.encSpatial},
		{"enc_temporal", m.encTemporal},
		{"dec_spatial", m.decSpatial},
		{"dec_temporal", m.decTemporal},
		{"vq", m.quantizer},
	}
	if m.discriminator != nil {
		parts = append(parts, struct {
			prefix string
			mod    nn.Stateful
		}{"discr", m.discriminator})
	}
	return parts
}

// StateDict returns every checkpointed weight keyed by dotted path. The
// returned tensors alias the model's storage.
func (m *Model[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for _, part := range m.stateParts() {
		nn.MergeStateDict(sd, part.mod.StateDict(), part.prefix)
	}
	return sd
}

// LoadStateDict copies matching entries of stateDict into the model.
// In strict mode any missing or unexpected key is an error; otherwise
// mismatched keys are skipped and reported in the returned LoadReport.
// Shape or dtype conflicts on matching keys are always errors.
func (m *Model[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor, strict bool) (*LoadReport, error) {
	current := m.StateDict()

	report := &LoadReport{}
	for k := range current {
		if _, ok := stateDict[k]; !ok {
			report.Missing = append(report.Missing, k)
		}
	}
	for k := range stateDict {
		if _, ok := current[k]; !ok {
			report.Unexpected = append(report.Unexpected, k)
		}
	}
	sort.Strings(report.Missing)
	sort.Strings(report.Unexpected)

	if strict && (len(report.Missing) > 0 || len(report.Unexpected) > 0) {
		return report, fmt.Errorf("cvivit: state dict mismatch: %d missing (%s), %d unexpected (%s)",
			len(report.Missing), summarizeKeys(report.Missing),
			len(report.Unexpected), summarizeKeys(report.Unexpected))
	}

	for k, dst := range current {
		src, ok := stateDict[k]
		if !ok {
			continue
		}
		if !src.Shape().Equal(dst.Shape()) {
			return report, fmt.Errorf("cvivit: %s shape mismatch: have %v, checkpoint has %v", k, dst.Shape(), src.Shape())
		}
		if src.DType() != dst.DType() {
			return report, fmt.Errorf("cvivit: %s dtype mismatch: have %v, checkpoint has %v", k, dst.DType(), src.DType())
		}
		copy(dst.Bytes(), src.Bytes())
	}
	return report, nil
}

// LoadReport lists the keys a non-strict load skipped.
type LoadReport struct {
	Missing    []string // in the model but not the checkpoint
	Unexpected []string // in the checkpoint but not the model
}

func summarizeKeys(keys []string) string {
	const max = 5
	if len(keys) <= max {
		return strings.Join(keys, ", ")
	}
	return strings.Join(keys[:max], ", ") + ", ..."
}

// LoadImageMetric loads pretrained weights into the frozen image
// metric. It is an error on an inference-only model.
func (m *Model[B]) LoadImageMetric(stateDict map[string]*tensor.RawTensor) error {
	if m.imageMetric == nil {
		return fmt.Errorf("cvivit: model has no image metric")
	}
	return m.imageMetric.LoadStateDict(stateDict)
}

// LoadVideoExtractor loads pretrained weights into the frozen video
// feature extractor. It is an error on an inference-only model.
func (m *Model[B]) LoadVideoExtractor(stateDict map[string]*tensor.RawTensor) error {
	if m.videoExtractor == nil {
		return fmt.Errorf("cvivit: model has no video extractor")
	}
	return m.videoExtractor.LoadStateDict(stateDict)
}

// Save writes the model's weights to path in safetensors format.
func (m *Model[B]) Save(path string) error {
	return serialization.WriteSafeTensors(path, m.StateDict(), map[string]string{
		"format": "cvivit",
	})
}

// Load reads weights from path and applies them with LoadStateDict.
// The format follows the extension: .safetensors, or .pt/.bin for
// pickled archives.
func (m *Model[B]) Load(path string, strict bool) (*LoadReport, error) {
	var sd map[string]*tensor.RawTensor
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		sd, err = serialization.ReadSafeTensors(path)
	case ".pt", ".bin":
		sd, err = serialization.ReadTorch(path)
	default:
		return nil, fmt.Errorf("%w: %s", serialization.ErrUnknownFormat, path)
	}
	if err != nil {
		return nil, err
	}
	return m.LoadStateDict(sd, strict)
}
