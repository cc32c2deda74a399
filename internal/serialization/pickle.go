package serialization

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/born-ml/echopulse/internal/tensor"
)

// ReadTorch reads a PyTorch pickle checkpoint into a state dictionary.
// Float storages are widened to float32; integer storages map to int64.
// Tensors are assumed contiguous, which holds for saved state dicts.
func ReadTorch(path string) (map[string]*tensor.RawTensor, error) {
	m, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle %s: %w", path, err)
	}

	entries, err := dictEntries(m)
	if err != nil {
		return nil, err
	}

	stateDict := make(map[string]*tensor.RawTensor, len(entries))
	for name, value := range entries {
		pt, ok := value.(*pytorch.Tensor)
		if !ok {
			// Non-tensor entries (steps, config blobs) are skipped.
			continue
		}
		raw, err := torchToRaw(pt)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		stateDict[name] = raw
	}
	return stateDict, nil
}

// dictEntries flattens the unpickled object into name/value pairs.
// Checkpoints come as either an OrderedDict or a plain Dict.
func dictEntries(m interface{}) (map[string]interface{}, error) {
	entries := make(map[string]interface{})
	switch d := m.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			key, ok := k.(string)
			if !ok {
				continue
			}
			entries[key] = d.MustGet(k)
		}
	case *types.OrderedDict:
		for k, item := range d.Map {
			key, ok := k.(string)
			if !ok {
				continue
			}
			entries[key] = item.Value
		}
	default:
		return nil, fmt.Errorf("%w: unpickled %T", ErrUnknownFormat, m)
	}
	return entries, nil
}

// torchToRaw converts one unpickled tensor into a RawTensor.
func torchToRaw(pt *pytorch.Tensor) (*tensor.RawTensor, error) {
	shape := make(tensor.Shape, len(pt.Size))
	copy(shape, pt.Size)
	if len(shape) == 0 {
		shape = tensor.Shape{1}
	}

	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		return rawFromFloat32(shape, s.Data)
	case *pytorch.HalfStorage:
		return rawFromFloat32(shape, s.Data)
	case *pytorch.BFloat16Storage:
		return rawFromFloat32(shape, s.Data)
	case *pytorch.DoubleStorage:
		f32s := make([]float32, len(s.Data))
		for i, v := range s.Data {
			f32s[i] = float32(v)
		}
		return rawFromFloat32(shape, f32s)
	case *pytorch.LongStorage:
		raw, err := tensor.NewRaw(shape, tensor.Int64, tensor.CPU)
		if err != nil {
			return nil, err
		}
		copy(raw.AsInt64(), s.Data)
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: storage %T", ErrUnsupportedDType, s)
	}
}

func rawFromFloat32(shape tensor.Shape, data []float32) (*tensor.RawTensor, error) {
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	if len(data) < raw.NumElements() {
		return nil, fmt.Errorf("%w: storage holds %d elements, shape %v needs %d",
			ErrOutOfBounds, len(data), shape, raw.NumElements())
	}
	copy(raw.AsFloat32(), data[:raw.NumElements()])
	return raw, nil
}
