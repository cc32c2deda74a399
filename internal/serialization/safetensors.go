// Package serialization reads and writes model state dictionaries.
//
// Two container formats are supported: safetensors (read and write, the
// native checkpoint format) and PyTorch pickle archives (read only, for
// importing externally trained weights).
package serialization

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/born-ml/echopulse/internal/tensor"
)

// maxHeaderSize bounds the JSON header to keep hostile files from forcing
// huge allocations.
const maxHeaderSize = 100 * 1024 * 1024

// safeTensorEntry represents one tensor in the safetensors header.
type safeTensorEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// WriteSafeTensors writes a state dictionary to a safetensors file.
//
// Layout:
//
//	[8 bytes: header size, uint64 LE]
//	[header: JSON]
//	[tensor data: raw bytes, alphabetical by name]
func WriteSafeTensors(path string, stateDict map[string]*tensor.RawTensor, metadata map[string]string) error {
	//nolint:gosec // path is caller-supplied
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	names := make([]string, 0, len(stateDict))
	for name := range stateDict {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]interface{})
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var offset int64
	for _, name := range names {
		raw := stateDict[name]
		size := int64(raw.NumElements() * raw.DType().Size())

		shape := make([]int64, len(raw.Shape()))
		for i, dim := range raw.Shape() {
			shape[i] = int64(dim)
		}

		header[name] = safeTensorEntry{
			DType:       dtypeToSafeTensors(raw.DType()),
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if err := binary.Write(file, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := file.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, name := range names {
		if _, err := file.Write(stateDict[name].Bytes()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return nil
}

// ReadSafeTensors reads a safetensors file into a state dictionary.
// F16 tensors are widened to float32 on load.
func ReadSafeTensors(path string) (map[string]*tensor.RawTensor, error) {
	//nolint:gosec // path is caller-supplied
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > maxHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, headerSize)
	}

	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerJSON); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read data section: %w", err)
	}

	stateDict := make(map[string]*tensor.RawTensor, len(header))
	for name, rawEntry := range header {
		if name == "__metadata__" {
			continue
		}
		var entry safeTensorEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			return nil, fmt.Errorf("failed to parse entry %s: %w", name, err)
		}

		start, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if start < 0 || end < start {
			return nil, fmt.Errorf("%w: tensor %s", ErrNegativeOffset, name)
		}
		if end > int64(len(data)) {
			return nil, fmt.Errorf("%w: tensor %s", ErrOutOfBounds, name)
		}

		shape := make(tensor.Shape, len(entry.Shape))
		for i, dim := range entry.Shape {
			shape[i] = int(dim)
		}

		raw, err := decodeTensor(entry.DType, shape, data[start:end])
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		stateDict[name] = raw
	}
	return stateDict, nil
}

// decodeTensor builds a RawTensor from a safetensors data slice.
func decodeTensor(dtype string, shape tensor.Shape, data []byte) (*tensor.RawTensor, error) {
	switch dtype {
	case "F32":
		raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, err
		}
		if len(data) != len(raw.Bytes()) {
			return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrOutOfBounds, len(data), len(raw.Bytes()))
		}
		copy(raw.Bytes(), data)
		return raw, nil

	case "F16":
		raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, err
		}
		out := raw.AsFloat32()
		if len(data) != len(out)*2 {
			return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrOutOfBounds, len(data), len(out)*2)
		}
		for i := range out {
			bits := binary.LittleEndian.Uint16(data[i*2:])
			out[i] = float16.Frombits(bits).Float32()
		}
		return raw, nil

	case "I64":
		raw, err := tensor.NewRaw(shape, tensor.Int64, tensor.CPU)
		if err != nil {
			return nil, err
		}
		copy(raw.Bytes(), data)
		return raw, nil

	case "U8":
		raw, err := tensor.NewRaw(shape, tensor.Uint8, tensor.CPU)
		if err != nil {
			return nil, err
		}
		copy(raw.Bytes(), data)
		return raw, nil

	case "BOOL":
		raw, err := tensor.NewRaw(shape, tensor.Bool, tensor.CPU)
		if err != nil {
			return nil, err
		}
		copy(raw.Bytes(), data)
		return raw, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
}

// dtypeToSafeTensors converts tensor.DataType to the safetensors dtype string.
func dtypeToSafeTensors(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return "F32"
	case tensor.Int32:
		return "I32"
	case tensor.Int64:
		return "I64"
	case tensor.Uint8:
		return "U8"
	case tensor.Bool:
		return "BOOL"
	default:
		return "F32"
	}
}
