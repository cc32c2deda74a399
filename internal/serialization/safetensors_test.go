package serialization

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/echopulse/internal/tensor"
)

func rawFloat32(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(raw.AsFloat32(), data)
	return raw
}

func rawInt64(t *testing.T, data []int64, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Int64, tensor.CPU)
	require.NoError(t, err)
	copy(raw.AsInt64(), data)
	return raw
}

func TestSafeTensorsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")

	sd := map[string]*tensor.RawTensor{
		"encoder.weight": rawFloat32(t, []float32{1.5, -2.25, 0, 3}, tensor.Shape{2, 2}),
		"encoder.bias":   rawFloat32(t, []float32{0.5, -0.5}, tensor.Shape{2}),
		"indices":        rawInt64(t, []int64{7, 42, -1}, tensor.Shape{3}),
	}
	require.NoError(t, WriteSafeTensors(path, sd, map[string]string{"format": "test"}))

	got, err := ReadSafeTensors(path)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, tensor.Shape{2, 2}, got["encoder.weight"].Shape())
	assert.Equal(t, []float32{1.5, -2.25, 0, 3}, got["encoder.weight"].AsFloat32())
	assert.Equal(t, []float32{0.5, -0.5}, got["encoder.bias"].AsFloat32())
	assert.Equal(t, tensor.Int64, got["indices"].DType())
	assert.Equal(t, []int64{7, 42, -1}, got["indices"].AsInt64())
}

func TestSafeTensorsHeaderIsSorted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")

	sd := map[string]*tensor.RawTensor{
		"zz": rawFloat32(t, []float32{1}, tensor.Shape{1}),
		"aa": rawFloat32(t, []float32{2}, tensor.Shape{1}),
	}
	require.NoError(t, WriteSafeTensors(path, sd, nil))

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	headerSize := binary.LittleEndian.Uint64(blob[:8])
	header := string(blob[8 : 8+headerSize])

	// Alphabetical name order implies alphabetical data layout.
	assert.Less(t, strings.Index(header, `"aa"`), strings.Index(header, `"zz"`))
	first := math.Float32frombits(binary.LittleEndian.Uint32(blob[8+headerSize : 8+headerSize+4]))
	assert.Equal(t, float32(2), first)
}

func TestReadSafeTensorsTruncatedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))

	_, err := ReadSafeTensors(path)
	assert.Error(t, err)
}

func TestReadSafeTensorsOversizedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(maxHeaderSize)+1)
	require.NoError(t, os.WriteFile(path, buf[:], 0o644))

	_, err := ReadSafeTensors(path)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestReadSafeTensorsOutOfBoundsOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")

	header := `{"w":{"dtype":"F32","shape":[4],"data_offsets":[0,9999]}}`
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(header)))
	blob := append(size[:], []byte(header)...)
	blob = append(blob, make([]byte, 16)...)
	require.NoError(t, os.WriteFile(path, blob, 0o644))

	_, err := ReadSafeTensors(path)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}
