package cpu

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/tensor"
)

// Embedding gathers rows of weight by int64 indices.
//
// Weight shape: [V, D]
// Indices shape: [...]
// Output shape: [..., D]
func (c *Backend) Embedding(weight, indices *tensor.RawTensor) *tensor.RawTensor {
	wShape := weight.Shape()
	if len(wShape) != 2 {
		panic(fmt.Sprintf("embedding: weight must be 2D [V,D], got %dD", len(wShape)))
	}
	if weight.DType() != tensor.Float32 {
		panic(fmt.Sprintf("embedding: unsupported weight dtype %s", weight.DType()))
	}
	if indices.DType() != tensor.Int64 {
		panic(fmt.Sprintf("embedding: indices must be int64, got %s", indices.DType()))
	}

	v, d := wShape[0], wShape[1]
	outShape := append(indices.Shape().Clone(), d)
	output := tensor.MustNewRaw(outShape, tensor.Float32, c.device)

	wData := weight.AsFloat32()
	idx := indices.AsInt64()
	out := output.AsFloat32()

	for i, ix := range idx {
		if ix < 0 || ix >= int64(v) {
			panic(fmt.Sprintf("embedding: index %d out of range [0, %d)", ix, v))
		}
		copy(out[i*d:(i+1)*d], wData[int(ix)*d:(int(ix)+1)*d])
	}
	return output
}

// Where selects elements from a where cond is true, from b otherwise.
// cond broadcasts against a and b.
func (c *Backend) Where(cond, a, b *tensor.RawTensor) *tensor.RawTensor {
	if cond.DType() != tensor.Bool {
		panic(fmt.Sprintf("where: condition must be bool, got %s", cond.DType()))
	}
	if a.DType() != tensor.Float32 || b.DType() != tensor.Float32 {
		panic(fmt.Sprintf("where: unsupported dtypes %s, %s", a.DType(), b.DType()))
	}

	abShape, _, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("where: %v", err))
	}
	outShape, _, err := tensor.BroadcastShapes(cond.Shape(), abShape)
	if err != nil {
		panic(fmt.Sprintf("where: %v", err))
	}

	output := tensor.MustNewRaw(outShape, tensor.Float32, c.device)

	outStrides := outShape.ComputeStrides()
	condStrides := broadcastStrides(cond.Shape(), outShape)
	aStrides := broadcastStrides(a.Shape(), outShape)
	bStrides := broadcastStrides(b.Shape(), outShape)

	condData := cond.AsBool()
	aData := a.AsFloat32()
	bData := b.AsFloat32()
	out := output.AsFloat32()

	for i := range out {
		if condData[flatIndex(i, outStrides, condStrides)] {
			out[i] = aData[flatIndex(i, outStrides, aStrides)]
		} else {
			out[i] = bData[flatIndex(i, outStrides, bStrides)]
		}
	}
	return output
}
