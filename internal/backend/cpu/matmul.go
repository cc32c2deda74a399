package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/echopulse/internal/tensor"
)

// MatMul performs 2D matrix multiplication (M, K) @ (K, N) -> (M, N)
// through gonum's float32 BLAS Gemm.
func (c *Backend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	aShape, bShape := a.Shape(), b.Shape()
	if len(aShape) != 2 || len(bShape) != 2 {
		panic(fmt.Sprintf("matmul: expected 2D tensors, got %v @ %v", aShape, bShape))
	}
	if aShape[1] != bShape[0] {
		panic(fmt.Sprintf("matmul: inner dimensions mismatch: %v @ %v", aShape, bShape))
	}

	m, k, n := aShape[0], aShape[1], bShape[1]
	result := tensor.MustNewRaw(tensor.Shape{m, n}, a.DType(), c.device)

	gemm(m, n, k, a.AsFloat32(), b.AsFloat32(), result.AsFloat32())
	return result
}

// BatchMatMul performs batched matrix multiplication for 3D and 4D tensors.
// For 3D: [B, M, K] @ [B, K, N] -> [B, M, N].
// For 4D: [B, H, M, K] @ [B, H, K, N] -> [B, H, M, N].
func (c *Backend) BatchMatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	aShape, bShape := a.Shape(), b.Shape()
	if len(aShape) != len(bShape) || (len(aShape) != 3 && len(aShape) != 4) {
		panic(fmt.Sprintf("batchmatmul: expected matching 3D or 4D tensors, got %v @ %v", aShape, bShape))
	}

	ndim := len(aShape)
	batch := 1
	for i := 0; i < ndim-2; i++ {
		if aShape[i] != bShape[i] {
			panic(fmt.Sprintf("batchmatmul: batch dimensions mismatch: %v @ %v", aShape, bShape))
		}
		batch *= aShape[i]
	}

	m, k, n := aShape[ndim-2], aShape[ndim-1], bShape[ndim-1]
	if bShape[ndim-2] != k {
		panic(fmt.Sprintf("batchmatmul: inner dimensions mismatch: %v @ %v", aShape, bShape))
	}

	outShape := aShape.Clone()
	outShape[ndim-1] = n
	result := tensor.MustNewRaw(outShape, a.DType(), c.device)

	aData := a.AsFloat32()
	bData := b.AsFloat32()
	out := result.AsFloat32()

	for bi := 0; bi < batch; bi++ {
		gemm(m, n, k, aData[bi*m*k:(bi+1)*m*k], bData[bi*k*n:(bi+1)*k*n], out[bi*m*n:(bi+1)*m*n])
	}
	return result
}

// gemm computes C = A @ B for row-major float32 buffers.
func gemm(m, n, k int, a, b, c []float32) {
	blas32.Implementation().Sgemm(
		blas.NoTrans, blas.NoTrans,
		m, n, k,
		1.0,
		a, k,
		b, n,
		0.0,
		c, n,
	)
}
