package tensor

// Backend defines the interface compute backends must implement. The CPU
// backend is the reference implementation; the autodiff backend decorates any
// Backend with gradient tracking.
type Backend interface {
	// Element-wise binary operations (NumPy-style broadcasting)
	Add(a, b *RawTensor) *RawTensor
	Sub(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor
	Div(a, b *RawTensor) *RawTensor

	// Scalar operations
	MulScalar(x *RawTensor, scalar float32) *RawTensor
	AddScalar(x *RawTensor, scalar float32) *RawTensor

	// Matrix operations
	MatMul(a, b *RawTensor) *RawTensor
	// BatchMatMul performs batched matrix multiplication for 3D/4D tensors:
	// [B, M, K] @ [B, K, N] -> [B, M, N] and [B, H, M, K] @ [B, H, K, N].
	BatchMatMul(a, b *RawTensor) *RawTensor

	// Convolutional operations
	Conv2D(input, kernel *RawTensor, stride, padding int) *RawTensor
	// Conv3D convolves [N, C, T, H, W] input with [C_out, C_in, K_t, K_h, K_w]
	// kernels; strides and paddings are per-axis (temporal, spatial).
	Conv3D(input, kernel *RawTensor, strideT, strideHW, padT, padHW int) *RawTensor

	// Resize2D bilinearly resizes [N, C, H, W] input to outH x outW.
	Resize2D(input *RawTensor, outH, outW int) *RawTensor

	// Shape operations
	Reshape(t *RawTensor, newShape Shape) *RawTensor
	Transpose(t *RawTensor, axes ...int) *RawTensor
	Expand(x *RawTensor, shape Shape) *RawTensor

	// Math operations (element-wise)
	Exp(x *RawTensor) *RawTensor
	Log(x *RawTensor) *RawTensor
	Sqrt(x *RawTensor) *RawTensor
	Rsqrt(x *RawTensor) *RawTensor

	// Activation functions
	ReLU(x *RawTensor) *RawTensor
	LeakyReLU(x *RawTensor, slope float32) *RawTensor
	Sigmoid(x *RawTensor) *RawTensor
	Softmax(x *RawTensor, dim int) *RawTensor

	// Reduction operations
	Sum(x *RawTensor) *RawTensor
	SumDim(x *RawTensor, dim int, keepDim bool) *RawTensor
	MeanDim(x *RawTensor, dim int, keepDim bool) *RawTensor
	Argmax(x *RawTensor, dim int) *RawTensor

	// Manipulation operations
	Cat(tensors []*RawTensor, dim int) *RawTensor
	// Narrow returns a copy of a contiguous slice [start, start+length) along dim.
	Narrow(x *RawTensor, dim, start, length int) *RawTensor

	// Indexing operations
	// Embedding looks up rows of weight [V, D] by indices (Int64) -> [..., D].
	Embedding(weight, indices *RawTensor) *RawTensor
	Where(condition, x, y *RawTensor) *RawTensor

	// Metadata
	Name() string
	Device() Device
}
