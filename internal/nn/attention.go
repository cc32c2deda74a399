package nn

import (
	"math"

	"github.com/born-ml/echopulse/internal/tensor"
)

// ScaledDotProductAttention computes softmax(QKᵀ/sqrt(d_k) + bias) @ V.
//
// Shapes:
//   - query: [batch, heads, seq_q, head_dim]
//   - key, value: [batch, heads, seq_k, head_dim]
//   - bias: optional additive term broadcastable to [batch, heads, seq_q, seq_k],
//     used for relative-position biases and masks (-inf for masked positions)
//
// A zero scale auto-computes 1/sqrt(head_dim).
//
// Returns the attended values [batch, heads, seq_q, head_dim] and the
// attention weights [batch, heads, seq_q, seq_k].
func ScaledDotProductAttention[B tensor.Backend](
	query, key, value *tensor.Tensor[float32, B],
	bias *tensor.Tensor[float32, B],
	scale float32,
) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	validateAttentionInputs(query, key, value)

	if scale == 0 {
		scale = float32(1.0 / math.Sqrt(float64(query.Shape()[3])))
	}

	kT := key.Transpose(0, 1, 3, 2)
	scores := query.BatchMatMul(kT).MulScalar(scale)
	if bias != nil {
		scores = scores.Add(bias)
	}
	weights := scores.Softmax(-1)
	output := weights.BatchMatMul(value)
	return output, weights
}

func validateAttentionInputs[B tensor.Backend](
	query, key, value *tensor.Tensor[float32, B],
) {
	if len(query.Shape()) != 4 || len(key.Shape()) != 4 || len(value.Shape()) != 4 {
		panic("ScaledDotProductAttention: inputs must be 4D [batch, heads, seq, head_dim]")
	}
	if query.Shape()[3] != key.Shape()[3] {
		panic("ScaledDotProductAttention: query and key must have same head_dim")
	}
	if key.Shape()[2] != value.Shape()[2] {
		panic("ScaledDotProductAttention: key and value must have same seq length")
	}
}
