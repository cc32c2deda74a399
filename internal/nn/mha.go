package nn

import (
	"github.com/born-ml/echopulse/internal/tensor"
)

// MultiHeadAttention implements multi-head attention with an explicit
// per-head dimension:
//
//	MHA(Q, K, V) = Concat(head_1, ..., head_h) @ W_O
//	head_i = SDPA(Q @ W_Q_i, K @ W_K_i, V @ W_V_i)
//
// The inner dimension is heads * headDim and need not equal the model
// dimension. Projections carry no bias.
type MultiHeadAttention[B tensor.Backend] struct {
	WQ       *Linear[B] // [inner, dim]
	WK       *Linear[B]
	WV       *Linear[B]
	WO       *Linear[B] // [dim, inner]
	NumHeads int
	HeadDim  int
	Dim      int
	backend  B
}

// NewMultiHeadAttention creates a multi-head attention module projecting
// dim to heads * headDim and back.
func NewMultiHeadAttention[B tensor.Backend](dim, numHeads, headDim int, backend B) *MultiHeadAttention[B] {
	inner := numHeads * headDim
	return &MultiHeadAttention[B]{
		WQ:       NewLinearNoBias[B](dim, inner, backend),
		WK:       NewLinearNoBias[B](dim, inner, backend),
		WV:       NewLinearNoBias[B](dim, inner, backend),
		WO:       NewLinearNoBias[B](inner, dim, backend),
		NumHeads: numHeads,
		HeadDim:  headDim,
		Dim:      dim,
		backend:  backend,
	}
}

// Forward computes attention over query [batch, seq_q, dim] against
// key/value [batch, seq_k, dim]. bias is an optional additive term
// broadcastable to [batch, heads, seq_q, seq_k]. Pass the same tensor
// three times for self-attention.
func (m *MultiHeadAttention[B]) Forward(
	query, key, value *tensor.Tensor[float32, B],
	bias *tensor.Tensor[float32, B],
) *tensor.Tensor[float32, B] {
	batch := query.Shape()[0]
	seqQ := query.Shape()[1]
	seqK := key.Shape()[1]
	inner := m.NumHeads * m.HeadDim

	q := m.project(query, m.WQ, batch, seqQ)
	k := m.project(key, m.WK, batch, seqK)
	v := m.project(value, m.WV, batch, seqK)

	// [batch, seq, inner] -> [batch, heads, seq, head_dim]
	q = q.Reshape(batch, seqQ, m.NumHeads, m.HeadDim).Transpose(0, 2, 1, 3)
	k = k.Reshape(batch, seqK, m.NumHeads, m.HeadDim).Transpose(0, 2, 1, 3)
	v = v.Reshape(batch, seqK, m.NumHeads, m.HeadDim).Transpose(0, 2, 1, 3)

	attnOut, _ := ScaledDotProductAttention(q, k, v, bias, 0)

	attnOut = attnOut.Transpose(0, 2, 1, 3).Reshape(batch*seqQ, inner)
	return m.WO.Forward(attnOut).Reshape(batch, seqQ, m.Dim)
}

func (m *MultiHeadAttention[B]) project(
	input *tensor.Tensor[float32, B],
	linear *Linear[B],
	batch, seq int,
) *tensor.Tensor[float32, B] {
	out := linear.Forward(input.Reshape(batch*seq, m.Dim))
	return out.Reshape(batch, seq, m.NumHeads*m.HeadDim)
}

// Parameters returns all projection parameters.
func (m *MultiHeadAttention[B]) Parameters() []*Parameter[B] {
	params := make([]*Parameter[B], 0, 4)
	params = append(params, m.WQ.Parameters()...)
	params = append(params, m.WK.Parameters()...)
	params = append(params, m.WV.Parameters()...)
	params = append(params, m.WO.Parameters()...)
	return params
}

// StateDict returns all projection weights keyed by submodule.
func (m *MultiHeadAttention[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	MergeStateDict(sd, m.WQ.StateDict(), "to_q")
	MergeStateDict(sd, m.WK.StateDict(), "to_k")
	MergeStateDict(sd, m.WV.StateDict(), "to_v")
	MergeStateDict(sd, m.WO.StateDict(), "to_out")
	return sd
}

// LoadStateDict restores all projection weights.
func (m *MultiHeadAttention[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := m.WQ.LoadStateDict(SubStateDict(stateDict, "to_q")); err != nil {
		return err
	}
	if err := m.WK.LoadStateDict(SubStateDict(stateDict, "to_k")); err != nil {
		return err
	}
	if err := m.WV.LoadStateDict(SubStateDict(stateDict, "to_v")); err != nil {
		return err
	}
	return m.WO.LoadStateDict(SubStateDict(stateDict, "to_out"))
}
