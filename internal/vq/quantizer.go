// Package vq implements cosine-similarity vector quantization with a
// projected codebook and straight-through gradient estimation.
package vq

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/autodiff"
	"github.com/born-ml/echopulse/internal/nn"
	"github.com/born-ml/echopulse/internal/tensor"
)

const normEps = 1e-8

// taped is satisfied by backends that expose a gradient tape. Quantization
// pauses the tape around the nearest-neighbour search so the hard argmax
// never enters the graph.
type taped interface {
	Tape() *autodiff.GradientTape
}

// Quantizer maps continuous vectors to entries of a learned codebook.
//
// Inputs are projected from dim to a smaller codebookDim, l2-normalized,
// and matched to the l2-normalized codebook by cosine similarity. The
// selected entries are projected back to dim. Gradients pass straight
// through the discrete selection to the encoder; the codebook itself
// learns from its own attraction term.
type Quantizer[B tensor.Backend] struct {
	Dim              int
	CodebookDim      int
	CodebookSize     int
	CommitmentWeight float32

	ProjectIn  *nn.Linear[B] // dim -> codebookDim
	ProjectOut *nn.Linear[B] // codebookDim -> dim
	codebook   *nn.Parameter[B]

	backend B
}

// Result carries the outputs of one quantization pass.
type Result[B tensor.Backend] struct {
	Quantized *tensor.Tensor[float32, B] // [batch, n, dim]
	Indices   *tensor.Tensor[int64, B]   // [batch, n]
	Loss      *tensor.Tensor[float32, B] // scalar: codebook + commitment terms
}

// NewQuantizer creates a Quantizer with a randomly initialized codebook.
func NewQuantizer[B tensor.Backend](dim, codebookDim, codebookSize int, commitmentWeight float32, backend B) *Quantizer[B] {
	codebook := nn.Randn(tensor.Shape{codebookSize, codebookDim}, backend)
	return &Quantizer[B]{
		Dim:              dim,
		CodebookDim:      codebookDim,
		CodebookSize:     codebookSize,
		CommitmentWeight: commitmentWeight,
		ProjectIn:        nn.NewLinear[B](dim, codebookDim, backend),
		ProjectOut:       nn.NewLinear[B](codebookDim, dim, backend),
		codebook:         nn.NewParameter("codebook", codebook),
		backend:          backend,
	}
}

// Codebook returns the codebook parameter, shape [size, codebookDim].
func (q *Quantizer[B]) Codebook() *nn.Parameter[B] {
	return q.codebook
}

// paused runs fn with tape recording disabled when the backend has a tape.
func (q *Quantizer[B]) paused(fn func()) {
	if t, ok := any(q.backend).(taped); ok {
		t.Tape().Paused(fn)
		return
	}
	fn()
}

// detach returns a copy of t that the tape treats as a constant leaf.
func detach[B tensor.Backend](t *tensor.Tensor[float32, B], backend B) *tensor.Tensor[float32, B] {
	return tensor.New[float32, B](t.Raw().Clone(), backend)
}

// normalize l2-normalizes the last dimension.
func normalize[B tensor.Backend](t *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return t.Mul(t.Mul(t).SumDim(-1, true).AddScalar(normEps).Rsqrt())
}

// Quantize maps x [batch, n, dim] to its nearest codebook entries.
//
// mask, when non-nil, is a [batch, n] boolean tensor; false positions are
// excluded from both loss terms but still produce quantized outputs and
// indices. The straight-through output equals the decoded codebook entry
// in value while carrying the encoder's gradient.
func (q *Quantizer[B]) Quantize(x *tensor.Tensor[float32, B], mask *tensor.Tensor[bool, B]) *Result[B] {
	shape := x.Shape()
	if len(shape) != 3 || shape[2] != q.Dim {
		panic(fmt.Sprintf("Quantizer.Quantize: expected [batch, n, %d], got %v", q.Dim, shape))
	}
	batch, n := shape[0], shape[1]

	projected := q.ProjectIn.Forward(x.Reshape(batch*n, q.Dim))
	projected = normalize(projected) // [batch*n, codebookDim]

	// Nearest-neighbour search happens off the tape.
	var indicesRaw *tensor.RawTensor
	q.paused(func() {
		cbNorm := normalize(tensor.New[float32, B](q.codebook.Tensor().Raw(), q.backend))
		sim := q.backend.MatMul(projected.Raw(), q.backend.Transpose(cbNorm.Raw(), 1, 0))
		indicesRaw = q.backend.Argmax(sim, -1) // [batch*n]
	})
	indices := tensor.New[int64, B](indicesRaw, q.backend)

	// Codebook path: gradient reaches the codebook through the gather.
	cbNorm := normalize(q.codebook.Tensor())
	quantized := tensor.New[float32, B](q.backend.Embedding(cbNorm.Raw(), indices.Raw()), q.backend)

	// Loss terms. Each side of the assignment is detached for the other.
	projectedConst := detach(projected, q.backend)
	quantizedConst := detach(quantized, q.backend)

	codebookTerm := maskedSquaredError(quantized, projectedConst, mask, batch, n, q.CodebookDim)
	commitTerm := maskedSquaredError(projected, quantizedConst, mask, batch, n, q.CodebookDim)
	loss := codebookTerm.Add(commitTerm.MulScalar(q.CommitmentWeight))

	// Straight-through: value of the quantized entry, gradient of the input.
	var delta *tensor.Tensor[float32, B]
	q.paused(func() {
		delta = quantizedConst.Sub(projectedConst)
	})
	straight := projected.Add(delta)

	out := q.ProjectOut.Forward(straight).Reshape(batch, n, q.Dim)

	return &Result[B]{
		Quantized: out,
		Indices:   indices.Reshape(batch, n),
		Loss:      loss,
	}
}

// DecodeIndices looks up codebook entries for [batch, n] indices and
// projects them back to the model dimension.
func (q *Quantizer[B]) DecodeIndices(indices *tensor.Tensor[int64, B]) *tensor.Tensor[float32, B] {
	shape := indices.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("Quantizer.DecodeIndices: expected [batch, n], got %v", shape))
	}
	batch, n := shape[0], shape[1]

	cbNorm := normalize(q.codebook.Tensor())
	flat := indices.Reshape(batch * n)
	entries := tensor.New[float32, B](q.backend.Embedding(cbNorm.Raw(), flat.Raw()), q.backend)
	return q.ProjectOut.Forward(entries).Reshape(batch, n, q.Dim)
}

// maskedSquaredError computes mean((a-b)²), restricted to unmasked
// positions when mask is non-nil.
func maskedSquaredError[B tensor.Backend](
	a, b *tensor.Tensor[float32, B],
	mask *tensor.Tensor[bool, B],
	batch, n, dim int,
) *tensor.Tensor[float32, B] {
	diff := a.Sub(b)
	sq := diff.Mul(diff) // [batch*n, dim]
	if mask == nil {
		return sq.Mean()
	}

	maskF := maskToFloat(mask, a.Backend())
	perPos := sq.SumDim(-1, false).Reshape(batch, n)
	masked := perPos.Mul(maskF).Sum()

	count := float32(0)
	for _, v := range mask.Raw().AsBool() {
		if v {
			count++
		}
	}
	if count == 0 {
		return masked.MulScalar(0)
	}
	return masked.MulScalar(1.0 / (count * float32(dim)))
}

// maskToFloat converts a bool mask to float32 with the same shape.
func maskToFloat[B tensor.Backend](mask *tensor.Tensor[bool, B], backend B) *tensor.Tensor[float32, B] {
	raw := tensor.MustNewRaw(mask.Shape(), tensor.Float32, backend.Device())
	out := raw.AsFloat32()
	for i, v := range mask.Raw().AsBool() {
		if v {
			out[i] = 1
		}
	}
	return tensor.New[float32, B](raw, backend)
}

// Parameters returns the projections and the codebook.
func (q *Quantizer[B]) Parameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, 5)
	params = append(params, q.ProjectIn.Parameters()...)
	params = append(params, q.ProjectOut.Parameters()...)
	return append(params, q.codebook)
}

// StateDict returns the projections and codebook.
func (q *Quantizer[B]) StateDict() map[string]*tensor.RawTensor {
	sd := map[string]*tensor.RawTensor{
		"codebook": q.codebook.Tensor().Raw(),
	}
	nn.MergeStateDict(sd, q.ProjectIn.StateDict(), "project_in")
	nn.MergeStateDict(sd, q.ProjectOut.StateDict(), "project_out")
	return sd
}

// LoadStateDict restores the projections and codebook.
func (q *Quantizer[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	raw, ok := stateDict["codebook"]
	if !ok {
		return fmt.Errorf("vq: missing codebook in state dict")
	}
	want := tensor.Shape{q.CodebookSize, q.CodebookDim}
	if !raw.Shape().Equal(want) {
		return fmt.Errorf("vq: codebook shape mismatch: expected %v, got %v", want, raw.Shape())
	}
	copy(q.codebook.Tensor().Data(), raw.AsFloat32())

	if err := q.ProjectIn.LoadStateDict(nn.SubStateDict(stateDict, "project_in")); err != nil {
		return fmt.Errorf("vq: %w", err)
	}
	if err := q.ProjectOut.LoadStateDict(nn.SubStateDict(stateDict, "project_out")); err != nil {
		return fmt.Errorf("vq: %w", err)
	}
	return nil
}
