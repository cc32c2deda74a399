package ops

import "github.com/born-ml/echopulse/internal/tensor"

// EmbeddingOp represents row gathering from a weight matrix by integer
// indices. Backward scatter-adds output gradients into the gathered rows;
// the indices themselves receive no gradient.
type EmbeddingOp struct {
	inputs []*tensor.RawTensor // [weight, indices]
	output *tensor.RawTensor
}

// NewEmbeddingOp creates a new EmbeddingOp.
func NewEmbeddingOp(weight, indices, output *tensor.RawTensor) *EmbeddingOp {
	return &EmbeddingOp{inputs: []*tensor.RawTensor{weight, indices}, output: output}
}

func (op *EmbeddingOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	weight, indices := op.inputs[0], op.inputs[1]
	d := weight.Shape()[1]

	gradWeight := zerosLike(weight, backend)
	gW := gradWeight.AsFloat32()
	grad := mustFloat32("embedding backward", outputGrad)

	for i, ix := range indices.AsInt64() {
		row := gW[ix*int64(d) : (ix+1)*int64(d)]
		src := grad[i*d : (i+1)*d]
		for j, v := range src {
			row[j] += v
		}
	}
	return []*tensor.RawTensor{gradWeight, nil}
}

func (op *EmbeddingOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *EmbeddingOp) Output() *tensor.RawTensor   { return op.output }

// WhereOp represents element selection by a boolean condition. Gradients
// route to a where the condition held and to b elsewhere; the condition
// receives no gradient.
type WhereOp struct {
	inputs []*tensor.RawTensor // [cond, a, b]
	output *tensor.RawTensor
}

// NewWhereOp creates a new WhereOp.
func NewWhereOp(cond, a, b, output *tensor.RawTensor) *WhereOp {
	return &WhereOp{inputs: []*tensor.RawTensor{cond, a, b}, output: output}
}

func (op *WhereOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	cond, a, b := op.inputs[0], op.inputs[1], op.inputs[2]
	zeros := zerosLike(outputGrad, backend)

	gradA := reduceBroadcast(backend.Where(cond, outputGrad, zeros), a.Shape(), backend)
	gradB := reduceBroadcast(backend.Where(cond, zeros, outputGrad), b.Shape(), backend)
	return []*tensor.RawTensor{nil, gradA, gradB}
}

func (op *WhereOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *WhereOp) Output() *tensor.RawTensor   { return op.output }
