package ops

import "github.com/born-ml/echopulse/internal/tensor"

// Resize2DOp represents bilinear spatial resampling with aligned corners.
// Backward scatters each output gradient back onto the four source pixels
// with the same interpolation weights used in the forward pass.
type Resize2DOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewResize2DOp creates a new Resize2DOp.
func NewResize2DOp(x, output *tensor.RawTensor) *Resize2DOp {
	return &Resize2DOp{inputs: []*tensor.RawTensor{x}, output: output}
}

func (op *Resize2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inShape := op.inputs[0].Shape()
	outShape := op.output.Shape()

	n, c, h, w := inShape[0], inShape[1], inShape[2], inShape[3]
	outH, outW := outShape[2], outShape[3]

	gradInput := zerosLike(op.inputs[0], backend)
	gIn := gradInput.AsFloat32()
	grad := mustFloat32("resize2d backward", outputGrad)

	scaleIdx := func(outSize, inSize int) float32 {
		if outSize <= 1 || inSize <= 1 {
			return 0
		}
		return float32(inSize-1) / float32(outSize-1)
	}
	scaleH := scaleIdx(outH, h)
	scaleW := scaleIdx(outW, w)

	for plane := 0; plane < n*c; plane++ {
		src := grad[plane*outH*outW:]
		dst := gIn[plane*h*w:]
		for oy := 0; oy < outH; oy++ {
			fy := float32(oy) * scaleH
			y0 := int(fy)
			y1 := y0 + 1
			if y1 >= h {
				y1 = h - 1
			}
			wy := fy - float32(y0)
			for ox := 0; ox < outW; ox++ {
				fx := float32(ox) * scaleW
				x0 := int(fx)
				x1 := x0 + 1
				if x1 >= w {
					x1 = w - 1
				}
				wx := fx - float32(x0)

				g := src[oy*outW+ox]
				dst[y0*w+x0] += g * (1 - wy) * (1 - wx)
				dst[y0*w+x1] += g * (1 - wy) * wx
				dst[y1*w+x0] += g * wy * (1 - wx)
				dst[y1*w+x1] += g * wy * wx
			}
		}
	}
	return []*tensor.RawTensor{gradInput}
}

func (op *Resize2DOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *Resize2DOp) Output() *tensor.RawTensor   { return op.output }
