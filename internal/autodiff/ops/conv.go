package ops

import "github.com/born-ml/echopulse/internal/tensor"

// Conv2DOp represents 2D convolution.
//
// Backward:
//
//	grad_input:  full correlation of outputGrad with the kernel
//	grad_kernel: correlation of input with outputGrad
type Conv2DOp struct {
	inputs  []*tensor.RawTensor // [input, kernel]
	output  *tensor.RawTensor
	stride  int
	padding int
}

// NewConv2DOp creates a new Conv2DOp.
func NewConv2DOp(input, kernel, output *tensor.RawTensor, stride, padding int) *Conv2DOp {
	return &Conv2DOp{
		inputs:  []*tensor.RawTensor{input, kernel},
		output:  output,
		stride:  stride,
		padding: padding,
	}
}

func (op *Conv2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	input, kernel := op.inputs[0], op.inputs[1]
	inShape := input.Shape()
	kShape := kernel.Shape()
	outShape := op.output.Shape()

	n, cin, h, w := inShape[0], inShape[1], inShape[2], inShape[3]
	cout, kh, kw := kShape[0], kShape[2], kShape[3]
	hOut, wOut := outShape[2], outShape[3]

	gradInput := zerosLike(input, backend)
	gradKernel := zerosLike(kernel, backend)

	in := mustFloat32("conv2d backward", input)
	k := mustFloat32("conv2d backward", kernel)
	grad := mustFloat32("conv2d backward", outputGrad)
	gIn := gradInput.AsFloat32()
	gK := gradKernel.AsFloat32()

	for b := 0; b < n; b++ {
		for co := 0; co < cout; co++ {
			for oh := 0; oh < hOut; oh++ {
				for ow := 0; ow < wOut; ow++ {
					g := grad[((b*cout+co)*hOut+oh)*wOut+ow]
					if g == 0 {
						continue
					}
					hStart := oh*op.stride - op.padding
					wStart := ow*op.stride - op.padding
					for c := 0; c < cin; c++ {
						for y := 0; y < kh; y++ {
							sy := hStart + y
							if sy < 0 || sy >= h {
								continue
							}
							for x := 0; x < kw; x++ {
								sx := wStart + x
								if sx < 0 || sx >= w {
									continue
								}
								inIdx := ((b*cin+c)*h+sy)*w + sx
								kIdx := ((co*cin+c)*kh+y)*kw + x
								gIn[inIdx] += g * k[kIdx]
								gK[kIdx] += g * in[inIdx]
							}
						}
					}
				}
			}
		}
	}
	return []*tensor.RawTensor{gradInput, gradKernel}
}

func (op *Conv2DOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *Conv2DOp) Output() *tensor.RawTensor   { return op.output }

// Conv3DOp represents 3D convolution with independent temporal and spatial
// stride and padding.
type Conv3DOp struct {
	inputs   []*tensor.RawTensor // [input, kernel]
	output   *tensor.RawTensor
	strideT  int
	strideHW int
	padT     int
	padHW    int
}

// NewConv3DOp creates a new Conv3DOp.
func NewConv3DOp(input, kernel, output *tensor.RawTensor, strideT, strideHW, padT, padHW int) *Conv3DOp {
	return &Conv3DOp{
		inputs:   []*tensor.RawTensor{input, kernel},
		output:   output,
		strideT:  strideT,
		strideHW: strideHW,
		padT:     padT,
		padHW:    padHW,
	}
}

func (op *Conv3DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	input, kernel := op.inputs[0], op.inputs[1]
	inShape := input.Shape()
	kShape := kernel.Shape()
	outShape := op.output.Shape()

	n, cin, t, h, w := inShape[0], inShape[1], inShape[2], inShape[3], inShape[4]
	cout, kt, kh, kw := kShape[0], kShape[2], kShape[3], kShape[4]
	tOut, hOut, wOut := outShape[2], outShape[3], outShape[4]

	gradInput := zerosLike(input, backend)
	gradKernel := zerosLike(kernel, backend)

	in := mustFloat32("conv3d backward", input)
	k := mustFloat32("conv3d backward", kernel)
	grad := mustFloat32("conv3d backward", outputGrad)
	gIn := gradInput.AsFloat32()
	gK := gradKernel.AsFloat32()

	for b := 0; b < n; b++ {
		for co := 0; co < cout; co++ {
			for ot := 0; ot < tOut; ot++ {
				for oh := 0; oh < hOut; oh++ {
					for ow := 0; ow < wOut; ow++ {
						g := grad[(((b*cout+co)*tOut+ot)*hOut+oh)*wOut+ow]
						if g == 0 {
							continue
						}
						tStart := ot*op.strideT - op.padT
						hStart := oh*op.strideHW - op.padHW
						wStart := ow*op.strideHW - op.padHW
						for c := 0; c < cin; c++ {
							for z := 0; z < kt; z++ {
								st := tStart + z
								if st < 0 || st >= t {
									continue
								}
								for y := 0; y < kh; y++ {
									sy := hStart + y
									if sy < 0 || sy >= h {
										continue
									}
									for x := 0; x < kw; x++ {
										sx := wStart + x
										if sx < 0 || sx >= w {
											continue
										}
										inIdx := (((b*cin+c)*t+st)*h+sy)*w + sx
										kIdx := (((co*cin+c)*kt+z)*kh+y)*kw + x
										gIn[inIdx] += g * k[kIdx]
										gK[kIdx] += g * in[inIdx]
									}
								}
							}
						}
					}
				}
			}
		}
	}
	return []*tensor.RawTensor{gradInput, gradKernel}
}

func (op *Conv3DOp) Inputs() []*tensor.RawTensor { return op.inputs }
func (op *Conv3DOp) Output() *tensor.RawTensor   { return op.output }
