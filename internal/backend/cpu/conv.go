package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/echopulse/internal/tensor"
)

// Conv2D performs 2D convolution via im2col followed by a single GEMM.
//
// Input shape: [N, C_in, H, W]
// Kernel shape: [C_out, C_in, K_h, K_w]
// Output shape: [N, C_out, H_out, W_out]
func (c *Backend) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	inShape := input.Shape()
	kShape := kernel.Shape()

	if len(inShape) != 4 {
		panic(fmt.Sprintf("conv2d: input must be 4D [N,C,H,W], got %dD", len(inShape)))
	}
	if len(kShape) != 4 {
		panic(fmt.Sprintf("conv2d: kernel must be 4D [C_out,C_in,K_h,K_w], got %dD", len(kShape)))
	}
	if input.DType() != tensor.Float32 {
		panic(fmt.Sprintf("conv2d: unsupported dtype %s", input.DType()))
	}

	n, cin, h, w := inShape[0], inShape[1], inShape[2], inShape[3]
	cout, kh, kw := kShape[0], kShape[2], kShape[3]
	if cin != kShape[1] {
		panic(fmt.Sprintf("conv2d: input channels %d != kernel channels %d", cin, kShape[1]))
	}

	hOut := (h+2*padding-kh)/stride + 1
	wOut := (w+2*padding-kw)/stride + 1
	if hOut <= 0 || wOut <= 0 {
		panic(fmt.Sprintf("conv2d: invalid output dimensions %dx%d", hOut, wOut))
	}

	output := tensor.MustNewRaw(tensor.Shape{n, cout, hOut, wOut}, tensor.Float32, c.device)

	inData := input.AsFloat32()
	kData := kernel.AsFloat32()
	outData := output.AsFloat32()

	// One GEMM per batch element keeps the output already in [C_out, H_out*W_out]
	// layout, so no rearrangement pass is needed.
	colWidth := cin * kh * kw
	colHeight := hOut * wOut
	colBuf := make([]float32, colHeight*colWidth)
	frame := cin * h * w

	for b := 0; b < n; b++ {
		im2col(colBuf, inData[b*frame:(b+1)*frame], cin, h, w, kh, kw, hOut, wOut, stride, padding)
		// out[c, p] = sum_k kernel[c, k] * colBuf[p, k]
		blas32.Implementation().Sgemm(blas.NoTrans, blas.Trans,
			cout, colHeight, colWidth,
			1.0, kData, colWidth,
			colBuf, colWidth,
			0.0, outData[b*cout*colHeight:(b+1)*cout*colHeight], colHeight)
	}
	return output
}

// im2col extracts one input frame's patches into rows of colBuf.
// colBuf layout: [H_out * W_out, C * K_h * K_w].
func im2col(colBuf, in []float32, c, h, w, kh, kw, hOut, wOut, stride, padding int) {
	colWidth := c * kh * kw
	row := 0
	for outH := 0; outH < hOut; outH++ {
		for outW := 0; outW < wOut; outW++ {
			hStart := outH*stride - padding
			wStart := outW*stride - padding
			buf := colBuf[row*colWidth:]

			i := 0
			for ch := 0; ch < c; ch++ {
				for y := 0; y < kh; y++ {
					for x := 0; x < kw; x++ {
						sy := hStart + y
						sx := wStart + x
						if sy >= 0 && sy < h && sx >= 0 && sx < w {
							buf[i] = in[ch*h*w+sy*w+sx]
						} else {
							buf[i] = 0
						}
						i++
					}
				}
			}
			row++
		}
	}
}

// Conv3D performs 3D convolution via vol2col followed by a single GEMM.
//
// Input shape: [N, C_in, T, H, W]
// Kernel shape: [C_out, C_in, K_t, K_h, K_w]
// Output shape: [N, C_out, T_out, H_out, W_out]
//
// Temporal and spatial axes take independent stride and padding so causal
// temporal layers can pad time without touching the spatial grid.
func (c *Backend) Conv3D(input, kernel *tensor.RawTensor, strideT, strideHW, padT, padHW int) *tensor.RawTensor {
	inShape := input.Shape()
	kShape := kernel.Shape()

	if len(inShape) != 5 {
		panic(fmt.Sprintf("conv3d: input must be 5D [N,C,T,H,W], got %dD", len(inShape)))
	}
	if len(kShape) != 5 {
		panic(fmt.Sprintf("conv3d: kernel must be 5D [C_out,C_in,K_t,K_h,K_w], got %dD", len(kShape)))
	}
	if input.DType() != tensor.Float32 {
		panic(fmt.Sprintf("conv3d: unsupported dtype %s", input.DType()))
	}

	n, cin, t, h, w := inShape[0], inShape[1], inShape[2], inShape[3], inShape[4]
	cout, kt, kh, kw := kShape[0], kShape[2], kShape[3], kShape[4]
	if cin != kShape[1] {
		panic(fmt.Sprintf("conv3d: input channels %d != kernel channels %d", cin, kShape[1]))
	}

	tOut := (t+2*padT-kt)/strideT + 1
	hOut := (h+2*padHW-kh)/strideHW + 1
	wOut := (w+2*padHW-kw)/strideHW + 1
	if tOut <= 0 || hOut <= 0 || wOut <= 0 {
		panic(fmt.Sprintf("conv3d: invalid output dimensions %dx%dx%d", tOut, hOut, wOut))
	}

	output := tensor.MustNewRaw(tensor.Shape{n, cout, tOut, hOut, wOut}, tensor.Float32, c.device)

	inData := input.AsFloat32()
	kData := kernel.AsFloat32()
	outData := output.AsFloat32()

	colWidth := cin * kt * kh * kw
	colHeight := tOut * hOut * wOut
	colBuf := make([]float32, colHeight*colWidth)
	vol := cin * t * h * w

	for b := 0; b < n; b++ {
		vol2col(colBuf, inData[b*vol:(b+1)*vol], cin, t, h, w, kt, kh, kw, tOut, hOut, wOut, strideT, strideHW, padT, padHW)
		blas32.Implementation().Sgemm(blas.NoTrans, blas.Trans,
			cout, colHeight, colWidth,
			1.0, kData, colWidth,
			colBuf, colWidth,
			0.0, outData[b*cout*colHeight:(b+1)*cout*colHeight], colHeight)
	}
	return output
}

func vol2col(colBuf, in []float32, c, t, h, w, kt, kh, kw, tOut, hOut, wOut, strideT, strideHW, padT, padHW int) {
	colWidth := c * kt * kh * kw
	row := 0
	for outT := 0; outT < tOut; outT++ {
		for outH := 0; outH < hOut; outH++ {
			for outW := 0; outW < wOut; outW++ {
				tStart := outT*strideT - padT
				hStart := outH*strideHW - padHW
				wStart := outW*strideHW - padHW
				buf := colBuf[row*colWidth:]

				i := 0
				for ch := 0; ch < c; ch++ {
					for z := 0; z < kt; z++ {
						for y := 0; y < kh; y++ {
							for x := 0; x < kw; x++ {
								st := tStart + z
								sy := hStart + y
								sx := wStart + x
								if st >= 0 && st < t && sy >= 0 && sy < h && sx >= 0 && sx < w {
									buf[i] = in[((ch*t+st)*h+sy)*w+sx]
								} else {
									buf[i] = 0
								}
								i++
							}
						}
					}
				}
				row++
			}
		}
	}
}
