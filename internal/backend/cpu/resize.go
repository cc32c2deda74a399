package cpu

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/tensor"
)

// Resize2D resamples the spatial axes of a [N, C, H, W] tensor to
// [N, C, outH, outW] with bilinear interpolation and aligned corners.
func (c *Backend) Resize2D(input *tensor.RawTensor, outH, outW int) *tensor.RawTensor {
	inShape := input.Shape()
	if len(inShape) != 4 {
		panic(fmt.Sprintf("resize2d: input must be 4D [N,C,H,W], got %dD", len(inShape)))
	}
	if input.DType() != tensor.Float32 {
		panic(fmt.Sprintf("resize2d: unsupported dtype %s", input.DType()))
	}
	if outH <= 0 || outW <= 0 {
		panic(fmt.Sprintf("resize2d: invalid output size %dx%d", outH, outW))
	}

	n, ch, h, w := inShape[0], inShape[1], inShape[2], inShape[3]
	output := tensor.MustNewRaw(tensor.Shape{n, ch, outH, outW}, tensor.Float32, c.device)

	in := input.AsFloat32()
	out := output.AsFloat32()

	scaleldx := func(outSize, inSize int) float32 {
		if outSize <= 1 || inSize <= 1 {
			return 0
		}
		return float32(inSize-1) / float32(outSize-1)
	}
	scaleH := scaleldx(outH, h)
	scaleW := scaleldx(outW, w)

	for plane := 0; plane < n*ch; plane++ {
		src := in[plane*h*w:]
		dst := out[plane*outH*outW:]
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

				top := src[y0*w+x0]*(1-wx) + src[y0*w+x1]*wx
				bot := src[y1*w+x0]*(1-wx) + src[y1*w+x1]*wx
				dst[oy*outW+ox] = top*(1-wy) + bot*wy
			}
		}
	}
	return output
}
