package nn

import (
	"fmt"

	"github.com/born-ml/echopulse/internal/tensor"
)

// Conv2D implements a 2D convolution layer over [N, C, H, W] input.
type Conv2D[B tensor.Backend] struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int
	weight      *Parameter[B] // [out, in, k, k]
	bias        *Parameter[B] // [out], nil when disabled
	backend     B
}

// NewConv2D creates a Conv2D layer with bias.
func NewConv2D[B tensor.Backend](inChannels, outChannels, kernelSize, stride, padding int, backend B) *Conv2D[B] {
	fanIn := inChannels * kernelSize * kernelSize
	fanOut := outChannels * kernelSize * kernelSize
	weight := Xavier(fanIn, fanOut, tensor.Shape{outChannels, inChannels, kernelSize, kernelSize}, backend)
	return &Conv2D[B]{
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		Stride:      stride,
		Padding:     padding,
		weight:      NewParameter("weight", weight),
		bias:        NewParameter("bias", Zeros(tensor.Shape{outChannels}, backend)),
		backend:     backend,
	}
}

// Forward applies the convolution to [N, C_in, H, W] input.
func (c *Conv2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if len(input.Shape()) != 4 {
		panic(fmt.Sprintf("Conv2D.Forward: expected 4D input [N,C,H,W], got shape %v", input.Shape()))
	}
	raw := c.backend.Conv2D(input.Raw(), c.weight.Tensor().Raw(), c.Stride, c.Padding)
	output := tensor.New[float32, B](raw, c.backend)
	if c.bias != nil {
		output = output.Add(c.bias.Tensor().Reshape(1, c.OutChannels, 1, 1))
	}
	return output
}

// Parameters returns weight and bias.
func (c *Conv2D[B]) Parameters() []*Parameter[B] {
	if c.bias != nil {
		return []*Parameter[B]{c.weight, c.bias}
	}
	return []*Parameter[B]{c.weight}
}

// Weight returns the kernel parameter.
func (c *Conv2D[B]) Weight() *Parameter[B] { return c.weight }

// StateDict returns a map of parameter names to raw tensors.
func (c *Conv2D[B]) StateDict() map[string]*tensor.RawTensor {
	sd := map[string]*tensor.RawTensor{
		"weight": c.weight.Tensor().Raw(),
	}
	if c.bias != nil {
		sd["bias"] = c.bias.Tensor().Raw()
	}
	return sd
}

// LoadStateDict loads parameters from a state dictionary.
func (c *Conv2D[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	want := tensor.Shape{c.OutChannels, c.InChannels, c.KernelSize, c.KernelSize}
	if err := loadParam(stateDict, "weight", c.weight, want); err != nil {
		return fmt.Errorf("conv2d: %w", err)
	}
	if c.bias != nil {
		if err := loadParam(stateDict, "bias", c.bias, tensor.Shape{c.OutChannels}); err != nil {
			return fmt.Errorf("conv2d: %w", err)
		}
	}
	return nil
}

// Conv3D implements a 3D convolution layer over [N, C, T, H, W] input,
// with independent temporal and spatial stride and padding.
type Conv3D[B tensor.Backend] struct {
	InChannels  int
	OutChannels int
	KernelT     int
	KernelHW    int
	StrideT     int
	StrideHW    int
	PadT        int
	PadHW       int
	weight      *Parameter[B] // [out, in, kt, k, k]
	bias        *Parameter[B]
	backend     B
}

// NewConv3D creates a Conv3D layer with bias.
func NewConv3D[B tensor.Backend](inChannels, outChannels, kernelT, kernelHW, strideT, strideHW, padT, padHW int, backend B) *Conv3D[B] {
	fanIn := inChannels * kernelT * kernelHW * kernelHW
	fanOut := outChannels * kernelT * kernelHW * kernelHW
	weight := Xavier(fanIn, fanOut, tensor.Shape{outChannels, inChannels, kernelT, kernelHW, kernelHW}, backend)
	return &Conv3D[B]{
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelT:     kernelT,
		KernelHW:    kernelHW,
		StrideT:     strideT,
		StrideHW:    strideHW,
		PadT:        padT,
		PadHW:       padHW,
		weight:      NewParameter("weight", weight),
		bias:        NewParameter("bias", Zeros(tensor.Shape{outChannels}, backend)),
		backend:     backend,
	}
}

// Forward applies the convolution to [N, C_in, T, H, W] input.
func (c *Conv3D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if len(input.Shape()) != 5 {
		panic(fmt.Sprintf("Conv3D.Forward: expected 5D input [N,C,T,H,W], got shape %v", input.Shape()))
	}
	raw := c.backend.Conv3D(input.Raw(), c.weight.Tensor().Raw(), c.StrideT, c.StrideHW, c.PadT, c.PadHW)
	output := tensor.New[float32, B](raw, c.backend)
	if c.bias != nil {
		output = output.Add(c.bias.Tensor().Reshape(1, c.OutChannels, 1, 1, 1))
	}
	return output
}

// Parameters returns weight and bias.
func (c *Conv3D[B]) Parameters() []*Parameter[B] {
	if c.bias != nil {
		return []*Parameter[B]{c.weight, c.bias}
	}
	return []*Parameter[B]{c.weight}
}

// StateDict returns a map of parameter names to raw tensors.
func (c *Conv3D[B]) StateDict() map[string]*tensor.RawTensor {
	sd := map[string]*tensor.RawTensor{
		"weight": c.weight.Tensor().Raw(),
	}
	if c.bias != nil {
		sd["bias"] = c.bias.Tensor().Raw()
	}
	return sd
}

// LoadStateDict loads parameters from a state dictionary.
func (c *Conv3D[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	want := tensor.Shape{c.OutChannels, c.InChannels, c.KernelT, c.KernelHW, c.KernelHW}
	if err := loadParam(stateDict, "weight", c.weight, want); err != nil {
		return fmt.Errorf("conv3d: %w", err)
	}
	if c.bias != nil {
		if err := loadParam(stateDict, "bias", c.bias, tensor.Shape{c.OutChannels}); err != nil {
			return fmt.Errorf("conv3d: %w", err)
		}
	}
	return nil
}
