package nn

import (
	"fmt"

	"github.com/born-ml/remat/internal/tensor"
)

// Conv2D is a 2D convolutional layer.
//
// Performs convolution: output = Conv2D(input, weight) + bias
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [out_channels, in_channels, kernel_h, kernel_w]
// Bias shape:   [out_channels]
// Output shape: [batch, out_channels, out_h, out_w]
//
// Where:
//
//	out_h = (height + 2*padding - kernel_h) / stride + 1
//	out_w = (width + 2*padding - kernel_w) / stride + 1
//
// An input tagged FormatNHWC is [batch, height, width, in_channels] and
// produces an NHWC-tagged output. A weight tagged FormatNHWC is stored as
// [out_channels, kernel_h, kernel_w, in_channels]. Both are permuted to
// channel-first through the backend, so gradients reach the stored layout.
type Conv2D[B tensor.Backend] struct {
	inChannels  int
	outChannels int
	kernelSize  [2]int
	stride      int
	padding     int
	useBias     bool

	weight *Parameter[B]
	bias   *Parameter[B]

	backend B
}

// NewConv2D creates a new 2D convolutional layer with Xavier initialization.
//
// Parameters:
//   - inChannels: Number of input channels
//   - outChannels: Number of output channels (number of filters)
//   - kernelH, kernelW: Kernel dimensions
//   - stride: Stride for convolution (commonly 1 or 2)
//   - padding: Zero padding to apply to input (commonly 0, 1, 2)
//   - useBias: Whether to include bias term
//   - backend: Backend for computation
func NewConv2D[B tensor.Backend](
	inChannels, outChannels int,
	kernelH, kernelW int,
	stride, padding int,
	useBias bool,
	backend B,
) *Conv2D[B] {
	if inChannels <= 0 || outChannels <= 0 {
		panic(fmt.Sprintf("conv2d: invalid channels in=%d, out=%d", inChannels, outChannels))
	}
	if kernelH <= 0 || kernelW <= 0 {
		panic(fmt.Sprintf("conv2d: invalid kernel size h=%d, w=%d", kernelH, kernelW))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("conv2d: invalid stride %d", stride))
	}
	if padding < 0 {
		panic(fmt.Sprintf("conv2d: invalid padding %d", padding))
	}

	fanIn := inChannels * kernelH * kernelW
	fanOut := outChannels * kernelH * kernelW
	weight := Xavier(fanIn, fanOut, tensor.Shape{outChannels, inChannels, kernelH, kernelW}, backend)

	var bias *Parameter[B]
	if useBias {
		bias = NewParameter("bias", Zeros(tensor.Shape{outChannels}, backend))
	}

	return &Conv2D[B]{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  [2]int{kernelH, kernelW},
		stride:      stride,
		padding:     padding,
		useBias:     useBias,
		weight:      NewParameter("weight", weight),
		bias:        bias,
		backend:     backend,
	}
}

// Forward performs the forward pass.
func (c *Conv2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if input.NDim() != 4 {
		panic(fmt.Sprintf("conv2d: expected 4D input, got %dD", input.NDim()))
	}

	channelLast := input.Format().IsChannelLast()
	x := input
	if channelLast {
		x = input.Transpose(0, 3, 1, 2)
	}
	if x.Shape()[1] != c.inChannels {
		panic(fmt.Sprintf("conv2d: input channels %d != expected %d", x.Shape()[1], c.inChannels))
	}

	w := c.weight.Tensor()
	if w.Format().IsChannelLast() {
		w = w.Transpose(0, 3, 1, 2)
	}

	output := tensor.New[float32, B](c.backend.Conv2D(x.Raw(), w.Raw(), c.stride, c.padding), c.backend)

	if c.useBias {
		output = output.Add(c.bias.Tensor().Reshape(1, c.outChannels, 1, 1))
	}

	if channelLast {
		output = output.Transpose(0, 2, 3, 1).SetFormat(tensor.FormatNHWC)
	}
	return output
}

// Parameters returns all trainable parameters.
func (c *Conv2D[B]) Parameters() []*Parameter[B] {
	if c.useBias {
		return []*Parameter[B]{c.weight, c.bias}
	}
	return []*Parameter[B]{c.weight}
}

// NamedTensors returns weight and, if present, bias.
func (c *Conv2D[B]) NamedTensors() []NamedTensor[B] {
	return paramTensors(c.weight, c.bias)
}

// SetTraining is a no-op; convolution behaves the same in both modes.
func (c *Conv2D[B]) SetTraining(bool) {}

// Clone returns a deep copy of the layer.
func (c *Conv2D[B]) Clone() Module[B] {
	cp := *c
	cp.weight = c.weight.Clone()
	cp.bias = c.bias.Clone()
	return &cp
}

// String returns a string representation of the layer.
func (c *Conv2D[B]) String() string {
	return fmt.Sprintf("Conv2D(in_channels=%d, out_channels=%d, kernel_size=(%d, %d), stride=%d, padding=%d, bias=%v)",
		c.inChannels, c.outChannels,
		c.kernelSize[0], c.kernelSize[1],
		c.stride, c.padding, c.useBias)
}

// Weight returns the weight parameter.
func (c *Conv2D[B]) Weight() *Parameter[B] {
	return c.weight
}

// FanIn returns in_channels * kernel_h * kernel_w.
func (c *Conv2D[B]) FanIn() int {
	return c.inChannels * c.kernelSize[0] * c.kernelSize[1]
}

// OutChannels returns the number of output channels.
func (c *Conv2D[B]) OutChannels() int {
	return c.outChannels
}

// InChannels returns the number of input channels.
func (c *Conv2D[B]) InChannels() int {
	return c.inChannels
}
