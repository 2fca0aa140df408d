package ops

import "github.com/born-ml/remat/internal/tensor"

// Conv2DOp represents a 2D convolution over NCHW input with an
// [C_out, C_in, K_h, K_w] kernel.
//
// Backward:
//
//	dL/dInput  = transposed convolution of dL/dOutput with the kernel
//	dL/dKernel = correlation of the input with dL/dOutput
type Conv2DOp struct {
	input   *tensor.RawTensor
	kernel  *tensor.RawTensor
	output  *tensor.RawTensor
	stride  int
	padding int
}

// NewConv2DOp creates a new Conv2DOp.
func NewConv2DOp(input, kernel, output *tensor.RawTensor, stride, padding int) *Conv2DOp {
	return &Conv2DOp{
		input:   input,
		kernel:  kernel,
		output:  output,
		stride:  stride,
		padding: padding,
	}
}

// Backward computes gradients for the input and the kernel.
func (op *Conv2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{
		backend.Conv2DInputBackward(op.input, op.kernel, outputGrad, op.stride, op.padding),
		backend.Conv2DKernelBackward(op.input, op.kernel, outputGrad, op.stride, op.padding),
	}
}

// Recompute re-runs the convolution.
func (op *Conv2DOp) Recompute(backend tensor.Backend) *tensor.RawTensor {
	return backend.Conv2D(op.input, op.kernel, op.stride, op.padding)
}

// Inputs returns [input, kernel].
func (op *Conv2DOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input, op.kernel}
}

// Output returns the convolution result.
func (op *Conv2DOp) Output() *tensor.RawTensor { return op.output }
