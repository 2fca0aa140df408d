// Package ops defines the operations recorded on a gradient tape.
//
// Each operation keeps references to its inputs and output. Backward computes
// input gradients from the output gradient; Recompute re-runs the forward
// computation from the inputs alone, which lets an evicted output be rebuilt
// on demand.
//
// Supported operations:
//   - AddOp, SubOp, MulOp, DivOp: element-wise with broadcasting
//   - MatMulOp: 2D matrix multiplication
//   - MulScalarOp: scaling by a constant
//   - ReshapeOp, TransposeOp, ExpandOp: shape changes
//   - SumDimOp, MeanDimOp: reductions along one axis
//   - ReLUOp: rectified linear unit
//   - Conv2DOp: 2D convolution over NCHW data
//   - BatchNormOp: fused batch normalization over a channel axis
//   - CrossEntropyOp: fused log-softmax and negative log likelihood
package ops

import "github.com/born-ml/remat/internal/tensor"

// Operation represents a differentiable operation in the computation graph.
type Operation interface {
	// Backward computes gradients for inputs given the output gradient.
	// Returns a slice of gradients corresponding to each input tensor;
	// nil entries mean no gradient flows to that input.
	Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor

	// Recompute produces a fresh tensor equal to Output from Inputs.
	// All inputs must be resident.
	Recompute(backend tensor.Backend) *tensor.RawTensor

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.RawTensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.RawTensor
}
