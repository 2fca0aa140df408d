package ops

import (
	"fmt"

	"github.com/born-ml/remat/internal/tensor"
)

// ReLUOp represents output = max(0, x).
//
// Backward: grad flows where x > 0.
type ReLUOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
}

// NewReLUOp creates a new ReLUOp.
func NewReLUOp(input, output *tensor.RawTensor) *ReLUOp {
	return &ReLUOp{input: input, output: output}
}

// Backward masks the gradient with x > 0.
func (op *ReLUOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	grad := newLike("ReLUOp.Backward", op.input.Shape(), outputGrad)

	switch op.input.DType() {
	case tensor.Float32:
		reluMask(grad.AsFloat32(), outputGrad.AsFloat32(), op.input.AsFloat32())
	case tensor.Float64:
		reluMask(grad.AsFloat64(), outputGrad.AsFloat64(), op.input.AsFloat64())
	default:
		panic(fmt.Sprintf("ReLUOp: unsupported dtype %s", op.input.DType()))
	}

	return []*tensor.RawTensor{grad}
}

func reluMask[T tensor.Float](out, grad, x []T) {
	for i, v := range x {
		if v > 0 {
			out[i] = grad[i]
		}
	}
}

// Recompute re-runs the activation.
func (op *ReLUOp) Recompute(backend tensor.Backend) *tensor.RawTensor {
	return backend.ReLU(op.input)
}

// Inputs returns the input tensor.
func (op *ReLUOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the activated tensor.
func (op *ReLUOp) Output() *tensor.RawTensor { return op.output }
