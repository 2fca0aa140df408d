package ops

import "github.com/born-ml/remat/internal/tensor"

// MatMulOp represents C = A @ B for 2D matrices.
//
// Backward:
//
//	dL/dA = dL/dC @ Bᵀ
//	dL/dB = Aᵀ @ dL/dC
type MatMulOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

// NewMatMulOp creates a new MatMulOp.
func NewMatMulOp(a, b, output *tensor.RawTensor) *MatMulOp {
	return &MatMulOp{inputs: []*tensor.RawTensor{a, b}, output: output}
}

// Backward computes input gradients for matrix multiplication.
func (op *MatMulOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	a, b := op.inputs[0], op.inputs[1]
	return []*tensor.RawTensor{
		backend.MatMul(outputGrad, backend.Transpose(b)),
		backend.MatMul(backend.Transpose(a), outputGrad),
	}
}

// Recompute re-runs A @ B.
func (op *MatMulOp) Recompute(backend tensor.Backend) *tensor.RawTensor {
	return backend.MatMul(op.inputs[0], op.inputs[1])
}

// Inputs returns [A, B].
func (op *MatMulOp) Inputs() []*tensor.RawTensor { return op.inputs }

// Output returns C.
func (op *MatMulOp) Output() *tensor.RawTensor { return op.output }
