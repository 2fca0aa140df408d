package ops

import "github.com/born-ml/remat/internal/tensor"

// SumDimOp represents a sum along one dimension.
type SumDimOp struct {
	input   *tensor.RawTensor
	output  *tensor.RawTensor
	dim     int
	keepDim bool
}

// NewSumDimOp creates a new SumDimOp.
func NewSumDimOp(input, output *tensor.RawTensor, dim int, keepDim bool) *SumDimOp {
	return &SumDimOp{
		input:   input,
		output:  output,
		dim:     normalizeDim(dim, len(input.Shape())),
		keepDim: keepDim,
	}
}

// Backward broadcasts the gradient back over the summed dimension.
func (op *SumDimOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{expandReduced(outputGrad, op.input.Shape(), op.dim, op.keepDim, backend)}
}

// Recompute re-runs the sum.
func (op *SumDimOp) Recompute(backend tensor.Backend) *tensor.RawTensor {
	return backend.SumDim(op.input, op.dim, op.keepDim)
}

// Inputs returns the input tensor.
func (op *SumDimOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the reduced tensor.
func (op *SumDimOp) Output() *tensor.RawTensor { return op.output }

// MeanDimOp represents a mean along one dimension.
//
// Backward: every input element receives grad / size(dim).
type MeanDimOp struct {
	input   *tensor.RawTensor
	output  *tensor.RawTensor
	dim     int
	keepDim bool
}

// NewMeanDimOp creates a new MeanDimOp.
func NewMeanDimOp(input, output *tensor.RawTensor, dim int, keepDim bool) *MeanDimOp {
	return &MeanDimOp{
		input:   input,
		output:  output,
		dim:     normalizeDim(dim, len(input.Shape())),
		keepDim: keepDim,
	}
}

// Backward spreads the gradient evenly over the averaged dimension.
func (op *MeanDimOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	size := op.input.Shape()[op.dim]
	scaled := backend.MulScalar(outputGrad, 1/float64(size))
	return []*tensor.RawTensor{expandReduced(scaled, op.input.Shape(), op.dim, op.keepDim, backend)}
}

// Recompute re-runs the mean.
func (op *MeanDimOp) Recompute(backend tensor.Backend) *tensor.RawTensor {
	return backend.MeanDim(op.input, op.dim, op.keepDim)
}

// Inputs returns the input tensor.
func (op *MeanDimOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the reduced tensor.
func (op *MeanDimOp) Output() *tensor.RawTensor { return op.output }
