package ops

import (
	"fmt"
	"math"

	"github.com/born-ml/remat/internal/tensor"
)

// CrossEntropyOp represents the mean cross-entropy of logits against integer
// class targets.
//
// Forward:
//
//	Loss = mean(-log_softmax(logits)[targets])
//
// log_softmax uses the log-sum-exp trick:
//
//	log_softmax(z) = z - (max(z) + log(Σ exp(z - max(z))))
//
// Backward:
//
//	∂L/∂logits = (softmax(logits) - y_one_hot) / batch_size
//
// Logits are [batch_size, num_classes], targets are int32 [batch_size], the
// output is a scalar.
type CrossEntropyOp struct {
	logits  *tensor.RawTensor
	targets *tensor.RawTensor
	output  *tensor.RawTensor
}

// NewCrossEntropyOp creates a new cross-entropy operation.
func NewCrossEntropyOp(logits, targets, output *tensor.RawTensor) *CrossEntropyOp {
	return &CrossEntropyOp{logits: logits, targets: targets, output: output}
}

// Inputs returns the logits. Targets are not differentiable.
func (op *CrossEntropyOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.logits}
}

// Output returns the scalar loss.
func (op *CrossEntropyOp) Output() *tensor.RawTensor { return op.output }

// Recompute re-runs the loss.
func (op *CrossEntropyOp) Recompute(_ tensor.Backend) *tensor.RawTensor {
	return CrossEntropyForward(op.logits, op.targets)
}

// Backward computes the gradient with respect to logits.
func (op *CrossEntropyOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	batch, classes := crossEntropyDims(op.logits, op.targets)
	grad := newLike("CrossEntropyOp.Backward", op.logits.Shape(), op.logits)

	switch op.logits.DType() {
	case tensor.Float32:
		crossEntropyGrad(grad.AsFloat32(), op.logits.AsFloat32(), op.targets.AsInt32(), outputGrad.AsFloat32()[0], batch, classes)
	case tensor.Float64:
		crossEntropyGrad(grad.AsFloat64(), op.logits.AsFloat64(), op.targets.AsInt32(), outputGrad.AsFloat64()[0], batch, classes)
	default:
		panic(fmt.Sprintf("CrossEntropyOp: unsupported dtype %s", op.logits.DType()))
	}

	return []*tensor.RawTensor{grad}
}

// CrossEntropyForward computes the mean cross-entropy loss as a scalar.
func CrossEntropyForward(logits, targets *tensor.RawTensor) *tensor.RawTensor {
	batch, classes := crossEntropyDims(logits, targets)
	out := newLike("CrossEntropyForward", tensor.Shape{}, logits)

	switch logits.DType() {
	case tensor.Float32:
		out.AsFloat32()[0] = float32(crossEntropyLoss(logits.AsFloat32(), targets.AsInt32(), batch, classes))
	case tensor.Float64:
		out.AsFloat64()[0] = crossEntropyLoss(logits.AsFloat64(), targets.AsInt32(), batch, classes)
	default:
		panic(fmt.Sprintf("CrossEntropyForward: unsupported dtype %s", logits.DType()))
	}
	return out
}

func crossEntropyDims(logits, targets *tensor.RawTensor) (batch, classes int) {
	shape := logits.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("cross entropy: logits must be [batch, classes], got %v", shape))
	}
	if targets.DType() != tensor.Int32 {
		panic(fmt.Sprintf("cross entropy: targets must be int32, got %s", targets.DType()))
	}
	if targets.NumElements() != shape[0] {
		panic(fmt.Sprintf("cross entropy: %d targets for batch of %d", targets.NumElements(), shape[0]))
	}
	return shape[0], shape[1]
}

// logSumExp returns max(z) + log(Σ exp(z - max(z))).
func logSumExp[T tensor.Float](z []T) float64 {
	maxVal := math.Inf(-1)
	for _, v := range z {
		maxVal = math.Max(maxVal, float64(v))
	}
	var sum float64
	for _, v := range z {
		sum += math.Exp(float64(v) - maxVal)
	}
	return maxVal + math.Log(sum)
}

func crossEntropyLoss[T tensor.Float](logits []T, targets []int32, batch, classes int) float64 {
	var total float64
	for b := 0; b < batch; b++ {
		row := logits[b*classes : (b+1)*classes]
		target := int(targets[b])
		if target < 0 || target >= classes {
			panic(fmt.Sprintf("cross entropy: target %d out of range [0, %d)", target, classes))
		}
		total += logSumExp(row) - float64(row[target])
	}
	return total / float64(batch)
}

func crossEntropyGrad[T tensor.Float](grad, logits []T, targets []int32, scale T, batch, classes int) {
	for b := 0; b < batch; b++ {
		row := logits[b*classes : (b+1)*classes]
		lse := logSumExp(row)
		target := int(targets[b])
		for i, v := range row {
			p := math.Exp(float64(v) - lse)
			if i == target {
				p--
			}
			grad[b*classes+i] = scale * T(p/float64(batch))
		}
	}
}
