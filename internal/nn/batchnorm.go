package nn

import (
	"fmt"

	"github.com/born-ml/remat/internal/autodiff/ops"
	"github.com/born-ml/remat/internal/tensor"
)

// BatchNormBackend is implemented by backends that record fused batch
// normalization (autodiff.AutodiffBackend). Other backends get the same
// arithmetic without a tape.
type BatchNormBackend interface {
	BatchNorm2D(
		x, gamma, beta, runningMean, runningVar *tensor.RawTensor,
		channelAxis int, training bool, momentum, eps float64,
	) *tensor.RawTensor
}

// BatchNorm2D normalizes 4D activations per channel.
//
// The channel axis follows the input's layout tag: 3 for FormatNHWC, 1
// otherwise. In training mode batch statistics are used and blended into
// the running statistics:
//
//	running = (1 - momentum) * running + momentum * batch
//
// In evaluation mode the running statistics are used.
type BatchNorm2D[B tensor.Backend] struct {
	numFeatures int
	eps         float64
	momentum    float64
	training    bool

	weight      *Parameter[B] // gamma, initialized to ones
	bias        *Parameter[B] // beta, initialized to zeros
	runningMean *tensor.Tensor[float32, B]
	runningVar  *tensor.Tensor[float32, B]

	backend B
}

// NewBatchNorm2D creates a batch normalization layer in training mode with
// eps 1e-5 and momentum 0.1.
func NewBatchNorm2D[B tensor.Backend](numFeatures int, backend B) *BatchNorm2D[B] {
	if numFeatures <= 0 {
		panic(fmt.Sprintf("batchnorm2d: invalid feature count %d", numFeatures))
	}
	shape := tensor.Shape{numFeatures}
	return &BatchNorm2D[B]{
		numFeatures: numFeatures,
		eps:         1e-5,
		momentum:    0.1,
		training:    true,
		weight:      NewParameter("weight", Ones(shape, backend)),
		bias:        NewParameter("bias", Zeros(shape, backend)),
		runningMean: Zeros(shape, backend),
		runningVar:  Ones(shape, backend),
		backend:     backend,
	}
}

// Forward normalizes input along its channel axis.
func (bn *BatchNorm2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if input.NDim() != 4 {
		panic(fmt.Sprintf("batchnorm2d: expected 4D input, got %dD", input.NDim()))
	}
	axis := input.Format().ChannelAxis(input.NDim())
	if input.Shape()[axis] != bn.numFeatures {
		panic(fmt.Sprintf("batchnorm2d: %d channels on axis %d, expected %d", input.Shape()[axis], axis, bn.numFeatures))
	}

	x, gamma, beta := input.Raw(), bn.weight.Tensor().Raw(), bn.bias.Tensor().Raw()
	runningMean, runningVar := bn.runningMean.Raw(), bn.runningVar.Raw()

	if fused, ok := any(bn.backend).(BatchNormBackend); ok {
		out := fused.BatchNorm2D(x, gamma, beta, runningMean, runningVar, axis, bn.training, bn.momentum, bn.eps)
		return tensor.New[float32, B](out, bn.backend)
	}

	var out *tensor.RawTensor
	if bn.training {
		mean, variance, count := ops.ChannelMoments(x, axis)
		ops.UpdateRunningStats(runningMean, runningVar, mean, variance, bn.momentum, count)
		out = ops.BatchNormForward(x, gamma, beta, mean, ops.InvStd(variance, bn.eps), axis)
	} else {
		out = ops.BatchNormForward(x, gamma, beta, runningMean, ops.InvStd(runningVar, bn.eps), axis)
	}
	return tensor.New[float32, B](out, bn.backend)
}

// Parameters returns [weight, bias].
func (bn *BatchNorm2D[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{bn.weight, bn.bias}
}

// NamedTensors returns weight, bias and the running statistics buffers.
func (bn *BatchNorm2D[B]) NamedTensors() []NamedTensor[B] {
	return append(paramTensors(bn.weight, bn.bias),
		NamedTensor[B]{Name: "running_mean", Tensor: bn.runningMean},
		NamedTensor[B]{Name: "running_var", Tensor: bn.runningVar},
	)
}

// SetTraining selects batch (true) or running (false) statistics.
func (bn *BatchNorm2D[B]) SetTraining(training bool) {
	bn.training = training
}

// Clone returns a deep copy of the layer, running statistics included.
func (bn *BatchNorm2D[B]) Clone() Module[B] {
	c := *bn
	c.weight = bn.weight.Clone()
	c.bias = bn.bias.Clone()
	c.runningMean = bn.runningMean.Clone()
	c.runningVar = bn.runningVar.Clone()
	return &c
}

// RunningMean returns the running mean buffer.
func (bn *BatchNorm2D[B]) RunningMean() *tensor.Tensor[float32, B] {
	return bn.runningMean
}

// RunningVar returns the running variance buffer.
func (bn *BatchNorm2D[B]) RunningVar() *tensor.Tensor[float32, B] {
	return bn.runningVar
}
