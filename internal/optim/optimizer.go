// Package optim implements optimization algorithms for training neural networks.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - SGD: Stochastic Gradient Descent with momentum and weight decay
//   - Adam: Adaptive Moment Estimation with weight decay
//
// Updates are applied directly to parameter storage and are never recorded
// on a gradient tape.
//
// Example usage:
//
//	optimizer := optim.NewSGD(model.Parameters(), optim.SGDConfig{
//	    LR: 0.05, Momentum: 0.9, WeightDecay: 1e-4,
//	})
//
//	backend.Tape().StartRecording()
//	loss := criterion.Forward(model.Forward(input), targets)
//	grads := autodiff.Backward(loss, backend)
//	optimizer.Step(grads)
//	optimizer.ZeroGrad()
package optim

import (
	"fmt"

	"github.com/born-ml/remat/internal/nn"
	"github.com/born-ml/remat/internal/tensor"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies gradient updates to all parameters.
	// grads maps a parameter's RawTensor to its gradient, as returned by
	// autodiff.Backward. Parameters without a gradient are skipped.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float32
}

// getGradient retrieves the gradient for a parameter, or nil when the
// parameter was not part of the computation.
func getGradient[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) []float32 {
	if param == nil {
		return nil
	}
	grad, ok := grads[param.Tensor().Raw()]
	if !ok {
		return nil
	}
	if !grad.Shape().Equal(param.Tensor().Shape()) {
		panic(fmt.Sprintf("optim: gradient shape %v does not match parameter %q shape %v",
			grad.Shape(), param.Name(), param.Tensor().Shape()))
	}
	return grad.AsFloat32()
}

// slot is per-parameter optimizer state tied to the storage it was built for.
type slot struct {
	raw  *tensor.RawTensor
	data []float32
}

// buffer returns the per-parameter state slice, allocating it on first use.
//
// State is reset when the parameter's storage was replaced since the last
// step (in-place layout conversion, checkpoint restore): its element order
// no longer matches the old buffer.
func buffer[B tensor.Backend](state map[*nn.Parameter[B]]*slot, param *nn.Parameter[B]) []float32 {
	raw := param.Tensor().Raw()
	s, ok := state[param]
	if !ok || s.raw != raw {
		s = &slot{raw: raw, data: make([]float32, raw.NumElements())}
		state[param] = s
	}
	return s.data
}
