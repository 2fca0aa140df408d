// Package autodiff implements automatic differentiation using the decorator pattern.
//
// AutodiffBackend wraps any Backend implementation and records every
// operation on a GradientTape while recording is on.
//
// When a rematerialization pool is active (see package dtr), every recorded
// output is registered with the pool together with its producing operation
// and measured cost, and every operation first asks the pool to make its
// inputs resident. Evicted intermediates are therefore recomputed
// transparently, both in the forward pass and during Backward.
//
// Usage:
//
//	backend := autodiff.New(cpu.New())
//	backend.Tape().StartRecording()
//	x, _ := tensor.FromSlice([]float32{2.0}, tensor.Shape{1}, backend)
//	y := x.Mul(x) // y = x²
//	grads := autodiff.Backward(y, backend)
//	fmt.Println(grads[x.Raw()]) // dy/dx = 2x = 4.0
package autodiff

import (
	"time"

	"github.com/born-ml/remat/internal/autodiff/ops"
	"github.com/born-ml/remat/internal/dtr"
	"github.com/born-ml/remat/internal/tensor"
)

// AutodiffBackend wraps a Backend and adds automatic differentiation.
// It implements the tensor.Backend interface and records operations in a GradientTape.
type AutodiffBackend[B tensor.Backend] struct {
	inner B
	tape  *GradientTape
}

// New creates a new AutodiffBackend wrapping the given backend.
func New[B tensor.Backend](backend B) *AutodiffBackend[B] {
	return &AutodiffBackend[B]{
		inner: backend,
		tape:  NewGradientTape(),
	}
}

// Tape returns the gradient tape for manual control.
func (b *AutodiffBackend[B]) Tape() *GradientTape {
	return b.tape
}

// Inner returns the wrapped backend for direct access.
func (b *AutodiffBackend[B]) Inner() B {
	return b.inner
}

// Name returns the backend name.
func (b *AutodiffBackend[B]) Name() string {
	return "Autodiff(" + b.inner.Name() + ")"
}

// Device returns the compute device.
func (b *AutodiffBackend[B]) Device() tensor.Device {
	return b.inner.Device()
}

// Materialize makes the given tensors resident, recomputing any that the
// active rematerialization pool evicted. Without a pool it does nothing.
func (b *AutodiffBackend[B]) Materialize(raws ...*tensor.RawTensor) {
	if pool := dtr.Active(); pool != nil {
		if err := pool.Materialize(b.inner, raws...); err != nil {
			panic(err)
		}
	}
}

// run executes forward with resident, pinned inputs and records the
// operation built by record when the tape is recording.
func (b *AutodiffBackend[B]) run(
	inputs []*tensor.RawTensor,
	forward func() *tensor.RawTensor,
	record func(out *tensor.RawTensor) ops.Operation,
) *tensor.RawTensor {
	pool := dtr.Active()
	if pool != nil {
		if err := pool.Materialize(b.inner, inputs...); err != nil {
			panic(err)
		}
		pool.Pin(inputs...)
		defer pool.Unpin(inputs...)
	}

	start := time.Now()
	out := forward()
	cost := time.Since(start)

	if b.tape.IsRecording() {
		op := record(out)
		b.tape.Record(op)
		if pool != nil {
			pool.Register(out, op, cost)
		}
	}
	return out
}

// Add performs element-wise addition and records the operation.
func (b *AutodiffBackend[B]) Add(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{x, y},
		func() *tensor.RawTensor { return b.inner.Add(x, y) },
		func(out *tensor.RawTensor) ops.Operation { return ops.NewAddOp(x, y, out) })
}

// Sub performs element-wise subtraction and records the operation.
func (b *AutodiffBackend[B]) Sub(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{x, y},
		func() *tensor.RawTensor { return b.inner.Sub(x, y) },
		func(out *tensor.RawTensor) ops.Operation { return ops.NewSubOp(x, y, out) })
}

// Mul performs element-wise multiplication and records the operation.
func (b *AutodiffBackend[B]) Mul(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{x, y},
		func() *tensor.RawTensor { return b.inner.Mul(x, y) },
		func(out *tensor.RawTensor) ops.Operation { return ops.NewMulOp(x, y, out) })
}

// Div performs element-wise division and records the operation.
func (b *AutodiffBackend[B]) Div(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{x, y},
		func() *tensor.RawTensor { return b.inner.Div(x, y) },
		func(out *tensor.RawTensor) ops.Operation { return ops.NewDivOp(x, y, out) })
}

// MulScalar multiplies by a constant and records the operation.
func (b *AutodiffBackend[B]) MulScalar(x *tensor.RawTensor, scalar float64) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{x},
		func() *tensor.RawTensor { return b.inner.MulScalar(x, scalar) },
		func(out *tensor.RawTensor) ops.Operation { return ops.NewMulScalarOp(x, out, scalar) })
}

// MatMul performs matrix multiplication and records the operation.
func (b *AutodiffBackend[B]) MatMul(x, y *tensor.RawTensor) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{x, y},
		func() *tensor.RawTensor { return b.inner.MatMul(x, y) },
		func(out *tensor.RawTensor) ops.Operation { return ops.NewMatMulOp(x, y, out) })
}

// Conv2D performs 2D convolution and records the operation.
func (b *AutodiffBackend[B]) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{input, kernel},
		func() *tensor.RawTensor { return b.inner.Conv2D(input, kernel, stride, padding) },
		func(out *tensor.RawTensor) ops.Operation {
			return ops.NewConv2DOp(input, kernel, out, stride, padding)
		})
}

// Conv2DInputBackward delegates to the inner backend. It is not recorded.
func (b *AutodiffBackend[B]) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	b.Materialize(input, kernel, grad)
	return b.inner.Conv2DInputBackward(input, kernel, grad, stride, padding)
}

// Conv2DKernelBackward delegates to the inner backend. It is not recorded.
func (b *AutodiffBackend[B]) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	b.Materialize(input, kernel, grad)
	return b.inner.Conv2DKernelBackward(input, kernel, grad, stride, padding)
}

// Reshape changes the shape and records the operation.
func (b *AutodiffBackend[B]) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{t},
		func() *tensor.RawTensor { return b.inner.Reshape(t, newShape) },
		func(out *tensor.RawTensor) ops.Operation { return ops.NewReshapeOp(t, out) })
}

// Transpose permutes axes and records the operation.
func (b *AutodiffBackend[B]) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{t},
		func() *tensor.RawTensor { return b.inner.Transpose(t, axes...) },
		func(out *tensor.RawTensor) ops.Operation { return ops.NewTransposeOp(t, out, axes) })
}

// Expand broadcasts to a larger shape and records the operation.
func (b *AutodiffBackend[B]) Expand(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{x},
		func() *tensor.RawTensor { return b.inner.Expand(x, shape) },
		func(out *tensor.RawTensor) ops.Operation { return ops.NewExpandOp(x, out) })
}

// ReLU applies max(0, x) and records the operation.
func (b *AutodiffBackend[B]) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{x},
		func() *tensor.RawTensor { return b.inner.ReLU(x) },
		func(out *tensor.RawTensor) ops.Operation { return ops.NewReLUOp(x, out) })
}

// SumDim sums along dim and records the operation.
func (b *AutodiffBackend[B]) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{x},
		func() *tensor.RawTensor { return b.inner.SumDim(x, dim, keepDim) },
		func(out *tensor.RawTensor) ops.Operation { return ops.NewSumDimOp(x, out, dim, keepDim) })
}

// MeanDim averages along dim and records the operation.
func (b *AutodiffBackend[B]) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{x},
		func() *tensor.RawTensor { return b.inner.MeanDim(x, dim, keepDim) },
		func(out *tensor.RawTensor) ops.Operation { return ops.NewMeanDimOp(x, out, dim, keepDim) })
}

// BatchNorm2D normalizes x per channel along channelAxis.
//
// In training mode the batch statistics are used and blended into
// runningMean/runningVar with the given momentum. Otherwise the running
// statistics are used as constants.
func (b *AutodiffBackend[B]) BatchNorm2D(
	x, gamma, beta, runningMean, runningVar *tensor.RawTensor,
	channelAxis int, training bool, momentum, eps float64,
) *tensor.RawTensor {
	var mean, invStd *tensor.RawTensor
	return b.run([]*tensor.RawTensor{x, gamma, beta},
		func() *tensor.RawTensor {
			if training {
				var variance *tensor.RawTensor
				var count int
				mean, variance, count = ops.ChannelMoments(x, channelAxis)
				ops.UpdateRunningStats(runningMean, runningVar, mean, variance, momentum, count)
				invStd = ops.InvStd(variance, eps)
			} else {
				mean = runningMean.DeepCopy()
				invStd = ops.InvStd(runningVar, eps)
			}
			return ops.BatchNormForward(x, gamma, beta, mean, invStd, channelAxis)
		},
		func(out *tensor.RawTensor) ops.Operation {
			return ops.NewBatchNormOp(x, gamma, beta, mean, invStd, out, channelAxis, training)
		})
}

// CrossEntropy computes the mean cross-entropy of logits [batch, classes]
// against int32 class targets [batch] and records the operation.
func (b *AutodiffBackend[B]) CrossEntropy(logits, targets *tensor.RawTensor) *tensor.RawTensor {
	return b.run([]*tensor.RawTensor{logits},
		func() *tensor.RawTensor { return ops.CrossEntropyForward(logits, targets) },
		func(out *tensor.RawTensor) ops.Operation { return ops.NewCrossEntropyOp(logits, targets, out) })
}
