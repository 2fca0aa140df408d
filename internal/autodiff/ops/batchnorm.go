package ops

import (
	"fmt"
	"math"

	"github.com/born-ml/remat/internal/tensor"
)

// BatchNormOp represents fused batch normalization along a channel axis:
//
//	y = (x - mean) * invStd * gamma + beta
//
// mean and invStd are per-channel and saved at forward time. With batch
// statistics they were computed from x itself, which adds the statistics
// terms to the input gradient:
//
//	dx = gamma * invStd / N * (N*dy - Σdy - x̂ * Σ(dy*x̂))
//
// With running statistics they are constants and dx = dy * gamma * invStd.
type BatchNormOp struct {
	x, gamma, beta *tensor.RawTensor
	output         *tensor.RawTensor
	mean, invStd   *tensor.RawTensor
	axis           int
	batchStats     bool
}

// NewBatchNormOp creates a new BatchNormOp.
func NewBatchNormOp(x, gamma, beta, mean, invStd, output *tensor.RawTensor, axis int, batchStats bool) *BatchNormOp {
	return &BatchNormOp{
		x:          x,
		gamma:      gamma,
		beta:       beta,
		output:     output,
		mean:       mean,
		invStd:     invStd,
		axis:       axis,
		batchStats: batchStats,
	}
}

// Backward computes gradients for x, gamma and beta.
func (op *BatchNormOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	g := newChannelGeometry(op.x.Shape(), op.axis)
	dx := newLike("BatchNormOp.Backward", op.x.Shape(), op.x)
	dGamma := newLike("BatchNormOp.Backward", op.gamma.Shape(), op.gamma)
	dBeta := newLike("BatchNormOp.Backward", op.beta.Shape(), op.beta)

	switch op.x.DType() {
	case tensor.Float32:
		batchNormBackward(g, op.batchStats,
			outputGrad.AsFloat32(), op.x.AsFloat32(), op.gamma.AsFloat32(), op.mean.AsFloat32(), op.invStd.AsFloat32(),
			dx.AsFloat32(), dGamma.AsFloat32(), dBeta.AsFloat32())
	case tensor.Float64:
		batchNormBackward(g, op.batchStats,
			outputGrad.AsFloat64(), op.x.AsFloat64(), op.gamma.AsFloat64(), op.mean.AsFloat64(), op.invStd.AsFloat64(),
			dx.AsFloat64(), dGamma.AsFloat64(), dBeta.AsFloat64())
	default:
		panic(fmt.Sprintf("BatchNormOp: unsupported dtype %s", op.x.DType()))
	}

	return []*tensor.RawTensor{dx, dGamma, dBeta}
}

func batchNormBackward[T tensor.Float](g channelGeometry, batchStats bool, dy, x, gamma, mean, invStd, dx, dGamma, dBeta []T) {
	sumDy := make([]float64, g.channels)
	sumDyXhat := make([]float64, g.channels)
	g.each(func(i, c int) {
		xhat := float64((x[i] - mean[c]) * invStd[c])
		sumDy[c] += float64(dy[i])
		sumDyXhat[c] += float64(dy[i]) * xhat
	})

	for c := range dGamma {
		dGamma[c] = T(sumDyXhat[c])
		dBeta[c] = T(sumDy[c])
	}

	if !batchStats {
		g.each(func(i, c int) {
			dx[i] = dy[i] * gamma[c] * invStd[c]
		})
		return
	}

	n := float64(g.count())
	g.each(func(i, c int) {
		xhat := float64((x[i] - mean[c]) * invStd[c])
		scale := float64(gamma[c]*invStd[c]) / n
		dx[i] = T(scale * (n*float64(dy[i]) - sumDy[c] - xhat*sumDyXhat[c]))
	})
}

// Recompute re-runs the normalization with the saved statistics.
func (op *BatchNormOp) Recompute(_ tensor.Backend) *tensor.RawTensor {
	return BatchNormForward(op.x, op.gamma, op.beta, op.mean, op.invStd, op.axis)
}

// Inputs returns [x, gamma, beta].
func (op *BatchNormOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.x, op.gamma, op.beta}
}

// Output returns the normalized tensor.
func (op *BatchNormOp) Output() *tensor.RawTensor { return op.output }

// BatchNormForward computes (x - mean) * invStd * gamma + beta per channel.
// The result carries x's layout tag.
func BatchNormForward(x, gamma, beta, mean, invStd *tensor.RawTensor, axis int) *tensor.RawTensor {
	g := newChannelGeometry(x.Shape(), axis)
	out := newLike("BatchNormForward", x.Shape(), x)

	switch x.DType() {
	case tensor.Float32:
		batchNormKernel(g, out.AsFloat32(), x.AsFloat32(), gamma.AsFloat32(), beta.AsFloat32(), mean.AsFloat32(), invStd.AsFloat32())
	case tensor.Float64:
		batchNormKernel(g, out.AsFloat64(), x.AsFloat64(), gamma.AsFloat64(), beta.AsFloat64(), mean.AsFloat64(), invStd.AsFloat64())
	default:
		panic(fmt.Sprintf("BatchNormForward: unsupported dtype %s", x.DType()))
	}

	out.SetFormat(x.Format())
	return out
}

func batchNormKernel[T tensor.Float](g channelGeometry, out, x, gamma, beta, mean, invStd []T) {
	g.each(func(i, c int) {
		out[i] = (x[i]-mean[c])*invStd[c]*gamma[c] + beta[c]
	})
}

// ChannelMoments returns the per-channel mean and biased variance of x over
// every axis except axis, and the number of elements per channel.
func ChannelMoments(x *tensor.RawTensor, axis int) (mean, variance *tensor.RawTensor, count int) {
	g := newChannelGeometry(x.Shape(), axis)
	mean = newLike("ChannelMoments", tensor.Shape{g.channels}, x)
	variance = newLike("ChannelMoments", tensor.Shape{g.channels}, x)

	switch x.DType() {
	case tensor.Float32:
		momentsKernel(g, x.AsFloat32(), mean.AsFloat32(), variance.AsFloat32())
	case tensor.Float64:
		momentsKernel(g, x.AsFloat64(), mean.AsFloat64(), variance.AsFloat64())
	default:
		panic(fmt.Sprintf("ChannelMoments: unsupported dtype %s", x.DType()))
	}
	return mean, variance, g.count()
}

func momentsKernel[T tensor.Float](g channelGeometry, x, mean, variance []T) {
	n := float64(g.count())
	sum := make([]float64, g.channels)
	g.each(func(i, c int) { sum[c] += float64(x[i]) })
	for c := range sum {
		sum[c] /= n
		mean[c] = T(sum[c])
	}

	sq := make([]float64, g.channels)
	g.each(func(i, c int) {
		d := float64(x[i]) - sum[c]
		sq[c] += d * d
	})
	for c := range sq {
		variance[c] = T(sq[c] / n)
	}
}

// InvStd returns 1 / sqrt(variance + eps) element-wise.
func InvStd(variance *tensor.RawTensor, eps float64) *tensor.RawTensor {
	out := newLike("InvStd", variance.Shape(), variance)
	switch variance.DType() {
	case tensor.Float32:
		for i, v := range variance.AsFloat32() {
			out.AsFloat32()[i] = float32(1 / math.Sqrt(float64(v)+eps))
		}
	case tensor.Float64:
		for i, v := range variance.AsFloat64() {
			out.AsFloat64()[i] = 1 / math.Sqrt(v+eps)
		}
	default:
		panic(fmt.Sprintf("InvStd: unsupported dtype %s", variance.DType()))
	}
	return out
}

// UpdateRunningStats blends batch statistics into running ones in place:
//
//	running = (1 - momentum) * running + momentum * batch
//
// The variance is corrected to its unbiased estimate using count.
func UpdateRunningStats(runningMean, runningVar, mean, variance *tensor.RawTensor, momentum float64, count int) {
	correction := 1.0
	if count > 1 {
		correction = float64(count) / float64(count-1)
	}

	switch runningMean.DType() {
	case tensor.Float32:
		blend(runningMean.AsFloat32(), mean.AsFloat32(), momentum, 1)
		blend(runningVar.AsFloat32(), variance.AsFloat32(), momentum, correction)
	case tensor.Float64:
		blend(runningMean.AsFloat64(), mean.AsFloat64(), momentum, 1)
		blend(runningVar.AsFloat64(), variance.AsFloat64(), momentum, correction)
	default:
		panic(fmt.Sprintf("UpdateRunningStats: unsupported dtype %s", runningMean.DType()))
	}
}

func blend[T tensor.Float](running, batch []T, momentum, scale float64) {
	for i := range running {
		running[i] = T((1-momentum)*float64(running[i]) + momentum*scale*float64(batch[i]))
	}
}
