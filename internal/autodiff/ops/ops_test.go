package ops_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/remat/internal/autodiff/ops"
	"github.com/born-ml/remat/internal/backend/cpu"
	"github.com/born-ml/remat/internal/tensor"
)

func raw64(t *testing.T, data []float64, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Float64, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsFloat64(), data)
	return r
}

func randn64(t *testing.T, rng *rand.Rand, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Float64, tensor.CPU)
	require.NoError(t, err)
	for i := range r.AsFloat64() {
		r.AsFloat64()[i] = rng.NormFloat64()
	}
	return r
}

func targets(t *testing.T, values ...int32) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(tensor.Shape{len(values)}, tensor.Int32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsInt32(), values)
	return r
}

// weightedSum returns Σ out * w, a scalar whose gradient w.r.t. out is w.
func weightedSum(out, w *tensor.RawTensor) float64 {
	var s float64
	for i, v := range out.AsFloat64() {
		s += v * w.AsFloat64()[i]
	}
	return s
}

// checkGradient compares an analytic gradient against central differences of
// loss with respect to param.
func checkGradient(t *testing.T, name string, param, analytic *tensor.RawTensor, loss func() float64) {
	t.Helper()
	const eps = 1e-6
	data := param.AsFloat64()
	for i := range data {
		orig := data[i]
		data[i] = orig + eps
		plus := loss()
		data[i] = orig - eps
		minus := loss()
		data[i] = orig
		assert.InDelta(t, (plus-minus)/(2*eps), analytic.AsFloat64()[i], 1e-5, "%s[%d]", name, i)
	}
}

func TestAddOp_BroadcastGradient(t *testing.T) {
	backend := cpu.New()
	a := raw64(t, []float64{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	b := raw64(t, []float64{1, 1, 1}, tensor.Shape{3})
	out := backend.Add(a, b)
	op := ops.NewAddOp(a, b, out)

	grads := op.Backward(raw64(t, []float64{1, 1, 1, 1, 1, 1}, tensor.Shape{2, 3}), backend)

	require.Len(t, grads, 2)
	assert.Equal(t, tensor.Shape{2, 3}, grads[0].Shape())
	assert.Equal(t, tensor.Shape{3}, grads[1].Shape())
	assert.Equal(t, []float64{2, 2, 2}, grads[1].AsFloat64())
}

func TestSubOp_NegatesSecondGradient(t *testing.T) {
	backend := cpu.New()
	a := raw64(t, []float64{1, 2}, tensor.Shape{2})
	b := raw64(t, []float64{3, 4}, tensor.Shape{2})
	op := ops.NewSubOp(a, b, backend.Sub(a, b))

	grads := op.Backward(raw64(t, []float64{1, 2}, tensor.Shape{2}), backend)

	assert.Equal(t, []float64{1, 2}, grads[0].AsFloat64())
	assert.Equal(t, []float64{-1, -2}, grads[1].AsFloat64())
}

func TestMulDivOp_Gradients(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(1))
	a := randn64(t, rng, tensor.Shape{2, 3})
	b := raw64(t, []float64{1.5, -2, 0.5}, tensor.Shape{1, 3})
	w := randn64(t, rng, tensor.Shape{2, 3})

	mul := ops.NewMulOp(a, b, backend.Mul(a, b))
	mulGrads := mul.Backward(w, backend)
	mulLoss := func() float64 { return weightedSum(backend.Mul(a, b), w) }
	checkGradient(t, "mul.a", a, mulGrads[0], mulLoss)
	checkGradient(t, "mul.b", b, mulGrads[1], mulLoss)

	div := ops.NewDivOp(a, b, backend.Div(a, b))
	divGrads := div.Backward(w, backend)
	divLoss := func() float64 { return weightedSum(backend.Div(a, b), w) }
	checkGradient(t, "div.a", a, divGrads[0], divLoss)
	checkGradient(t, "div.b", b, divGrads[1], divLoss)
}

func TestMatMulOp_Gradients(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(2))
	a := randn64(t, rng, tensor.Shape{2, 3})
	b := randn64(t, rng, tensor.Shape{3, 4})
	w := randn64(t, rng, tensor.Shape{2, 4})

	op := ops.NewMatMulOp(a, b, backend.MatMul(a, b))
	grads := op.Backward(w, backend)

	loss := func() float64 { return weightedSum(backend.MatMul(a, b), w) }
	checkGradient(t, "a", a, grads[0], loss)
	checkGradient(t, "b", b, grads[1], loss)
}

func TestTransposeOp_InverseGradient(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(3))
	x := randn64(t, rng, tensor.Shape{2, 3, 4, 5})
	out := backend.Transpose(x, 0, 2, 3, 1)
	w := randn64(t, rng, out.Shape())

	op := ops.NewTransposeOp(x, out, []int{0, 2, 3, 1})
	grads := op.Backward(w, backend)

	require.Equal(t, x.Shape(), grads[0].Shape())
	checkGradient(t, "x", x, grads[0], func() float64 {
		return weightedSum(backend.Transpose(x, 0, 2, 3, 1), w)
	})
}

func TestTransposeOp_DefaultAxesReverse(t *testing.T) {
	backend := cpu.New()
	x := raw64(t, make([]float64, 6), tensor.Shape{2, 3})

	op := ops.NewTransposeOp(x, backend.Transpose(x), nil)

	assert.Equal(t, []int{1, 0}, op.Axes())
}

func TestReductionOps_Gradients(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(4))

	for _, keepDim := range []bool{false, true} {
		x := randn64(t, rng, tensor.Shape{2, 3, 4})

		mean := backend.MeanDim(x, 1, keepDim)
		w := randn64(t, rng, mean.Shape())
		grads := ops.NewMeanDimOp(x, mean, 1, keepDim).Backward(w, backend)
		checkGradient(t, "mean", x, grads[0], func() float64 {
			return weightedSum(backend.MeanDim(x, 1, keepDim), w)
		})

		sum := backend.SumDim(x, -1, keepDim)
		w = randn64(t, rng, sum.Shape())
		grads = ops.NewSumDimOp(x, sum, -1, keepDim).Backward(w, backend)
		checkGradient(t, "sum", x, grads[0], func() float64 {
			return weightedSum(backend.SumDim(x, -1, keepDim), w)
		})
	}
}

func TestReLUOp_MasksGradient(t *testing.T) {
	backend := cpu.New()
	x := raw64(t, []float64{-1, 2, 0, 3}, tensor.Shape{4})
	op := ops.NewReLUOp(x, backend.ReLU(x))

	grads := op.Backward(raw64(t, []float64{5, 6, 7, 8}, tensor.Shape{4}), backend)

	assert.Equal(t, []float64{0, 6, 0, 8}, grads[0].AsFloat64())
}

func TestBatchNormOp_Gradients(t *testing.T) {
	backend := cpu.New()

	for _, tc := range []struct {
		name       string
		shape      tensor.Shape
		axis       int
		batchStats bool
	}{
		{"nchw_train", tensor.Shape{2, 3, 2, 2}, 1, true},
		{"nhwc_train", tensor.Shape{2, 2, 2, 3}, 3, true},
		{"nchw_eval", tensor.Shape{2, 3, 2, 2}, 1, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(5))
			x := randn64(t, rng, tc.shape)
			gamma := raw64(t, []float64{1.2, 0.7, -0.4}, tensor.Shape{3})
			beta := raw64(t, []float64{0.1, -0.2, 0.3}, tensor.Shape{3})
			runMean := raw64(t, []float64{0.05, -0.1, 0.2}, tensor.Shape{3})
			runVar := raw64(t, []float64{0.9, 1.1, 1.3}, tensor.Shape{3})
			const eps = 1e-5

			forward := func() (*tensor.RawTensor, *tensor.RawTensor, *tensor.RawTensor) {
				if !tc.batchStats {
					return ops.BatchNormForward(x, gamma, beta, runMean, ops.InvStd(runVar, eps), tc.axis), runMean, ops.InvStd(runVar, eps)
				}
				mean, variance, _ := ops.ChannelMoments(x, tc.axis)
				invStd := ops.InvStd(variance, eps)
				return ops.BatchNormForward(x, gamma, beta, mean, invStd, tc.axis), mean, invStd
			}

			out, mean, invStd := forward()
			w := randn64(t, rng, out.Shape())
			op := ops.NewBatchNormOp(x, gamma, beta, mean, invStd, out, tc.axis, tc.batchStats)
			grads := op.Backward(w, backend)

			loss := func() float64 {
				y, _, _ := forward()
				return weightedSum(y, w)
			}
			checkGradient(t, "x", x, grads[0], loss)
			checkGradient(t, "gamma", gamma, grads[1], loss)
			checkGradient(t, "beta", beta, grads[2], loss)
		})
	}
}

func TestBatchNormForward_NormalizesPerChannel(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	x := randn64(t, rng, tensor.Shape{4, 2, 3, 3})
	x.SetFormat(tensor.FormatNCHW)
	gamma := raw64(t, []float64{1, 1}, tensor.Shape{2})
	beta := raw64(t, []float64{0, 0}, tensor.Shape{2})

	mean, variance, count := ops.ChannelMoments(x, 1)
	y := ops.BatchNormForward(x, gamma, beta, mean, ops.InvStd(variance, 0), 1)

	assert.Equal(t, 36, count)
	assert.Equal(t, tensor.FormatNCHW, y.Format())
	yMean, yVar, _ := ops.ChannelMoments(y, 1)
	assert.InDeltaSlice(t, []float64{0, 0}, yMean.AsFloat64(), 1e-9)
	assert.InDeltaSlice(t, []float64{1, 1}, yVar.AsFloat64(), 1e-9)
}

func TestUpdateRunningStats(t *testing.T) {
	runMean := raw64(t, []float64{0, 1}, tensor.Shape{2})
	runVar := raw64(t, []float64{1, 1}, tensor.Shape{2})
	mean := raw64(t, []float64{1, 1}, tensor.Shape{2})
	variance := raw64(t, []float64{3, 3}, tensor.Shape{2})

	ops.UpdateRunningStats(runMean, runVar, mean, variance, 0.1, 4)

	assert.InDeltaSlice(t, []float64{0.1, 1}, runMean.AsFloat64(), 1e-12)
	// Unbiased variance is 3 * 4/3 = 4.
	assert.InDeltaSlice(t, []float64{1.3, 1.3}, runVar.AsFloat64(), 1e-12)
}

func TestCrossEntropy_ForwardAndGradient(t *testing.T) {
	backend := cpu.New()
	logits := raw64(t, []float64{2, 1, 0.1, 0.5, 2.5, -1}, tensor.Shape{2, 3})
	labels := targets(t, 0, 1)

	loss := ops.CrossEntropyForward(logits, labels)
	require.Equal(t, 1, loss.NumElements())
	assert.Greater(t, loss.AsFloat64()[0], 0.0)

	op := ops.NewCrossEntropyOp(logits, labels, loss)
	grads := op.Backward(raw64(t, []float64{1}, tensor.Shape{}), backend)
	checkGradient(t, "logits", logits, grads[0], func() float64 {
		return ops.CrossEntropyForward(logits, labels).AsFloat64()[0]
	})
}

func TestCrossEntropy_TargetOutOfRangePanics(t *testing.T) {
	logits := raw64(t, []float64{1, 2}, tensor.Shape{1, 2})

	assert.Panics(t, func() { ops.CrossEntropyForward(logits, targets(t, 2)) })
}

func TestOperations_RecomputeMatchesOutput(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(8))
	x := randn64(t, rng, tensor.Shape{2, 3, 4, 4})
	k := randn64(t, rng, tensor.Shape{4, 3, 3, 3})
	m := randn64(t, rng, tensor.Shape{4, 5})
	gamma := raw64(t, []float64{1, 2, 3}, tensor.Shape{3})
	beta := raw64(t, []float64{0, 1, 0}, tensor.Shape{3})
	mean, variance, _ := ops.ChannelMoments(x, 1)
	invStd := ops.InvStd(variance, 1e-5)
	logits := randn64(t, rng, tensor.Shape{2, 4})
	labels := targets(t, 1, 3)

	cases := map[string]ops.Operation{
		"add":       ops.NewAddOp(x, x, backend.Add(x, x)),
		"relu":      ops.NewReLUOp(x, backend.ReLU(x)),
		"transpose": ops.NewTransposeOp(x, backend.Transpose(x, 0, 2, 3, 1), []int{0, 2, 3, 1}),
		"reshape":   ops.NewReshapeOp(x, backend.Reshape(x, tensor.Shape{6, 16})),
		"conv2d":    ops.NewConv2DOp(x, k, backend.Conv2D(x, k, 1, 1), 1, 1),
		"matmul":    ops.NewMatMulOp(m, backend.Transpose(m), backend.MatMul(m, backend.Transpose(m))),
		"meandim":   ops.NewMeanDimOp(x, backend.MeanDim(x, 2, false), 2, false),
		"batchnorm": ops.NewBatchNormOp(x, gamma, beta, mean, invStd, ops.BatchNormForward(x, gamma, beta, mean, invStd, 1), 1, true),
		"xent":      ops.NewCrossEntropyOp(logits, labels, ops.CrossEntropyForward(logits, labels)),
	}

	for name, op := range cases {
		t.Run(name, func(t *testing.T) {
			fresh := op.Recompute(backend)
			assert.Equal(t, op.Output().Shape(), fresh.Shape())
			assert.Equal(t, op.Output().AsFloat64(), fresh.AsFloat64())
		})
	}
}
