package optim_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/remat/internal/amp"
	"github.com/born-ml/remat/internal/autodiff"
	"github.com/born-ml/remat/internal/backend/cpu"
	"github.com/born-ml/remat/internal/nn"
	"github.com/born-ml/remat/internal/optim"
	"github.com/born-ml/remat/internal/tensor"
)

type B = *cpu.CPUBackend

func param(t *testing.T, data []float32) *nn.Parameter[B] {
	t.Helper()
	x, err := tensor.FromSlice(data, tensor.Shape{len(data)}, cpu.New())
	require.NoError(t, err)
	return nn.NewParameter("w", x)
}

func grads(t *testing.T, p *nn.Parameter[B], g []float32) map[*tensor.RawTensor]*tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(p.Tensor().Shape(), tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(raw.AsFloat32(), g)
	return map[*tensor.RawTensor]*tensor.RawTensor{p.Tensor().Raw(): raw}
}

func TestSGD_SimpleUpdate(t *testing.T) {
	p := param(t, []float32{1, 2})
	sgd := optim.NewSGD([]*nn.Parameter[B]{p}, optim.SGDConfig{LR: 0.1})

	sgd.Step(grads(t, p, []float32{1, -1}))

	assert.InDeltaSlice(t, []float32{0.9, 2.1}, p.Tensor().Data(), 1e-6)
}

func TestSGD_MomentumAndWeightDecay(t *testing.T) {
	p := param(t, []float32{1})
	sgd := optim.NewSGD([]*nn.Parameter[B]{p}, optim.SGDConfig{LR: 0.1, Momentum: 0.9, WeightDecay: 0.5})

	// g = 1 + 0.5*1 = 1.5; v = 1.5; p = 1 - 0.15 = 0.85
	sgd.Step(grads(t, p, []float32{1}))
	assert.InDelta(t, 0.85, p.Tensor().Data()[0], 1e-6)

	// g = 1 + 0.5*0.85 = 1.425; v = 0.9*1.5 + 1.425 = 2.775; p = 0.85 - 0.2775
	sgd.Step(grads(t, p, []float32{1}))
	assert.InDelta(t, 0.5725, p.Tensor().Data()[0], 1e-6)
}

func TestSGD_ResetsStateWhenStorageIsReplaced(t *testing.T) {
	x, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{1, 2, 1, 2}, cpu.New())
	require.NoError(t, err)
	p := nn.NewParameter("w", x)
	sgd := optim.NewSGD([]*nn.Parameter[B]{p}, optim.SGDConfig{LR: 0.1, Momentum: 0.9})

	sgd.Step(grads(t, p, []float32{1, 1, 1, 1}))
	_, err = amp.ConvertTensorFormat(p.Tensor(), true)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float32{0.9, 2.9, 1.9, 3.9}, p.Tensor().Data(), 1e-6)

	// Channel-first velocity would move every element; a fresh one only the first.
	sgd.Step(grads(t, p, []float32{1, 0, 0, 0}))
	assert.InDeltaSlice(t, []float32{0.8, 2.9, 1.9, 3.9}, p.Tensor().Data(), 1e-6)
}

func TestAdam_ResetsStateWhenStorageIsReplaced(t *testing.T) {
	x, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{1, 2, 1, 2}, cpu.New())
	require.NoError(t, err)
	p := nn.NewParameter("w", x)
	adam := optim.NewAdam([]*nn.Parameter[B]{p}, optim.AdamConfig{LR: 0.1})

	adam.Step(grads(t, p, []float32{1, 1, 1, 1}))
	_, err = amp.ConvertTensorFormat(p.Tensor(), true)
	require.NoError(t, err)
	before := append([]float32(nil), p.Tensor().Data()...)

	adam.Step(grads(t, p, []float32{1, 0, 0, 0}))
	after := p.Tensor().Data()
	assert.Less(t, after[0], before[0])
	assert.Equal(t, before[1:], after[1:], "fresh moments leave zero-gradient elements in place")
}

func TestSGD_SkipsParametersWithoutGradient(t *testing.T) {
	p := param(t, []float32{1})
	sgd := optim.NewSGD([]*nn.Parameter[B]{p}, optim.SGDConfig{LR: 0.1})

	sgd.Step(map[*tensor.RawTensor]*tensor.RawTensor{})

	assert.Equal(t, []float32{1}, p.Tensor().Data())
}

func TestSGD_ShapeMismatchPanics(t *testing.T) {
	p := param(t, []float32{1, 2})
	bad, err := tensor.NewRaw(tensor.Shape{3}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	sgd := optim.NewSGD([]*nn.Parameter[B]{p}, optim.SGDConfig{})

	assert.Panics(t, func() { sgd.Step(map[*tensor.RawTensor]*tensor.RawTensor{p.Tensor().Raw(): bad}) })
}

func TestSGD_DefaultsAndLR(t *testing.T) {
	sgd := optim.NewSGD[B](nil, optim.SGDConfig{})
	assert.InDelta(t, 0.01, sgd.GetLR(), 1e-9)

	sgd.SetLR(0.5)
	assert.InDelta(t, 0.5, sgd.GetLR(), 1e-9)
}

func TestAdam_FirstStepMovesByLR(t *testing.T) {
	p := param(t, []float32{1, 1})
	adam := optim.NewAdam([]*nn.Parameter[B]{p}, optim.AdamConfig{LR: 0.01})

	// After bias correction m̂/√v̂ = sign(g) on the first step.
	adam.Step(grads(t, p, []float32{3, -0.5}))

	assert.InDeltaSlice(t, []float32{0.99, 1.01}, p.Tensor().Data(), 1e-5)
}

func TestZeroGrad(t *testing.T) {
	p := param(t, []float32{1})
	p.SetGrad(p.Tensor().Clone())
	var opt optim.Optimizer = optim.NewSGD([]*nn.Parameter[B]{p}, optim.SGDConfig{})

	opt.ZeroGrad()

	assert.Nil(t, p.Grad())
}

func TestSGD_ConvergesOnQuadratic(t *testing.T) {
	backend := autodiff.New(cpu.New())
	x, err := tensor.FromSlice([]float32{5, -3}, tensor.Shape{2}, backend)
	require.NoError(t, err)
	p := nn.NewParameter("x", x)
	sgd := optim.NewSGD([]*nn.Parameter[*autodiff.AutodiffBackend[*cpu.CPUBackend]]{p}, optim.SGDConfig{LR: 0.1, Momentum: 0.5})

	backend.Tape().StartRecording()
	for i := 0; i < 100; i++ {
		loss := x.Mul(x).SumDim(0, false) // Σx²
		g := autodiff.Backward(loss, backend)
		sgd.Step(g)
		backend.Tape().Clear()
	}

	assert.InDeltaSlice(t, []float32{0, 0}, x.Data(), 1e-3)
}
