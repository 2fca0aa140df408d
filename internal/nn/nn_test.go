package nn_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/remat/internal/autodiff"
	"github.com/born-ml/remat/internal/backend/cpu"
	"github.com/born-ml/remat/internal/nn"
	"github.com/born-ml/remat/internal/tensor"
)

type B = *autodiff.AutodiffBackend[*cpu.CPUBackend]

func newBackend() B {
	return autodiff.New(cpu.New())
}

func toNHWC(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return x.Transpose(0, 2, 3, 1).SetFormat(tensor.FormatNHWC)
}

func TestLinear_Forward(t *testing.T) {
	backend := newBackend()
	layer := nn.NewLinear(3, 2, backend)
	copy(layer.Weight().Tensor().Data(), []float32{1, 0, 0, 0, 1, 1})
	copy(layer.Bias().Tensor().Data(), []float32{0.5, -0.5})

	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, backend)
	require.NoError(t, err)

	y := layer.Forward(x)

	assert.Equal(t, tensor.Shape{2, 2}, y.Shape())
	assert.Equal(t, []float32{1.5, 4.5, 4.5, 10.5}, y.Data())
	assert.Len(t, layer.Parameters(), 2)
}

func TestLinear_RejectsWrongFeatures(t *testing.T) {
	backend := newBackend()
	layer := nn.NewLinear(3, 2, backend)

	assert.Panics(t, func() { layer.Forward(tensor.Zeros[float32](tensor.Shape{2, 4}, backend)) })
}

func TestConv2D_ChannelLastInputMatches(t *testing.T) {
	backend := newBackend()
	rng := rand.New(rand.NewSource(1))
	conv := nn.NewConv2D(3, 4, 3, 3, 2, 1, true, backend)
	copy(conv.Parameters()[1].Tensor().Data(), []float32{0.1, 0.2, 0.3, 0.4})
	x := tensor.RandnFrom[float32](rng, tensor.Shape{2, 3, 6, 6}, backend)

	want := conv.Forward(x)
	got := conv.Forward(toNHWC(x))

	assert.Equal(t, tensor.FormatNHWC, got.Format())
	assert.Equal(t, tensor.Shape{2, 3, 3, 4}, got.Shape())
	assert.InDeltaSlice(t, toNHWC(want).Data(), got.Data(), 1e-5)
}

func TestConv2D_ChannelLastWeightMatches(t *testing.T) {
	backend := newBackend()
	rng := rand.New(rand.NewSource(2))
	conv := nn.NewConv2D(2, 3, 3, 3, 1, 1, false, backend)
	x := tensor.RandnFrom[float32](rng, tensor.Shape{1, 2, 5, 5}, backend)
	want := conv.Forward(x)

	w := conv.Weight().Tensor()
	w.SetRaw(backend.Inner().Transpose(w.Raw(), 0, 2, 3, 1))
	w.SetFormat(tensor.FormatNHWC)
	got := conv.Forward(x)

	assert.InDeltaSlice(t, want.Data(), got.Data(), 1e-5)
}

func TestBatchNorm2D_LayoutsAgree(t *testing.T) {
	backend := newBackend()
	rng := rand.New(rand.NewSource(3))
	x := tensor.RandnFrom[float32](rng, tensor.Shape{4, 3, 2, 2}, backend)

	nchw := nn.NewBatchNorm2D(3, backend)
	nhwc := nn.NewBatchNorm2D(3, backend)

	want := nchw.Forward(x)
	got := nhwc.Forward(toNHWC(x))

	assert.Equal(t, tensor.FormatNHWC, got.Format())
	assert.InDeltaSlice(t, toNHWC(want).Data(), got.Data(), 1e-5)
	assert.InDeltaSlice(t, nchw.RunningMean().Data(), nhwc.RunningMean().Data(), 1e-6)
	assert.InDeltaSlice(t, nchw.RunningVar().Data(), nhwc.RunningVar().Data(), 1e-6)
	assert.NotEqual(t, []float32{0, 0, 0}, nchw.RunningMean().Data())
}

func TestBatchNorm2D_EvalUsesRunningStats(t *testing.T) {
	backend := newBackend()
	x, err := tensor.FromSlice([]float32{1, 3, 5, 7}, tensor.Shape{1, 1, 2, 2}, backend)
	require.NoError(t, err)
	bn := nn.NewBatchNorm2D(1, backend)
	bn.SetTraining(false)

	y := bn.Forward(x)

	// Running mean 0 and variance 1 leave the input (almost) unchanged.
	assert.InDeltaSlice(t, []float32{1, 3, 5, 7}, y.Data(), 1e-4)
	assert.Equal(t, []float32{0}, bn.RunningMean().Data())
}

func TestBatchNorm2D_PlainBackendMatchesAutodiff(t *testing.T) {
	for _, training := range []bool{true, false} {
		rng := rand.New(rand.NewSource(5))
		data := tensor.RandnFrom[float32](rng, tensor.Shape{2, 3, 2, 2}, cpu.New()).Data()

		plain := cpu.New()
		xp, err := tensor.FromSlice(data, tensor.Shape{2, 3, 2, 2}, plain)
		require.NoError(t, err)
		bp := nn.NewBatchNorm2D(3, plain)
		bp.SetTraining(training)

		ad := newBackend()
		xa, err := tensor.FromSlice(data, tensor.Shape{2, 3, 2, 2}, ad)
		require.NoError(t, err)
		ba := nn.NewBatchNorm2D(3, ad)
		ba.SetTraining(training)

		assert.InDeltaSlice(t, ba.Forward(xa).Data(), bp.Forward(xp).Data(), 1e-6, "training=%v", training)
		assert.Equal(t, ba.RunningMean().Data(), bp.RunningMean().Data(), "training=%v", training)
		assert.Equal(t, ba.RunningVar().Data(), bp.RunningVar().Data(), "training=%v", training)
	}
}

func TestResNet_InferenceOnPlainBackend(t *testing.T) {
	plain := cpu.New()
	model := nn.NewResNet(nn.NewBasicBlock[*cpu.CPUBackend], [3]int{1, 1, 1}, 10, rand.New(rand.NewSource(1)), plain)
	model.SetTraining(false)

	ad := newBackend()
	ref := newResNet(1, ad)
	ref.SetTraining(false)
	src := ref.NamedTensors()
	for i, nt := range model.NamedTensors() {
		require.Equal(t, src[i].Name, nt.Name)
		copy(nt.Tensor.Data(), src[i].Tensor.Data())
	}

	data := tensor.RandnFrom[float32](rand.New(rand.NewSource(9)), tensor.Shape{2, 3, 8, 8}, plain).Data()
	xp, err := tensor.FromSlice(data, tensor.Shape{2, 3, 8, 8}, plain)
	require.NoError(t, err)
	xa, err := tensor.FromSlice(data, tensor.Shape{2, 3, 8, 8}, ad)
	require.NoError(t, err)

	got := model.Forward(xp)
	require.Equal(t, tensor.Shape{2, 10}, got.Shape())
	assert.InDeltaSlice(t, ref.Forward(xa).Data(), got.Data(), 1e-5)
}

func TestGlobalAvgPool2D(t *testing.T) {
	backend := newBackend()
	data := make([]float32, 2*3*2*2)
	for i := range data {
		data[i] = float32(i)
	}
	x, err := tensor.FromSlice(data, tensor.Shape{2, 3, 2, 2}, backend)
	require.NoError(t, err)
	pool := nn.NewGlobalAvgPool2D[B]()

	want := []float32{1.5, 5.5, 9.5, 13.5, 17.5, 21.5}
	assert.Equal(t, want, pool.Forward(x).Data())
	assert.Equal(t, want, pool.Forward(toNHWC(x)).Data())
}

func TestSequential_NamedTensors(t *testing.T) {
	backend := newBackend()
	seq := nn.NewSequential[B](
		nn.NewConv2D(3, 4, 1, 1, 1, 0, false, backend),
		nn.NewBatchNorm2D(4, backend),
		nn.NewReLU[B](),
	)

	var names []string
	for _, nt := range seq.NamedTensors() {
		names = append(names, nt.Name)
	}

	assert.Equal(t, []string{"0.weight", "1.weight", "1.bias", "1.running_mean", "1.running_var"}, names)
	assert.Len(t, seq.Parameters(), 3)
}

func TestSequential_EmptyIsIdentity(t *testing.T) {
	backend := newBackend()
	x := tensor.Ones[float32](tensor.Shape{2}, backend)

	assert.Same(t, x, nn.NewSequential[B]().Forward(x))
}

func newResNet(seed int64, backend B) *nn.ResNet[B] {
	return nn.NewResNet(nn.NewBasicBlock[B], [3]int{1, 1, 1}, 10, rand.New(rand.NewSource(seed)), backend)
}

func TestResNet_ForwardShape(t *testing.T) {
	backend := newBackend()
	model := newResNet(1, backend)
	x := tensor.RandnFrom[float32](rand.New(rand.NewSource(9)), tensor.Shape{2, 3, 8, 8}, backend)

	logits := model.Forward(x)

	assert.Equal(t, tensor.Shape{2, 10}, logits.Shape())
}

func TestResNet_NamedTensors(t *testing.T) {
	backend := newBackend()
	model := newResNet(1, backend)

	byName := map[string]tensor.Shape{}
	for _, nt := range model.NamedTensors() {
		byName[nt.Name] = nt.Tensor.Shape()
	}

	assert.Equal(t, tensor.Shape{16, 3, 3, 3}, byName["conv1.weight"])
	assert.Equal(t, tensor.Shape{16}, byName["layer1.0.bn1.running_mean"])
	assert.Equal(t, tensor.Shape{32, 16, 1, 1}, byName["layer2.0.shortcut.0.weight"])
	assert.Equal(t, tensor.Shape{64}, byName["layer3.0.shortcut.1.running_var"])
	assert.Equal(t, tensor.Shape{10, 64}, byName["linear.weight"])
	assert.NotContains(t, byName, "layer1.0.shortcut.0.weight", "identity shortcut has no tensors")

	// Stem conv and bn, an identity block, two projection blocks, linear.
	assert.Len(t, model.Parameters(), 3+6+9+9+2)
}

func TestResNet_SeedIsDeterministic(t *testing.T) {
	backend := newBackend()
	a := newResNet(7, backend).NamedTensors()
	b := newResNet(7, backend).NamedTensors()

	for i := range a {
		assert.Equal(t, a[i].Tensor.Data(), b[i].Tensor.Data(), a[i].Name)
	}
}

func TestResNet_CloneIsIndependent(t *testing.T) {
	backend := newBackend()
	model := newResNet(1, backend)
	model.NamedTensors()[0].Tensor.SetFormat(tensor.FormatNCHW)

	clone := model.Clone()
	orig := model.NamedTensors()
	copied := clone.NamedTensors()
	require.Len(t, copied, len(orig))

	for i := range orig {
		assert.Equal(t, orig[i].Name, copied[i].Name)
		assert.Equal(t, orig[i].Tensor.Data(), copied[i].Tensor.Data())
		assert.NotSame(t, orig[i].Tensor.Raw(), copied[i].Tensor.Raw())
	}
	assert.Equal(t, tensor.FormatNCHW, copied[0].Tensor.Format())

	copied[0].Tensor.Data()[0] = 42
	assert.NotEqual(t, float32(42), orig[0].Tensor.Data()[0])
}

func TestCrossEntropyLoss(t *testing.T) {
	logits := []float32{2, 1, 0.1, 0.5, 2.5, -1}
	labels := []int32{0, 1}

	plain := cpu.New()
	lp, err := tensor.FromSlice(logits, tensor.Shape{2, 3}, plain)
	require.NoError(t, err)
	tp, err := tensor.FromSlice(labels, tensor.Shape{2}, plain)
	require.NoError(t, err)

	ad := newBackend()
	ad.Tape().StartRecording()
	la, err := tensor.FromSlice(logits, tensor.Shape{2, 3}, ad)
	require.NoError(t, err)
	ta, err := tensor.FromSlice(labels, tensor.Shape{2}, ad)
	require.NoError(t, err)

	want := nn.NewCrossEntropyLoss(plain).Forward(lp, tp).Item()
	got := nn.NewCrossEntropyLoss(ad).Forward(la, ta)

	assert.InDelta(t, want, got.Item(), 1e-6)
	assert.Equal(t, 1, ad.Tape().NumOps())
}

func TestAccuracy(t *testing.T) {
	backend := cpu.New()
	logits, err := tensor.FromSlice([]float32{2, 1, 0, 0, 3, 1, 5, 0, 9, 1, 1, 1}, tensor.Shape{4, 3}, backend)
	require.NoError(t, err)
	labels, err := tensor.FromSlice([]int32{0, 1, 1, 0}, tensor.Shape{4}, backend)
	require.NoError(t, err)

	// Predictions are 0, 1, 2 and 0 (ties go to the first class).
	assert.InDelta(t, 0.75, nn.Accuracy(logits, labels), 1e-6)
}
