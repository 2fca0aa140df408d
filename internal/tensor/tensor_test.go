package tensor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/remat/internal/backend/cpu"
	"github.com/born-ml/remat/internal/tensor"
)

func raw(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsFloat32(), data)
	return r
}

func TestRawTensor_EvictAndRestore(t *testing.T) {
	r := raw(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	r.SetFormat(tensor.FormatNHWC)

	assert.Equal(t, 16, r.Evict())
	assert.True(t, r.IsEvicted())
	assert.Equal(t, 0, r.Evict(), "already evicted")
	assert.Panics(t, func() { r.AsFloat32() })
	assert.Equal(t, tensor.Shape{2, 2}, r.Shape(), "metadata survives eviction")
	assert.Equal(t, tensor.FormatNHWC, r.Format())

	require.NoError(t, r.Restore(raw(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})))
	assert.False(t, r.IsEvicted())
	assert.Equal(t, []float32{1, 2, 3, 4}, r.AsFloat32())
}

func TestRawTensor_EvictSharedBufferIsNoop(t *testing.T) {
	r := raw(t, []float32{1, 2}, tensor.Shape{2})
	clone := r.Clone()

	assert.Equal(t, 0, r.Evict())
	assert.False(t, r.IsEvicted())

	clone.Release()
	assert.Equal(t, 8, r.Evict())
}

func TestRawTensor_RestoreRejectsMismatch(t *testing.T) {
	r := raw(t, []float32{1, 2}, tensor.Shape{2})
	r.Evict()

	assert.Error(t, r.Restore(raw(t, []float32{1, 2}, tensor.Shape{1, 2})))
	other, err := tensor.NewRaw(tensor.Shape{2}, tensor.Int32, tensor.CPU)
	require.NoError(t, err)
	assert.Error(t, r.Restore(other))
}

func TestRawTensor_CopiesKeepFormat(t *testing.T) {
	r := raw(t, []float32{1, 2, 3, 4}, tensor.Shape{1, 1, 2, 2})
	r.SetFormat(tensor.FormatNHWC)

	deep := r.DeepCopy()
	assert.Equal(t, tensor.FormatNHWC, deep.Format())
	deep.AsFloat32()[0] = 9
	assert.InDelta(t, 1, r.AsFloat32()[0], 0)

	assert.Equal(t, tensor.FormatNHWC, r.Clone().Format())

	reshaped, err := r.WithShape(tensor.Shape{4})
	require.NoError(t, err)
	assert.Equal(t, tensor.FormatDefault, reshaped.Format())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "default", tensor.Format("").String())
	assert.True(t, tensor.FormatNHWC.IsChannelLast())
	assert.False(t, tensor.FormatNCHW.IsChannelLast())
	assert.False(t, tensor.FormatDefault.IsChannelLast())
	assert.Equal(t, 3, tensor.FormatNHWC.ChannelAxis(4))
	assert.Equal(t, 4, tensor.FormatNHWC.ChannelAxis(5))
	assert.Equal(t, 1, tensor.FormatDefault.ChannelAxis(4))
}

func TestShape_Permute(t *testing.T) {
	s := tensor.Shape{2, 3, 8, 8}

	assert.Equal(t, tensor.Shape{2, 8, 8, 3}, s.Permute([]int{0, 2, 3, 1}))
	assert.Equal(t, s, s.Permute([]int{0, 2, 3, 1}).Permute(tensor.InversePermutation([]int{0, 2, 3, 1})))
}

func TestValidatePermutation(t *testing.T) {
	assert.NoError(t, tensor.ValidatePermutation([]int{0, 2, 3, 1}, 4))
	assert.Error(t, tensor.ValidatePermutation([]int{0, 1}, 3))
	assert.Error(t, tensor.ValidatePermutation([]int{0, 0, 1}, 3))
	assert.Error(t, tensor.ValidatePermutation([]int{0, 1, 3}, 3))
}

func TestTensor_SetRawDropsGrad(t *testing.T) {
	backend := cpu.New()
	x := tensor.Ones[float32](tensor.Shape{2}, backend)
	x.SetGrad(x.Clone())

	replacement := raw(t, []float32{5, 6}, tensor.Shape{2})
	x.SetRaw(replacement)

	assert.Same(t, replacement, x.Raw())
	assert.Nil(t, x.Grad())
	assert.Equal(t, []float32{5, 6}, x.Data())
}

func TestTensor_CloneIsIndependent(t *testing.T) {
	backend := cpu.New()
	x := tensor.Ones[float32](tensor.Shape{2}, backend).SetFormat(tensor.FormatNCHW)

	y := x.Clone()
	y.Data()[0] = 3

	assert.Equal(t, []float32{1, 1}, x.Data())
	assert.Equal(t, tensor.FormatNCHW, y.Format())
}
