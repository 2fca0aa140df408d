package cpu

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/remat/internal/tensor"
)

func rawFrom(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(raw.AsFloat32(), data)
	return raw
}

func randRaw(t *testing.T, rng *rand.Rand, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	for i := range raw.AsFloat32() {
		raw.AsFloat32()[i] = float32(rng.NormFloat64())
	}
	return raw
}

func TestCPUBackend_AddBroadcast(t *testing.T) {
	backend := New()
	a := rawFrom(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	b := rawFrom(t, []float32{10, 20, 30}, tensor.Shape{3})

	out := backend.Add(a, b)

	assert.Equal(t, tensor.Shape{2, 3}, out.Shape())
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, out.AsFloat32())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, a.AsFloat32(), "operands must not be written")
}

func TestCPUBackend_MulBroadcastMiddleAxis(t *testing.T) {
	backend := New()
	a := rawFrom(t, []float32{1, 1, 1, 1, 1, 1, 1, 1}, tensor.Shape{1, 2, 2, 2})
	scale := rawFrom(t, []float32{2, 3}, tensor.Shape{1, 2, 1, 1})

	out := backend.Mul(a, scale)

	assert.Equal(t, []float32{2, 2, 2, 2, 3, 3, 3, 3}, out.AsFloat32())
}

func TestCPUBackend_BinaryKeepsFormat(t *testing.T) {
	backend := New()
	a := rawFrom(t, make([]float32, 16), tensor.Shape{1, 2, 2, 4})
	a.SetFormat(tensor.FormatNHWC)
	b := rawFrom(t, make([]float32, 4), tensor.Shape{4})

	assert.Equal(t, tensor.FormatNHWC, backend.Add(a, b).Format())
	assert.Equal(t, tensor.FormatNHWC, backend.ReLU(a).Format())
	assert.Equal(t, tensor.FormatDefault, backend.Add(b, b).Format())
}

func TestCPUBackend_Transpose4D(t *testing.T) {
	backend := New()
	data := make([]float32, 2*3*2*2)
	for i := range data {
		data[i] = float32(i)
	}
	x := rawFrom(t, data, tensor.Shape{2, 3, 2, 2})

	y := backend.Transpose(x, 0, 2, 3, 1)

	require.Equal(t, tensor.Shape{2, 2, 2, 3}, y.Shape())
	yd := y.AsFloat32()
	for n := 0; n < 2; n++ {
		for c := 0; c < 3; c++ {
			for h := 0; h < 2; h++ {
				for w := 0; w < 2; w++ {
					src := data[((n*3+c)*2+h)*2+w]
					dst := yd[((n*2+h)*2+w)*3+c]
					assert.Equal(t, src, dst, "n=%d c=%d h=%d w=%d", n, c, h, w)
				}
			}
		}
	}
}

func TestCPUBackend_TransposeDefaultReverses(t *testing.T) {
	backend := New()
	x := rawFrom(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})

	y := backend.Transpose(x)

	assert.Equal(t, tensor.Shape{3, 2}, y.Shape())
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, y.AsFloat32())
}

func TestCPUBackend_TransposeInvalidAxes(t *testing.T) {
	backend := New()
	x := rawFrom(t, make([]float32, 6), tensor.Shape{2, 3})

	assert.Panics(t, func() { backend.Transpose(x, 0, 0) })
	assert.Panics(t, func() { backend.Transpose(x, 0, 1, 2) })
}

func TestCPUBackend_ReshapeAndExpand(t *testing.T) {
	backend := New()
	x := rawFrom(t, []float32{1, 2, 3}, tensor.Shape{3})

	r := backend.Reshape(x, tensor.Shape{3, 1})
	assert.Equal(t, tensor.Shape{3, 1}, r.Shape())

	e := backend.Expand(r, tensor.Shape{3, 2})
	assert.Equal(t, []float32{1, 1, 2, 2, 3, 3}, e.AsFloat32())

	assert.Panics(t, func() { backend.Reshape(x, tensor.Shape{2, 2}) })
}

func TestCPUBackend_MatMul(t *testing.T) {
	backend := New()
	a := rawFrom(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	b := rawFrom(t, []float32{7, 8, 9, 10, 11, 12}, tensor.Shape{3, 2})

	c := backend.MatMul(a, b)

	assert.Equal(t, tensor.Shape{2, 2}, c.Shape())
	assert.Equal(t, []float32{58, 64, 139, 154}, c.AsFloat32())
}

func TestCPUBackend_SumAndMeanDim(t *testing.T) {
	backend := New()
	x := rawFrom(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})

	s := backend.SumDim(x, 1, false)
	assert.Equal(t, tensor.Shape{2}, s.Shape())
	assert.Equal(t, []float32{6, 15}, s.AsFloat32())

	m := backend.MeanDim(x, 0, true)
	assert.Equal(t, tensor.Shape{1, 3}, m.Shape())
	assert.Equal(t, []float32{2.5, 3.5, 4.5}, m.AsFloat32())

	last := backend.MeanDim(x, -1, false)
	assert.Equal(t, []float32{2, 5}, last.AsFloat32())
}

func TestCPUBackend_ReLU(t *testing.T) {
	backend := New()
	x := rawFrom(t, []float32{-1, 0, 2, -3}, tensor.Shape{4})

	assert.Equal(t, []float32{0, 0, 2, 0}, backend.ReLU(x).AsFloat32())
}

func TestCPUBackend_MulScalar(t *testing.T) {
	backend := New()
	x := rawFrom(t, []float32{1, -2}, tensor.Shape{2})

	assert.Equal(t, []float32{0.5, -1}, backend.MulScalar(x, 0.5).AsFloat32())
}
