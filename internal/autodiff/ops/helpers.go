package ops

import (
	"fmt"

	"github.com/born-ml/remat/internal/tensor"
)

// reduceBroadcast reduces a gradient tensor to match the target shape.
// This is necessary when broadcasting was used in the forward pass.
//
// Example:
//
//	Forward: a[3,1] + b[3,4] -> c[3,4]  (a was broadcast along dim 1)
//	Backward: grad_c[3,4] -> grad_a[3,1] (sum along dim 1)
func reduceBroadcast(grad *tensor.RawTensor, target tensor.Shape, backend tensor.Backend) *tensor.RawTensor {
	if grad.Shape().Equal(target) {
		return grad
	}

	// Broadcasting aligns shapes from the right, so extra leading dims are summed away.
	result := grad
	for extra := len(grad.Shape()) - len(target); extra > 0; extra-- {
		result = backend.SumDim(result, 0, false)
	}

	for i, dim := range target {
		if dim == 1 && result.Shape()[i] != 1 {
			result = backend.SumDim(result, i, true)
		}
	}

	if !result.Shape().Equal(target) {
		result = backend.Reshape(result, target)
	}
	return result
}

// expandReduced broadcasts a gradient of a reduction back over the reduced axis.
func expandReduced(grad *tensor.RawTensor, inputShape tensor.Shape, dim int, keepDim bool, backend tensor.Backend) *tensor.RawTensor {
	if !keepDim {
		kept := inputShape.Clone()
		kept[dim] = 1
		grad = backend.Reshape(grad, kept)
	}
	return backend.Expand(grad, inputShape)
}

func normalizeDim(dim, ndim int) int {
	if dim < 0 {
		dim += ndim
	}
	if dim < 0 || dim >= ndim {
		panic(fmt.Sprintf("dimension %d out of range for rank %d", dim, ndim))
	}
	return dim
}

func newLike(name string, shape tensor.Shape, like *tensor.RawTensor) *tensor.RawTensor {
	out, err := tensor.NewRaw(shape, like.DType(), like.Device())
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}
	return out
}

// channelGeometry describes a tensor as [outer, channels, inner] around a
// channel axis.
type channelGeometry struct {
	outer, channels, inner int
}

func newChannelGeometry(shape tensor.Shape, axis int) channelGeometry {
	g := channelGeometry{outer: 1, channels: shape[axis], inner: 1}
	for _, d := range shape[:axis] {
		g.outer *= d
	}
	for _, d := range shape[axis+1:] {
		g.inner *= d
	}
	return g
}

// count is the number of elements reduced per channel.
func (g channelGeometry) count() int {
	return g.outer * g.inner
}

// each calls fn for every element index with its channel.
func (g channelGeometry) each(fn func(i, c int)) {
	i := 0
	for o := 0; o < g.outer; o++ {
		for c := 0; c < g.channels; c++ {
			for k := 0; k < g.inner; k++ {
				fn(i, c)
				i++
			}
		}
	}
}
