package cpu

import "github.com/born-ml/remat/internal/tensor"

type binaryOp int

const (
	opAdd binaryOp = iota
	opSub
	opMul
	opDiv
)

func binaryFunc[T tensor.DType](op binaryOp) func(x, y T) T {
	switch op {
	case opAdd:
		return func(x, y T) T { return x + y }
	case opSub:
		return func(x, y T) T { return x - y }
	case opMul:
		return func(x, y T) T { return x * y }
	case opDiv:
		return func(x, y T) T { return x / y }
	default:
		panic("unknown binary op")
	}
}

// binaryKernel computes out = fn(a, b) with broadcasting.
func binaryKernel[T tensor.DType](out, a, b []T, outShape, aShape, bShape tensor.Shape, fn func(x, y T) T) {
	if aShape.Equal(bShape) {
		for i := range out {
			out[i] = fn(a[i], b[i])
		}
		return
	}

	aStrides := broadcastStrides(aShape, outShape)
	bStrides := broadcastStrides(bShape, outShape)
	ndim := len(outShape)
	idx := make([]int, ndim)
	aOff, bOff := 0, 0

	for i := range out {
		out[i] = fn(a[aOff], b[bOff])

		// Advance the multi-index, odometer style.
		for d := ndim - 1; d >= 0; d-- {
			idx[d]++
			aOff += aStrides[d]
			bOff += bStrides[d]
			if idx[d] < outShape[d] {
				break
			}
			aOff -= aStrides[d] * idx[d]
			bOff -= bStrides[d] * idx[d]
			idx[d] = 0
		}
	}
}

// broadcastStrides returns the strides of shape aligned to outShape, with 0
// for dimensions that are broadcast.
func broadcastStrides(shape, outShape tensor.Shape) []int {
	strides := make([]int, len(outShape))
	src := shape.ComputeStrides()
	lead := len(outShape) - len(shape)
	for i := range shape {
		if shape[i] != 1 {
			strides[lead+i] = src[i]
		}
	}
	return strides
}

func scaleKernel[T tensor.DType](out, x []T, s T) {
	for i, v := range x {
		out[i] = v * s
	}
}

func reluKernel[T tensor.Float](out, x []T) {
	for i, v := range x {
		if v > 0 {
			out[i] = v
		} else {
			out[i] = 0
		}
	}
}

// permuteBytes writes src, laid out as shape, into dst with its axes
// reordered by axes. It moves whole elements of elemSize bytes and so works
// for every dtype.
func permuteBytes(dst, src []byte, shape tensor.Shape, axes []int, elemSize int) {
	ndim := len(shape)
	if ndim == 0 {
		copy(dst, src)
		return
	}
	srcStrides := shape.ComputeStrides()
	outShape := shape.Permute(axes)

	// Stride in src for a step along each output axis.
	steps := make([]int, ndim)
	for i, ax := range axes {
		steps[i] = srcStrides[ax]
	}

	idx := make([]int, ndim)
	srcOff := 0
	n := outShape.NumElements()
	for i := 0; i < n; i++ {
		copy(dst[i*elemSize:(i+1)*elemSize], src[srcOff*elemSize:(srcOff+1)*elemSize])
		for d := ndim - 1; d >= 0; d-- {
			idx[d]++
			srcOff += steps[d]
			if idx[d] < outShape[d] {
				break
			}
			srcOff -= steps[d] * idx[d]
			idx[d] = 0
		}
	}
}

// expandBytes broadcasts src (laid out as shape) into dst (laid out as outShape).
func expandBytes(dst, src []byte, shape, outShape tensor.Shape, elemSize int) {
	strides := broadcastStrides(shape, outShape)
	ndim := len(outShape)
	idx := make([]int, ndim)
	srcOff := 0
	n := outShape.NumElements()
	for i := 0; i < n; i++ {
		copy(dst[i*elemSize:(i+1)*elemSize], src[srcOff*elemSize:(srcOff+1)*elemSize])
		for d := ndim - 1; d >= 0; d-- {
			idx[d]++
			srcOff += strides[d]
			if idx[d] < outShape[d] {
				break
			}
			srcOff -= strides[d] * idx[d]
			idx[d] = 0
		}
	}
}
