package cpu

import (
	"fmt"

	"github.com/born-ml/remat/internal/tensor"
)

// SumDim sums x along dim. Negative dims count from the end.
func (cpu *CPUBackend) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return cpu.reduceDim("sumdim", x, dim, keepDim, false)
}

// MeanDim averages x along dim. Negative dims count from the end.
func (cpu *CPUBackend) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return cpu.reduceDim("meandim", x, dim, keepDim, true)
}

func (cpu *CPUBackend) reduceDim(name string, x *tensor.RawTensor, dim int, keepDim, mean bool) *tensor.RawTensor {
	shape := x.Shape()
	dim = normalizeDim(name, dim, len(shape))

	outShape := reducedShape(shape, dim, keepDim)
	result, err := tensor.NewRaw(outShape, x.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("%s: %v", name, err))
	}

	switch x.DType() {
	case tensor.Float32:
		reduceDimKernel(result.AsFloat32(), x.AsFloat32(), shape, dim, mean)
	case tensor.Float64:
		reduceDimKernel(result.AsFloat64(), x.AsFloat64(), shape, dim, mean)
	case tensor.Int32:
		reduceDimKernel(result.AsInt32(), x.AsInt32(), shape, dim, mean)
	case tensor.Int64:
		reduceDimKernel(result.AsInt64(), x.AsInt64(), shape, dim, mean)
	}
	return result
}

// reducedShape removes (or sets to 1 when keepDim) the reduced dimension.
// A rank-1 input reduced without keepDim becomes shape [1].
func reducedShape(shape tensor.Shape, dim int, keepDim bool) tensor.Shape {
	out := make(tensor.Shape, 0, len(shape))
	for i, d := range shape {
		switch {
		case i != dim:
			out = append(out, d)
		case keepDim:
			out = append(out, 1)
		}
	}
	if len(out) == 0 {
		out = tensor.Shape{1}
	}
	return out
}

// reduceDimKernel views x as [outer, size, inner] and reduces the middle axis.
func reduceDimKernel[T tensor.DType](out, x []T, shape tensor.Shape, dim int, mean bool) {
	outer := shape[:dim].NumElements()
	size := shape[dim]
	inner := shape[dim+1:].NumElements()

	for o := 0; o < outer; o++ {
		dst := out[o*inner : (o+1)*inner]
		for s := 0; s < size; s++ {
			src := x[(o*size+s)*inner : (o*size+s+1)*inner]
			for i, v := range src {
				dst[i] += v
			}
		}
		if mean {
			for i := range dst {
				dst[i] /= T(size)
			}
		}
	}
}

func normalizeDim(name string, dim, ndim int) int {
	if dim < 0 {
		dim += ndim
	}
	if dim < 0 || dim >= ndim {
		panic(fmt.Sprintf("%s: dim %d out of range for %dD tensor", name, dim, ndim))
	}
	return dim
}
