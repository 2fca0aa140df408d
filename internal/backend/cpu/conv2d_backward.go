package cpu

import (
	"fmt"

	"github.com/born-ml/remat/internal/parallel"
	"github.com/born-ml/remat/internal/tensor"
)

// Conv2DInputBackward computes the gradient w.r.t. the input (a transposed
// convolution of grad with kernel).
//
// Each (sample, input channel) plane gathers the output gradients whose
// receptive field covered it, weighted by the kernel.
func (cpu *CPUBackend) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeometry("Conv2DInputBackward", input, kernel, stride, padding)

	inputGrad, err := tensor.NewRaw(input.Shape(), grad.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("Conv2DInputBackward: failed to create gradient tensor: %v", err))
	}

	switch grad.DType() {
	case tensor.Float32:
		conv2dInputBackwardKernel(inputGrad.AsFloat32(), grad.AsFloat32(), kernel.AsFloat32(), g, cpu.par)
	case tensor.Float64:
		conv2dInputBackwardKernel(inputGrad.AsFloat64(), grad.AsFloat64(), kernel.AsFloat64(), g, cpu.par)
	default:
		panic("Conv2DInputBackward: unsupported dtype")
	}

	return inputGrad
}

//nolint:gocognit // nested loops are inherent to convolution backprop
func conv2dInputBackwardKernel[T tensor.Float](inputGrad, grad, kernel []T, g convGeometry, par parallel.Config) {
	planeIn := g.h * g.w
	planeOut := g.hOut * g.wOut
	kSize := g.kH * g.kW

	parallel.ForBatch(g.n, g.cIn, func(n, ci int) {
		inPlane := inputGrad[(n*g.cIn+ci)*planeIn : (n*g.cIn+ci+1)*planeIn]
		gradBatch := grad[n*g.cOut*planeOut : (n+1)*g.cOut*planeOut]

		for co := 0; co < g.cOut; co++ {
			kPlane := kernel[(co*g.cIn+ci)*kSize : (co*g.cIn+ci+1)*kSize]
			for oh := 0; oh < g.hOut; oh++ {
				for ow := 0; ow < g.wOut; ow++ {
					gv := gradBatch[co*planeOut+oh*g.wOut+ow]
					if gv == 0 {
						continue
					}
					for kh := 0; kh < g.kH; kh++ {
						h := oh*g.stride - g.padding + kh
						if h < 0 || h >= g.h {
							continue
						}
						for kw := 0; kw < g.kW; kw++ {
							w := ow*g.stride - g.padding + kw
							if w < 0 || w >= g.w {
								continue
							}
							inPlane[h*g.w+w] += gv * kPlane[kh*g.kW+kw]
						}
					}
				}
			}
		}
	}, par)
}

// Conv2DKernelBackward computes the gradient w.r.t. the kernel:
//
//	dK[c_out, c_in, kh, kw] = sum over n, h_out, w_out of
//	    input[n, c_in, h_out*stride-padding+kh, w_out*stride-padding+kw] * grad[n, c_out, h_out, w_out]
func (cpu *CPUBackend) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeometry("Conv2DKernelBackward", input, kernel, stride, padding)

	kernelGrad, err := tensor.NewRaw(kernel.Shape(), grad.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("Conv2DKernelBackward: failed to create gradient tensor: %v", err))
	}

	switch grad.DType() {
	case tensor.Float32:
		conv2dKernelBackwardKernel(kernelGrad.AsFloat32(), grad.AsFloat32(), input.AsFloat32(), g, cpu.par)
	case tensor.Float64:
		conv2dKernelBackwardKernel(kernelGrad.AsFloat64(), grad.AsFloat64(), input.AsFloat64(), g, cpu.par)
	default:
		panic("Conv2DKernelBackward: unsupported dtype")
	}

	return kernelGrad
}

// conv2dKernelBackwardKernel reuses im2col. Each output channel owns its
// kernel-gradient row and accumulates over samples in order:
// dK [C_out, C_in*K_h*K_w] += grad[n] [C_out, H_out*W_out] . col[n] [H_out*W_out, C_in*K_h*K_w].
func conv2dKernelBackwardKernel[T tensor.Float](kernelGrad, grad, input []T, g convGeometry, par parallel.Config) {
	colWidth := g.cIn * g.kH * g.kW
	spatial := g.hOut * g.wOut
	col := im2colBatch(input, g, par)

	parallel.For(g.cOut, func(co int) {
		dk := kernelGrad[co*colWidth : (co+1)*colWidth]
		for n := 0; n < g.n; n++ {
			colSample := col[n*spatial*colWidth : (n+1)*spatial*colWidth]
			gRow := grad[(n*g.cOut+co)*spatial : (n*g.cOut+co+1)*spatial]
			for j, gv := range gRow {
				if gv == 0 {
					continue
				}
				colRow := colSample[j*colWidth : (j+1)*colWidth]
				for k, cv := range colRow {
					dk[k] += gv * cv
				}
			}
		}
	}, par.WithMinChunk(4))
}
