package cpu

import (
	"fmt"

	"github.com/born-ml/remat/internal/parallel"
	"github.com/born-ml/remat/internal/tensor"
)

// convGeometry holds the sizes shared by the forward and backward kernels.
type convGeometry struct {
	n, cIn, h, w    int
	cOut, kH, kW    int
	hOut, wOut      int
	stride, padding int
}

func newConvGeometry(name string, input, kernel *tensor.RawTensor, stride, padding int) convGeometry {
	inputShape := input.Shape()
	kernelShape := kernel.Shape()

	if len(inputShape) != 4 {
		panic(fmt.Sprintf("%s: input must be 4D [N,C,H,W], got %dD", name, len(inputShape)))
	}
	if len(kernelShape) != 4 {
		panic(fmt.Sprintf("%s: kernel must be 4D [C_out,C_in,K_h,K_w], got %dD", name, len(kernelShape)))
	}
	if inputShape[1] != kernelShape[1] {
		panic(fmt.Sprintf("%s: input channels %d != kernel channels %d", name, inputShape[1], kernelShape[1]))
	}
	if stride <= 0 || padding < 0 {
		panic(fmt.Sprintf("%s: invalid stride %d / padding %d", name, stride, padding))
	}

	g := convGeometry{
		n: inputShape[0], cIn: inputShape[1], h: inputShape[2], w: inputShape[3],
		cOut: kernelShape[0], kH: kernelShape[2], kW: kernelShape[3],
		stride: stride, padding: padding,
	}
	g.hOut = (g.h+2*padding-g.kH)/stride + 1
	g.wOut = (g.w+2*padding-g.kW)/stride + 1
	if g.hOut <= 0 || g.wOut <= 0 {
		panic(fmt.Sprintf("%s: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", name, g.hOut, g.wOut))
	}
	return g
}

// Conv2D performs 2D convolution using the im2col algorithm.
//
// Input shape:  [N, C_in, H, W]
// Kernel shape: [C_out, C_in, K_h, K_w]
// Output shape: [N, C_out, H_out, W_out]
//
// Each output position's receptive field is unrolled into a row of a column
// buffer, turning the convolution into a matrix product with the flattened
// kernel.
func (cpu *CPUBackend) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeometry("conv2d", input, kernel, stride, padding)

	output, err := tensor.NewRaw(tensor.Shape{g.n, g.cOut, g.hOut, g.wOut}, input.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("conv2d: failed to create output tensor: %v", err))
	}

	switch input.DType() {
	case tensor.Float32:
		conv2dKernel(output.AsFloat32(), input.AsFloat32(), kernel.AsFloat32(), g, cpu.par)
	case tensor.Float64:
		conv2dKernel(output.AsFloat64(), input.AsFloat64(), kernel.AsFloat64(), g, cpu.par)
	default:
		panic(fmt.Sprintf("conv2d: unsupported dtype %s", input.DType()))
	}

	return output
}

// conv2dKernel unrolls every sample first, then computes each
// (sample, output channel) row independently:
//
//	col:  [N, H_out*W_out, C_in*K_h*K_w]
//	out:  [C_out, H_out*W_out] = kernel [C_out, C_in*K_h*K_w] . col[n]^T
//
// which is already the NCHW layout of that sample.
func conv2dKernel[T tensor.Float](output, input, kernel []T, g convGeometry, par parallel.Config) {
	colWidth := g.cIn * g.kH * g.kW
	spatial := g.hOut * g.wOut
	col := im2colBatch(input, g, par)

	parallel.ForBatch(g.n, g.cOut, func(n, co int) {
		colSample := col[n*spatial*colWidth : (n+1)*spatial*colWidth]
		kRow := kernel[co*colWidth : (co+1)*colWidth]
		outRow := output[(n*g.cOut+co)*spatial : (n*g.cOut+co+1)*spatial]
		for j := range outRow {
			colRow := colSample[j*colWidth : (j+1)*colWidth]
			var sum T
			for k, kv := range kRow {
				sum += kv * colRow[k]
			}
			outRow[j] = sum
		}
	}, par)
}

// im2colBatch unrolls all samples of input into one buffer, one sample per task.
func im2colBatch[T tensor.Float](input []T, g convGeometry, par parallel.Config) []T {
	sampleCol := g.hOut * g.wOut * g.cIn * g.kH * g.kW
	sampleIn := g.cIn * g.h * g.w
	col := make([]T, g.n*sampleCol)
	parallel.For(g.n, func(n int) {
		im2col(col[n*sampleCol:(n+1)*sampleCol], input[n*sampleIn:(n+1)*sampleIn], g)
	}, par.WithMinChunk(1))
	return col
}

// im2col unrolls a single [C, H, W] sample into col [H_out*W_out, C*K_h*K_w].
// Positions falling in the padding read as zero.
func im2col[T tensor.Float](col, sample []T, g convGeometry) {
	idx := 0
	for oh := 0; oh < g.hOut; oh++ {
		for ow := 0; ow < g.wOut; ow++ {
			hStart := oh*g.stride - g.padding
			wStart := ow*g.stride - g.padding
			for c := 0; c < g.cIn; c++ {
				plane := sample[c*g.h*g.w : (c+1)*g.h*g.w]
				for kh := 0; kh < g.kH; kh++ {
					h := hStart + kh
					for kw := 0; kw < g.kW; kw++ {
						w := wStart + kw
						if h >= 0 && h < g.h && w >= 0 && w < g.w {
							col[idx] = plane[h*g.w+w]
						} else {
							col[idx] = 0
						}
						idx++
					}
				}
			}
		}
	}
}
