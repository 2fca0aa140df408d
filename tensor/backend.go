// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import "github.com/born-ml/remat/internal/tensor"

// Backend defines the interface that all compute backends must implement.
// Backends handle the actual computation for tensor operations.
//
// Implementations:
//   - backend/cpu: Pure Go kernels
//
// Decorator backends for additional functionality:
//   - autodiff: Automatic differentiation and rematerialization (wraps any backend)
//
// Example:
//
//	import (
//	    "github.com/born-ml/remat/tensor"
//	    "github.com/born-ml/remat/backend/cpu"
//	)
//
//	backend := cpu.New()
//	x := tensor.Zeros[float32](tensor.Shape{2, 3}, backend)
//	y := tensor.Ones[float32](tensor.Shape{2, 3}, backend)
//	z := x.Add(y)  // Uses backend.Add under the hood
type Backend interface {
	// Element-wise binary operations (NumPy broadcasting).
	Add(a, b *RawTensor) *RawTensor // Element-wise addition.
	Sub(a, b *RawTensor) *RawTensor // Element-wise subtraction.
	Mul(a, b *RawTensor) *RawTensor // Element-wise multiplication.
	Div(a, b *RawTensor) *RawTensor // Element-wise division.

	MulScalar(x *RawTensor, scalar float64) *RawTensor // Multiply by scalar.

	// Matrix operations.
	MatMul(a, b *RawTensor) *RawTensor // 2D matrix multiplication.

	// Convolutional operations (NCHW input, [C_out, C_in, K_h, K_w] kernel).
	Conv2D(input, kernel *RawTensor, stride, padding int) *RawTensor                     // 2D convolution.
	Conv2DInputBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor  // Conv2D input gradient.
	Conv2DKernelBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor // Conv2D kernel gradient.

	// Shape operations.
	Reshape(t *RawTensor, newShape Shape) *RawTensor // Reshape tensor.
	Transpose(t *RawTensor, axes ...int) *RawTensor  // Permute dimensions.
	Expand(x *RawTensor, shape Shape) *RawTensor     // Broadcast to shape.

	// Activation functions.
	ReLU(x *RawTensor) *RawTensor // max(0, x).

	// Reduction operations.
	SumDim(x *RawTensor, dim int, keepDim bool) *RawTensor  // Sum along dimension.
	MeanDim(x *RawTensor, dim int, keepDim bool) *RawTensor // Mean along dimension.

	// Metadata.
	Name() string   // Backend name (e.g., "CPU", "Autodiff(CPU)").
	Device() Device // Device type.
}

// Compile-time check that internal Backend implements public Backend.
var _ Backend = tensor.Backend(nil)
