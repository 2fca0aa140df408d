// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides a pure Go CPU backend for tensor operations.
//
// # Overview
//
// This package implements a CPU backend with:
//   - Pure Go implementation (no CGO)
//   - Im2col-based convolutions with input and kernel gradients, spread
//     over (sample, channel) pairs on all CPUs
//   - Float32 and Float64 support
//   - NumPy-compatible broadcasting
//   - Layout tag propagation through element-wise operations
//
// # Basic Usage
//
//	backend := cpu.New()
//	x := tensor.Zeros[float32](tensor.Shape{2, 3}, backend)
//	y := tensor.Ones[float32](tensor.Shape{2, 3}, backend)
//	z := x.Add(y)
//
// Wrap it with autodiff.New to record operations for training.
//
// # Thread Safety
//
// The CPU backend is safe for concurrent use. Each tensor operation
// is isolated and does not share mutable state. Convolution kernels run
// their own goroutines; use NewSequential to keep every kernel on the
// calling goroutine.
package cpu
