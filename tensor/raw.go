// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/remat/internal/tensor"
)

// RawTensor is the low-level tensor representation.
//
// RawTensor provides:
//   - Shape and type information via Shape(), DType(), Device()
//   - The layout tag via Format() and SetFormat()
//   - Type-safe data access via AsFloat32(), AsInt32(), etc.
//   - Copy-on-Write semantics via Clone()
//   - Eviction state via IsEvicted(), used by rematerialization
//   - Reference counting for efficient memory management
//
// Most users should use the high-level Tensor[T, B] type instead.
//
// Example:
//
//	raw, _ := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32, tensor.CPU)
//	data := raw.AsFloat32()  // Type-safe access
//	clone := raw.Clone()     // Shares buffer via reference counting
type RawTensor = tensor.RawTensor

// Format tags the axis convention a tensor follows.
type Format = tensor.Format

// Layout tags.
const (
	FormatDefault Format = tensor.FormatDefault // Fresh tensors; rank-4/5 treated as channel-first.
	FormatNCHW    Format = tensor.FormatNCHW    // Channel-first.
	FormatNHWC    Format = tensor.FormatNHWC    // Channel-last.
)
