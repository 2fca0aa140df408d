// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package amp converts tensors and modules from channel-first (NCHW, NCDHW)
// to channel-last (NHWC, NDHWC) layout.
//
// Example:
//
//	model, err := amp.ConvertModuleFormat[B](model, false) // converted copy
//	x, err = amp.ConvertTensorFormat(x, false)             // differentiable
//	logits := model.Forward(x)
package amp

import (
	"github.com/born-ml/remat/internal/amp"
	"github.com/born-ml/remat/internal/nn"
	"github.com/born-ml/remat/internal/tensor"
)

// ErrUnsupportedRank is returned for tensors that are neither rank 4 nor 5.
var ErrUnsupportedRank = amp.ErrUnsupportedRank

// RankError carries the offending rank; it wraps ErrUnsupportedRank.
type RankError = amp.RankError

// IsNCHW reports whether x is rank 4 or 5 and not tagged channel-last.
func IsNCHW[B tensor.Backend](x *tensor.Tensor[float32, B]) bool {
	return amp.IsNCHW(x)
}

// ConvertTensorFormat permutes x to channel-last and tags it FormatNHWC.
// Tensors already tagged FormatNHWC are returned unchanged.
func ConvertTensorFormat[B tensor.Backend](x *tensor.Tensor[float32, B], inplace bool) (*tensor.Tensor[float32, B], error) {
	return amp.ConvertTensorFormat(x, inplace)
}

// ConvertModuleFormat converts every rank-4/5 tensor owned by m. Without
// inplace a converted deep copy is returned and m is untouched.
func ConvertModuleFormat[B tensor.Backend](m nn.Module[B], inplace bool) (nn.Module[B], error) {
	return amp.ConvertModuleFormat(m, inplace)
}
