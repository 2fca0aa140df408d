// Package amp converts tensors and modules between channel-first and
// channel-last memory layouts.
//
// Channel-last (NHWC / NDHWC) tensors are tagged tensor.FormatNHWC. Layers in
// package nn read the tag and route channels accordingly, so a converted
// module fed converted inputs computes the same function as the original.
package amp

import (
	"errors"
	"fmt"

	"github.com/born-ml/remat/internal/nn"
	"github.com/born-ml/remat/internal/tensor"
)

// ErrUnsupportedRank is returned when a tensor is neither rank 4 nor rank 5.
var ErrUnsupportedRank = errors.New("unsupported tensor ndim")

// RankError reports the rank of a tensor that cannot be converted.
type RankError struct {
	Rank int
}

func (e *RankError) Error() string {
	return fmt.Sprintf("unsupported tensor ndim %d", e.Rank)
}

// Unwrap makes errors.Is(err, ErrUnsupportedRank) hold.
func (e *RankError) Unwrap() error {
	return ErrUnsupportedRank
}

// gradBackend is implemented by recording backends that expose the backend
// they delegate to.
type gradBackend interface {
	GradBackend() tensor.Backend
}

// materializer is implemented by backends that can restore evicted tensors.
type materializer interface {
	Materialize(raws ...*tensor.RawTensor)
}

// IsNCHW reports whether x is a rank-4 or rank-5 tensor that is not tagged
// channel-last.
func IsNCHW[B tensor.Backend](x *tensor.Tensor[float32, B]) bool {
	ndim := x.NDim()
	return (ndim == 4 || ndim == 5) && !x.Format().IsChannelLast()
}

// channelLastAxes moves axis 1 to the end.
func channelLastAxes(ndim int) ([]int, error) {
	switch ndim {
	case 4:
		return []int{0, 2, 3, 1}, nil
	case 5:
		return []int{0, 2, 3, 4, 1}, nil
	default:
		return nil, &RankError{Rank: ndim}
	}
}

// ConvertTensorFormat permutes x to channel-last order and tags it
// FormatNHWC.
//
// A tensor already tagged FormatNHWC is returned as is. Otherwise the rank
// must be 4 or 5.
//
// With inplace set, x's storage is replaced by the permuted copy and x is
// returned. The permutation is not recorded, and x's gradient and any tape
// entries that referenced its previous storage are detached from it.
//
// Without inplace, the permutation goes through Tensor.Transpose, so it is
// recorded when x lives on an autodiff backend, and x is left untouched.
func ConvertTensorFormat[B tensor.Backend](x *tensor.Tensor[float32, B], inplace bool) (*tensor.Tensor[float32, B], error) {
	if x.Format().IsChannelLast() {
		return x, nil
	}
	axes, err := channelLastAxes(x.NDim())
	if err != nil {
		return nil, err
	}

	if !inplace {
		return x.Transpose(axes...).SetFormat(tensor.FormatNHWC), nil
	}

	var backend tensor.Backend = x.Backend()
	if m, ok := backend.(materializer); ok {
		m.Materialize(x.Raw())
	}
	if gb, ok := backend.(gradBackend); ok {
		backend = gb.GradBackend()
	}
	permuted := backend.Transpose(x.Raw(), axes...)
	permuted.SetFormat(tensor.FormatNHWC)
	x.SetRaw(permuted)
	return x, nil
}

// ConvertModuleFormat converts every rank-4/5 channel-first tensor owned by m
// (parameters and buffers) to channel-last, in place. Other tensors are left
// alone.
//
// Without inplace the conversion is applied to m.Clone() and m is not
// modified.
//
// Convert before building the optimizer. In-place conversion replaces
// parameter storage, and the optimizers in internal/optim drop momentum and
// moment state built for the old storage rather than apply it in the wrong
// element order.
func ConvertModuleFormat[B tensor.Backend](m nn.Module[B], inplace bool) (nn.Module[B], error) {
	if !inplace {
		m = m.Clone()
	}
	for _, nt := range m.NamedTensors() {
		if !IsNCHW(nt.Tensor) {
			continue
		}
		if _, err := ConvertTensorFormat(nt.Tensor, true); err != nil {
			return nil, fmt.Errorf("convert %s: %w", nt.Name, err)
		}
	}
	return m, nil
}
