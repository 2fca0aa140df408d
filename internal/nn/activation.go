package nn

import (
	"github.com/born-ml/remat/internal/tensor"
)

// ReLU is a Rectified Linear Unit activation module: f(x) = max(0, x).
// The layout tag of the input is preserved.
type ReLU[B tensor.Backend] struct{}

// NewReLU creates a new ReLU activation module.
func NewReLU[B tensor.Backend]() *ReLU[B] {
	return &ReLU[B]{}
}

// Forward applies ReLU activation.
func (r *ReLU[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := input.Backend()
	return tensor.New[float32, B](backend.ReLU(input.Raw()), backend)
}

// Parameters returns nil (ReLU has no trainable parameters).
func (r *ReLU[B]) Parameters() []*Parameter[B] { return nil }

// NamedTensors returns nil.
func (r *ReLU[B]) NamedTensors() []NamedTensor[B] { return nil }

// SetTraining is a no-op.
func (r *ReLU[B]) SetTraining(bool) {}

// Clone returns a new ReLU.
func (r *ReLU[B]) Clone() Module[B] { return &ReLU[B]{} }
