package nn

import (
	"fmt"

	"github.com/born-ml/remat/internal/tensor"
)

// GlobalAvgPool2D averages each channel over its spatial positions,
// producing [batch, channels]. Spatial axes are 2 and 3 for channel-first
// input, 1 and 2 for FormatNHWC input.
type GlobalAvgPool2D[B tensor.Backend] struct{}

// NewGlobalAvgPool2D creates a global average pooling module.
func NewGlobalAvgPool2D[B tensor.Backend]() *GlobalAvgPool2D[B] {
	return &GlobalAvgPool2D[B]{}
}

// Forward pools input of shape [N, C, H, W] or, for NHWC, [N, H, W, C].
func (p *GlobalAvgPool2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if input.NDim() != 4 {
		panic(fmt.Sprintf("globalavgpool2d: expected 4D input, got %dD", input.NDim()))
	}
	if input.Format().IsChannelLast() {
		return input.MeanDim(2, false).MeanDim(1, false)
	}
	return input.MeanDim(3, false).MeanDim(2, false)
}

// Parameters returns nil.
func (p *GlobalAvgPool2D[B]) Parameters() []*Parameter[B] { return nil }

// NamedTensors returns nil.
func (p *GlobalAvgPool2D[B]) NamedTensors() []NamedTensor[B] { return nil }

// SetTraining is a no-op.
func (p *GlobalAvgPool2D[B]) SetTraining(bool) {}

// Clone returns a new pooling module.
func (p *GlobalAvgPool2D[B]) Clone() Module[B] { return &GlobalAvgPool2D[B]{} }
