// Package nn implements neural network modules for the remat framework.
//
// This package provides building blocks for convolutional networks:
//   - Module interface: Base interface for all NN components
//   - Parameter: Trainable parameters with gradient tracking
//   - Conv2D, BatchNorm2D, Linear: layers that follow the input's layout tag
//   - ReLU, GlobalAvgPool2D, Sequential
//   - CrossEntropyLoss
//   - BasicBlock and ResNet
//
// Layers are layout aware: a tensor tagged FormatNHWC (or a Conv2D weight
// tagged that way) is handled channel-last and the result keeps the tag.
package nn

import (
	"github.com/born-ml/remat/internal/tensor"
)

// Module is the base interface for all neural network components.
//
// Modules can be composed to build complex architectures:
//
//	model := nn.NewSequential[B](
//	    nn.NewConv2D(3, 16, 3, 3, 1, 1, false, backend),
//	    nn.NewBatchNorm2D(16, backend),
//	    nn.NewReLU[B](),
//	)
type Module[B tensor.Backend] interface {
	// Forward computes the output of the module given an input tensor.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns all trainable parameters of this module,
	// including nested ones.
	Parameters() []*Parameter[B]

	// NamedTensors returns every parameter and buffer with its dotted
	// path inside the module, e.g. "layer1.0.bn1.running_mean".
	NamedTensors() []NamedTensor[B]

	// SetTraining switches between training and evaluation behavior.
	SetTraining(training bool)

	// Clone returns a deep copy with independent storage.
	Clone() Module[B]
}

// NamedTensor is a tensor owned by a module, addressed by its path.
type NamedTensor[B tensor.Backend] struct {
	Name   string
	Tensor *tensor.Tensor[float32, B]
}

// prefixed prepends prefix and a dot to every name.
func prefixed[B tensor.Backend](prefix string, named []NamedTensor[B]) []NamedTensor[B] {
	out := make([]NamedTensor[B], len(named))
	for i, nt := range named {
		out[i] = NamedTensor[B]{Name: prefix + "." + nt.Name, Tensor: nt.Tensor}
	}
	return out
}

func paramTensors[B tensor.Backend](params ...*Parameter[B]) []NamedTensor[B] {
	out := make([]NamedTensor[B], 0, len(params))
	for _, p := range params {
		if p != nil {
			out = append(out, NamedTensor[B]{Name: p.Name(), Tensor: p.Tensor()})
		}
	}
	return out
}
