package nn

import (
	"strconv"

	"github.com/born-ml/remat/internal/tensor"
)

// Sequential is a container that chains modules together.
//
// Each module's output becomes the next module's input. An empty Sequential
// returns its input unchanged.
//
// Example:
//
//	model := nn.NewSequential[B](
//	    nn.NewLinear(784, 128, backend),
//	    nn.NewReLU[B](),
//	    nn.NewLinear(128, 10, backend),
//	)
//	output := model.Forward(input)
type Sequential[B tensor.Backend] struct {
	modules []Module[B]
}

// NewSequential creates a new Sequential container.
func NewSequential[B tensor.Backend](modules ...Module[B]) *Sequential[B] {
	return &Sequential[B]{modules: modules}
}

// Forward passes input through every module in order.
func (s *Sequential[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	output := input
	for _, module := range s.modules {
		output = module.Forward(output)
	}
	return output
}

// Parameters returns all parameters from all modules.
func (s *Sequential[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

// NamedTensors prefixes each child's tensors with its index.
func (s *Sequential[B]) NamedTensors() []NamedTensor[B] {
	var out []NamedTensor[B]
	for i, module := range s.modules {
		out = append(out, prefixed(strconv.Itoa(i), module.NamedTensors())...)
	}
	return out
}

// SetTraining propagates the mode to every module.
func (s *Sequential[B]) SetTraining(training bool) {
	for _, module := range s.modules {
		module.SetTraining(training)
	}
}

// Clone deep-copies every module.
func (s *Sequential[B]) Clone() Module[B] {
	modules := make([]Module[B], len(s.modules))
	for i, module := range s.modules {
		modules[i] = module.Clone()
	}
	return &Sequential[B]{modules: modules}
}

// Add appends a module to the sequence.
func (s *Sequential[B]) Add(module Module[B]) {
	s.modules = append(s.modules, module)
}

// Len returns the number of modules.
func (s *Sequential[B]) Len() int {
	return len(s.modules)
}

// Module returns the module at index.
func (s *Sequential[B]) Module(index int) Module[B] {
	return s.modules[index]
}
