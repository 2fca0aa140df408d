package autodiff

import (
	"github.com/born-ml/remat/internal/autodiff/ops"
	"github.com/born-ml/remat/internal/dtr"
	"github.com/born-ml/remat/internal/tensor"
)

// GradientTape records operations during the forward pass and computes
// gradients during the backward pass using reverse-mode automatic differentiation.
//
// Usage:
//
//	tape := NewGradientTape()
//	tape.StartRecording()
//	// ... perform operations ...
//	gradients := tape.Backward(output, outputGrad, backend)
type GradientTape struct {
	operations []ops.Operation
	recording  bool
}

// NewGradientTape creates a new gradient tape.
func NewGradientTape() *GradientTape {
	return &GradientTape{
		operations: make([]ops.Operation, 0, 64),
	}
}

// StartRecording enables operation recording.
func (t *GradientTape) StartRecording() {
	t.recording = true
}

// StopRecording disables operation recording.
func (t *GradientTape) StopRecording() {
	t.recording = false
}

// IsRecording returns true if the tape is currently recording operations.
func (t *GradientTape) IsRecording() bool {
	return t.recording
}

// Record adds an operation to the tape if it is recording.
func (t *GradientTape) Record(op ops.Operation) {
	if t.recording {
		t.operations = append(t.operations, op)
	}
}

// Clear removes all recorded operations and resets the active
// rematerialization pool, whose entries point into the discarded graph.
// Recording state is preserved.
func (t *GradientTape) Clear() {
	clear(t.operations)
	t.operations = t.operations[:0]
	if pool := dtr.Active(); pool != nil {
		pool.Reset()
	}
}

// NumOps returns the number of recorded operations.
func (t *GradientTape) NumOps() int {
	return len(t.operations)
}

// Operations returns the recorded operations in execution order.
func (t *GradientTape) Operations() []ops.Operation {
	return t.operations
}

// Backward computes gradients of output for every tensor on the tape by
// walking the recorded operations in reverse. outputGrad seeds the gradient
// of output; gradients of tensors used more than once are summed.
//
// Inputs evicted by an active rematerialization pool are recomputed with
// backend before each operation's backward step.
//
// Returns a map from RawTensor to its accumulated gradient.
func (t *GradientTape) Backward(output, outputGrad *tensor.RawTensor, backend tensor.Backend) map[*tensor.RawTensor]*tensor.RawTensor {
	grads := map[*tensor.RawTensor]*tensor.RawTensor{output: outputGrad}

	wasRecording := t.recording
	t.recording = false
	defer func() {
		t.recording = wasRecording
	}()

	pool := dtr.Active()
	for i := len(t.operations) - 1; i >= 0; i-- {
		op := t.operations[i]
		outGrad, ok := grads[op.Output()]
		if !ok {
			continue
		}

		inputs := op.Inputs()
		if pool != nil {
			if err := pool.Materialize(backend, inputs...); err != nil {
				panic(err)
			}
			pool.Pin(inputs...)
		}
		inputGrads := op.Backward(outGrad, backend)
		if pool != nil {
			pool.Unpin(inputs...)
		}

		accumulate(grads, inputs, inputGrads, backend)
	}

	return grads
}

func accumulate(grads map[*tensor.RawTensor]*tensor.RawTensor, inputs, inputGrads []*tensor.RawTensor, backend tensor.Backend) {
	for j, input := range inputs {
		if j >= len(inputGrads) || inputGrads[j] == nil {
			continue
		}
		if existing, ok := grads[input]; ok {
			grads[input] = backend.Add(existing, inputGrads[j])
		} else {
			grads[input] = inputGrads[j]
		}
	}
}
