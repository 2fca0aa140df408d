package autodiff

import (
	"fmt"

	"github.com/born-ml/remat/internal/tensor"
)

// BackwardCapable is implemented by backends that own a gradient tape.
type BackwardCapable interface {
	tensor.Backend
	// GetTape returns the gradient tape for backward computation.
	GetTape() *GradientTape
	// GradBackend returns the backend gradients are computed with.
	GradBackend() tensor.Backend
}

// GetTape returns the gradient tape (implements BackwardCapable).
func (b *AutodiffBackend[B]) GetTape() *GradientTape {
	return b.tape
}

// GradBackend returns the wrapped backend, so gradient math is not recorded.
func (b *AutodiffBackend[B]) GradBackend() tensor.Backend {
	return b.inner
}

// Backward computes gradients of t with respect to every tensor recorded on
// backend's tape, seeding dt/dt with ones.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	backend.Tape().StartRecording()
//	x := tensor.Ones[float32](tensor.Shape{2}, backend)
//	y := x.Mul(x)
//	grads := autodiff.Backward(y, backend)
//	grad := grads[x.Raw()]
func Backward[T tensor.DType, B BackwardCapable](t *tensor.Tensor[T, B], backend B) map[*tensor.RawTensor]*tensor.RawTensor {
	tape := backend.GetTape()
	if tape.NumOps() == 0 {
		panic("backward: no operations recorded (did you forget to call Tape().StartRecording()?)")
	}

	outputGrad, err := tensor.NewRaw(t.Shape(), t.DType(), backend.Device())
	if err != nil {
		panic(fmt.Sprintf("backward: failed to create output gradient: %v", err))
	}

	switch t.DType() {
	case tensor.Float32:
		for i := range outputGrad.AsFloat32() {
			outputGrad.AsFloat32()[i] = 1
		}
	case tensor.Float64:
		for i := range outputGrad.AsFloat64() {
			outputGrad.AsFloat64()[i] = 1
		}
	default:
		panic(fmt.Sprintf("backward: unsupported dtype %s (only float32/float64 supported)", t.DType()))
	}

	return tape.Backward(t.Raw(), outputGrad, backend.GradBackend())
}
