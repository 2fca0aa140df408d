package nn

import (
	"github.com/born-ml/remat/internal/autodiff/ops"
	"github.com/born-ml/remat/internal/tensor"
)

// CrossEntropyBackend is implemented by backends that record cross-entropy
// on a gradient tape.
type CrossEntropyBackend interface {
	CrossEntropy(logits, targets *tensor.RawTensor) *tensor.RawTensor
}

// CrossEntropyLoss computes the mean cross-entropy of raw logits against
// class indices, using the log-sum-exp trick for numerical stability:
//
//	Loss = mean(-log_softmax(logits)[targets])
//
// Usage:
//
//	criterion := nn.NewCrossEntropyLoss(backend)
//	logits := model.Forward(input)              // [batch_size, num_classes]
//	loss := criterion.Forward(logits, targets)  // targets: int32 [batch_size]
type CrossEntropyLoss[B tensor.Backend] struct {
	backend B
}

// NewCrossEntropyLoss creates a new cross-entropy loss function.
func NewCrossEntropyLoss[B tensor.Backend](backend B) *CrossEntropyLoss[B] {
	return &CrossEntropyLoss[B]{backend: backend}
}

// Forward computes the scalar loss. With an autodiff-aware backend the
// operation is recorded on the tape.
func (c *CrossEntropyLoss[B]) Forward(
	logits *tensor.Tensor[float32, B],
	targets *tensor.Tensor[int32, B],
) *tensor.Tensor[float32, B] {
	if adBackend, ok := any(c.backend).(CrossEntropyBackend); ok {
		return tensor.New[float32, B](adBackend.CrossEntropy(logits.Raw(), targets.Raw()), c.backend)
	}
	return tensor.New[float32, B](ops.CrossEntropyForward(logits.Raw(), targets.Raw()), c.backend)
}

// Accuracy returns the fraction of rows of logits [batch, classes] whose
// highest-scoring class equals the target.
func Accuracy[B tensor.Backend](
	logits *tensor.Tensor[float32, B],
	targets *tensor.Tensor[int32, B],
) float32 {
	shape := logits.Shape()
	batchSize := shape[0]
	numClasses := shape[1]
	if batchSize == 0 {
		return 0
	}

	logitsData := logits.Raw().AsFloat32()
	targetsData := targets.Raw().AsInt32()

	correct := 0
	for b := 0; b < batchSize; b++ {
		if argmax(logitsData[b*numClasses:(b+1)*numClasses]) == int(targetsData[b]) {
			correct++
		}
	}
	return float32(correct) / float32(batchSize)
}

func argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
