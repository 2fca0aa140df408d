// Package train runs the supervised training loop: forward, cross-entropy,
// backward and an optimizer step per batch, with the gradient tape and the
// rematerialization pool reset between steps.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/born-ml/remat/internal/autodiff"
	"github.com/born-ml/remat/internal/ctxlog"
	"github.com/born-ml/remat/internal/dtr"
	"github.com/born-ml/remat/internal/nn"
	"github.com/born-ml/remat/internal/optim"
	"github.com/born-ml/remat/internal/tensor"
)

// ErrNonFiniteLoss is returned by Step when the loss is NaN or infinite.
// Parameters are left unchanged for that step.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// materializer is implemented by backends that can restore evicted tensors.
type materializer interface {
	Materialize(raws ...*tensor.RawTensor)
}

// Trainer drives one model, optimizer and backend.
type Trainer[B autodiff.BackwardCapable] struct {
	model     nn.Module[B]
	optimizer optim.Optimizer
	backend   B
	criterion *nn.CrossEntropyLoss[B]

	logger        *slog.Logger
	runID         string
	keepGradients bool

	steps int
	grads map[*tensor.RawTensor]*tensor.RawTensor
}

// Option configures a Trainer.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	runID         string
	keepGradients bool
}

// WithLogger sets the logger. By default the logger is taken from the
// context passed to Step.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRunID tags every log record with id.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// WithGradients keeps the gradients of the last step for Gradients.
func WithGradients() Option {
	return func(o *options) { o.keepGradients = true }
}

// New creates a Trainer. model must have been built on backend.
func New[B autodiff.BackwardCapable](model nn.Module[B], optimizer optim.Optimizer, backend B, opts ...Option) *Trainer[B] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Trainer[B]{
		model:         model,
		optimizer:     optimizer,
		backend:       backend,
		criterion:     nn.NewCrossEntropyLoss(backend),
		logger:        o.logger,
		runID:         o.runID,
		keepGradients: o.keepGradients,
	}
}

// Steps returns the number of completed steps.
func (t *Trainer[B]) Steps() int {
	return t.steps
}

// Step runs one training step on a batch and returns its loss.
//
// data must match the model's expected input and labels holds one int32
// class index per sample.
func (t *Trainer[B]) Step(ctx context.Context, data *tensor.Tensor[float32, B], labels *tensor.Tensor[int32, B]) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	logger := t.logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	if t.runID != "" {
		logger = logger.With("run_id", t.runID)
	}

	tape := t.backend.GetTape()
	tape.Clear()
	tape.StartRecording()
	defer func() {
		tape.StopRecording()
		tape.Clear()
	}()

	start := time.Now()
	logits := t.model.Forward(data)
	loss := t.criterion.Forward(logits, labels)

	// Backward may evict the loss and logits to make room for
	// rematerialized inputs, so read them first.
	t.materialize(loss.Raw(), logits.Raw())
	value := loss.Item()
	if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
		return value, fmt.Errorf("step %d: loss %v: %w", t.steps+1, value, ErrNonFiniteLoss)
	}
	accuracy := nn.Accuracy(logits, labels)

	grads := autodiff.Backward(loss, t.backend)
	t.optimizer.Step(grads)
	t.optimizer.ZeroGrad()
	t.steps++
	if t.keepGradients {
		t.grads = grads
	}

	attrs := []any{
		"step", t.steps,
		"loss", value,
		"accuracy", accuracy,
		"ops", tape.NumOps(),
		"elapsed", time.Since(start),
	}
	if pool := dtr.Active(); pool != nil {
		stats := pool.Stats()
		attrs = append(attrs,
			"evictions", stats.Evictions,
			"rematerializations", stats.Rematerializations,
			"resident_bytes", stats.ResidentBytes,
			"peak_bytes", stats.PeakBytes,
		)
	}
	logger.Debug("Training step complete.", attrs...)
	return value, nil
}

// Gradients returns a copy of the last step's gradient for every named model
// tensor that received one. It is empty unless the Trainer was created with
// WithGradients.
func (t *Trainer[B]) Gradients() map[string][]float32 {
	out := make(map[string][]float32)
	for _, nt := range t.model.NamedTensors() {
		grad, ok := t.grads[nt.Tensor.Raw()]
		if !ok {
			continue
		}
		out[nt.Name] = append([]float32(nil), grad.AsFloat32()...)
	}
	return out
}

func (t *Trainer[B]) materialize(raws ...*tensor.RawTensor) {
	if m, ok := any(t.backend).(materializer); ok {
		m.Materialize(raws...)
	}
}
