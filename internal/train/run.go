package train

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/remat/internal/amp"
	"github.com/born-ml/remat/internal/autodiff"
	"github.com/born-ml/remat/internal/backend/cpu"
	"github.com/born-ml/remat/internal/checkpoint"
	"github.com/born-ml/remat/internal/config"
	"github.com/born-ml/remat/internal/ctxlog"
	"github.com/born-ml/remat/internal/dtr"
	"github.com/born-ml/remat/internal/nn"
	"github.com/born-ml/remat/internal/optim"
	"github.com/born-ml/remat/internal/tensor"
)

// Backend is the backend Run trains on.
type Backend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

// InputChannels is the channel count of generated images.
const InputChannels = 3

// Summary reports a finished run.
type Summary struct {
	RunID   string
	Losses  []float32
	Elapsed time.Duration

	// DTR holds the pool counters when rematerialization was enabled.
	DTREnabled bool
	DTR        dtr.Stats

	// Checkpoint is the file the trained model was written to, if any.
	Checkpoint string
}

// FinalLoss returns the loss of the last step, or NaN when no step ran.
func (s *Summary) FinalLoss() float32 {
	if len(s.Losses) == 0 {
		return float32(math.NaN())
	}
	return s.Losses[len(s.Losses)-1]
}

// Run trains a ResNet described by cfg on random batches.
func Run(ctx context.Context, cfg *config.Config) (*Summary, error) {
	runID := uuid.NewString()
	logger := ctxlog.FromContext(ctx).With("run_id", runID)
	ctx = ctxlog.WithLogger(ctx, logger)
	start := time.Now()

	rng := rand.New(rand.NewSource(cfg.Data.Seed))
	backend := autodiff.New(cpu.New())
	model := nn.NewResNet(nn.NewBasicBlock[Backend], cfg.Model.Blocks, cfg.Model.Classes, rng, backend)
	channelLast := cfg.Train.Layout == "nhwc"
	if channelLast {
		if _, err := amp.ConvertModuleFormat[Backend](model, true); err != nil {
			return nil, fmt.Errorf("convert model: %w", err)
		}
	}
	if cfg.Train.Resume != "" {
		if _, err := checkpoint.LoadFile[Backend](cfg.Train.Resume, model); err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
		logger.Info("Model state restored.", "path", cfg.Train.Resume)
	}
	logger.Info("Model built.",
		"blocks", cfg.Model.Blocks,
		"parameters", countParameters(model),
		"layout", cfg.Train.Layout,
		"optimizer", cfg.Train.Optimizer,
	)

	summary := &Summary{RunID: runID, DTREnabled: cfg.DTR.Enabled}
	if cfg.DTR.Enabled {
		pool := dtr.Enable(dtr.Config{
			Budget:        cfg.DTR.Budget,
			MinEvictBytes: cfg.DTR.MinEvictBytes,
			Logger:        logger,
		})
		defer func() {
			summary.DTR = pool.Stats()
			dtr.Disable()
		}()
	}

	trainer := New[Backend](model, NewOptimizer(cfg.Train, model.Parameters()), backend)
	for i := 0; i < cfg.Train.Steps; i++ {
		data, labels := RandomBatch(rng, cfg.Data, cfg.Model.Classes, backend)
		if channelLast {
			if _, err := amp.ConvertTensorFormat(data, true); err != nil {
				return summary, fmt.Errorf("convert batch: %w", err)
			}
		}

		loss, err := trainer.Step(ctx, data, labels)
		if err != nil {
			return summary, fmt.Errorf("train: %w", err)
		}
		summary.Losses = append(summary.Losses, loss)
		logger.Info("Step finished.", "step", i+1, "of", cfg.Train.Steps, "loss", loss)
	}

	if cfg.Train.Checkpoint != "" {
		meta := map[string]string{
			"run_id": runID,
			"steps":  strconv.Itoa(cfg.Train.Steps),
			"layout": cfg.Train.Layout,
		}
		if err := checkpoint.SaveFile[Backend](cfg.Train.Checkpoint, model, meta); err != nil {
			return summary, fmt.Errorf("save checkpoint: %w", err)
		}
		summary.Checkpoint = cfg.Train.Checkpoint
		logger.Info("Checkpoint written.", "path", cfg.Train.Checkpoint)
	}

	summary.Elapsed = time.Since(start)
	return summary, nil
}

// NewOptimizer builds the optimizer named by cfg.Optimizer ("sgd" or "adam").
func NewOptimizer[B tensor.Backend](cfg config.TrainConfig, params []*nn.Parameter[B]) optim.Optimizer {
	if cfg.Optimizer == "adam" {
		return optim.NewAdam(params, optim.AdamConfig{
			LR:          float32(cfg.LR),
			WeightDecay: float32(cfg.WeightDecay),
		})
	}
	return optim.NewSGD(params, optim.SGDConfig{
		LR:          float32(cfg.LR),
		Momentum:    float32(cfg.Momentum),
		WeightDecay: float32(cfg.WeightDecay),
	})
}

// RandomBatch draws a channel-first image batch uniform in [0, 1) and
// uniform int32 labels in [0, classes).
func RandomBatch[B tensor.Backend](rng *rand.Rand, cfg config.DataConfig, classes int, backend B) (*tensor.Tensor[float32, B], *tensor.Tensor[int32, B]) {
	data := tensor.Zeros[float32](tensor.Shape{cfg.Batch, InputChannels, cfg.Height, cfg.Width}, backend)
	values := data.Data()
	for i := range values {
		values[i] = rng.Float32()
	}
	labels := tensor.RandIntFrom[int32](rng, tensor.Shape{cfg.Batch}, classes, backend)
	return data, labels
}

func countParameters[B tensor.Backend](m nn.Module[B]) int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Tensor().NumElements()
	}
	return n
}
