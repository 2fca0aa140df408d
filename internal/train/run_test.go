package train_test

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/remat/internal/checkpoint"
	"github.com/born-ml/remat/internal/config"
	"github.com/born-ml/remat/internal/dtr"
	"github.com/born-ml/remat/internal/train"
)

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.Data = config.DataConfig{Batch: 2, Height: 8, Width: 8, Seed: 3}
	cfg.Train.Steps = 2
	cfg.DTR.Budget = 32 << 10
	return &cfg
}

func TestRun(t *testing.T) {
	tests := []struct {
		name      string
		layout    string
		optimizer string
		dtr       bool
	}{
		{"nchw sgd dtr", "nchw", "sgd", true},
		{"nhwc sgd dtr", "nhwc", "sgd", true},
		{"nchw adam", "nchw", "adam", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig()
			cfg.Train.Layout = tt.layout
			cfg.Train.Optimizer = tt.optimizer
			cfg.DTR.Enabled = tt.dtr

			summary, err := train.Run(testContext(), cfg)
			require.NoError(t, err)

			assert.NotEmpty(t, summary.RunID)
			require.Len(t, summary.Losses, 2)
			assert.False(t, math.IsNaN(float64(summary.FinalLoss())))
			assert.Equal(t, tt.dtr, summary.DTREnabled)
			if tt.dtr {
				assert.Positive(t, summary.DTR.Registered)
			}
			assert.False(t, dtr.Enabled(), "Run disables the pool it enabled")
		})
	}
}

func TestRun_LayoutsTrainAlike(t *testing.T) {
	nchw := smallConfig()
	nchw.DTR.Enabled = false
	nhwc := smallConfig()
	nhwc.DTR.Enabled = false
	nhwc.Train.Layout = "nhwc"

	a, err := train.Run(testContext(), nchw)
	require.NoError(t, err)
	b, err := train.Run(testContext(), nhwc)
	require.NoError(t, err)

	assert.InDeltaSlice(t, a.Losses, b.Losses, 1e-3)
}

func TestSummary_FinalLossWithoutSteps(t *testing.T) {
	assert.True(t, math.IsNaN(float64((&train.Summary{}).FinalLoss())))
}

func TestRun_CheckpointAndResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")

	first := smallConfig()
	first.Train.Checkpoint = path
	saved, err := train.Run(testContext(), first)
	require.NoError(t, err)
	assert.Equal(t, path, saved.Checkpoint)

	c, err := checkpoint.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, saved.RunID, c.Metadata["run_id"])
	assert.Equal(t, "nchw", c.Metadata["layout"])

	fresh, err := train.Run(testContext(), smallConfig())
	require.NoError(t, err)

	resumed := smallConfig()
	resumed.Train.Resume = path
	again, err := train.Run(testContext(), resumed)
	require.NoError(t, err)
	assert.NotEqual(t, fresh.Losses[0], again.Losses[0], "resumed run starts from trained weights")

	mismatched := smallConfig()
	mismatched.Train.Resume = path
	mismatched.Train.Layout = "nhwc"
	_, err = train.Run(testContext(), mismatched)
	assert.ErrorIs(t, err, checkpoint.ErrMismatch)
}
