package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/born-ml/remat/internal/ctxlog"
)

// Load reads and decodes the configuration file at path, resolving env.*
// references against the process environment.
func Load(ctx context.Context, path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Decode(ctx, src, path, os.Environ())
}

// Decode parses src as HCL and returns the resolved configuration. environ
// holds KEY=value pairs exposed to expressions as env.KEY.
func Decode(ctx context.Context, src []byte, filename string, environ []string) (*Config, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Decoding config.", "file", filename)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	def := Default()
	root := fileRoot{
		Model: &modelBlock{Blocks: def.Model.Blocks[:], Classes: def.Model.Classes},
		Data:  &dataBlock{Batch: def.Data.Batch, Height: def.Data.Height, Width: def.Data.Width, Seed: def.Data.Seed},
		Train: &trainBlock{
			Steps:       def.Train.Steps,
			Optimizer:   def.Train.Optimizer,
			LR:          def.Train.LR,
			Momentum:    def.Train.Momentum,
			WeightDecay: def.Train.WeightDecay,
			Layout:      def.Train.Layout,
		},
		DTR: &dtrBlock{Enabled: def.DTR.Enabled, Budget: strconv.FormatInt(def.DTR.Budget, 10), MinEvictBytes: def.DTR.MinEvictBytes},
	}

	diags = gohcl.DecodeBody(file.Body, evalContext(environ), &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	cfg, err := root.resolve()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	logger.Debug("Config decoded.", "file", filename, "blocks", cfg.Model.Blocks, "steps", cfg.Train.Steps, "dtr_budget", cfg.DTR.Budget)
	return cfg, nil
}

// evalContext exposes env.* and the go-cty standard library.
func evalContext(environ []string) *hcl.EvalContext {
	env := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		env[name] = cty.StringVal(value)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
		Functions: map[string]function.Function{
			"abs":      stdlib.AbsoluteFunc,
			"ceil":     stdlib.CeilFunc,
			"coalesce": stdlib.CoalesceFunc,
			"floor":    stdlib.FloorFunc,
			"format":   stdlib.FormatFunc,
			"lower":    stdlib.LowerFunc,
			"max":      stdlib.MaxFunc,
			"min":      stdlib.MinFunc,
			"pow":      stdlib.PowFunc,
			"tonumber": stdlib.MakeToFunc(cty.Number),
			"tostring": stdlib.MakeToFunc(cty.String),
			"upper":    stdlib.UpperFunc,
		},
	}
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (r *fileRoot) resolve() (*Config, error) {
	var cfg Config

	if len(r.Model.Blocks) != 3 {
		return nil, invalid("model.blocks must have 3 entries, got %d", len(r.Model.Blocks))
	}
	for i, n := range r.Model.Blocks {
		if n < 1 {
			return nil, invalid("model.blocks[%d] must be positive, got %d", i, n)
		}
		cfg.Model.Blocks[i] = n
	}
	if r.Model.Classes < 1 {
		return nil, invalid("model.classes must be positive, got %d", r.Model.Classes)
	}
	cfg.Model.Classes = r.Model.Classes

	if r.Data.Batch < 1 || r.Data.Height < 1 || r.Data.Width < 1 {
		return nil, invalid("data dimensions must be positive, got batch=%d height=%d width=%d",
			r.Data.Batch, r.Data.Height, r.Data.Width)
	}
	cfg.Data = DataConfig{Batch: r.Data.Batch, Height: r.Data.Height, Width: r.Data.Width, Seed: r.Data.Seed}

	t := r.Train
	if t.Steps < 1 {
		return nil, invalid("train.steps must be positive, got %d", t.Steps)
	}
	optimizer := strings.ToLower(t.Optimizer)
	if optimizer != "sgd" && optimizer != "adam" {
		return nil, invalid("train.optimizer must be \"sgd\" or \"adam\", got %q", t.Optimizer)
	}
	if t.LR <= 0 {
		return nil, invalid("train.lr must be positive, got %g", t.LR)
	}
	if t.Momentum < 0 || t.Momentum >= 1 {
		return nil, invalid("train.momentum must be in [0, 1), got %g", t.Momentum)
	}
	if t.WeightDecay < 0 {
		return nil, invalid("train.weight_decay must not be negative, got %g", t.WeightDecay)
	}
	layout := strings.ToLower(t.Layout)
	if layout != "nchw" && layout != "nhwc" {
		return nil, invalid("train.layout must be \"nchw\" or \"nhwc\", got %q", t.Layout)
	}
	cfg.Train = TrainConfig{
		Steps:       t.Steps,
		Optimizer:   optimizer,
		LR:          t.LR,
		Momentum:    t.Momentum,
		WeightDecay: t.WeightDecay,
		Layout:      layout,
		Resume:      t.Resume,
		Checkpoint:  t.Checkpoint,
	}

	budget, err := ParseSize(r.DTR.Budget)
	if err != nil {
		return nil, invalid("dtr.budget: %v", err)
	}
	if r.DTR.MinEvictBytes < 0 {
		return nil, invalid("dtr.min_evict_bytes must not be negative, got %d", r.DTR.MinEvictBytes)
	}
	cfg.DTR = DTRConfig{Enabled: r.DTR.Enabled, Budget: budget, MinEvictBytes: r.DTR.MinEvictBytes}

	return &cfg, nil
}
