package config

// Config is a fully resolved training configuration.
type Config struct {
	Model ModelConfig
	Data  DataConfig
	Train TrainConfig
	DTR   DTRConfig
}

// ModelConfig describes the residual network.
type ModelConfig struct {
	// Blocks is the number of residual blocks in each of the three stages.
	Blocks  [3]int
	Classes int
}

// DataConfig describes the random input batches.
type DataConfig struct {
	Batch  int
	Height int
	Width  int
	Seed   int64
}

// TrainConfig holds optimizer and loop settings.
type TrainConfig struct {
	Steps       int
	Optimizer   string // "sgd" or "adam"
	LR          float64
	Momentum    float64
	WeightDecay float64
	Layout      string // "nchw" or "nhwc"

	// Resume names a checkpoint loaded into the model before training.
	Resume string
	// Checkpoint names the file the trained model is written to.
	Checkpoint string
}

// DTRConfig controls tensor rematerialization.
type DTRConfig struct {
	Enabled       bool
	Budget        int64 // bytes; 0 disables eviction
	MinEvictBytes int64
}

// Default returns the configuration used for absent blocks and attributes.
func Default() Config {
	return Config{
		Model: ModelConfig{Blocks: [3]int{1, 1, 1}, Classes: 10},
		Data:  DataConfig{Batch: 8, Height: 16, Width: 16, Seed: 1},
		Train: TrainConfig{
			Steps:       10,
			Optimizer:   "sgd",
			LR:          0.05,
			Momentum:    0.9,
			WeightDecay: 1e-4,
			Layout:      "nchw",
		},
		DTR: DTRConfig{Enabled: true, Budget: 4 << 20, MinEvictBytes: 1024},
	}
}

// fileRoot mirrors the HCL file. Pointer blocks are pre-populated with
// defaults before decoding so absent attributes keep them.
type fileRoot struct {
	Model *modelBlock `hcl:"model,block"`
	Data  *dataBlock  `hcl:"data,block"`
	Train *trainBlock `hcl:"train,block"`
	DTR   *dtrBlock   `hcl:"dtr,block"`
}

type modelBlock struct {
	Blocks  []int `hcl:"blocks,optional"`
	Classes int   `hcl:"classes,optional"`
}

type dataBlock struct {
	Batch  int   `hcl:"batch,optional"`
	Height int   `hcl:"height,optional"`
	Width  int   `hcl:"width,optional"`
	Seed   int64 `hcl:"seed,optional"`
}

type trainBlock struct {
	Steps       int     `hcl:"steps,optional"`
	Optimizer   string  `hcl:"optimizer,optional"`
	LR          float64 `hcl:"lr,optional"`
	Momentum    float64 `hcl:"momentum,optional"`
	WeightDecay float64 `hcl:"weight_decay,optional"`
	Layout      string  `hcl:"layout,optional"`
	Resume      string  `hcl:"resume,optional"`
	Checkpoint  string  `hcl:"checkpoint,optional"`
}

type dtrBlock struct {
	Enabled       bool   `hcl:"enabled,optional"`
	Budget        string `hcl:"budget,optional"`
	MinEvictBytes int64  `hcl:"min_evict_bytes,optional"`
}
