// Package config loads the HCL training configuration read by cmd/remat.
//
// A configuration file has up to four blocks, all optional:
//
//	model { blocks = [1, 1, 1]  classes = 10 }
//	data  { batch = 8  height = 16  width = 16  seed = 1 }
//	train { steps = 10  optimizer = "sgd"  lr = 0.05  momentum = 0.9  weight_decay = 1e-4  layout = "nchw" }
//	dtr   { enabled = true  budget = "4MiB"  min_evict_bytes = 1024 }
//
// Expressions can read the process environment through env.NAME and call
// the go-cty standard functions (max, min, upper, tonumber, format, ...).
package config
