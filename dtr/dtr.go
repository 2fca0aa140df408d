// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package dtr switches dynamic tensor rematerialization on and off.
//
// While enabled, results recorded by an autodiff backend are tracked; when
// their total size exceeds the budget, the cheapest-to-recompute, largest,
// least recently used ones are evicted and recomputed on next use.
//
// Example:
//
//	dtr.Enable(dtr.Config{Budget: 64 << 20})
//	defer dtr.Disable()
package dtr

import (
	"github.com/born-ml/remat/internal/dtr"
)

// Config controls the rematerialization pool.
type Config = dtr.Config

// Pool tracks evictable tensors.
type Pool = dtr.Pool

// Stats are cumulative pool counters.
type Stats = dtr.Stats

// ErrNotTracked is returned when an evicted tensor has no producer.
var ErrNotTracked = dtr.ErrNotTracked

// Enable installs a new pool built from cfg and returns it.
func Enable(cfg Config) *Pool {
	return dtr.Enable(cfg)
}

// Disable removes the active pool.
func Disable() {
	dtr.Disable()
}

// Enabled reports whether a pool is active.
func Enabled() bool {
	return dtr.Enabled()
}

// Active returns the active pool, or nil.
func Active() *Pool {
	return dtr.Active()
}
