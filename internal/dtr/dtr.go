// Package dtr implements dynamic tensor rematerialization: under a memory
// budget, intermediate results recorded on the gradient tape are evicted and
// recomputed from their producing operation when they are needed again.
//
// A single process-wide pool is switched on with Enable and off with Disable.
// The autodiff backend consults Active on every operation.
package dtr

import (
	"log/slog"
	"sync/atomic"
)

// Config controls the rematerialization pool.
type Config struct {
	// Budget is the number of resident bytes of evictable tensors above which
	// eviction starts. Zero disables eviction; tensors are still tracked.
	Budget int64

	// MinEvictBytes excludes tensors smaller than this from tracking.
	MinEvictBytes int64

	// Logger receives eviction and rematerialization events at debug level.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

var active atomic.Pointer[Pool]

// Enable installs a fresh pool built from cfg and returns it. A previously
// enabled pool is replaced.
func Enable(cfg Config) *Pool {
	p := NewPool(cfg)
	active.Store(p)
	p.logger.Info("dtr enabled", "budget", cfg.Budget, "min_evict_bytes", cfg.MinEvictBytes)
	return p
}

// Disable removes the active pool. Tensors it evicted stay evicted until
// the pool that evicted them restores them, so disable between steps.
func Disable() {
	if p := active.Swap(nil); p != nil {
		p.logger.Info("dtr disabled", "stats", p.Stats())
	}
}

// Enabled reports whether a pool is active.
func Enabled() bool {
	return active.Load() != nil
}

// Active returns the active pool, or nil.
func Active() *Pool {
	return active.Load()
}
