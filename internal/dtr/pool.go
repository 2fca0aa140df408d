package dtr

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/born-ml/remat/internal/tensor"
)

// ErrNotTracked is returned when an evicted tensor has no producer in the pool.
var ErrNotTracked = errors.New("dtr: evicted tensor is not tracked by the pool")

// Producer rebuilds a tensor from its inputs.
// Every recorded autodiff operation satisfies it.
type Producer interface {
	Inputs() []*tensor.RawTensor
	Recompute(backend tensor.Backend) *tensor.RawTensor
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Registered         int
	Evictions          int
	Rematerializations int
	ResidentBytes      int64
	PeakBytes          int64
}

type entry struct {
	raw        *tensor.RawTensor
	producer   Producer
	cost       time.Duration
	bytes      int64
	lastAccess uint64
	pins       int
}

// staleness is the number of pool ticks since the entry was last touched.
func (e *entry) staleness(now uint64) float64 {
	return float64(now-e.lastAccess) + 1
}

// score is the eviction heuristic: cheap to recompute, large and stale
// tensors go first.
func (e *entry) score(now uint64) float64 {
	cost := float64(e.cost.Nanoseconds()) + 1
	return cost / (float64(e.bytes) * e.staleness(now))
}

// Pool tracks op outputs and evicts them under a memory budget.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	logger  *slog.Logger
	entries map[*tensor.RawTensor]*entry
	clock   uint64
	stats   Stats
}

// NewPool creates a pool without installing it globally.
func NewPool(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger.With("component", "dtr"),
		entries: make(map[*tensor.RawTensor]*entry),
	}
}

// Config returns the pool configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Register tracks out as produced by producer at the given compute cost and
// evicts other tensors if the budget is exceeded.
func (p *Pool) Register(out *tensor.RawTensor, producer Producer, cost time.Duration) {
	bytes := int64(out.ByteSize())
	if bytes == 0 || bytes < p.cfg.MinEvictBytes {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[out]; ok {
		return
	}
	p.clock++
	e := &entry{
		raw:        out,
		producer:   producer,
		cost:       cost,
		bytes:      bytes,
		lastAccess: p.clock,
	}
	p.entries[out] = e
	p.stats.Registered++
	p.grow(bytes)

	e.pins++
	p.evictToBudget()
	e.pins--
}

// Pin protects the given tensors from eviction until Unpin.
// Untracked tensors are ignored.
func (p *Pool) Pin(raws ...*tensor.RawTensor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pin(raws)
}

// Unpin releases a Pin.
func (p *Pool) Unpin(raws ...*tensor.RawTensor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpin(raws)
}

func (p *Pool) pin(raws []*tensor.RawTensor) {
	for _, r := range raws {
		if e, ok := p.entries[r]; ok {
			e.pins++
		}
	}
}

func (p *Pool) unpin(raws []*tensor.RawTensor) {
	for _, r := range raws {
		if e, ok := p.entries[r]; ok && e.pins > 0 {
			e.pins--
		}
	}
}

// Materialize makes every given tensor resident, recomputing evicted ones
// with backend. Recomputed data is written back into the same RawTensor.
func (p *Pool) Materialize(backend tensor.Backend, raws ...*tensor.RawTensor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pin(raws)
	defer p.unpin(raws)

	for _, r := range raws {
		if err := p.materialize(backend, r); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) materialize(backend tensor.Backend, r *tensor.RawTensor) error {
	e, ok := p.entries[r]
	if !ok {
		if r.IsEvicted() {
			return fmt.Errorf("%w: %s%v", ErrNotTracked, r.DType(), r.Shape())
		}
		return nil
	}

	p.clock++
	e.lastAccess = p.clock
	if !r.IsEvicted() {
		return nil
	}

	inputs := e.producer.Inputs()
	p.pin(inputs)
	defer p.unpin(inputs)
	for _, in := range inputs {
		if err := p.materialize(backend, in); err != nil {
			return err
		}
	}

	start := time.Now()
	fresh := e.producer.Recompute(backend)
	e.cost = time.Since(start)
	if err := r.Restore(fresh); err != nil {
		return fmt.Errorf("dtr: rematerialize: %w", err)
	}
	fresh.Release()

	p.stats.Rematerializations++
	p.grow(e.bytes)
	p.logger.Debug("rematerialized", "shape", r.Shape(), "bytes", e.bytes, "cost", e.cost)

	e.pins++
	p.evictToBudget()
	e.pins--
	return nil
}

func (p *Pool) grow(bytes int64) {
	p.stats.ResidentBytes += bytes
	if p.stats.ResidentBytes > p.stats.PeakBytes {
		p.stats.PeakBytes = p.stats.ResidentBytes
	}
}

// evictToBudget evicts the lowest-scoring candidates until resident bytes fit
// the budget or nothing else can be evicted.
func (p *Pool) evictToBudget() {
	if p.cfg.Budget <= 0 {
		return
	}
	for p.stats.ResidentBytes > p.cfg.Budget {
		victim := p.pickVictim()
		if victim == nil {
			return
		}
		if victim.raw.Evict() == 0 {
			return
		}
		p.stats.ResidentBytes -= victim.bytes
		p.stats.Evictions++
		p.logger.Debug("evicted", "shape", victim.raw.Shape(), "bytes", victim.bytes, "cost", victim.cost)
	}
}

func (p *Pool) pickVictim() *entry {
	var (
		best      *entry
		bestScore float64
	)
	for _, e := range p.entries {
		if e.pins > 0 || e.raw.IsEvicted() || !e.raw.IsUnique() {
			continue
		}
		s := e.score(p.clock)
		if best == nil || s < bestScore {
			best, bestScore = e, s
		}
	}
	return best
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Tracked returns the number of tensors currently tracked.
func (p *Pool) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Reset forgets every tracked tensor. Evicted tensors stay evicted; call it
// once the tape that references them is discarded. Counters other than
// ResidentBytes are kept.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[*tensor.RawTensor]*entry)
	p.stats.ResidentBytes = 0
}
