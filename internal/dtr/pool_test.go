package dtr_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/remat/internal/autodiff/ops"
	"github.com/born-ml/remat/internal/backend/cpu"
	"github.com/born-ml/remat/internal/dtr"
	"github.com/born-ml/remat/internal/tensor"
)

func leaf(t *testing.T, rng *rand.Rand, n int) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(tensor.Shape{n}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	for i := range r.AsFloat32() {
		r.AsFloat32()[i] = float32(rng.NormFloat64())
	}
	return r
}

// chain builds x -> relu -> relu ... and returns the ops in order.
func chain(backend *cpu.CPUBackend, x *tensor.RawTensor, n int) []*ops.ReLUOp {
	out := make([]*ops.ReLUOp, 0, n)
	in := x
	for i := 0; i < n; i++ {
		y := backend.MulScalar(backend.ReLU(in), 2)
		op := ops.NewReLUOp(in, y)
		out = append(out, op)
		in = y
	}
	return out
}

// scaledReLU wraps ReLUOp so Recompute matches the chain's forward.
type scaledReLU struct{ *ops.ReLUOp }

func (s scaledReLU) Recompute(b tensor.Backend) *tensor.RawTensor {
	return b.MulScalar(s.ReLUOp.Recompute(b), 2)
}

func TestPool_SkipsSmallTensors(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(1))
	pool := dtr.NewPool(dtr.Config{Budget: 1, MinEvictBytes: 64})

	x := leaf(t, rng, 4)
	op := chain(backend, x, 1)[0]
	pool.Register(op.Output(), op, time.Microsecond)

	assert.Equal(t, 0, pool.Tracked())
	assert.Equal(t, 0, pool.Stats().Registered)
}

func TestPool_EvictsOverBudget(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(2))
	const n = 256 // 1 KiB per tensor
	pool := dtr.NewPool(dtr.Config{Budget: 2 * 4 * n})

	x := leaf(t, rng, n)
	steps := chain(backend, x, 5)
	for _, op := range steps {
		pool.Register(op.Output(), scaledReLU{op}, time.Millisecond)
	}

	stats := pool.Stats()
	assert.Equal(t, 5, stats.Registered)
	assert.Equal(t, 3, stats.Evictions)
	assert.Equal(t, int64(2*4*n), stats.ResidentBytes)
	assert.Equal(t, int64(3*4*n), stats.PeakBytes)
	assert.False(t, steps[4].Output().IsEvicted(), "newest tensor is never evicted on registration")
	assert.False(t, x.IsEvicted(), "leaves are untracked")
}

func TestPool_PinnedTensorsSurvive(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(3))
	const n = 256
	pool := dtr.NewPool(dtr.Config{Budget: 4 * n})

	x := leaf(t, rng, n)
	steps := chain(backend, x, 3)
	pool.Register(steps[0].Output(), scaledReLU{steps[0]}, time.Millisecond)
	pool.Pin(steps[0].Output())
	pool.Register(steps[1].Output(), scaledReLU{steps[1]}, time.Millisecond)
	pool.Register(steps[2].Output(), scaledReLU{steps[2]}, time.Millisecond)

	assert.False(t, steps[0].Output().IsEvicted())
	assert.True(t, steps[1].Output().IsEvicted())

	pool.Unpin(steps[0].Output())
}

func TestPool_MaterializeRecomputesRecursively(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(4))
	const n = 256
	pool := dtr.NewPool(dtr.Config{Budget: 4 * n})

	x := leaf(t, rng, n)
	steps := chain(backend, x, 4)
	want := make([][]float32, len(steps))
	for i, op := range steps {
		want[i] = append([]float32(nil), op.Output().AsFloat32()...)
		pool.Register(op.Output(), scaledReLU{op}, time.Millisecond)
	}
	require.True(t, steps[1].Output().IsEvicted())
	require.True(t, steps[2].Output().IsEvicted())

	target := steps[2].Output()
	require.NoError(t, pool.Materialize(backend, target))

	assert.False(t, target.IsEvicted())
	assert.Same(t, steps[2].Output(), target)
	assert.Equal(t, want[2], target.AsFloat32())
	// Step 2 needs step 1, which needs step 0.
	assert.Equal(t, 3, pool.Stats().Rematerializations)
	assert.False(t, steps[1].Output().IsEvicted())
}

func TestPool_MaterializeUntrackedEvicted(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	pool := dtr.NewPool(dtr.Config{})

	x := leaf(t, rng, 8)
	require.Positive(t, x.Evict())

	err := pool.Materialize(cpu.New(), x)
	assert.ErrorIs(t, err, dtr.ErrNotTracked)
}

func TestPool_ZeroBudgetOnlyTracks(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(6))
	pool := dtr.NewPool(dtr.Config{})

	for _, op := range chain(backend, leaf(t, rng, 64), 3) {
		pool.Register(op.Output(), scaledReLU{op}, time.Millisecond)
	}

	assert.Equal(t, 3, pool.Tracked())
	assert.Zero(t, pool.Stats().Evictions)
}

func TestPool_Reset(t *testing.T) {
	backend := cpu.New()
	rng := rand.New(rand.NewSource(7))
	pool := dtr.NewPool(dtr.Config{})
	for _, op := range chain(backend, leaf(t, rng, 64), 2) {
		pool.Register(op.Output(), scaledReLU{op}, time.Millisecond)
	}

	pool.Reset()

	assert.Zero(t, pool.Tracked())
	assert.Zero(t, pool.Stats().ResidentBytes)
	assert.Equal(t, 2, pool.Stats().Registered)
}

func TestGlobalSwitch(t *testing.T) {
	t.Cleanup(dtr.Disable)

	assert.False(t, dtr.Enabled())
	assert.Nil(t, dtr.Active())

	p := dtr.Enable(dtr.Config{Budget: 1 << 20})
	assert.True(t, dtr.Enabled())
	assert.Same(t, p, dtr.Active())
	assert.Equal(t, int64(1<<20), dtr.Active().Config().Budget)

	dtr.Disable()
	assert.False(t, dtr.Enabled())
}
