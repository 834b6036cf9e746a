package server

import (
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abshkbh/qalloc/pkg/config"
	"github.com/abshkbh/qalloc/pkg/qubit"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(config.DefaultAllocatorConfig())
}

func TestRegistry_CreateGetDelete(t *testing.T) {
	r := newTestRegistry(t)

	p, err := r.Create(nil)
	require.NoError(t, err)

	got, err := r.Get(p.ID())
	require.NoError(t, err)
	assert.Same(t, p, got)

	stats := p.Stats()
	assert.Equal(t, config.PolicyFreeList, stats.Policy)
	assert.Equal(t, qubit.MinCapacity, stats.Capacity)
	assert.Equal(t, qubit.MinCapacity, stats.Free)
	assert.Empty(t, stats.AllocatedIDs)
	assert.Len(t, r.List(), 1)

	require.NoError(t, r.Delete(p.ID()))
	_, err = r.Get(p.ID())
	require.ErrorIs(t, err, ErrPoolNotFound)
	require.ErrorIs(t, r.Delete(p.ID()), ErrPoolNotFound)
	_, err = r.Get("not-a-uuid")
	require.ErrorIs(t, err, ErrPoolNotFound)
}

func TestRegistry_CreateRejectsBadConfig(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create(&config.AllocatorConfig{Policy: "lru"})
	require.ErrorIs(t, err, qubit.ErrArgument)
	assert.Empty(t, r.List())
}

func TestRegistry_CreateRejectsOversizedPool(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create(&config.AllocatorConfig{Policy: config.PolicyFreeList, Capacity: 1<<31 - 1})
	require.ErrorIs(t, err, qubit.ErrArgument)
	_, err = r.Create(&config.AllocatorConfig{Policy: config.PolicyRestricted, MaxCapacity: 1 << 30})
	require.ErrorIs(t, err, qubit.ErrArgument)
	assert.Empty(t, r.List())
}

func TestPool_AllocateBeyondCapacityLimit(t *testing.T) {
	r := newTestRegistry(t)
	cfg := config.DefaultAllocatorConfig()
	cfg.MayExtendCapacity = true
	p, err := r.Create(&cfg)
	require.NoError(t, err)

	_, err = p.Allocate(2000000000)
	require.ErrorIs(t, err, qubit.ErrResourceExhausted)
	assert.Equal(t, qubit.MinCapacity, p.Stats().Capacity)
}

func TestPool_PushFrameIgnoresUnownedIDs(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Create(nil)
	require.NoError(t, err)
	ids, err := p.Allocate(1)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		require.NoError(t, p.PushFrame([]qubit.ID{ids[0], qubit.ID(1 << 62), -1}))
	})
	current, _ := p.Exclusion()
	assert.Equal(t, ids, current)
	require.NoError(t, p.PopFrame())
}

func TestRegistry_DeleteAll(t *testing.T) {
	r := newTestRegistry(t)
	for range 3 {
		_, err := r.Create(nil)
		require.NoError(t, err)
	}
	list := r.List()
	require.Len(t, list, 3)
	assert.True(t, slices.IsSortedFunc(list, func(a, b PoolStats) int {
		return strings.Compare(a.ID, b.ID)
	}), "pools are listed by handle")

	assert.Equal(t, 3, r.DeleteAll())
	assert.Empty(t, r.List())
}

func TestPool_FreeListLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Create(nil)
	require.NoError(t, err)

	ids, err := p.Allocate(3)
	require.NoError(t, err)
	assert.Equal(t, []qubit.ID{0, 1, 2}, ids)

	require.NoError(t, p.PushFrame([]qubit.ID{1}))
	borrowed, err := p.Borrow(2)
	require.NoError(t, err)
	assert.Equal(t, []qubit.ID{0, 2}, borrowed)

	current, parent := p.Exclusion()
	assert.Equal(t, []qubit.ID{0, 1, 2}, current)
	assert.Nil(t, parent)

	// ids[1] is an argument, not a local of this frame.
	require.ErrorIs(t, p.Release([]qubit.ID{1}), qubit.ErrInvalidOperation)

	require.NoError(t, p.Return(borrowed))
	require.NoError(t, p.PopFrame())
	require.ErrorIs(t, p.PopFrame(), qubit.ErrInvalidOperation)

	require.NoError(t, p.Disable([]qubit.ID{1}))
	require.NoError(t, p.Release([]qubit.ID{0, 2}))

	stats := p.Stats()
	assert.Equal(t, 1, stats.Disabled)
	assert.Zero(t, stats.Allocated)
	assert.Zero(t, stats.FrameDepth)

	require.ErrorIs(t, p.StartReuseArea(), qubit.ErrInvalidOperation)
	_, err = p.Allocate(-1)
	require.ErrorIs(t, err, qubit.ErrArgument)
}

func TestPool_RestrictedAreas(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Create(&config.AllocatorConfig{Policy: config.PolicyRestricted, Capacity: 3})
	require.NoError(t, err)

	_, err = p.Allocate(1)
	require.NoError(t, err)

	require.NoError(t, p.StartReuseArea())
	assert.Equal(t, 1, p.Stats().AreaDepth)
	ids, err := p.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, p.Release(ids))
	require.NoError(t, p.NextReuseSegment())
	ids, err = p.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, p.Release(ids))
	require.NoError(t, p.NextReuseSegment())

	_, err = p.Allocate(1)
	require.ErrorIs(t, err, qubit.ErrResourceExhausted)

	require.NoError(t, p.EndReuseArea())
	ids, err = p.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, []qubit.ID{2}, ids)

	require.ErrorIs(t, p.EndReuseArea(), qubit.ErrInvalidOperation)
	require.ErrorIs(t, p.NextReuseSegment(), qubit.ErrInvalidOperation)
}
