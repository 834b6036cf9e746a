package reuse

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abshkbh/qalloc/pkg/qubit"
)

func newTestAllocator(t *testing.T, opts qubit.Options) *Allocator {
	t.Helper()
	a, err := New(opts)
	require.NoError(t, err)
	assertInvariants(t, a)
	return a
}

func assertInvariants(t *testing.T, a *Allocator) {
	t.Helper()
	require.NoError(t, a.Validate())
	assert.Equal(t, a.Capacity(), a.FreeCount()+a.AllocatedCount()+a.DisabledCount())
}

func mustAllocate(t *testing.T, a *Allocator) qubit.ID {
	t.Helper()
	id, err := a.Allocate()
	require.NoError(t, err)
	return id
}

func TestNew(t *testing.T) {
	a := newTestAllocator(t, qubit.Options{})
	assert.Equal(t, 1, a.Capacity(), "capacity is raised to one")
	assert.Zero(t, a.Depth())

	_, err := New(qubit.Options{Capacity: -3})
	require.ErrorIs(t, err, qubit.ErrArgument)
	_, err = New(qubit.Options{Capacity: 10, MaxCapacity: 4})
	require.ErrorIs(t, err, qubit.ErrArgument)
}

func TestRestrictedReuseScenario(t *testing.T) {
	a := newTestAllocator(t, qubit.Options{Capacity: 3})

	q0 := mustAllocate(t, a)
	assert.Equal(t, qubit.ID(0), q0)

	a.StartReuseArea()
	q1 := mustAllocate(t, a)
	assert.Equal(t, qubit.ID(1), q1)
	require.NoError(t, a.Release(q1))
	a.NextReuseSegment()

	q2 := mustAllocate(t, a)
	assert.Equal(t, qubit.ID(2), q2, "id 1 is prohibited in the new segment")
	require.NoError(t, a.Release(q2))
	a.NextReuseSegment()
	assertInvariants(t, a)

	_, err := a.Allocate()
	require.ErrorIs(t, err, qubit.ErrResourceExhausted)
	var exhausted *qubit.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 0, exhausted.Available)

	a.EndReuseArea()
	assertInvariants(t, a)
	assert.Equal(t, 2, a.AvailableCount())

	q3 := mustAllocate(t, a)
	assert.Equal(t, qubit.ID(2), q3, "most recently touched id comes back first")
	q4 := mustAllocate(t, a)
	assert.Equal(t, qubit.ID(1), q4)
	assertInvariants(t, a)
}

func TestReuseWithinSegment(t *testing.T) {
	a := newTestAllocator(t, qubit.Options{Capacity: 4})

	a.StartReuseArea()
	q := mustAllocate(t, a)
	require.NoError(t, a.Release(q))
	assert.Equal(t, q, mustAllocate(t, a), "released ids are reusable inside the same segment")
	a.EndReuseArea()
	assertInvariants(t, a)
}

func TestOuterReusableIDsVisibleInsideArea(t *testing.T) {
	a := newTestAllocator(t, qubit.Options{Capacity: 2})

	q := mustAllocate(t, a)
	require.NoError(t, a.Release(q))

	cu := a.EnterReuseArea()
	got := mustAllocate(t, a)
	assert.Equal(t, q, got, "ids released before the area opened stay reusable")
	require.NoError(t, a.Release(got))
	cu.Clean()

	assert.Zero(t, a.Depth())
	assert.Equal(t, q, mustAllocate(t, a))
	assertInvariants(t, a)
}

func TestNestedAreasQuarantineInnerReleases(t *testing.T) {
	a := newTestAllocator(t, qubit.Options{Capacity: 4})

	outer := a.EnterReuseArea()
	q0 := mustAllocate(t, a)

	inner := a.EnterReuseArea()
	q1 := mustAllocate(t, a)
	require.NoError(t, a.Release(q1))
	a.NextReuseSegment()
	q2 := mustAllocate(t, a)
	assert.NotEqual(t, q1, q2)
	inner.Clean()
	assertInvariants(t, a)

	// The inner area's ids are now reusable in the outer area's segment.
	assert.Equal(t, q1, mustAllocate(t, a))

	require.NoError(t, a.Release(q0))
	a.NextReuseSegment()
	q3 := mustAllocate(t, a)
	assert.NotEqual(t, q0, q3, "q0 was released in a finished segment")
	outer.Clean()

	assert.Zero(t, a.Depth())
	assertInvariants(t, a)
}

func TestReleaseBindsToInnermostSection(t *testing.T) {
	a := newTestAllocator(t, qubit.Options{Capacity: 2})

	q0 := mustAllocate(t, a)
	a.StartReuseArea()
	require.NoError(t, a.Release(q0))
	a.NextReuseSegment()

	q1 := mustAllocate(t, a)
	assert.NotEqual(t, q0, q1, "released inside the area, so quarantined with the area")
	a.EndReuseArea()
	assert.Equal(t, q0, mustAllocate(t, a))
	assertInvariants(t, a)
}

func TestStackMisusePanics(t *testing.T) {
	a := newTestAllocator(t, qubit.Options{})

	assert.Panics(t, a.NextReuseSegment)
	assert.Panics(t, a.EndReuseArea)

	outer := a.EnterReuseArea()
	a.StartReuseArea()
	assert.Panics(t, outer.Clean, "outer guard cannot close while an inner area is open")
}

func TestGuardClosesAreaOnPanic(t *testing.T) {
	a := newTestAllocator(t, qubit.Options{Capacity: 2})

	func() {
		defer func() { _ = recover() }()
		cu := a.EnterReuseArea()
		defer cu.Clean()
		panic("operation failed")
	}()
	assert.Zero(t, a.Depth())
}

func TestGrowth(t *testing.T) {
	a := newTestAllocator(t, qubit.Options{Capacity: 1, MayExtendCapacity: true, MaxCapacity: 4})

	ids, err := a.AllocateN(4)
	require.NoError(t, err)
	assert.Equal(t, []qubit.ID{0, 1, 2, 3}, ids)
	assert.Equal(t, 4, a.Capacity())

	_, err = a.Allocate()
	require.ErrorIs(t, err, qubit.ErrResourceExhausted)
	assertInvariants(t, a)
}

func TestAllocateN_IsAtomic(t *testing.T) {
	a := newTestAllocator(t, qubit.Options{Capacity: 3})

	_, err := a.AllocateN(-1)
	require.ErrorIs(t, err, qubit.ErrArgument)
	ids, err := a.AllocateN(0)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = a.AllocateN(4)
	require.ErrorIs(t, err, qubit.ErrResourceExhausted)
	assert.Zero(t, a.AllocatedCount())
	assert.Equal(t, 3, a.AvailableCount())
}

func TestReleaseAndDisableValidation(t *testing.T) {
	a := newTestAllocator(t, qubit.Options{Capacity: 4})
	ids, err := a.AllocateN(2)
	require.NoError(t, err)

	require.ErrorIs(t, a.Release(qubit.ID(3)), qubit.ErrInvalidOperation, "never allocated")
	require.ErrorIs(t, a.Release(ids[0], ids[0]), qubit.ErrInvalidOperation)
	require.ErrorIs(t, a.Disable(qubit.ID(3)), qubit.ErrInvalidOperation)
	require.ErrorIs(t, a.Disable(qubit.ID(9)), qubit.ErrInvalidOperation)

	require.NoError(t, a.Disable(ids[0]))
	require.NoError(t, a.Disable(ids[0]))
	assert.True(t, a.IsDisabled(ids[0]))
	require.ErrorIs(t, a.Release(ids[0]), qubit.ErrInvalidOperation)
	assert.Equal(t, 1, a.DisabledCount())
	assert.Equal(t, 1, a.AllocatedCount())

	rest, err := a.AllocateN(a.AvailableCount())
	require.NoError(t, err)
	assert.NotContains(t, rest, ids[0])
	assertInvariants(t, a)
}

func TestBorrowDegradesToAllocation(t *testing.T) {
	a := newTestAllocator(t, qubit.Options{Capacity: 4})
	held := mustAllocate(t, a)

	borrowed, err := a.BorrowN(2, nil)
	require.NoError(t, err)
	assert.NotContains(t, borrowed, held)
	assert.Zero(t, a.BorrowableCount(nil))

	require.NoError(t, a.Return(borrowed...))
	assert.Equal(t, 1, a.AllocatedCount())
	assertInvariants(t, a)
}

func TestAllocatedIDs(t *testing.T) {
	a := newTestAllocator(t, qubit.Options{Capacity: 4})
	ids, err := a.AllocateN(3)
	require.NoError(t, err)
	require.NoError(t, a.Release(ids[1]))

	assert.Equal(t, []qubit.ID{0, 2}, slices.Collect(a.AllocatedIDs()))
}
