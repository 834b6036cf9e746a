// Package qubit holds the types shared by every resource allocator: the id
// handle, construction options, the error taxonomy and the Allocator
// interface that the call-scope tracker decorates.
package qubit

import (
	"fmt"
	"math"
)

// ID is the only public handle to a resource. It indexes the allocator's
// status array and is meaningless once released or disabled.
type ID int

const (
	// None marks the end of a free list.
	None ID = -1

	// MinCapacity is the capacity floor of the free-list allocator.
	MinCapacity = 8

	// MaxCapacity bounds growth when Options.MaxCapacity is unset.
	MaxCapacity = math.MaxInt32
)

// Options configure an allocator at construction.
type Options struct {
	// Capacity is the initial slot count. The free-list allocator raises it
	// to MinCapacity.
	Capacity int
	// MaxCapacity caps growth. Zero means MaxCapacity.
	MaxCapacity int
	// MayExtendCapacity lets the allocator double its capacity on demand.
	MayExtendCapacity bool
	// DisableBorrowing makes Borrow hand out fresh ids only.
	DisableBorrowing bool
	// EncourageReuse selects LIFO reuse of released ids. FIFO otherwise.
	EncourageReuse bool
}

// DefaultOptions returns a fixed-size, LIFO, borrow-enabled configuration.
func DefaultOptions() Options {
	return Options{
		Capacity:       MinCapacity,
		EncourageReuse: true,
	}
}

// Limit returns the effective growth limit.
func (o Options) Limit() int {
	if o.MaxCapacity <= 0 || o.MaxCapacity > MaxCapacity {
		return MaxCapacity
	}
	return o.MaxCapacity
}

func (o Options) String() string {
	return fmt.Sprintf(`{
Capacity: %d
MaxCapacity: %d
MayExtendCapacity: %t
DisableBorrowing: %t
EncourageReuse: %t
}`,
		o.Capacity,
		o.MaxCapacity,
		o.MayExtendCapacity,
		o.DisableBorrowing,
		o.EncourageReuse,
	)
}

// Allocator is the surface a scope tracker needs from an allocator variant.
type Allocator interface {
	AllocateN(n int) ([]ID, error)
	Release(ids ...ID) error
	BorrowN(n int, excluded []ID) ([]ID, error)
	Return(ids ...ID) error
	Disable(ids ...ID) error
	// IsValid reports whether id is inside the allocator's current capacity.
	IsValid(id ID) bool
	IsDisabled(id ID) bool
	// BorrowableCount reports how many ids a borrow excluding `excluded`
	// could hand out without allocating.
	BorrowableCount(excluded []ID) int
	FreeCount() int
	AllocatedCount() int
}
