// Package freelist implements the foundational qubit id pool: O(1) allocate
// and release through an intrusive free list threaded through the status
// array, optional capacity doubling, reference-counted borrowing of already
// allocated ids, and permanent retirement of ids.
package freelist

import (
	"fmt"
	"iter"
	"slices"

	log "github.com/sirupsen/logrus"

	"github.com/abshkbh/qalloc/pkg/qubit"
)

// slotState tags one entry of the status array.
type slotState uint8

const (
	stateFree slotState = iota
	stateAllocated
	stateDisabled
	// stateBorrowed is an id allocated only to satisfy a borrow. It goes back
	// to the free list once every borrower has returned it.
	stateBorrowed
)

func (s slotState) String() string {
	switch s {
	case stateFree:
		return "FREE"
	case stateAllocated:
		return "ALLOCATED"
	case stateDisabled:
		return "DISABLED"
	case stateBorrowed:
		return "BORROWED"
	default:
		return "UNKNOWN"
	}
}

type slot struct {
	state slotState
	// next links free slots. Only meaningful in stateFree.
	next qubit.ID
	// borrows is the outstanding borrow count. Only meaningful in
	// stateBorrowed, where it is always >= 1.
	borrows int
}

// Allocator manages a pool of qubit ids. It is not safe for concurrent use.
type Allocator struct {
	slots []slot
	// Head and tail of the free list, qubit.None when empty.
	free qubit.ID
	tail qubit.ID

	freeCount      int
	allocatedCount int
	disabledCount  int

	limit            int
	mayExtend        bool
	disableBorrowing bool
	encourageReuse   bool
}

// New creates an allocator. The capacity is raised to qubit.MinCapacity.
func New(opts qubit.Options) (*Allocator, error) {
	if opts.Capacity < 0 {
		return nil, fmt.Errorf("%w: negative capacity %d", qubit.ErrArgument, opts.Capacity)
	}
	capacity := max(opts.Capacity, qubit.MinCapacity)
	limit := opts.Limit()
	if capacity > limit {
		return nil, fmt.Errorf("%w: capacity %d exceeds limit %d", qubit.ErrArgument, capacity, limit)
	}

	a := &Allocator{
		free:             qubit.None,
		tail:             qubit.None,
		limit:            limit,
		mayExtend:        opts.MayExtendCapacity,
		disableBorrowing: opts.DisableBorrowing,
		encourageReuse:   opts.EncourageReuse,
	}
	a.extend(capacity)
	return a, nil
}

// extend grows the status array to newCapacity and appends the new slots,
// in increasing id order, to the tail of the free list. The new array is
// fully linked before it replaces the old one.
func (a *Allocator) extend(newCapacity int) {
	old := len(a.slots)
	slots := make([]slot, newCapacity)
	copy(slots, a.slots)
	for i := old; i < newCapacity; i++ {
		slots[i] = slot{state: stateFree, next: qubit.ID(i + 1)}
	}
	slots[newCapacity-1].next = qubit.None

	head := a.free
	if a.tail == qubit.None {
		head = qubit.ID(old)
	} else {
		slots[a.tail].next = qubit.ID(old)
	}

	a.slots = slots
	a.free = head
	a.tail = qubit.ID(newCapacity - 1)
	a.freeCount += newCapacity - old
}

// available is the number of ids that could be allocated right now,
// counting permitted growth.
func (a *Allocator) available() int {
	if !a.mayExtend {
		return a.freeCount
	}
	return a.freeCount + a.limit - len(a.slots)
}

// ensureFree makes sure at least n ids sit on the free list, doubling the
// capacity as needed. The caller has already checked available().
func (a *Allocator) ensureFree(n int) {
	if a.freeCount >= n {
		return
	}
	capacity := len(a.slots)
	newCapacity := capacity
	for newCapacity-capacity+a.freeCount < n {
		newCapacity = min(newCapacity*2, a.limit)
	}
	a.extend(newCapacity)
	log.WithFields(log.Fields{
		"from": capacity,
		"to":   newCapacity,
	}).Debug("extended qubit capacity")
}

// take pops the head of the free list.
func (a *Allocator) take() qubit.ID {
	id := a.free
	a.free = a.slots[id].next
	if a.free == qubit.None {
		a.tail = qubit.None
	}
	a.freeCount--
	return id
}

// push puts id back on the free list: at the head when reuse is
// encouraged, at the tail otherwise.
func (a *Allocator) push(id qubit.ID) {
	s := &a.slots[id]
	s.state = stateFree
	s.borrows = 0
	a.freeCount++

	if a.encourageReuse {
		s.next = a.free
		a.free = id
		if a.tail == qubit.None {
			a.tail = id
		}
		return
	}

	s.next = qubit.None
	if a.tail == qubit.None {
		a.free = id
	} else {
		a.slots[a.tail].next = id
	}
	a.tail = id
}

// Allocate hands out a single id.
func (a *Allocator) Allocate() (qubit.ID, error) {
	ids, err := a.AllocateN(1)
	if err != nil {
		return qubit.None, err
	}
	return ids[0], nil
}

// AllocateN hands out n ids taken from the head of the free list. Either all
// n are granted or none are.
func (a *Allocator) AllocateN(n int) ([]qubit.ID, error) {
	if err := qubit.CheckCount(n); err != nil {
		return nil, err
	}
	ids := make([]qubit.ID, 0, n)
	if n == 0 {
		return ids, nil
	}
	if avail := a.available(); n > avail {
		return nil, qubit.Exhausted(n, avail)
	}

	a.ensureFree(n)
	for range n {
		id := a.take()
		a.slots[id].state = stateAllocated
		ids = append(ids, id)
	}
	a.allocatedCount += n
	return ids, nil
}

// Release returns allocated ids to the free list. Every id is checked before
// any is released, so a failing call changes nothing.
func (a *Allocator) Release(ids ...qubit.ID) error {
	seen := make(map[qubit.ID]struct{}, len(ids))
	for _, id := range ids {
		if !a.IsValid(id) {
			return qubit.InvalidOperation("qubit %d is out of range", id)
		}
		if a.slots[id].state != stateAllocated {
			return qubit.InvalidOperation("qubit %d is not allocated (%v)", id, a.slots[id].state)
		}
		if _, ok := seen[id]; ok {
			return qubit.InvalidOperation("qubit %d released twice", id)
		}
		seen[id] = struct{}{}
	}

	for _, id := range ids {
		a.push(id)
	}
	a.allocatedCount -= len(ids)
	return nil
}

// Borrow checks out a single id. See BorrowN.
func (a *Allocator) Borrow() (qubit.ID, error) {
	ids, err := a.BorrowN(1, nil)
	if err != nil {
		return qubit.None, err
	}
	return ids[0], nil
}

// BorrowN checks out n ids. Already allocated ids not listed in excluded are
// handed out first, in increasing order; any shortfall is covered by fresh
// ids that are released again once every borrower returns them. When
// borrowing is disabled only fresh ids are handed out.
//
// The scan merges the allocated ids against excluded, which is sorted first
// if it is not already.
func (a *Allocator) BorrowN(n int, excluded []qubit.ID) ([]qubit.ID, error) {
	if err := qubit.CheckCount(n); err != nil {
		return nil, err
	}
	ids := make([]qubit.ID, 0, n)
	if n == 0 {
		return ids, nil
	}

	if !a.disableBorrowing {
		ids = a.scanBorrowable(n, excluded, ids)
	}
	shortfall := n - len(ids)
	if avail := a.available(); shortfall > avail {
		return nil, qubit.Exhausted(n, len(ids)+avail)
	}

	for _, id := range ids {
		if s := &a.slots[id]; s.state == stateBorrowed {
			s.borrows++
		}
	}
	if shortfall == 0 {
		return ids, nil
	}

	a.ensureFree(shortfall)
	for range shortfall {
		id := a.take()
		a.slots[id] = slot{state: stateBorrowed, next: qubit.None, borrows: 1}
		ids = append(ids, id)
	}
	a.allocatedCount += shortfall
	return ids, nil
}

// scanBorrowable appends up to n allocated, non-excluded ids to dst.
func (a *Allocator) scanBorrowable(n int, excluded []qubit.ID, dst []qubit.ID) []qubit.ID {
	excluded = sortedIDs(excluded)
	next := 0
	for i := 0; i < len(a.slots) && len(dst) < n; i++ {
		id := qubit.ID(i)
		if st := a.slots[i].state; st != stateAllocated && st != stateBorrowed {
			continue
		}
		for next < len(excluded) && excluded[next] < id {
			next++
		}
		if next < len(excluded) && excluded[next] == id {
			continue
		}
		dst = append(dst, id)
	}
	return dst
}

// BorrowableCount reports how many allocated ids a borrow excluding
// `excluded` could hand out without allocating fresh ones.
func (a *Allocator) BorrowableCount(excluded []qubit.ID) int {
	if a.disableBorrowing {
		return 0
	}
	return len(a.scanBorrowable(len(a.slots), excluded, nil))
}

// Return gives back borrowed ids. Returning an id that was allocated
// normally is a no-op; a fresh borrowed id loses one borrow and is released
// when none remain.
func (a *Allocator) Return(ids ...qubit.ID) error {
	pending := make(map[qubit.ID]int, len(ids))
	for _, id := range ids {
		if !a.IsValid(id) {
			return qubit.InvalidOperation("qubit %d is out of range", id)
		}
		s := a.slots[id]
		switch s.state {
		case stateAllocated:
		case stateBorrowed:
			pending[id]++
			if pending[id] > s.borrows {
				return qubit.InvalidOperation("qubit %d returned more often than borrowed", id)
			}
		default:
			return qubit.InvalidOperation("qubit %d is not allocated (%v)", id, s.state)
		}
	}

	for _, id := range ids {
		s := &a.slots[id]
		if s.state != stateBorrowed {
			continue
		}
		s.borrows--
		if s.borrows == 0 {
			a.push(id)
			a.allocatedCount--
		}
	}
	return nil
}

// Disable retires ids permanently. Free ids cannot be disabled because they
// are linked into the free list; already disabled ids are ignored.
func (a *Allocator) Disable(ids ...qubit.ID) error {
	for _, id := range ids {
		if !a.IsValid(id) {
			return qubit.InvalidOperation("qubit %d is out of range", id)
		}
		if a.slots[id].state == stateFree {
			return qubit.InvalidOperation("qubit %d is free and cannot be disabled", id)
		}
	}

	for _, id := range ids {
		s := &a.slots[id]
		if s.state == stateDisabled {
			continue
		}
		*s = slot{state: stateDisabled, next: qubit.None}
		a.allocatedCount--
		a.disabledCount++
		log.WithField("id", id).Debug("disabled qubit")
	}
	return nil
}

// IsValid reports whether id indexes the status array.
func (a *Allocator) IsValid(id qubit.ID) bool {
	return id >= 0 && int(id) < len(a.slots)
}

// IsFree reports whether id is on the free list.
func (a *Allocator) IsFree(id qubit.ID) bool {
	return a.IsValid(id) && a.slots[id].state == stateFree
}

// IsDisabled reports whether id has been retired.
func (a *Allocator) IsDisabled(id qubit.ID) bool {
	return a.IsValid(id) && a.slots[id].state == stateDisabled
}

// IsAllocated reports whether id is allocated, normally or for borrowing.
func (a *Allocator) IsAllocated(id qubit.ID) bool {
	if !a.IsValid(id) {
		return false
	}
	st := a.slots[id].state
	return st == stateAllocated || st == stateBorrowed
}

// BorrowCount is the number of outstanding borrows of an id that was
// allocated only for borrowing, zero for any other id.
func (a *Allocator) BorrowCount(id qubit.ID) int {
	if !a.IsValid(id) || a.slots[id].state != stateBorrowed {
		return 0
	}
	return a.slots[id].borrows
}

func (a *Allocator) FreeCount() int      { return a.freeCount }
func (a *Allocator) AllocatedCount() int { return a.allocatedCount }
func (a *Allocator) DisabledCount() int  { return a.disabledCount }
func (a *Allocator) Capacity() int       { return len(a.slots) }

// AllocatedIDs yields the allocated and borrowed ids in increasing order.
// Disabled ids are skipped. Each call starts a fresh scan of the current
// status array.
func (a *Allocator) AllocatedIDs() iter.Seq[qubit.ID] {
	return func(yield func(qubit.ID) bool) {
		for i := 0; i < len(a.slots); i++ {
			if st := a.slots[i].state; st != stateAllocated && st != stateBorrowed {
				continue
			}
			if !yield(qubit.ID(i)) {
				return
			}
		}
	}
}

// Validate walks the status array and free list and reports the first
// inconsistency found.
func (a *Allocator) Validate() error {
	var free, allocated, disabled int
	for _, s := range a.slots {
		switch s.state {
		case stateFree:
			free++
		case stateAllocated:
			allocated++
		case stateBorrowed:
			if s.borrows < 1 {
				return fmt.Errorf("borrowed slot with %d borrows", s.borrows)
			}
			allocated++
		case stateDisabled:
			disabled++
		}
	}
	if free != a.freeCount || allocated != a.allocatedCount || disabled != a.disabledCount {
		return fmt.Errorf(
			"counts out of sync: free %d/%d allocated %d/%d disabled %d/%d",
			free, a.freeCount, allocated, a.allocatedCount, disabled, a.disabledCount,
		)
	}

	seen := make([]bool, len(a.slots))
	linked := 0
	last := qubit.None
	for id := a.free; id != qubit.None; id = a.slots[id].next {
		if !a.IsValid(id) {
			return fmt.Errorf("free list points outside the array: %d", id)
		}
		if seen[id] {
			return fmt.Errorf("qubit %d linked twice", id)
		}
		if a.slots[id].state != stateFree {
			return fmt.Errorf("qubit %d on the free list is %v", id, a.slots[id].state)
		}
		seen[id] = true
		linked++
		last = id
	}
	if linked != a.freeCount {
		return fmt.Errorf("free list holds %d ids, expected %d", linked, a.freeCount)
	}
	if last != a.tail {
		return fmt.Errorf("free list tail is %d, expected %d", a.tail, last)
	}
	return nil
}

func sortedIDs(ids []qubit.ID) []qubit.ID {
	if slices.IsSorted(ids) {
		return ids
	}
	return slices.Sorted(slices.Values(ids))
}
