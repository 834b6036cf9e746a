// Package reuse implements an allocation policy for structured, nested
// program regions. Callers open reuse areas made of ordered segments; an id
// released inside a segment may be reused within that segment, becomes
// unavailable once the segment ends, and is reusable again by the
// enclosing region only after the whole area ends.
//
// Each area is a section holding two free sublists, "allowed" and
// "prohibited", threaded through the same status array as every other free
// id. Ids never allocated so far sit in a separate fresh pool.
package reuse

import (
	"fmt"
	"iter"

	log "github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/abshkbh/qalloc/pkg/qubit"
)

type slotState uint8

const (
	stateFree slotState = iota
	stateAllocated
	stateDisabled
)

func (s slotState) String() string {
	switch s {
	case stateFree:
		return "FREE"
	case stateAllocated:
		return "ALLOCATED"
	case stateDisabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

type slot struct {
	state slotState
	next  qubit.ID
}

// list is a free sublist linked through the status array.
type list struct {
	head  qubit.ID
	tail  qubit.ID
	count int
}

func emptyList() list {
	return list{head: qubit.None, tail: qubit.None}
}

type section struct {
	allowed    list
	prohibited list
}

func newSection() *section {
	return &section{allowed: emptyList(), prohibited: emptyList()}
}

// Allocator hands out ids subject to reuse-area boundaries. It is not safe
// for concurrent use.
type Allocator struct {
	slots []slot
	// fresh is the lowest id never allocated. Ids in [fresh, len(slots))
	// form the fresh pool.
	fresh int
	// sections[0] is the outermost region and is never popped.
	sections []*section

	allocatedCount int
	disabledCount  int

	limit     int
	mayExtend bool
}

// New creates an allocator with no open reuse area. Unlike the free-list
// allocator the capacity is only raised to one.
func New(opts qubit.Options) (*Allocator, error) {
	if opts.Capacity < 0 {
		return nil, fmt.Errorf("%w: negative capacity %d", qubit.ErrArgument, opts.Capacity)
	}
	capacity := max(opts.Capacity, 1)
	limit := opts.Limit()
	if capacity > limit {
		return nil, fmt.Errorf("%w: capacity %d exceeds limit %d", qubit.ErrArgument, capacity, limit)
	}
	return &Allocator{
		slots:     make([]slot, capacity),
		sections:  []*section{newSection()},
		limit:     limit,
		mayExtend: opts.MayExtendCapacity,
	}, nil
}

func (a *Allocator) pushFront(l *list, id qubit.ID) {
	a.slots[id] = slot{state: stateFree, next: l.head}
	l.head = id
	if l.tail == qubit.None {
		l.tail = id
	}
	l.count++
}

func (a *Allocator) popFront(l *list) qubit.ID {
	id := l.head
	l.head = a.slots[id].next
	if l.head == qubit.None {
		l.tail = qubit.None
	}
	l.count--
	return id
}

// prepend moves every id of src in front of dst, leaving src empty.
func (a *Allocator) prepend(dst, src *list) {
	if src.count == 0 {
		return
	}
	a.slots[src.tail].next = dst.head
	if dst.tail == qubit.None {
		dst.tail = src.tail
	}
	dst.head = src.head
	dst.count += src.count
	*src = emptyList()
}

func (a *Allocator) top() *section {
	return a.sections[len(a.sections)-1]
}

// Depth is the number of open reuse areas.
func (a *Allocator) Depth() int {
	return len(a.sections) - 1
}

// StartReuseArea opens a new, innermost reuse area.
func (a *Allocator) StartReuseArea() {
	a.sections = append(a.sections, newSection())
	log.WithField("depth", a.Depth()).Debug("started reuse area")
}

// NextReuseSegment ends the current segment of the innermost area: ids
// released during it cannot be reused until the area ends. It panics
// outside a reuse area.
func (a *Allocator) NextReuseSegment() {
	if a.Depth() == 0 {
		panic(qubit.InvalidOperation("next reuse segment outside a reuse area"))
	}
	s := a.top()
	a.prepend(&s.prohibited, &s.allowed)
}

// EndReuseArea closes the innermost area. Every id it released becomes
// reusable in the enclosing region. It panics outside a reuse area.
func (a *Allocator) EndReuseArea() {
	if a.Depth() == 0 {
		panic(qubit.InvalidOperation("end reuse area without a matching start"))
	}
	a.NextReuseSegment()
	s := a.top()
	if s.allowed.count != 0 {
		panic(qubit.InvalidOperation("reuse area closed with %d reusable ids", s.allowed.count))
	}
	a.sections[len(a.sections)-1] = nil
	a.sections = a.sections[:len(a.sections)-1]
	a.prepend(&a.top().allowed, &s.prohibited)
	log.WithField("depth", a.Depth()).Debug("ended reuse area")
}

// EnterReuseArea opens a reuse area and returns a guard that closes it.
// The guard panics if areas opened after it are still open.
//
//	cu := alloc.EnterReuseArea()
//	defer cu.Clean()
func (a *Allocator) EnterReuseArea() cleanup.Cleanup {
	a.StartReuseArea()
	depth := a.Depth()
	return cleanup.Make(func() {
		if a.Depth() != depth {
			panic(qubit.InvalidOperation("reuse area guard released at depth %d, expected %d", a.Depth(), depth))
		}
		a.EndReuseArea()
	})
}

// AvailableCount is the number of ids that can be allocated right now
// without growing: reusable ids of every open section plus the fresh pool.
func (a *Allocator) AvailableCount() int {
	n := len(a.slots) - a.fresh
	for _, s := range a.sections {
		n += s.allowed.count
	}
	return n
}

func (a *Allocator) available() int {
	n := a.AvailableCount()
	if a.mayExtend {
		n += a.limit - len(a.slots)
	}
	return n
}

func (a *Allocator) grow() {
	capacity := len(a.slots)
	newCapacity := min(capacity*2, a.limit)
	slots := make([]slot, newCapacity)
	copy(slots, a.slots)
	a.slots = slots
	log.WithFields(log.Fields{
		"from": capacity,
		"to":   newCapacity,
	}).Debug("extended qubit capacity")
}

func (a *Allocator) allocateOne() qubit.ID {
	for i := len(a.sections) - 1; i >= 0; i-- {
		if l := &a.sections[i].allowed; l.count > 0 {
			return a.popFront(l)
		}
	}
	if a.fresh == len(a.slots) {
		a.grow()
	}
	id := qubit.ID(a.fresh)
	a.fresh++
	return id
}

// Allocate hands out one id: the first reusable id found searching from the
// innermost section outwards, otherwise the next fresh id.
func (a *Allocator) Allocate() (qubit.ID, error) {
	ids, err := a.AllocateN(1)
	if err != nil {
		return qubit.None, err
	}
	return ids[0], nil
}

// AllocateN hands out n ids. Either all n are granted or none are.
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
	for range n {
		id := a.allocateOne()
		a.slots[id] = slot{state: stateAllocated, next: qubit.None}
		ids = append(ids, id)
	}
	a.allocatedCount += n
	return ids, nil
}

// Release puts ids on the reusable list of the innermost open section,
// whichever section was active when they were allocated.
func (a *Allocator) Release(ids ...qubit.ID) error {
	seen := make(map[qubit.ID]struct{}, len(ids))
	for _, id := range ids {
		if !a.IsAllocated(id) {
			return qubit.InvalidOperation("qubit %d is not allocated", id)
		}
		if _, ok := seen[id]; ok {
			return qubit.InvalidOperation("qubit %d released twice", id)
		}
		seen[id] = struct{}{}
	}
	s := a.top()
	for _, id := range ids {
		a.pushFront(&s.allowed, id)
	}
	a.allocatedCount -= len(ids)
	return nil
}

// Disable retires allocated ids permanently. Already disabled ids are
// ignored and free ids are rejected.
func (a *Allocator) Disable(ids ...qubit.ID) error {
	for _, id := range ids {
		if !a.IsValid(id) {
			return qubit.InvalidOperation("qubit %d is out of range", id)
		}
		if a.IsFree(id) {
			return qubit.InvalidOperation("qubit %d is free and cannot be disabled", id)
		}
	}
	for _, id := range ids {
		if a.slots[id].state == stateDisabled {
			continue
		}
		a.slots[id] = slot{state: stateDisabled, next: qubit.None}
		a.allocatedCount--
		a.disabledCount++
		log.WithField("id", id).Debug("disabled qubit")
	}
	return nil
}

// BorrowN has no borrowing to offer and allocates n fresh ids instead.
func (a *Allocator) BorrowN(n int, _ []qubit.ID) ([]qubit.ID, error) {
	return a.AllocateN(n)
}

// Return releases ids handed out by BorrowN.
func (a *Allocator) Return(ids ...qubit.ID) error {
	return a.Release(ids...)
}

// BorrowableCount is always zero.
func (a *Allocator) BorrowableCount([]qubit.ID) int {
	return 0
}

func (a *Allocator) IsValid(id qubit.ID) bool {
	return id >= 0 && int(id) < len(a.slots)
}

func (a *Allocator) IsFree(id qubit.ID) bool {
	return a.IsValid(id) && a.slots[id].state == stateFree
}

func (a *Allocator) IsAllocated(id qubit.ID) bool {
	return a.IsValid(id) && int(id) < a.fresh && a.slots[id].state == stateAllocated
}

func (a *Allocator) IsDisabled(id qubit.ID) bool {
	return a.IsValid(id) && a.slots[id].state == stateDisabled
}

func (a *Allocator) FreeCount() int {
	return len(a.slots) - a.allocatedCount - a.disabledCount
}

func (a *Allocator) AllocatedCount() int { return a.allocatedCount }
func (a *Allocator) DisabledCount() int  { return a.disabledCount }
func (a *Allocator) Capacity() int       { return len(a.slots) }

// AllocatedIDs yields the allocated ids in increasing order. Disabled ids are
// skipped.
func (a *Allocator) AllocatedIDs() iter.Seq[qubit.ID] {
	return func(yield func(qubit.ID) bool) {
		for i := 0; i < a.fresh; i++ {
			if a.slots[i].state == stateAllocated && !yield(qubit.ID(i)) {
				return
			}
		}
	}
}

// Validate walks every section's sublists and reports the first
// inconsistency found.
func (a *Allocator) Validate() error {
	seen := make([]bool, len(a.slots))
	linked := 0
	walk := func(depth int, name string, l list) error {
		n := 0
		last := qubit.None
		for id := l.head; id != qubit.None; id = a.slots[id].next {
			if !a.IsValid(id) || int(id) >= a.fresh {
				return fmt.Errorf("section %d %s list holds unminted qubit %d", depth, name, id)
			}
			if seen[id] {
				return fmt.Errorf("qubit %d linked twice", id)
			}
			if a.slots[id].state != stateFree {
				return fmt.Errorf("qubit %d on section %d %s list is %v", id, depth, name, a.slots[id].state)
			}
			seen[id] = true
			n++
			last = id
		}
		if n != l.count || last != l.tail {
			return fmt.Errorf("section %d %s list out of sync: %d/%d ids, tail %d/%d", depth, name, n, l.count, last, l.tail)
		}
		linked += n
		return nil
	}
	for depth, s := range a.sections {
		if err := walk(depth, "allowed", s.allowed); err != nil {
			return err
		}
		if err := walk(depth, "prohibited", s.prohibited); err != nil {
			return err
		}
	}
	if free := a.FreeCount(); linked+len(a.slots)-a.fresh != free {
		return fmt.Errorf("free ids: %d linked, %d fresh, %d expected", linked, len(a.slots)-a.fresh, free)
	}
	return nil
}
