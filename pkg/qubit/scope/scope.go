// Package scope decorates an allocator with call-scope tracking. Every
// operation invocation pushes a frame recording the ids passed in as
// arguments and the ids allocated or borrowed while it runs; borrowing then
// excludes those ids so a nested borrow never hands back a resource the
// calling context is using.
package scope

import (
	"github.com/bits-and-blooms/bitset"
	log "github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/abshkbh/qalloc/pkg/qubit"
)

type frame struct {
	args   *bitset.BitSet
	locals []qubit.ID
}

// exclusion is the sorted union of the frame's arguments and locals.
func (f *frame) exclusion() []qubit.ID {
	set := f.args.Clone()
	for _, id := range f.locals {
		set.Set(uint(id))
	}
	ids := make([]qubit.ID, 0, set.Count())
	for i, ok := set.NextSet(0); ok; i, ok = set.NextSet(i + 1) {
		ids = append(ids, qubit.ID(i))
	}
	return ids
}

// Tracker wraps an allocator with a stack of operation frames.
type Tracker struct {
	alloc  qubit.Allocator
	frames []*frame
}

// New returns a tracker over alloc with no active frame.
func New(alloc qubit.Allocator) *Tracker {
	return &Tracker{alloc: alloc}
}

// Allocator returns the decorated allocator.
func (t *Tracker) Allocator() qubit.Allocator {
	return t.alloc
}

// Depth is the number of active frames.
func (t *Tracker) Depth() int {
	return len(t.frames)
}

func (t *Tracker) current() *frame {
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1]
}

// OnOperationStart pushes a frame whose arguments are the ids reachable from
// input. Ids the allocator does not own and disabled ids are ignored.
func (t *Tracker) OnOperationStart(input any) {
	args := bitset.New(0)
	for _, id := range qubit.Collect(input) {
		if !t.alloc.IsValid(id) || t.alloc.IsDisabled(id) {
			continue
		}
		args.Set(uint(id))
	}
	t.frames = append(t.frames, &frame{args: args})
	log.WithFields(log.Fields{
		"depth": len(t.frames),
		"args":  args.Count(),
	}).Trace("entered operation scope")
}

// OnOperationEnd pops the current frame. Calling it with no active frame
// breaks the call nesting contract and panics.
func (t *Tracker) OnOperationEnd() {
	if len(t.frames) == 0 {
		panic(qubit.InvalidOperation("operation end without a matching start"))
	}
	t.frames[len(t.frames)-1] = nil
	t.frames = t.frames[:len(t.frames)-1]
	log.WithField("depth", len(t.frames)).Trace("left operation scope")
}

// Enter pushes a frame and returns a guard that pops it. The guard panics
// if frames pushed after it are still active when it is cleaned.
//
//	cu := tracker.Enter(args)
//	defer cu.Clean()
func (t *Tracker) Enter(input any) cleanup.Cleanup {
	t.OnOperationStart(input)
	depth := len(t.frames)
	return cleanup.Make(func() {
		if len(t.frames) != depth {
			panic(qubit.InvalidOperation("frame guard released at depth %d, expected %d", len(t.frames), depth))
		}
		t.OnOperationEnd()
	})
}

// ComputeExclusionSet returns the sorted ids the current frame uses, as
// arguments or locals. It is empty outside any frame.
func (t *Tracker) ComputeExclusionSet() []qubit.ID {
	f := t.current()
	if f == nil {
		return nil
	}
	return f.exclusion()
}

// ComputeParentExclusionSet is ComputeExclusionSet for the enclosing frame.
func (t *Tracker) ComputeParentExclusionSet() []qubit.ID {
	if len(t.frames) < 2 {
		return nil
	}
	return t.frames[len(t.frames)-2].exclusion()
}

// ParentBorrowableCount is the number of allocated ids the enclosing scope
// could lend out, not counting what the current scope itself allocated.
func (t *Tracker) ParentBorrowableCount() int {
	return t.alloc.BorrowableCount(t.ComputeParentExclusionSet())
}

func (t *Tracker) track(ids []qubit.ID) {
	if f := t.current(); f != nil {
		f.locals = append(f.locals, ids...)
	}
}

// checkLocals panics unless every id, counted with multiplicity, is a local
// of the current frame.
func (t *Tracker) checkLocals(ids []qubit.ID) {
	f := t.current()
	if f == nil {
		return
	}
	counts := make(map[qubit.ID]int, len(f.locals))
	for _, id := range f.locals {
		counts[id]++
	}
	for _, id := range ids {
		counts[id]--
		if counts[id] < 0 {
			panic(qubit.InvalidOperation("qubit %d released outside the scope that acquired it", id))
		}
	}
}

// untrack drops one occurrence of each id from the current frame's locals.
func (t *Tracker) untrack(ids []qubit.ID) {
	f := t.current()
	if f == nil {
		return
	}
	for _, id := range ids {
		for i := len(f.locals) - 1; i >= 0; i-- {
			if f.locals[i] == id {
				f.locals = append(f.locals[:i], f.locals[i+1:]...)
				break
			}
		}
	}
}

// Allocate allocates one id and records it in the current frame.
func (t *Tracker) Allocate() (qubit.ID, error) {
	ids, err := t.AllocateN(1)
	if err != nil {
		return qubit.None, err
	}
	return ids[0], nil
}

// AllocateN allocates n ids and records them in the current frame.
func (t *Tracker) AllocateN(n int) ([]qubit.ID, error) {
	ids, err := t.alloc.AllocateN(n)
	if err != nil {
		return nil, err
	}
	t.track(ids)
	return ids, nil
}

// Release releases ids acquired in the current frame.
func (t *Tracker) Release(ids ...qubit.ID) error {
	t.checkLocals(ids)
	if err := t.alloc.Release(ids...); err != nil {
		return err
	}
	t.untrack(ids)
	return nil
}

// Borrow borrows one id. See BorrowN.
func (t *Tracker) Borrow() (qubit.ID, error) {
	ids, err := t.BorrowN(1)
	if err != nil {
		return qubit.None, err
	}
	return ids[0], nil
}

// BorrowN borrows n ids that the current frame is not already using and
// records them in the frame.
func (t *Tracker) BorrowN(n int) ([]qubit.ID, error) {
	ids, err := t.alloc.BorrowN(n, t.ComputeExclusionSet())
	if err != nil {
		return nil, err
	}
	t.track(ids)
	return ids, nil
}

// Return gives back ids borrowed in the current frame.
func (t *Tracker) Return(ids ...qubit.ID) error {
	t.checkLocals(ids)
	if err := t.alloc.Return(ids...); err != nil {
		return err
	}
	t.untrack(ids)
	return nil
}

// Disable retires ids. Disabled locals stop being tracked.
func (t *Tracker) Disable(ids ...qubit.ID) error {
	if err := t.alloc.Disable(ids...); err != nil {
		return err
	}
	t.untrack(ids)
	return nil
}
