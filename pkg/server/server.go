// Package server exposes named allocator pools to remote callers. Each pool
// is a scope tracker over one allocator variant and is serialized by its own
// mutex; the allocators themselves assume a single caller.
package server

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/abshkbh/qalloc/pkg/config"
	"github.com/abshkbh/qalloc/pkg/qubit"
	"github.com/abshkbh/qalloc/pkg/qubit/freelist"
	"github.com/abshkbh/qalloc/pkg/qubit/reuse"
	"github.com/abshkbh/qalloc/pkg/qubit/scope"
)

// ErrPoolNotFound is returned for unknown pool handles.
var ErrPoolNotFound = errors.New("pool not found")

// PoolStats is a snapshot of one pool.
type PoolStats struct {
	ID           string     `json:"id"`
	Policy       string     `json:"policy"`
	Capacity     int        `json:"capacity"`
	Free         int        `json:"free"`
	Allocated    int        `json:"allocated"`
	Disabled     int        `json:"disabled"`
	FrameDepth   int        `json:"frameDepth"`
	AreaDepth    int        `json:"areaDepth"`
	AllocatedIDs []qubit.ID `json:"allocatedIds"`
}

// inspector is the read side both allocator variants share.
type inspector interface {
	qubit.Allocator
	Capacity() int
	DisabledCount() int
	AllocatedIDs() iter.Seq[qubit.ID]
}

// Pool is one allocator instance with its call-scope tracker.
type Pool struct {
	lock       sync.Mutex
	id         uuid.UUID
	policy     string
	alloc      inspector
	restricted *reuse.Allocator
	tracker    *scope.Tracker
}

func newPool(cfg config.AllocatorConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		id:     uuid.New(),
		policy: cfg.Policy,
	}
	switch cfg.Policy {
	case config.PolicyRestricted:
		a, err := reuse.New(cfg.Options())
		if err != nil {
			return nil, err
		}
		p.alloc, p.restricted = a, a
	default:
		a, err := freelist.New(cfg.Options())
		if err != nil {
			return nil, err
		}
		p.alloc = a
	}
	p.tracker = scope.New(p.alloc)
	return p, nil
}

// ID is the pool handle.
func (p *Pool) ID() string {
	return p.id.String()
}

// do runs f under the pool lock and turns stack-discipline panics raised by
// the allocator into returned errors.
func (p *Pool) do(f func() error) (err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok || !errors.Is(e, qubit.ErrInvalidOperation) {
				panic(r)
			}
			err = e
		}
	}()
	return f()
}

func (p *Pool) stats() PoolStats {
	stats := PoolStats{
		ID:           p.ID(),
		Policy:       p.policy,
		Capacity:     p.alloc.Capacity(),
		Free:         p.alloc.FreeCount(),
		Allocated:    p.alloc.AllocatedCount(),
		Disabled:     p.alloc.DisabledCount(),
		FrameDepth:   p.tracker.Depth(),
		AllocatedIDs: slices.Collect(p.alloc.AllocatedIDs()),
	}
	if p.restricted != nil {
		stats.AreaDepth = p.restricted.Depth()
	}
	if stats.AllocatedIDs == nil {
		stats.AllocatedIDs = []qubit.ID{}
	}
	return stats
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.stats()
}

func (p *Pool) Allocate(n int) (ids []qubit.ID, err error) {
	err = p.do(func() error {
		ids, err = p.tracker.AllocateN(n)
		return err
	})
	return ids, err
}

func (p *Pool) Release(ids []qubit.ID) error {
	return p.do(func() error { return p.tracker.Release(ids...) })
}

func (p *Pool) Borrow(n int) (ids []qubit.ID, err error) {
	err = p.do(func() error {
		ids, err = p.tracker.BorrowN(n)
		return err
	})
	return ids, err
}

func (p *Pool) Return(ids []qubit.ID) error {
	return p.do(func() error { return p.tracker.Return(ids...) })
}

func (p *Pool) Disable(ids []qubit.ID) error {
	return p.do(func() error { return p.tracker.Disable(ids...) })
}

// PushFrame enters an operation scope whose arguments are args.
func (p *Pool) PushFrame(args []qubit.ID) error {
	return p.do(func() error {
		p.tracker.OnOperationStart(args)
		return nil
	})
}

// PopFrame leaves the current operation scope.
func (p *Pool) PopFrame() error {
	return p.do(func() error {
		p.tracker.OnOperationEnd()
		return nil
	})
}

// Exclusion returns the current and enclosing frames' exclusion sets.
func (p *Pool) Exclusion() (current, parent []qubit.ID) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.tracker.ComputeExclusionSet(), p.tracker.ComputeParentExclusionSet()
}

func (p *Pool) areas(f func(a *reuse.Allocator)) error {
	return p.do(func() error {
		if p.restricted == nil {
			return qubit.InvalidOperation("pool policy %q has no reuse areas", p.policy)
		}
		f(p.restricted)
		return nil
	})
}

func (p *Pool) StartReuseArea() error {
	return p.areas((*reuse.Allocator).StartReuseArea)
}

func (p *Pool) NextReuseSegment() error {
	return p.areas((*reuse.Allocator).NextReuseSegment)
}

func (p *Pool) EndReuseArea() error {
	return p.areas((*reuse.Allocator).EndReuseArea)
}

// Registry owns every pool served by a process.
type Registry struct {
	lock     sync.RWMutex
	pools    map[uuid.UUID]*Pool
	defaults config.AllocatorConfig
}

// NewRegistry returns an empty registry. Pools created without a config
// use defaults.
func NewRegistry(defaults config.AllocatorConfig) *Registry {
	return &Registry{
		pools:    make(map[uuid.UUID]*Pool),
		defaults: defaults,
	}
}

// Defaults returns the config used for pools created without one.
func (r *Registry) Defaults() config.AllocatorConfig {
	return r.defaults
}

// Create builds and registers a new pool.
func (r *Registry) Create(cfg *config.AllocatorConfig) (*Pool, error) {
	c := r.defaults
	if cfg != nil {
		c = *cfg
	}
	p, err := newPool(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	r.lock.Lock()
	r.pools[p.id] = p
	r.lock.Unlock()

	log.WithFields(log.Fields{
		"pool":     p.ID(),
		"policy":   c.Policy,
		"capacity": p.alloc.Capacity(),
	}).Info("pool created")
	return p, nil
}

// Get looks up a pool by handle.
func (r *Registry) Get(id string) (*Pool, error) {
	key, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
	}

	r.lock.RLock()
	defer r.lock.RUnlock()
	p, ok := r.pools[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
	}
	return p, nil
}

// Delete drops a pool.
func (r *Registry) Delete(id string) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}

	r.lock.Lock()
	delete(r.pools, p.id)
	r.lock.Unlock()

	log.WithField("pool", id).Info("pool deleted")
	return nil
}

// DeleteAll drops every pool and returns how many were dropped.
func (r *Registry) DeleteAll() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := len(r.pools)
	clear(r.pools)
	log.WithField("count", n).Info("all pools deleted")
	return n
}

// List returns a snapshot of every pool, ordered by handle.
func (r *Registry) List() []PoolStats {
	r.lock.RLock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.lock.RUnlock()

	stats := make([]PoolStats, 0, len(pools))
	for _, p := range pools {
		stats = append(stats, p.Stats())
	}
	slices.SortFunc(stats, func(a, b PoolStats) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return stats
}
