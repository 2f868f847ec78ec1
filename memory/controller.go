// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/failure"
)

// Priority is the eviction tier of an allocation. Lower tiers are evicted first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// String returns the name of the priority.
func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Allocation is a logical reservation of Size bytes.
type Allocation struct {
	ID         string
	Size       int64
	Priority   Priority
	Tag        string
	CreatedAt  time.Time
	LastAccess time.Time

	// Pinned allocations count against the budget but are never evicted.
	Pinned bool
}

// Stats is a snapshot of the controller.
type Stats struct {
	Budget      int64
	Used        int64
	Available   int64
	Allocations int
	Usage       float64
	Evictions   int64
	GCRuns      int64
}

// EvictFunc is called for every allocation the controller evicts.
type EvictFunc func(Allocation)

// Controller admits allocations against the configured memory budget and
// evicts the least valuable allocations under pressure.
type Controller struct {
	cfg *config.Config
	now func() time.Time

	mu        sync.Mutex
	allocs    map[string]*item
	index     evictionHeap
	used      int64
	seq       uint64
	evictions int64
	gcRuns    int64
	onEvict   []EvictFunc

	stop    chan struct{}
	stopped chan struct{}
}

// New creates a controller with the budget of cfg.
func New(cfg *config.Config) *Controller {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return &Controller{
		cfg:    cfg,
		now:    time.Now,
		allocs: make(map[string]*item),
	}
}

// OnEvict registers fn, it is called outside of the controller lock.
func (c *Controller) OnEvict(fn EvictFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = append(c.onEvict, fn)
}

// Allocate reserves size bytes. If the budget would be exceeded, allocations
// are evicted in eviction order first. Allocate fails with MemoryExhausted if
// size is not positive, larger than the budget, or cannot be made to fit.
func (c *Controller) Allocate(size int64, p Priority, tag string) (string, error) {
	return c.allocate(size, p, tag, false)
}

// AllocatePinned reserves size bytes like Allocate, but the allocation is not
// evicted until Unpin is called. It can still be released with Free.
func (c *Controller) AllocatePinned(size int64, p Priority, tag string) (string, error) {
	return c.allocate(size, p, tag, true)
}

func (c *Controller) allocate(size int64, p Priority, tag string, pinned bool) (string, error) {
	if size <= 0 {
		return "", failure.New(failure.MemoryExhausted, "invalid size %d for %s allocation", size, tag)
	}
	budget := c.cfg.MemoryBudget()
	if size > budget {
		c.cfg.Logger().Warn("allocation larger than memory budget", "size", size, "budget", budget, "tag", tag)
		return "", failure.New(failure.MemoryExhausted, "%s allocation of %d bytes exceeds the budget of %d bytes", tag, size, budget)
	}

	c.mu.Lock()
	var evicted []Allocation
	if need := c.used + size - budget; need > 0 {
		evicted = c.evictLocked(need, High)
	}
	if c.used+size > budget {
		used := c.used
		handlers := c.handlersLocked()
		c.mu.Unlock()
		c.notify(handlers, evicted)
		c.cfg.Logger().Warn("memory budget exhausted", "size", size, "used", used, "budget", budget, "tag", tag)
		return "", failure.New(failure.MemoryExhausted, "cannot fit %s allocation of %d bytes (%d of %d bytes used)", tag, size, used, budget)
	}

	now := c.now()
	c.seq++
	it := &item{
		Allocation: Allocation{
			ID:         uuid.NewString(),
			Size:       size,
			Priority:   p,
			Tag:        tag,
			CreatedAt:  now,
			LastAccess: now,
			Pinned:     pinned,
		},
		seq:   c.seq,
		index: -1,
	}
	c.allocs[it.ID] = it
	if !pinned {
		heap.Push(&c.index, it)
	}
	c.used += size
	handlers := c.handlersLocked()
	c.mu.Unlock()

	c.notify(handlers, evicted)
	return it.ID, nil
}

// Free releases the allocation id. Unknown ids are ignored.
func (c *Controller) Free(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.allocs[id]
	if !ok {
		return
	}
	c.removeLocked(it)
}

// Touch marks the allocation id as accessed. It returns false for unknown ids.
func (c *Controller) Touch(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.allocs[id]
	if !ok {
		return false
	}
	it.LastAccess = c.now()
	if !it.Pinned {
		heap.Fix(&c.index, it.index)
	}
	return true
}

// Unpin makes the pinned allocation id evictable again and marks it as
// accessed. It returns false for unknown ids.
func (c *Controller) Unpin(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.allocs[id]
	if !ok {
		return false
	}
	it.LastAccess = c.now()
	if it.Pinned {
		it.Pinned = false
		heap.Push(&c.index, it)
	} else {
		heap.Fix(&c.index, it.index)
	}
	return true
}

// Lookup returns the allocation id.
func (c *Controller) Lookup(id string) (Allocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.allocs[id]
	if !ok {
		return Allocation{}, false
	}
	return it.Allocation, true
}

// ForceGC evicts allocations in eviction order until at least target bytes
// are freed or nothing is left. It returns the number of freed bytes.
func (c *Controller) ForceGC(target int64) int64 {
	return c.gc(target, High)
}

// gc evicts allocations up to priority ceiling until target bytes are freed
func (c *Controller) gc(target int64, ceiling Priority) int64 {
	c.mu.Lock()
	c.gcRuns++
	evicted := c.evictLocked(target, ceiling)
	handlers := c.handlersLocked()
	c.mu.Unlock()

	c.notify(handlers, evicted)
	return sum(evicted)
}

// Check compares the usage with the configured thresholds. Above the GC
// threshold a garbage collection with the configured target runs, it does not
// evict high priority allocations. Above the prune threshold all allocations
// older than the maximum age are evicted too.
func (c *Controller) Check() {
	usage := c.Stats().Usage
	if usage < c.cfg.GCThreshold() {
		return
	}

	c.cfg.Logger().Debug("memory pressure", "usage", usage)
	freed := c.gc(c.cfg.GCTarget(), Normal)

	if usage >= c.cfg.PruneThreshold() {
		freed += c.prune(c.cfg.MaxAllocationAge())
	}
	c.cfg.Logger().Debug("memory check freed allocations", "bytes", freed)
}

// prune evicts all unpinned allocations created more than maxAge ago
func (c *Controller) prune(maxAge time.Duration) int64 {
	c.mu.Lock()
	cutoff := c.now().Add(-maxAge)
	var evicted []Allocation
	for _, it := range c.allocs {
		if !it.Pinned && it.CreatedAt.Before(cutoff) {
			evicted = append(evicted, it.Allocation)
			c.removeLocked(it)
			c.evictions++
		}
	}
	handlers := c.handlersLocked()
	c.mu.Unlock()

	if len(evicted) > 0 {
		c.cfg.Logger().Debug("pruned old allocations", "count", len(evicted), "maxAge", maxAge)
	}
	c.notify(handlers, evicted)
	return sum(evicted)
}

// Start runs Check every configured interval until ctx is done or Stop is
// called. Starting a running controller is a no-op.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	stopped := make(chan struct{})
	c.stop, c.stopped = stop, stopped
	c.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(c.cfg.MemoryCheckInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				c.Check()
			}
		}
	}()
}

// Stop ends the periodic check and waits for it to return.
func (c *Controller) Stop() {
	c.mu.Lock()
	stop, stopped := c.stop, c.stopped
	c.stop, c.stopped = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// Stats returns a snapshot of the controller.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	budget := c.cfg.MemoryBudget()
	return Stats{
		Budget:      budget,
		Used:        c.used,
		Available:   budget - c.used,
		Allocations: len(c.allocs),
		Usage:       float64(c.used) / float64(budget),
		Evictions:   c.evictions,
		GCRuns:      c.gcRuns,
	}
}

// evictLocked pops allocations with a priority up to ceiling from the eviction
// index until target bytes are freed. The caller must hold c.mu.
func (c *Controller) evictLocked(target int64, ceiling Priority) []Allocation {
	var evicted []Allocation
	var freed int64
	for freed < target && c.index.Len() > 0 && c.index[0].Priority <= ceiling {
		it := heap.Pop(&c.index).(*item)
		delete(c.allocs, it.ID)
		c.used -= it.Size
		freed += it.Size
		c.evictions++
		evicted = append(evicted, it.Allocation)
		c.cfg.Logger().Debug("evicted allocation", "id", it.ID, "size", it.Size, "priority", it.Priority, "tag", it.Tag)
	}
	return evicted
}

// removeLocked removes it from the table and the index. The caller must hold c.mu.
func (c *Controller) removeLocked(it *item) {
	delete(c.allocs, it.ID)
	if it.index >= 0 {
		heap.Remove(&c.index, it.index)
	}
	c.used -= it.Size
}

// handlersLocked returns a copy of the eviction handlers. The caller must hold c.mu.
func (c *Controller) handlersLocked() []EvictFunc {
	return append([]EvictFunc(nil), c.onEvict...)
}

// notify calls all handlers for all evicted allocations
func (c *Controller) notify(handlers []EvictFunc, evicted []Allocation) {
	for _, a := range evicted {
		for _, fn := range handlers {
			fn(a)
		}
	}
}

// sum returns the total size of allocs
func sum(allocs []Allocation) int64 {
	var n int64
	for _, a := range allocs {
		n += a.Size
	}
	return n
}
