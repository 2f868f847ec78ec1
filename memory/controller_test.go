// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package memory

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/failure"
	"github.com/stretchr/testify/require"
)

const mb = 1 << 20

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// newController creates a controller with a fake clock
func newController(opts ...config.Option) (*Controller, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(config.NewConfig(opts...))
	c.now = clock.Now
	return c, clock
}

func TestAllocateEvictsOlderAllocation(t *testing.T) {
	c, clock := newController(config.WithMemoryBudget(100 * mb))

	var evicted []Allocation
	c.OnEvict(func(a Allocation) { evicted = append(evicted, a) })

	first, err := c.Allocate(60*mb, Normal, "archive-buffer")
	require.NoError(t, err)
	clock.Advance(time.Second)

	second, err := c.Allocate(50*mb, Normal, "entry-buffer")
	require.NoError(t, err)

	_, ok := c.Lookup(first)
	require.False(t, ok, "first allocation should be evicted")
	require.Len(t, evicted, 1)
	require.Equal(t, first, evicted[0].ID)
	require.Equal(t, int64(50*mb), c.Stats().Used)

	before := c.Stats()
	_, err = c.Allocate(200*mb, Normal, "entry-buffer")
	require.ErrorIs(t, err, failure.ErrMemoryExhausted)
	require.Equal(t, before.Used, c.Stats().Used)
	require.Equal(t, before.Allocations, c.Stats().Allocations)
	_, ok = c.Lookup(second)
	require.True(t, ok, "second allocation must survive a rejected allocation")
	require.Len(t, evicted, 1)
}

func TestAllocateInvalidSize(t *testing.T) {
	c, _ := newController(config.WithMemoryBudget(10))

	for _, size := range []int64{0, -1} {
		_, err := c.Allocate(size, Normal, "x")
		require.ErrorIs(t, err, failure.ErrMemoryExhausted)
	}
	require.Equal(t, int64(0), c.Stats().Used)
}

func TestEvictionOrder(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(c *Controller, clock *fakeClock) map[string]string
		size    int64
		evicted []string
	}{
		{
			name: "lowest priority first",
			setup: func(c *Controller, clock *fakeClock) map[string]string {
				ids := map[string]string{}
				ids["high"], _ = c.Allocate(30, High, "x")
				clock.Advance(time.Second)
				ids["normal"], _ = c.Allocate(30, Normal, "x")
				clock.Advance(time.Second)
				ids["low"], _ = c.Allocate(30, Low, "x")
				return ids
			},
			size:    20,
			evicted: []string{"low"},
		},
		{
			name: "least recently accessed first",
			setup: func(c *Controller, clock *fakeClock) map[string]string {
				ids := map[string]string{}
				ids["a"], _ = c.Allocate(30, Normal, "x")
				clock.Advance(time.Second)
				ids["b"], _ = c.Allocate(30, Normal, "x")
				clock.Advance(time.Second)
				ids["c"], _ = c.Allocate(30, Normal, "x")
				clock.Advance(time.Second)
				c.Touch(ids["a"])
				return ids
			},
			size:    50,
			evicted: []string{"b", "c"},
		},
		{
			name: "high priority only as last resort",
			setup: func(c *Controller, clock *fakeClock) map[string]string {
				ids := map[string]string{}
				ids["high"], _ = c.Allocate(50, High, "x")
				clock.Advance(time.Second)
				ids["low"], _ = c.Allocate(40, Low, "x")
				return ids
			},
			size:    80,
			evicted: []string{"low", "high"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, clock := newController(config.WithMemoryBudget(100))
			ids := test.setup(c, clock)
			names := map[string]string{}
			for name, id := range ids {
				names[id] = name
			}

			var evicted []string
			c.OnEvict(func(a Allocation) { evicted = append(evicted, names[a.ID]) })

			_, err := c.Allocate(test.size, Normal, "new")
			require.NoError(t, err)
			require.Equal(t, test.evicted, evicted)
			require.LessOrEqual(t, c.Stats().Used, int64(100))
		})
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	c, _ := newController(config.WithMemoryBudget(100))

	id, err := c.Allocate(40, Normal, "x")
	require.NoError(t, err)
	require.Equal(t, int64(40), c.Stats().Used)

	c.Free(id)
	require.Equal(t, int64(0), c.Stats().Used)
	c.Free(id)
	c.Free("unknown")
	require.Equal(t, int64(0), c.Stats().Used)
	require.False(t, c.Touch(id))
}

func TestForceGC(t *testing.T) {
	c, clock := newController(config.WithMemoryBudget(100))

	for i := 0; i < 4; i++ {
		_, err := c.Allocate(20, Normal, "x")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	require.Equal(t, int64(40), c.ForceGC(30))
	require.Equal(t, int64(40), c.Stats().Used)
	require.Equal(t, int64(40), c.ForceGC(1000))
	require.Equal(t, int64(0), c.Stats().Used)
	require.Equal(t, int64(0), c.ForceGC(10))

	s := c.Stats()
	require.Equal(t, int64(4), s.Evictions)
	require.Equal(t, int64(3), s.GCRuns)
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name      string
		sizes     []int64
		age       time.Duration
		wantUsed  int64
		wantCount int
	}{
		{
			name:      "below threshold",
			sizes:     []int64{30, 30},
			age:       time.Hour,
			wantUsed:  60,
			wantCount: 2,
		},
		{
			name:      "gc threshold",
			sizes:     []int64{40, 45},
			age:       time.Hour,
			wantUsed:  45,
			wantCount: 1,
		},
		{
			name:      "prune threshold",
			sizes:     []int64{5, 45, 45},
			age:       time.Hour,
			wantUsed:  0,
			wantCount: 0,
		},
		{
			name:      "prune threshold with young allocations",
			sizes:     []int64{5, 45, 45},
			age:       time.Second,
			wantUsed:  90,
			wantCount: 2,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, clock := newController(
				config.WithMemoryBudget(100),
				config.WithGCThreshold(0.8),
				config.WithPruneThreshold(0.9),
				config.WithGCTargetRatio(0.05),
				config.WithMaxAllocationAge(time.Minute),
			)
			for _, size := range test.sizes {
				_, err := c.Allocate(size, Normal, "x")
				require.NoError(t, err)
				clock.Advance(time.Millisecond)
			}
			clock.Advance(test.age)

			c.Check()
			s := c.Stats()
			require.Equal(t, test.wantUsed, s.Used)
			require.Equal(t, test.wantCount, s.Allocations)
		})
	}
}

func TestCheckKeepsHighPriority(t *testing.T) {
	c, _ := newController(config.WithMemoryBudget(100), config.WithGCThreshold(0.5), config.WithPruneThreshold(1))

	id, err := c.Allocate(85, High, "archive-buffer")
	require.NoError(t, err)

	c.Check()
	_, ok := c.Lookup(id)
	require.True(t, ok)
}

func TestPinnedAllocation(t *testing.T) {
	c, clock := newController(
		config.WithMemoryBudget(100),
		config.WithGCThreshold(0.5),
		config.WithPruneThreshold(0.5),
		config.WithMaxAllocationAge(time.Minute),
	)

	var evicted []Allocation
	c.OnEvict(func(a Allocation) { evicted = append(evicted, a) })

	first, err := c.AllocatePinned(40, Low, "entry-buffer")
	require.NoError(t, err)
	a, ok := c.Lookup(first)
	require.True(t, ok)
	require.True(t, a.Pinned)
	clock.Advance(time.Second)

	second, err := c.AllocatePinned(40, Normal, "entry-buffer")
	require.NoError(t, err)
	clock.Advance(time.Second)

	// only pinned allocations are left to evict
	_, err = c.Allocate(30, High, "archive-buffer")
	require.ErrorIs(t, err, failure.ErrMemoryExhausted)
	require.Equal(t, int64(0), c.ForceGC(100))
	clock.Advance(time.Hour)
	c.Check()
	require.Empty(t, evicted)
	require.Equal(t, int64(80), c.Stats().Used)

	require.True(t, c.Unpin(first))
	require.False(t, c.Unpin("missing"))
	a, _ = c.Lookup(first)
	require.False(t, a.Pinned)

	third, err := c.Allocate(30, Normal, "entry-buffer")
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	require.Equal(t, first, evicted[0].ID)

	// a pinned allocation can be freed
	c.Free(second)
	_, ok = c.Lookup(second)
	require.False(t, ok)
	require.Equal(t, int64(30), c.Stats().Used)
	_, ok = c.Lookup(third)
	require.True(t, ok)
}

func TestBudgetInvariant(t *testing.T) {
	c, clock := newController(config.WithMemoryBudget(1000))
	rnd := rand.New(rand.NewSource(1))

	var ids []string
	for i := 0; i < 2000; i++ {
		clock.Advance(time.Millisecond)
		switch rnd.Intn(4) {
		case 0:
			if len(ids) > 0 {
				n := rnd.Intn(len(ids))
				c.Free(ids[n])
				ids = append(ids[:n], ids[n+1:]...)
			}
		case 1:
			if len(ids) > 0 {
				c.Touch(ids[rnd.Intn(len(ids))])
				c.Unpin(ids[rnd.Intn(len(ids))])
			}
		default:
			allocate := c.Allocate
			if rnd.Intn(4) == 0 {
				allocate = c.AllocatePinned
			}
			id, err := allocate(rnd.Int63n(1200)+1, Priority(rnd.Intn(3)), "x")
			if err == nil {
				ids = append(ids, id)
			}
		}

		// used matches the live allocations and never exceeds the budget
		var live int64
		for _, id := range ids {
			if a, ok := c.Lookup(id); ok {
				live += a.Size
			}
		}
		s := c.Stats()
		require.LessOrEqual(t, s.Used, s.Budget)
		require.Equal(t, live, s.Used)
	}
}

func TestConcurrentAllocations(t *testing.T) {
	c, _ := newController(config.WithMemoryBudget(1000))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id, err := c.Allocate(100, Normal, "x")
				if err == nil && j%2 == 0 {
					c.Free(id)
				}
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, c.Stats().Used, int64(1000))
}

func TestStartStop(t *testing.T) {
	c, _ := newController(
		config.WithMemoryBudget(100),
		config.WithMemoryCheckInterval(5*time.Millisecond),
		config.WithGCThreshold(0.5),
		config.WithGCTargetRatio(0.5),
	)

	_, err := c.Allocate(90, Normal, "x")
	require.NoError(t, err)

	c.Start(context.Background())
	c.Start(context.Background())
	require.Eventually(t, func() bool {
		return c.Stats().Used == 0
	}, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()

	_, err = c.Allocate(90, Normal, "x")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(90), c.Stats().Used)
}

func TestPriorityString(t *testing.T) {
	require.Equal(t, "low", Low.String())
	require.Equal(t, "normal", Normal.String())
	require.Equal(t, "high", High.String())
	require.Equal(t, "priority(7)", Priority(7).String())
}
