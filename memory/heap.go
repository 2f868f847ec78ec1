// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package memory

// item is an allocation in the eviction index
type item struct {
	Allocation
	seq   uint64
	index int
}

// evictionHeap is a min-heap of allocations ordered by priority, last access
// and insertion sequence. The root is evicted first.
type evictionHeap []*item

func (h evictionHeap) Len() int { return len(h) }

func (h evictionHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.LastAccess.Equal(b.LastAccess) {
		return a.LastAccess.Before(b.LastAccess)
	}
	return a.seq < b.seq
}

func (h evictionHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *evictionHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *evictionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
