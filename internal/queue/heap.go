package queue

import "github.com/nulpointcorp/llm-gateway/internal/store"

// requestHeap is a min-heap over (−priority, created_at) so that the
// highest-priority, earliest-submitted request always sits at index 0.
// Grounded on original_source's request_queue.py, which negates priority to
// turn Python's min-heap into a max-priority queue; Go's container/heap is
// the idiomatic equivalent used here directly via the Less comparator.
type requestHeap []*store.Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) {
	*h = append(*h, x.(*store.Request))
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
