// Package queue implements the gateway's bounded, priority-ordered,
// store-backed request queue (spec §4.2).
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// ErrFull is returned by Enqueue when the queue is at maxSize.
var ErrFull = errors.New("queue: full")

// Stats summarizes the queue's current shape.
type Stats struct {
	Depth            int
	InFlight         int
	MaxConcurrent    int
	DepthByProvider  map[string]int
	DepthByPriority  map[int]int
}

// Queue is a bounded, priority-ordered request queue backed by Store for
// durability and crash recovery.
//
// Concurrency: heapMu guards h; inFlightMu guards inFlight. Any code path
// touching both acquires heapMu first, matching spec §4.2's fixed lock
// order and preventing deadlock with the symmetric check in Dequeue.
type Queue struct {
	store   *store.Store
	maxSize int

	heapMu sync.Mutex
	h      requestHeap

	inFlightMu sync.Mutex
	inFlight   map[string]*store.Request

	maxConcurrent atomic.Int64
}

// New creates an empty Queue. Call Recover to replay persisted QUEUED
// requests after construction.
func New(st *store.Store, maxSize, initialConcurrency int) *Queue {
	q := &Queue{
		store:    st,
		maxSize:  maxSize,
		h:        make(requestHeap, 0),
		inFlight: make(map[string]*store.Request),
	}
	q.maxConcurrent.Store(int64(initialConcurrency))
	heap.Init(&q.h)
	return q
}

// Recover replays persisted QUEUED requests into the in-memory heap in
// priority order, as required on Dispatcher startup.
func (q *Queue) Recover(ctx context.Context) error {
	pending, err := q.store.GetPending(ctx, q.maxSize)
	if err != nil {
		return err
	}
	q.heapMu.Lock()
	defer q.heapMu.Unlock()
	for _, r := range pending {
		heap.Push(&q.h, r)
	}
	return nil
}

// MaxConcurrent returns the current in-flight slot bound.
func (q *Queue) MaxConcurrent() int { return int(q.maxConcurrent.Load()) }

// SetMaxConcurrent resizes the in-flight slot bound; used by Backpressure.
func (q *Queue) SetMaxConcurrent(n int) { q.maxConcurrent.Store(int64(n)) }

// Enqueue persists r then inserts it into the priority heap. Returns false
// if the queue is already at maxSize.
func (q *Queue) Enqueue(ctx context.Context, r *store.Request) (bool, error) {
	q.heapMu.Lock()
	if q.maxSize > 0 && len(q.h) >= q.maxSize {
		q.heapMu.Unlock()
		return false, nil
	}
	q.heapMu.Unlock()

	if err := q.store.CreateRequest(ctx, r); err != nil {
		return false, err
	}

	q.heapMu.Lock()
	heap.Push(&q.h, r)
	q.heapMu.Unlock()
	return true, nil
}

// Dequeue returns the highest-priority pending request, or nil if the queue
// is empty or the in-flight set is already full. Entries that are no longer
// QUEUED in the Store (cancelled, raced) are skipped.
func (q *Queue) Dequeue(ctx context.Context) (*store.Request, error) {
	for {
		q.inFlightMu.Lock()
		full := q.maxConcurrent.Load() > 0 && int64(len(q.inFlight)) >= q.maxConcurrent.Load()
		q.inFlightMu.Unlock()
		if full {
			return nil, nil
		}

		q.heapMu.Lock()
		if q.h.Len() == 0 {
			q.heapMu.Unlock()
			return nil, nil
		}
		r := heap.Pop(&q.h).(*store.Request)
		q.heapMu.Unlock()

		current, err := q.store.GetRequest(ctx, r.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if current.Status != store.StatusQueued {
			continue
		}

		q.inFlightMu.Lock()
		q.inFlight[r.ID] = r
		q.inFlightMu.Unlock()
		return r, nil
	}
}

// BatchDequeue returns up to n requests via repeated Dequeue calls,
// respecting the same in-flight bound.
func (q *Queue) BatchDequeue(ctx context.Context, n int) ([]*store.Request, error) {
	out := make([]*store.Request, 0, n)
	for i := 0; i < n; i++ {
		r, err := q.Dequeue(ctx)
		if err != nil {
			return out, err
		}
		if r == nil {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

// MarkProcessing records that r has begun executing.
func (q *Queue) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now()
	q.inFlightMu.Lock()
	if r, ok := q.inFlight[id]; ok {
		r.StartedAt = &now
	}
	q.inFlightMu.Unlock()
	return q.store.UpdateStatus(ctx, id, store.StatusProcessing)
}

// MarkCompleted releases the in-flight slot and records the terminal status.
func (q *Queue) MarkCompleted(ctx context.Context, id string, final store.Status) error {
	q.inFlightMu.Lock()
	delete(q.inFlight, id)
	q.inFlightMu.Unlock()
	return q.store.UpdateStatus(ctx, id, final)
}

// Cancel removes id from the heap (if still queued) and in-flight set (if
// processing), and marks it CANCELLED in the Store.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.heapMu.Lock()
	for i, r := range q.h {
		if r.ID == id {
			heap.Remove(&q.h, i)
			break
		}
	}
	q.heapMu.Unlock()

	q.inFlightMu.Lock()
	delete(q.inFlight, id)
	q.inFlightMu.Unlock()

	return q.store.CancelRequest(ctx, id)
}

// CheckTimeouts scans the in-flight set for requests whose elapsed time
// since started exceeds their timeout_s, marks them TIMEOUT, and returns
// their ids. Idempotent; meant to be called by a periodic driver.
func (q *Queue) CheckTimeouts(ctx context.Context) ([]string, error) {
	now := time.Now()

	q.inFlightMu.Lock()
	var expired []*store.Request
	for _, r := range q.inFlight {
		if r.StartedAt == nil {
			continue
		}
		if now.Sub(*r.StartedAt) > time.Duration(r.TimeoutS*float64(time.Second)) {
			expired = append(expired, r)
		}
	}
	for _, r := range expired {
		delete(q.inFlight, r.ID)
	}
	q.inFlightMu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, r := range expired {
		if err := q.store.UpdateStatus(ctx, r.ID, store.StatusTimeout); err != nil {
			return ids, err
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Stats reports the queue's current shape.
func (q *Queue) Stats() Stats {
	q.heapMu.Lock()
	depth := len(q.h)
	byProvider := make(map[string]int, 4)
	byPriority := make(map[int]int, 4)
	for _, r := range q.h {
		byProvider[r.Provider]++
		byPriority[r.Priority]++
	}
	q.heapMu.Unlock()

	q.inFlightMu.Lock()
	inFlight := len(q.inFlight)
	q.inFlightMu.Unlock()

	return Stats{
		Depth:           depth,
		InFlight:        inFlight,
		MaxConcurrent:   q.MaxConcurrent(),
		DepthByProvider: byProvider,
		DepthByPriority: byPriority,
	}
}

// Peek returns up to n queued requests without removing them, highest
// priority first, for ops tooling.
func (q *Queue) Peek(n int) []*store.Request {
	q.heapMu.Lock()
	defer q.heapMu.Unlock()
	cp := make(requestHeap, len(q.h))
	copy(cp, q.h)
	heap.Init(&cp)
	out := make([]*store.Request, 0, n)
	for i := 0; i < n && cp.Len() > 0; i++ {
		out = append(out, heap.Pop(&cp).(*store.Request))
	}
	return out
}

// Clear empties the in-memory heap without touching the Store, for ops
// tooling.
func (q *Queue) Clear() {
	q.heapMu.Lock()
	q.h = q.h[:0]
	q.heapMu.Unlock()
}
