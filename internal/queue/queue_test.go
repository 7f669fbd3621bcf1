package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

func newTestQueue(t *testing.T, maxConcurrent int) (*Queue, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, 100, maxConcurrent), st
}

func mkReq(id string, priority int, createdAt time.Time) *store.Request {
	return &store.Request{
		ID: id, Provider: "alpha", Message: "hi", Priority: priority,
		TimeoutS: 30, Status: store.StatusQueued, CreatedAt: createdAt,
	}
}

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	q, _ := newTestQueue(t, 10)
	ctx := context.Background()
	base := time.Now()

	ok, err := q.Enqueue(ctx, mkReq("low", 1, base))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.Enqueue(ctx, mkReq("high", 9, base.Add(time.Millisecond)))
	require.NoError(t, err)
	require.True(t, ok)

	r, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "high", r.ID)

	r, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "low", r.ID)
}

func TestDequeueRespectsInFlightBound(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx := context.Background()
	base := time.Now()

	_, _ = q.Enqueue(ctx, mkReq("a", 1, base))
	_, _ = q.Enqueue(ctx, mkReq("b", 1, base.Add(time.Millisecond)))

	r, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)

	r2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, r2)
}

func TestEnqueueOverflow(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	q := New(st, 1, 10)
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, mkReq("a", 1, time.Now()))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Enqueue(ctx, mkReq("b", 1, time.Now()))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancelRemovesFromHeap(t *testing.T) {
	q, _ := newTestQueue(t, 10)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, mkReq("a", 1, time.Now()))

	require.NoError(t, q.Cancel(ctx, "a"))
	r, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestCheckTimeouts(t *testing.T) {
	q, st := newTestQueue(t, 10)
	ctx := context.Background()

	r := mkReq("a", 1, time.Now())
	r.TimeoutS = 0.001
	_, _ = q.Enqueue(ctx, r)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, q.MarkProcessing(ctx, "a"))

	time.Sleep(20 * time.Millisecond)
	ids, err := q.CheckTimeouts(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, "a")

	stored, err := st.GetRequest(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, store.StatusTimeout, stored.Status)
}
