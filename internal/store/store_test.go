package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &Request{
		ID:        "req-1",
		Provider:  "alpha",
		Message:   "hello",
		Priority:  5,
		TimeoutS:  30,
		Status:    StatusQueued,
		Metadata:  map[string]any{"k": "v"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateRequest(ctx, r))

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, "alpha", got.Provider)
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, "v", got.Metadata["k"])
}

func TestUpdateStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &Request{ID: "req-2", Provider: "alpha", Message: "hi", TimeoutS: 30, Status: StatusQueued, CreatedAt: time.Now()}
	require.NoError(t, s.CreateRequest(ctx, r))

	require.NoError(t, s.UpdateStatus(ctx, "req-2", StatusProcessing))
	got, err := s.GetRequest(ctx, "req-2")
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	require.Nil(t, got.CompletedAt)

	require.NoError(t, s.UpdateStatus(ctx, "req-2", StatusCompleted))
	got, err = s.GetRequest(ctx, "req-2")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
}

func TestCancelRequestGuardsTerminalState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &Request{ID: "req-3", Provider: "alpha", Message: "hi", TimeoutS: 30, Status: StatusQueued, CreatedAt: time.Now()}
	require.NoError(t, s.CreateRequest(ctx, r))
	require.NoError(t, s.UpdateStatus(ctx, "req-3", StatusCompleted))

	err := s.CancelRequest(ctx, "req-3")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetPendingOrdersByPriorityThenCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, s.CreateRequest(ctx, &Request{ID: "low", Provider: "a", Message: "m", TimeoutS: 1, Priority: 1, Status: StatusQueued, CreatedAt: base}))
	require.NoError(t, s.CreateRequest(ctx, &Request{ID: "high", Provider: "a", Message: "m", TimeoutS: 1, Priority: 9, Status: StatusQueued, CreatedAt: base.Add(time.Millisecond)}))

	pending, err := s.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "high", pending[0].ID)
}

func TestCacheEntryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &CacheEntry{Key: "k1", Provider: "alpha", Text: "world", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.PutCacheEntry(ctx, e))

	got, err := s.GetCacheEntry(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "world", got.Text)
	require.Zero(t, got.HitCount)

	require.NoError(t, s.TouchCacheEntry(ctx, "k1"))
	got, err = s.GetCacheEntry(ctx, "k1")
	require.NoError(t, err)
	require.EqualValues(t, 1, got.HitCount)
}

func TestRecordAndQueryMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordMetric(ctx, MetricEvent{Provider: "alpha", EventType: "completed", Success: true, LatencyMs: 50, CreatedAt: time.Now()}))
	events, err := s.GetProviderMetrics(ctx, "alpha", time.Hour)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Success)
}
