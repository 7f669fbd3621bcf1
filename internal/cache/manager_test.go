package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(cfg, st, nil), st
}

func TestFingerprintIsCaseAndWhitespaceInsensitive(t *testing.T) {
	a := Fingerprint("alpha", "", "  Hello World  ")
	b := Fingerprint("alpha", "", "hello world")
	require.Equal(t, a, b)
}

func TestPutThenGetRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "alpha", "hello", "", "a reasonably long cached answer", nil, 0))

	entry, ok := m.Get(ctx, "alpha", "hello", "")
	require.True(t, ok)
	require.Equal(t, "a reasonably long cached answer", entry.Text)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TotalHits)
}

func TestGetMissWhenAbsent(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	_, ok := m.Get(context.Background(), "alpha", "nope", "")
	require.False(t, ok)
}

func TestPutSkipsNegativePatternMatch(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "alpha", "what is the weather today", "", "sunny", nil, 0))
	_, ok := m.Get(ctx, "alpha", "what is the weather today", "")
	require.False(t, ok)
}

func TestPutSkipsShortResponse(t *testing.T) {
	m, _ := newTestManager(t, Config{MinResponseLength: 50})
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "alpha", "hi", "", "short", nil, 0))
	_, ok := m.Get(ctx, "alpha", "hi", "")
	require.False(t, ok)
}

func TestExpiredEntryIsMiss(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "alpha", "hello", "", "a reasonably long cached answer here", nil, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok := m.Get(ctx, "alpha", "hello", "")
	require.False(t, ok)
}

func TestEnforceMaxEntriesEvictsOldest(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxEntries: 1})
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "alpha", "first message", "", "a reasonably long cached answer one", nil, time.Hour))
	require.NoError(t, m.Put(ctx, "alpha", "second message", "", "a reasonably long cached answer two", nil, time.Hour))

	n, err := m.EnforceMaxEntries(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Count)
}
