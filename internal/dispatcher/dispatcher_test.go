package dispatcher

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-gateway/internal/backend"
	"github.com/nulpointcorp/llm-gateway/internal/backpressure"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/parallel"
	npqueue "github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/reliability"
	"github.com/nulpointcorp/llm-gateway/internal/retry"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/stream"
)

// fakeBackend replays a single fixed result/error for every Execute call.
type fakeBackend struct {
	name   string
	result *backend.Result
	err    error
	calls  int
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Execute(ctx context.Context, message string) (*backend.Result, error) {
	f.calls++
	return f.result, f.err
}
func (f *fakeBackend) ExecuteStream(ctx context.Context, message string) (<-chan backend.Chunk, error) {
	return nil, nil
}
func (f *fakeBackend) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeBackend) Shutdown() error                       { return nil }

// newTestDispatcher builds a Dispatcher with an in-memory store and the
// given backends, bypassing New()'s config-driven provider/cache wiring so
// tests can exercise handleOne/handleRetry/handleGroup/finish directly.
func newTestDispatcher(t *testing.T, backends map[string]backend.Backend) *Dispatcher {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := npqueue.New(st, 100, 10)

	d := &Dispatcher{
		version:        "test",
		cfg:            &config.Config{},
		log:            slog.Default(),
		store:          st,
		queue:          q,
		backends:       backends,
		reliability:    reliability.New(reliability.Config{}),
		retryExec:      retry.New(retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond, RateLimitFloor: time.Millisecond}, reliability.New(reliability.Config{})),
		parallel:       parallel.New(parallel.Config{}, backends),
		cacheMgr:       cache.NewManager(cache.Config{}, st, nil),
		streamMgr:      stream.NewManager(stream.DefaultHeartbeatInterval),
		backp:          backpressure.New(backpressure.Config{}, func() int { return 0 }, func() int { return 0 }),
		prom:           metrics.New(),
		fallbackChains: map[string][]string{},
		providerGroups: map[string][]string{},
		waiters:        newWaiters(),
	}
	return d
}

func mkRequest(id, provider string) *store.Request {
	return &store.Request{
		ID: id, Provider: provider, Message: "hello", TimeoutS: 5,
		Status: store.StatusQueued, CreatedAt: time.Now(),
	}
}

func TestHandleOneSuccessNotifiesWaiter(t *testing.T) {
	backends := map[string]backend.Backend{
		"alpha": &fakeBackend{name: "alpha", result: &backend.Result{Success: true, Text: "hi there"}},
	}
	d := newTestDispatcher(t, backends)
	ctx := context.Background()

	req := mkRequest("req-1", "alpha")
	require.NoError(t, d.store.CreateRequest(ctx, req))
	wait := d.waiters.register(req.ID)

	d.handleOne(ctx, req)

	select {
	case resp := <-wait:
		require.Equal(t, store.StatusCompleted, resp.Status)
		require.Equal(t, "hi there", resp.Text)
		require.Equal(t, "alpha", resp.Provider)
	case <-time.After(time.Second):
		t.Fatal("waiter was never notified")
	}
}

func TestHandleOneFallsBackOnFailure(t *testing.T) {
	backends := map[string]backend.Backend{
		"alpha": &fakeBackend{name: "alpha", result: &backend.Result{Success: false, Error: "server error", Metadata: map[string]any{"status_code": 500}}},
		"beta":  &fakeBackend{name: "beta", result: &backend.Result{Success: true, Text: "ok"}},
	}
	d := newTestDispatcher(t, backends)
	d.fallbackChains["alpha"] = []string{"beta"}
	ctx := context.Background()

	req := mkRequest("req-2", "alpha")
	require.NoError(t, d.store.CreateRequest(ctx, req))
	wait := d.waiters.register(req.ID)

	d.handleOne(ctx, req)

	select {
	case resp := <-wait:
		require.Equal(t, store.StatusCompleted, resp.Status)
		require.Equal(t, "beta", resp.Provider)
		require.Equal(t, 2, resp.Metadata["retry_count"])
		require.Equal(t, true, resp.Metadata["fallback_used"])
	case <-time.After(time.Second):
		t.Fatal("waiter was never notified")
	}
}

func TestHandleOneServesFromCache(t *testing.T) {
	b := &fakeBackend{name: "alpha", result: &backend.Result{Success: true, Text: "fresh"}}
	backends := map[string]backend.Backend{"alpha": b}
	d := newTestDispatcher(t, backends)
	ctx := context.Background()

	require.NoError(t, d.cacheMgr.Put(ctx, "alpha", "hello", "", "cached text", nil, time.Hour))

	req := mkRequest("req-3", "alpha")
	require.NoError(t, d.store.CreateRequest(ctx, req))
	wait := d.waiters.register(req.ID)

	d.handleOne(ctx, req)

	select {
	case resp := <-wait:
		require.Equal(t, "cached text", resp.Text)
	case <-time.After(time.Second):
		t.Fatal("waiter was never notified")
	}
	require.Equal(t, 0, b.calls)
}

func TestHandleOneUnknownProviderFails(t *testing.T) {
	d := newTestDispatcher(t, map[string]backend.Backend{})
	ctx := context.Background()

	req := mkRequest("req-4", "ghost")
	require.NoError(t, d.store.CreateRequest(ctx, req))
	wait := d.waiters.register(req.ID)

	d.handleOne(ctx, req)

	select {
	case resp := <-wait:
		require.Equal(t, store.StatusFailed, resp.Status)
	case <-time.After(time.Second):
		t.Fatal("waiter was never notified")
	}
}

func TestHandleGroupFansOutToProviderGroup(t *testing.T) {
	backends := map[string]backend.Backend{
		"alpha": &fakeBackend{name: "alpha", result: &backend.Result{Success: true, Text: "a"}},
		"beta":  &fakeBackend{name: "beta", result: &backend.Result{Success: true, Text: "b"}},
	}
	d := newTestDispatcher(t, backends)
	d.providerGroups["fast"] = []string{"alpha", "beta"}
	ctx := context.Background()

	req := mkRequest("req-5", "@fast")
	require.NoError(t, d.store.CreateRequest(ctx, req))
	wait := d.waiters.register(req.ID)

	d.handleOne(ctx, req)

	select {
	case resp := <-wait:
		require.Equal(t, store.StatusCompleted, resp.Status)
	case <-time.After(time.Second):
		t.Fatal("waiter was never notified")
	}
}

func TestHandleOneAttachesEstimatedCostWhenPriced(t *testing.T) {
	tokens := 2000
	backends := map[string]backend.Backend{
		"alpha": &fakeBackend{name: "alpha", result: &backend.Result{Success: true, Text: "hi", Tokens: &tokens}},
	}
	d := newTestDispatcher(t, backends)
	ctx := context.Background()
	require.NoError(t, d.store.UpsertTokenCost(ctx, &store.TokenCost{
		Provider: "alpha", Model: "gpt-test", InputCostPer1k: 0.01, OutputCostPer1k: 0.03,
	}))

	req := mkRequest("req-6", "alpha")
	req.Metadata = map[string]any{"model": "gpt-test"}
	require.NoError(t, d.store.CreateRequest(ctx, req))
	wait := d.waiters.register(req.ID)

	d.handleOne(ctx, req)

	select {
	case resp := <-wait:
		require.Equal(t, store.StatusCompleted, resp.Status)
		require.InDelta(t, 0.04, resp.Metadata["estimated_cost_usd"], 1e-9)
	case <-time.After(time.Second):
		t.Fatal("waiter was never notified")
	}
}

func TestHandleOneOmitsEstimatedCostWhenUnpriced(t *testing.T) {
	tokens := 500
	backends := map[string]backend.Backend{
		"alpha": &fakeBackend{name: "alpha", result: &backend.Result{Success: true, Text: "hi", Tokens: &tokens}},
	}
	d := newTestDispatcher(t, backends)
	ctx := context.Background()

	req := mkRequest("req-7", "alpha")
	req.Metadata = map[string]any{"model": "unpriced-model"}
	require.NoError(t, d.store.CreateRequest(ctx, req))
	wait := d.waiters.register(req.ID)

	d.handleOne(ctx, req)

	select {
	case resp := <-wait:
		require.Equal(t, store.StatusCompleted, resp.Status)
		_, ok := resp.Metadata["estimated_cost_usd"]
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter was never notified")
	}
}

func TestWaitersDropPreventsLeak(t *testing.T) {
	w := newWaiters()
	_ = w.register("x")
	w.drop("x")
	w.notify("x", &store.Response{})
	require.Len(t, w.m, 0)
}

func TestWaitersNotifyWithoutRegisterIsNoop(t *testing.T) {
	w := newWaiters()
	require.NotPanics(t, func() {
		w.notify("never-registered", &store.Response{})
	})
}
