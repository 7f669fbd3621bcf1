package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-gateway/internal/backend"
	"github.com/nulpointcorp/llm-gateway/internal/reliability"
)

// scriptedBackend replays a fixed sequence of results/errors, one per call.
type scriptedBackend struct {
	name    string
	results []*backend.Result
	errs    []error
	calls   int

	raised time.Duration
}

func (b *scriptedBackend) Execute(ctx context.Context, message string) (*backend.Result, error) {
	i := b.calls
	if i >= len(b.results) {
		i = len(b.results) - 1
	}
	b.calls++
	return b.results[i], b.errs[i]
}

func (b *scriptedBackend) Name() string { return b.name }
func (b *scriptedBackend) ExecuteStream(ctx context.Context, message string) (<-chan backend.Chunk, error) {
	return nil, nil
}
func (b *scriptedBackend) HealthCheck(ctx context.Context) error { return nil }
func (b *scriptedBackend) Shutdown() error                       { return nil }
func (b *scriptedBackend) RaiseTimeout(d time.Duration)          { b.raised = d }

func fastCfg() Config {
	return Config{
		MaxRetries:      2,
		BaseDelay:       time.Millisecond,
		ExponentialBase: 2,
		MaxDelay:        10 * time.Millisecond,
		RateLimitFloor:  2 * time.Millisecond,
		GeminiTimeout:   600 * time.Second,
	}
}

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	b := &scriptedBackend{name: "alpha", results: []*backend.Result{{Success: true, Text: "hi"}}, errs: []error{nil}}
	ex := New(fastCfg(), reliability.New(reliability.Config{}))

	state, err := ex.Run(context.Background(), []Provider{{Name: "alpha", Backend: b}}, "hello")
	require.NoError(t, err)
	require.Equal(t, "alpha", state.FinalProvider)
	require.Equal(t, 0, state.Fallbacks)
	require.Len(t, state.Attempts, 1)
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	b := &scriptedBackend{
		name: "alpha",
		results: []*backend.Result{
			{Success: false, Error: "timeout", Metadata: map[string]any{"status_code": 504}},
			{Success: true, Text: "ok"},
		},
		errs: []error{nil, nil},
	}
	ex := New(fastCfg(), reliability.New(reliability.Config{}))

	state, err := ex.Run(context.Background(), []Provider{{Name: "alpha", Backend: b}}, "hello")
	require.NoError(t, err)
	require.Equal(t, "alpha", state.FinalProvider)
	require.Len(t, state.Attempts, 2)
	require.Equal(t, RetryableTransient, state.Attempts[0].Class)
}

func TestRunFallsBackToSecondProvider(t *testing.T) {
	primary := &scriptedBackend{
		name: "alpha",
		results: []*backend.Result{
			{Success: false, Error: "bad request", Metadata: map[string]any{"status_code": 400}},
		},
		errs: []error{nil},
	}
	secondary := &scriptedBackend{
		name:    "beta",
		results: []*backend.Result{{Success: true, Text: "ok"}},
		errs:    []error{nil},
	}
	ex := New(fastCfg(), reliability.New(reliability.Config{}))

	state, err := ex.Run(context.Background(), []Provider{
		{Name: "alpha", Backend: primary},
		{Name: "beta", Backend: secondary},
	}, "hello")
	require.NoError(t, err)
	require.Equal(t, "beta", state.FinalProvider)
	require.Equal(t, 1, state.Fallbacks)
}

func TestRunSkipsUnhealthyFallback(t *testing.T) {
	primary := &scriptedBackend{
		name:    "alpha",
		results: []*backend.Result{{Success: false, Error: "server error", Metadata: map[string]any{"status_code": 500}}},
		errs:    []error{nil},
	}
	tracker := reliability.New(reliability.Config{})
	for i := 0; i < 10; i++ {
		tracker.RecordFailure("beta")
	}
	// Failures alone leave beta's score at exactly 0.3 (still healthy); one
	// auth failure takes it below the floor.
	tracker.RecordAuthFailure("beta")
	third := &scriptedBackend{name: "gamma", results: []*backend.Result{{Success: true, Text: "ok"}}, errs: []error{nil}}

	ex := New(fastCfg(), tracker)
	state, err := ex.Run(context.Background(), []Provider{
		{Name: "alpha", Backend: primary},
		{Name: "beta", Backend: &scriptedBackend{name: "beta"}},
		{Name: "gamma", Backend: third},
	}, "hello")
	require.NoError(t, err)
	require.Equal(t, "gamma", state.FinalProvider)
}

func TestRunRaisesGeminiTimeoutOnRateLimit(t *testing.T) {
	b := &scriptedBackend{
		name: "gemini",
		results: []*backend.Result{
			{Success: false, Error: "rate limit exceeded", Metadata: map[string]any{"status_code": 429}},
			{Success: true, Text: "ok"},
		},
		errs: []error{nil, nil},
	}
	ex := New(fastCfg(), reliability.New(reliability.Config{}))

	_, err := ex.Run(context.Background(), []Provider{{Name: "gemini", Backend: b}}, "hello")
	require.NoError(t, err)
	require.Equal(t, 600*time.Second, b.raised)
}

func TestRunAuthErrorSkipsFallbackEntirely(t *testing.T) {
	primary := &scriptedBackend{
		name:    "alpha",
		results: []*backend.Result{{Success: false, Error: "unauthorized", Metadata: map[string]any{"status_code": 401}}},
		errs:    []error{nil},
	}
	secondary := &scriptedBackend{name: "beta", results: []*backend.Result{{Success: true, Text: "ok"}}, errs: []error{nil}}
	ex := New(fastCfg(), reliability.New(reliability.Config{}))

	state, err := ex.Run(context.Background(), []Provider{
		{Name: "alpha", Backend: primary},
		{Name: "beta", Backend: secondary},
	}, "hello")
	require.Error(t, err)
	require.Equal(t, 0, secondary.calls)
	require.Equal(t, 0, state.Fallbacks)
}

func TestRunExhaustsAllProviders(t *testing.T) {
	mk := func(name string) *scriptedBackend {
		return &scriptedBackend{
			name:    name,
			results: []*backend.Result{{Success: false, Error: "server error", Metadata: map[string]any{"status_code": 500}}},
			errs:    []error{nil},
		}
	}
	ex := New(Config{MaxRetries: 0, BaseDelay: time.Millisecond, RateLimitFloor: time.Millisecond}, reliability.New(reliability.Config{}))

	_, err := ex.Run(context.Background(), []Provider{
		{Name: "alpha", Backend: mk("alpha")},
		{Name: "beta", Backend: mk("beta")},
	}, "hello")
	require.Error(t, err)
}
