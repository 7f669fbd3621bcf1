package parallel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-gateway/internal/backend"
)

type fakeBackend struct {
	name    string
	result  *backend.Result
	err     error
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Execute(ctx context.Context, message string) (*backend.Result, error) {
	return f.result, f.err
}
func (f *fakeBackend) ExecuteStream(ctx context.Context, message string) (<-chan backend.Chunk, error) {
	return nil, nil
}
func (f *fakeBackend) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeBackend) Shutdown() error                       { return nil }

func TestExecuteFirstSuccessReturnsSuccessfulProvider(t *testing.T) {
	backends := map[string]backend.Backend{
		"alpha": &fakeBackend{name: "alpha", result: &backend.Result{Success: false, Error: "boom"}},
		"beta":  &fakeBackend{name: "beta", result: &backend.Result{Success: true, Text: "hi"}},
	}
	ex := New(Config{}, backends)
	res := ex.Execute(context.Background(), "hello", []string{"alpha", "beta"}, FirstSuccess)
	require.True(t, res.Success)
	require.Equal(t, "hi", res.SelectedResponse)
}

func TestExecuteAllCollectsEveryResponse(t *testing.T) {
	backends := map[string]backend.Backend{
		"alpha": &fakeBackend{name: "alpha", result: &backend.Result{Success: true, Text: "a"}},
		"beta":  &fakeBackend{name: "beta", result: &backend.Result{Success: true, Text: "b"}},
	}
	ex := New(Config{}, backends)
	res := ex.Execute(context.Background(), "hello", []string{"alpha", "beta"}, All)
	require.True(t, res.Success)
	require.Len(t, res.AllResponses, 2)
}

func TestExecuteAllNoSuccessReportsError(t *testing.T) {
	backends := map[string]backend.Backend{
		"alpha": &fakeBackend{name: "alpha", result: &backend.Result{Success: false, Error: "x"}},
	}
	ex := New(Config{}, backends)
	res := ex.Execute(context.Background(), "hello", []string{"alpha"}, All)
	require.False(t, res.Success)
	require.Equal(t, "no successful responses", res.Error)
}

func TestExecuteNoAvailableProviders(t *testing.T) {
	ex := New(Config{}, map[string]backend.Backend{})
	res := ex.Execute(context.Background(), "hello", []string{"alpha"}, FirstSuccess)
	require.False(t, res.Success)
	require.Equal(t, "no available providers", res.Error)
}

func TestExecuteBestQualityPrefersLongerStructuredResponse(t *testing.T) {
	backends := map[string]backend.Backend{
		"alpha": &fakeBackend{name: "alpha", result: &backend.Result{Success: true, Text: "short"}},
		"beta":  &fakeBackend{name: "beta", result: &backend.Result{Success: true, Text: "a longer response\n\nwith structure\n- item one\n- item two"}},
	}
	ex := New(Config{}, backends)
	res := ex.Execute(context.Background(), "hello", []string{"alpha", "beta"}, BestQuality)
	require.True(t, res.Success)
	require.Equal(t, "beta", res.SelectedProvider)
}

func TestExecuteConsensusPicksMedianLength(t *testing.T) {
	backends := map[string]backend.Backend{
		"alpha": &fakeBackend{name: "alpha", result: &backend.Result{Success: true, Text: "a"}},
		"beta":  &fakeBackend{name: "beta", result: &backend.Result{Success: true, Text: "ab"}},
		"gamma": &fakeBackend{name: "gamma", result: &backend.Result{Success: true, Text: "abc"}},
	}
	ex := New(Config{}, backends)
	res := ex.Execute(context.Background(), "hello", []string{"alpha", "beta", "gamma"}, Consensus)
	require.True(t, res.Success)
	require.Equal(t, "beta", res.SelectedProvider)
}

func TestExecuteFastestReturnsOneResponse(t *testing.T) {
	backends := map[string]backend.Backend{
		"alpha": &fakeBackend{name: "alpha", result: &backend.Result{Success: true, Text: "a"}},
	}
	ex := New(Config{}, backends)
	res := ex.Execute(context.Background(), "hello", []string{"alpha"}, Fastest)
	require.True(t, res.Success)
	require.Equal(t, "alpha", res.SelectedProvider)
}
