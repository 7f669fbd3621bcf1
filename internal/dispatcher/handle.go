package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/parallel"
	"github.com/nulpointcorp/llm-gateway/internal/retry"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// handleOne implements spec §4.10 step 2: serve from cache, or delegate to
// ParallelExecutor (group alias, leading "@") or RetryExecutor, then persist
// the Response and release the in-flight slot.
func (d *Dispatcher) handleOne(ctx context.Context, r *store.Request) {
	start := time.Now()
	model := modelOf(r)

	if err := d.queue.MarkProcessing(ctx, r.ID); err != nil {
		d.log.Error("mark processing failed", slog.String("id", r.ID), slog.String("error", err.Error()))
	}

	if entry, ok := d.cacheMgr.Get(ctx, r.Provider, r.Message, model); ok {
		d.prom.CacheGetHit()
		d.finish(ctx, r, &store.Response{
			RequestID: r.ID,
			Status:    store.StatusCompleted,
			Text:      entry.Text,
			Provider:  entry.Provider,
			Tokens:    entry.Tokens,
			LatencyMs: time.Since(start).Seconds() * 1000,
			CreatedAt: time.Now(),
		}, true)
		return
	}
	d.prom.CacheGetMiss()

	reqCtx := ctx
	var cancel context.CancelFunc
	if r.TimeoutS > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(r.TimeoutS*float64(time.Second)))
		defer cancel()
	}

	var resp *store.Response
	if strings.HasPrefix(r.Provider, "@") {
		resp = d.handleGroup(reqCtx, r, model)
	} else {
		resp = d.handleRetry(reqCtx, r, model)
	}
	resp.LatencyMs = time.Since(start).Seconds() * 1000
	d.prom.ObserveRequestLatency(r.Provider, time.Since(start))

	d.finish(ctx, r, resp, false)
}

func modelOf(r *store.Request) string {
	if r.Metadata == nil {
		return ""
	}
	if m, ok := r.Metadata["model"].(string); ok {
		return m
	}
	return ""
}

// handleRetry runs the single-provider fallback chain via RetryExecutor,
// building the provider list from r.Provider followed by its configured
// fallback chain (spec §6's retry.fallback_chains).
func (d *Dispatcher) handleRetry(ctx context.Context, r *store.Request, model string) *store.Response {
	names := append([]string{r.Provider}, d.fallbackChains[r.Provider]...)

	var providers []retry.Provider
	for _, n := range names {
		b, ok := d.backends[n]
		if !ok {
			continue
		}
		providers = append(providers, retry.Provider{Name: n, Backend: b})
	}
	if len(providers) == 0 {
		return &store.Response{
			RequestID: r.ID,
			Status:    store.StatusFailed,
			Error:     fmt.Sprintf("unknown provider %q", r.Provider),
			CreatedAt: time.Now(),
		}
	}

	state, err := d.retryExec.Run(ctx, providers, r.Message)

	for i, a := range state.Attempts {
		if i > 0 && state.Attempts[i-1].Provider != a.Provider {
			d.prom.RecordFallback(state.Attempts[i-1].Provider)
		}
		if a.DelayMs > 0 {
			d.prom.RecordRetry(a.Provider)
		}
		outcome := "error"
		if err == nil && i == len(state.Attempts)-1 {
			outcome = "success"
		}
		d.prom.ObserveUpstreamAttempt(a.Provider, "ask", outcome, time.Duration(a.LatencyMs*float64(time.Millisecond)))
	}

	if err != nil {
		d.prom.RecordError(r.Provider, "exhausted")
		return &store.Response{
			RequestID: r.ID,
			Status:    store.StatusFailed,
			Error:     err.Error(),
			Provider:  state.FinalProvider,
			CreatedAt: time.Now(),
		}
	}

	res := state.Result
	d.prom.AddTokens(state.FinalProvider, "ask", 0, tokensOrZero(res.Tokens), false)
	_ = d.cacheMgr.Put(ctx, state.FinalProvider, r.Message, model, res.Text, res.Tokens, 0)

	return &store.Response{
		RequestID: r.ID,
		Status:    store.StatusCompleted,
		Text:      res.Text,
		Provider:  state.FinalProvider,
		Tokens:    res.Tokens,
		Thinking:  res.Thinking,
		RawOutput: res.RawOutput,
		Metadata:  map[string]any{"retry_count": primaryRetryCount(state), "fallback_used": state.Fallbacks > 0},
		CreatedAt: time.Now(),
	}
}

// handleGroup delegates to ParallelExecutor for a "@group" provider alias,
// fanning the request out across the group's members (spec §4.5/§4.10).
func (d *Dispatcher) handleGroup(ctx context.Context, r *store.Request, model string) *store.Response {
	group := strings.TrimPrefix(r.Provider, "@")
	members := d.providerGroups[group]
	if len(members) == 0 {
		return &store.Response{
			RequestID: r.ID,
			Status:    store.StatusFailed,
			Error:     fmt.Sprintf("unknown provider group %q", group),
			CreatedAt: time.Now(),
		}
	}

	res := d.parallel.Execute(ctx, r.Message, members, parallel.Strategy(""))
	for provider, pr := range res.AllResponses {
		outcome := "error"
		if pr.Success {
			outcome = "success"
		}
		d.prom.ObserveUpstreamAttempt(provider, "ask", outcome, time.Duration(pr.LatencyMs*float64(time.Millisecond)))
	}

	if !res.Success {
		d.prom.RecordError(r.Provider, "group_exhausted")
		return &store.Response{
			RequestID: r.ID,
			Status:    store.StatusFailed,
			Error:     orDefaultErr(res.Error, "no provider in group succeeded"),
			CreatedAt: time.Now(),
		}
	}

	selected := res.AllResponses[res.SelectedProvider]
	_ = d.cacheMgr.Put(ctx, res.SelectedProvider, r.Message, model, res.SelectedResponse, selected.Tokens, 0)

	return &store.Response{
		RequestID: r.ID,
		Status:    store.StatusCompleted,
		Text:      res.SelectedResponse,
		Provider:  res.SelectedProvider,
		Tokens:    selected.Tokens,
		Metadata:  map[string]any{"strategy": string(res.Strategy), "group": group},
		CreatedAt: time.Now(),
	}
}

// finish persists resp, releases the in-flight slot, records metrics,
// notifies the backpressure controller, credits the reliability tracker on
// success, and wakes any waiter. It does not update the provider's stored
// ProviderInfo (latency and success-rate averages).
func (d *Dispatcher) finish(ctx context.Context, r *store.Request, resp *store.Response, cached bool) {
	if resp.Status == store.StatusCompleted {
		if cost, ok := d.estimatedCostUSD(ctx, resp.Provider, modelOf(r), resp.Tokens); ok {
			if resp.Metadata == nil {
				resp.Metadata = map[string]any{}
			}
			resp.Metadata["estimated_cost_usd"] = cost
		}
	}

	if err := d.store.SaveResponse(ctx, resp); err != nil {
		d.log.Error("save response failed", slog.String("id", r.ID), slog.String("error", err.Error()))
	}
	if err := d.queue.MarkCompleted(ctx, r.ID, resp.Status); err != nil {
		d.log.Error("mark completed failed", slog.String("id", r.ID), slog.String("error", err.Error()))
	}

	d.prom.RecordRequest(resp.Provider, statusCode(resp.Status), int64(resp.LatencyMs))
	cacheLabel := "miss"
	if cached {
		cacheLabel = "hit"
	}
	d.prom.ObserveGatewayRequest(r.Provider, "ask", cacheLabel, time.Duration(resp.LatencyMs*float64(time.Millisecond)))

	d.backp.RecordRequestComplete(resp.LatencyMs, resp.Status == store.StatusCompleted)

	if resp.Status == store.StatusCompleted {
		d.reliability.RecordSuccess(resp.Provider)
	}

	d.waiters.notify(r.ID, resp)
}

// primaryRetryCount counts the failed attempts logged against the original
// (non-fallback) provider, per spec §8 P9's retry_count definition — e.g. 3
// for "primary times out 3x, fallback succeeds", not the 4 total attempts
// across the whole chain.
func primaryRetryCount(state *retry.State) int {
	n := 0
	for _, a := range state.Attempts {
		if a.Provider != state.OriginalProvider {
			break
		}
		if a.Class != "" {
			n++
		}
	}
	return n
}

// estimatedCostUSD computes a best-effort metadata.estimated_cost_usd from
// internal/store's token_costs table, grounded on
// _examples/original_source/lib/gateway/state_store_costs.py's
// record_token_cost_impl, which prices input_tokens and output_tokens
// separately against per-provider/model rates. This gateway's Backend
// interface (internal/backend/sdk.go, dialect.go) collapses a response's
// input and output usage into a single total token count before it ever
// reaches store.Response, so the input/output split the original prices
// against isn't available here; the estimate instead averages the stored
// input and output per-1k rates against the total token count. ok is false
// when the model is unknown, the token count is unset, or no pricing row
// exists for the provider/model pair.
func (d *Dispatcher) estimatedCostUSD(ctx context.Context, provider, model string, tokens *int) (float64, bool) {
	if model == "" || tokens == nil || *tokens <= 0 {
		return 0, false
	}
	cost, err := d.store.GetTokenCost(ctx, provider, model)
	if err != nil {
		return 0, false
	}
	blendedPer1k := (cost.InputCostPer1k + cost.OutputCostPer1k) / 2
	return float64(*tokens) / 1000 * blendedPer1k, true
}

func tokensOrZero(t *int) int {
	if t == nil {
		return 0
	}
	return *t
}

func orDefaultErr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func statusCode(s store.Status) int {
	switch s {
	case store.StatusCompleted:
		return 200
	case store.StatusTimeout:
		return 504
	case store.StatusCancelled:
		return 499
	default:
		return 500
	}
}
