// Package retry implements spec §4.4's RetryExecutor: five-way error
// classification, exponential-plus-jitter backoff, and a fallback-chain walk
// that skips providers the reliability tracker marks unhealthy.
//
// Grounded on _examples/nulpointcorp-llm-gateway/internal/proxy/failover.go
// and circuitbreaker.go, generalized from the teacher's binary
// retryable/not-retryable split to the spec's five-way taxonomy and its
// explicit exponential backoff schedule.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/backend"
	"github.com/nulpointcorp/llm-gateway/internal/reliability"
)

// Config holds the backoff schedule, per spec §4.4.
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	ExponentialBase float64
	MaxDelay        time.Duration
	RateLimitFloor  time.Duration // minimum delay applied to RETRYABLE_RATE_LIMIT
	GeminiTimeout   time.Duration // raised timeout applied on first rate-limit observation
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.ExponentialBase <= 0 {
		c.ExponentialBase = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.RateLimitFloor <= 0 {
		c.RateLimitFloor = 5 * time.Second
	}
	if c.GeminiTimeout <= 0 {
		c.GeminiTimeout = 600 * time.Second
	}
	return c
}

// Provider pairs a name with the backend it dispatches to. Order in the
// slice passed to Run is the fallback order: index 0 is the primary.
type Provider struct {
	Name    string
	Backend backend.Backend
}

// Attempt records one provider call for the returned State's audit trail.
type Attempt struct {
	Provider  string
	Class     ErrorClass
	Error     string
	LatencyMs float64
	DelayMs   float64 // backoff slept before this attempt, 0 for the first
}

// State summarizes a full Run: the chain walked, how it ended, and the
// per-attempt log the Dispatcher persists into Response.Metadata and
// exports as gateway_retries_total / gateway_fallbacks_total.
type State struct {
	OriginalProvider string
	FinalProvider    string
	Fallbacks        int
	Attempts         []Attempt
	ElapsedMs        float64
	Result           *backend.Result
}

// Executor runs a request against a provider chain, retrying transient
// failures with backoff and falling back to the next healthy provider when
// retries on the current one are exhausted.
type Executor struct {
	cfg         Config
	reliability *reliability.Tracker

	mu   sync.Mutex
	rand *rand.Rand
}

func New(cfg Config, tracker *reliability.Tracker) *Executor {
	return &Executor{
		cfg:         cfg.withDefaults(),
		reliability: tracker,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run executes message against providers[0], retrying and falling back per
// spec §4.4, until one succeeds or every candidate is exhausted.
func (e *Executor) Run(ctx context.Context, providers []Provider, message string) (*State, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("retry: no providers configured")
	}

	start := time.Now()
	state := &State{OriginalProvider: providers[0].Name}

	rateLimitSeen := make(map[string]bool)

	for pi, p := range providers {
		if pi > 0 {
			if e.reliability != nil && !e.reliability.IsHealthy(p.Name) {
				continue
			}
			state.Fallbacks++
		}

		for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
			callStart := time.Now()
			res, err := p.Backend.Execute(ctx, message)
			latency := time.Since(callStart).Seconds() * 1000

			class := Classify(res, err)
			state.Attempts = append(state.Attempts, Attempt{
				Provider:  p.Name,
				Class:     class,
				Error:     errString(res, err),
				LatencyMs: latency,
			})

			if class == "" {
				// Success.
				if e.reliability != nil {
					e.reliability.RecordSuccess(p.Name)
				}
				state.FinalProvider = p.Name
				state.Result = res
				state.ElapsedMs = time.Since(start).Seconds() * 1000
				return state, nil
			}

			e.recordFailure(p.Name, class)

			if class == RetryableRateLimit && !rateLimitSeen[p.Name] {
				rateLimitSeen[p.Name] = true
				e.raiseGeminiTimeout(p.Backend)
			}

			if !class.Retryable() || attempt == e.cfg.MaxRetries {
				break
			}

			delay := e.backoffFor(attempt, class)
			state.Attempts[len(state.Attempts)-1].DelayMs = delay.Seconds() * 1000
			select {
			case <-ctx.Done():
				state.ElapsedMs = time.Since(start).Seconds() * 1000
				return state, ctx.Err()
			case <-time.After(delay):
			}
		}

		// Fallback is skipped entirely for NON_RETRYABLE_AUTH (spec §4.4):
		// the next provider will likely fail the same auth check.
		if state.Attempts[len(state.Attempts)-1].Class == NonRetryableAuth {
			break
		}
	}

	state.ElapsedMs = time.Since(start).Seconds() * 1000
	return state, fmt.Errorf("retry: all providers exhausted after %d attempt(s)", len(state.Attempts))
}

func (e *Executor) recordFailure(provider string, class ErrorClass) {
	if e.reliability == nil {
		return
	}
	switch class {
	case NonRetryableAuth:
		e.reliability.RecordAuthFailure(provider)
	case RetryableTransient:
		e.reliability.RecordTimeout(provider)
	default:
		e.reliability.RecordFailure(provider)
	}
}

// raiseGeminiTimeout bumps a Gemini-dialect HTTP backend's per-call timeout
// to cfg.GeminiTimeout on first rate-limit observation, per spec §4.4. Any
// backend implementing backend.TimeoutAdjuster qualifies; the type
// assertion keeps this opt-in rather than part of the core Backend contract.
func (e *Executor) raiseGeminiTimeout(b backend.Backend) {
	if adj, ok := b.(backend.TimeoutAdjuster); ok {
		adj.RaiseTimeout(e.cfg.GeminiTimeout)
	}
}

// backoffFor computes the exponential-plus-jitter delay for attempt
// (0-indexed), with a 5s floor applied to rate-limit classifications.
func (e *Executor) backoffFor(attempt int, class ErrorClass) time.Duration {
	base := float64(e.cfg.BaseDelay) * math.Pow(e.cfg.ExponentialBase, float64(attempt))
	if base > float64(e.cfg.MaxDelay) {
		base = float64(e.cfg.MaxDelay)
	}

	e.mu.Lock()
	jitter := 0.5 + e.rand.Float64() // [0.5, 1.5)
	e.mu.Unlock()

	delay := time.Duration(base * jitter)
	if class == RetryableRateLimit && delay < e.cfg.RateLimitFloor {
		delay = e.cfg.RateLimitFloor
	}
	return delay
}

func errString(res *backend.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if res != nil {
		return res.Error
	}
	return ""
}
