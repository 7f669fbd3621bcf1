// Package parallel fans a single request out across several backends at
// once and aggregates their results per one of five strategies (spec §5,
// C5 ParallelExecutor). Grounded on
// _examples/original_source/lib/gateway/parallel.py, translated from its
// asyncio.wait/gather idioms to goroutines over a buffered channel — every
// branch's result, success or failure, is collected rather than
// short-circuited by the first error, which rules out errgroup here.
package parallel

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/backend"
)

// Strategy selects how ProviderResponses are aggregated into a Result.
type Strategy string

const (
	FirstSuccess Strategy = "first_success"
	Fastest      Strategy = "fastest"
	All          Strategy = "all"
	Consensus    Strategy = "consensus"
	BestQuality  Strategy = "best_quality"
)

// Config mirrors original_source's ParallelConfig.
type Config struct {
	DefaultStrategy Strategy
	TimeoutS        float64
	MaxConcurrent   int
}

func (c Config) withDefaults() Config {
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = FirstSuccess
	}
	if c.TimeoutS <= 0 {
		c.TimeoutS = 60
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	return c
}

// ProviderResponse is one backend's outcome within a parallel run.
type ProviderResponse struct {
	Provider  string
	Success   bool
	Response  string
	Error     string
	LatencyMs float64
	Tokens    *int
	Metadata  map[string]any
}

// Result is the aggregated outcome of one Execute call.
type Result struct {
	Strategy         Strategy
	SelectedProvider string
	SelectedResponse string
	AllResponses     map[string]ProviderResponse
	TotalLatencyMs   float64
	Success          bool
	Error            string
}

// Executor runs a message against a set of named backends concurrently.
type Executor struct {
	cfg      Config
	backends map[string]backend.Backend
}

func New(cfg Config, backends map[string]backend.Backend) *Executor {
	return &Executor{cfg: cfg.withDefaults(), backends: backends}
}

// Execute fans message out to providers under strategy (falling back to the
// executor's configured default when strategy is empty).
func (e *Executor) Execute(ctx context.Context, message string, providers []string, strategy Strategy) *Result {
	if strategy == "" {
		strategy = e.cfg.DefaultStrategy
	}
	start := time.Now()
	result := &Result{Strategy: strategy, AllResponses: make(map[string]ProviderResponse)}

	available := make([]string, 0, len(providers))
	for _, p := range providers {
		if _, ok := e.backends[p]; ok {
			available = append(available, p)
		}
	}
	if len(available) == 0 {
		result.Error = "no available providers"
		return result
	}
	if len(available) > e.cfg.MaxConcurrent {
		available = available[:e.cfg.MaxConcurrent]
	}

	switch strategy {
	case Fastest:
		e.executeFastest(ctx, message, available, result)
	case All:
		e.executeAll(ctx, message, available, result)
	case Consensus:
		e.executeAll(ctx, message, available, result)
		applyConsensus(result)
	case BestQuality:
		e.executeAll(ctx, message, available, result)
		applyBestQuality(result)
	default: // FirstSuccess
		e.executeFirstSuccess(ctx, message, available, result)
	}

	result.TotalLatencyMs = time.Since(start).Seconds() * 1000
	return result
}

func (e *Executor) executeSingle(ctx context.Context, message, provider string) ProviderResponse {
	b := e.backends[provider]
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutS*float64(time.Second)))
	defer cancel()

	res, err := b.Execute(ctx, message)
	latency := time.Since(start).Seconds() * 1000

	if err != nil {
		return ProviderResponse{Provider: provider, Success: false, Error: err.Error(), LatencyMs: latency}
	}
	return ProviderResponse{
		Provider:  provider,
		Success:   res.Success,
		Response:  res.Text,
		Error:     res.Error,
		LatencyMs: latency,
		Tokens:    res.Tokens,
		Metadata:  res.Metadata,
	}
}

type indexed struct {
	provider string
	resp     ProviderResponse
}

// executeFirstSuccess launches every provider, returns as soon as one
// succeeds, and cancels the rest through the shared context when it returns
// (their results are discarded).
func (e *Executor) executeFirstSuccess(ctx context.Context, message string, providers []string, result *Result) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan indexed, len(providers))
	for _, p := range providers {
		p := p
		go func() { out <- indexed{p, e.executeSingle(ctx, message, p)} }()
	}

	var order []indexed
	for range providers {
		select {
		case item := <-out:
			result.AllResponses[item.provider] = item.resp
			order = append(order, item)
			if item.resp.Success {
				result.SelectedProvider = item.provider
				result.SelectedResponse = item.resp.Response
				result.Success = true
				return
			}
		case <-time.After(time.Duration(e.cfg.TimeoutS * float64(time.Second))):
			if len(result.AllResponses) == 0 {
				result.Error = "all providers timed out"
			}
			return
		}
	}

	if len(order) > 0 {
		first := order[0]
		result.SelectedProvider = first.provider
		result.Error = first.resp.Error
	} else {
		result.Error = "all providers timed out"
	}
}

func (e *Executor) executeFastest(ctx context.Context, message string, providers []string, result *Result) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan indexed, len(providers))
	for _, p := range providers {
		p := p
		go func() { out <- indexed{p, e.executeSingle(ctx, message, p)} }()
	}

	select {
	case item := <-out:
		result.AllResponses[item.provider] = item.resp
		result.SelectedProvider = item.provider
		result.SelectedResponse = item.resp.Response
		result.Success = item.resp.Success
		result.Error = item.resp.Error
	case <-time.After(time.Duration(e.cfg.TimeoutS * float64(time.Second))):
		result.Error = "all providers timed out"
	}
}

func (e *Executor) executeAll(ctx context.Context, message string, providers []string, result *Result) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	wg.Add(len(providers))
	for _, p := range providers {
		p := p
		go func() {
			defer wg.Done()
			resp := e.executeSingle(ctx, message, p)
			mu.Lock()
			result.AllResponses[p] = resp
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, p := range providers {
		resp := result.AllResponses[p]
		if resp.Success {
			result.SelectedProvider = p
			result.SelectedResponse = resp.Response
			result.Success = true
			break
		}
	}
	if !result.Success {
		result.Error = "no successful responses"
	}
}

// applyConsensus picks the median-length successful response as the
// "consensus" answer, matching original_source's length-similarity proxy
// for semantic consensus.
type providerResp struct {
	provider string
	resp     ProviderResponse
}

func applyConsensus(result *Result) {
	if !result.Success {
		return
	}
	var succ []providerResp
	for p, r := range result.AllResponses {
		if r.Success && r.Response != "" {
			succ = append(succ, providerResp{p, r})
		}
	}
	if len(succ) == 0 {
		result.Success = false
		result.Error = "no successful responses for consensus"
		return
	}
	sortByLen(succ)
	median := succ[len(succ)/2]
	result.SelectedProvider = median.provider
	result.SelectedResponse = median.resp.Response
	result.Success = true
}

func sortByLen(succ []providerResp) {
	for i := 1; i < len(succ); i++ {
		for j := i; j > 0 && len(succ[j].resp.Response) < len(succ[j-1].resp.Response); j-- {
			succ[j], succ[j-1] = succ[j-1], succ[j]
		}
	}
}

// applyBestQuality scores every successful response by length, structure
// markers, and a latency penalty, picking the highest-scoring one.
func applyBestQuality(result *Result) {
	if !result.Success {
		return
	}
	best := ""
	bestScore := math.Inf(-1)
	for p, r := range result.AllResponses {
		score := scoreResponse(r)
		if score > bestScore {
			bestScore = score
			best = p
		}
	}
	if best == "" {
		result.Success = false
		result.Error = "no quality responses found"
		return
	}
	result.SelectedProvider = best
	result.SelectedResponse = result.AllResponses[best].Response
	result.Success = true
}

func scoreResponse(r ProviderResponse) float64 {
	if !r.Success || r.Response == "" {
		return 0
	}
	score := math.Min(float64(len(r.Response))/1000, 5.0)
	if strings.Contains(r.Response, "\n\n") {
		score += 1.0
	}
	if strings.Contains(r.Response, "- ") || strings.Contains(r.Response, "* ") || strings.Contains(r.Response, "1.") {
		score += 1.0
	}
	score -= r.LatencyMs / 10000
	return score
}
