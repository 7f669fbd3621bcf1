// Package backpressure implements spec §5's C9: a controller that reads
// live queue-depth, latency, and success-rate signals on a ticker and
// resizes the Queue's concurrency bound, exposing a coarse LoadLevel and
// callbacks for limit/load transitions.
//
// Grounded on original_source/lib/gateway/backpressure.py, translated from
// its asyncio evaluation task + dataclass config into a goroutine driven by
// time.Ticker and a single mutex guarding the rolling sample windows — the
// teacher's own worker/runner.go uses the same ticker-driven supervision
// loop shape for its background goroutines.
package backpressure

import (
	"context"
	"sort"
	"sync"
	"time"
)

// LoadLevel is the coarse system-load indicator derived from current
// metrics.
type LoadLevel string

const (
	LoadLow      LoadLevel = "low"
	LoadNormal   LoadLevel = "normal"
	LoadHigh     LoadLevel = "high"
	LoadCritical LoadLevel = "critical"
)

// Config mirrors original_source's BackpressureConfig thresholds.
type Config struct {
	MinConcurrent     int
	MaxConcurrent     int
	InitialConcurrent int

	QueueDepthLow      int
	QueueDepthHigh     int
	QueueDepthCritical int

	LatencyTargetMs   float64
	LatencyHighMs     float64
	LatencyCriticalMs float64

	SuccessRateLow      float64
	SuccessRateCritical float64

	ScaleUpStep       int
	ScaleDownStep     int
	Cooldown          time.Duration
	EvaluationWindow  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinConcurrent <= 0 {
		c.MinConcurrent = 2
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 20
	}
	if c.InitialConcurrent <= 0 {
		c.InitialConcurrent = 10
	}
	if c.QueueDepthLow <= 0 {
		c.QueueDepthLow = 10
	}
	if c.QueueDepthHigh <= 0 {
		c.QueueDepthHigh = 50
	}
	if c.QueueDepthCritical <= 0 {
		c.QueueDepthCritical = 100
	}
	if c.LatencyTargetMs <= 0 {
		c.LatencyTargetMs = 5000
	}
	if c.LatencyHighMs <= 0 {
		c.LatencyHighMs = 15000
	}
	if c.LatencyCriticalMs <= 0 {
		c.LatencyCriticalMs = 30000
	}
	if c.SuccessRateLow <= 0 {
		c.SuccessRateLow = 0.8
	}
	if c.SuccessRateCritical <= 0 {
		c.SuccessRateCritical = 0.5
	}
	if c.ScaleUpStep <= 0 {
		c.ScaleUpStep = 2
	}
	if c.ScaleDownStep <= 0 {
		c.ScaleDownStep = 1
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.EvaluationWindow <= 0 {
		c.EvaluationWindow = 60 * time.Second
	}
	return c
}

// Metrics is the point-in-time snapshot a load-level decision is made
// against.
type Metrics struct {
	QueueDepth       int
	ProcessingCount  int
	MaxConcurrent    int
	AvgLatencyMs     float64
	LatencyP95Ms     float64
	SuccessRate      float64
	RequestsPerSecond float64
}

func (m Metrics) Utilization() float64 {
	if m.MaxConcurrent == 0 {
		return 1.0
	}
	return float64(m.ProcessingCount) / float64(m.MaxConcurrent)
}

// Controller is the dynamic backpressure controller of spec §5/C9.
type Controller struct {
	cfg Config

	queueGetter      func() int
	processingGetter func() int
	onLimitChange    func(oldLimit, newLimit int)
	onLoadChange     func(oldLevel, newLevel LoadLevel)

	mu               sync.Mutex
	currentMax       int
	lastAdjustment   time.Time
	currentLoad      LoadLevel
	latencySamples   []float64
	successSamples   []bool
	requestTimestamps []time.Time
}

// New builds a Controller. queueGetter and processingGetter may be nil, in
// which case those signals read as zero.
func New(cfg Config, queueGetter, processingGetter func() int) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:              cfg,
		queueGetter:      queueGetter,
		processingGetter: processingGetter,
		currentMax:       cfg.InitialConcurrent,
		currentLoad:      LoadNormal,
	}
}

// SetLimitChangeCallback registers a callback invoked whenever the
// concurrency limit changes.
func (c *Controller) SetLimitChangeCallback(f func(oldLimit, newLimit int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLimitChange = f
}

// SetLoadChangeCallback registers a callback invoked whenever the load
// level transitions.
func (c *Controller) SetLoadChangeCallback(f func(oldLevel, newLevel LoadLevel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLoadChange = f
}

// Run starts the evaluation loop on interval, blocking until ctx is
// cancelled. Intended to be launched as one of the Dispatcher's background
// goroutines (its errgroup-supervised loop set).
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.evaluateAndAdjust()
		}
	}
}

// RecordRequestStart notes a new in-flight request for the requests-per-
// second signal.
func (c *Controller) RecordRequestStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.requestTimestamps = append(c.requestTimestamps, now)
	cutoff := now.Add(-c.cfg.EvaluationWindow)
	c.requestTimestamps = pruneBefore(c.requestTimestamps, cutoff)
}

// RecordRequestComplete records one request's latency and success for the
// rolling latency/success-rate windows.
func (c *Controller) RecordRequestComplete(latencyMs float64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencySamples = append(c.latencySamples, latencyMs)
	if len(c.latencySamples) > 100 {
		c.latencySamples = c.latencySamples[len(c.latencySamples)-100:]
	}
	c.successSamples = append(c.successSamples, success)
	if len(c.successSamples) > 100 {
		c.successSamples = c.successSamples[len(c.successSamples)-100:]
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Metrics returns the current metrics snapshot.
func (c *Controller) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metricsLocked()
}

func (c *Controller) metricsLocked() Metrics {
	queueDepth := 0
	if c.queueGetter != nil {
		queueDepth = c.queueGetter()
	}
	processing := 0
	if c.processingGetter != nil {
		processing = c.processingGetter()
	}

	var avgLatency, p95 float64
	if len(c.latencySamples) > 0 {
		sum := 0.0
		sorted := append([]float64(nil), c.latencySamples...)
		for _, v := range sorted {
			sum += v
		}
		avgLatency = sum / float64(len(sorted))
		sort.Float64s(sorted)
		idx := int(float64(len(sorted)) * 0.95)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		p95 = sorted[idx]
	}

	successRate := 1.0
	if len(c.successSamples) > 0 {
		ok := 0
		for _, s := range c.successSamples {
			if s {
				ok++
			}
		}
		successRate = float64(ok) / float64(len(c.successSamples))
	}

	now := time.Now()
	cutoff := now.Add(-60 * time.Second)
	recent := 0
	for _, t := range c.requestTimestamps {
		if t.After(cutoff) {
			recent++
		}
	}

	return Metrics{
		QueueDepth:        queueDepth,
		ProcessingCount:   processing,
		MaxConcurrent:     c.currentMax,
		AvgLatencyMs:      avgLatency,
		LatencyP95Ms:      p95,
		SuccessRate:       successRate,
		RequestsPerSecond: float64(recent) / 60.0,
	}
}

// LoadLevel determines the current coarse load level from current metrics.
func (c *Controller) LoadLevel() LoadLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metricsLocked()
	return loadLevelFor(c.cfg, m)
}

func loadLevelFor(cfg Config, m Metrics) LoadLevel {
	if m.QueueDepth >= cfg.QueueDepthCritical ||
		m.SuccessRate < cfg.SuccessRateCritical ||
		m.LatencyP95Ms >= cfg.LatencyCriticalMs {
		return LoadCritical
	}
	if m.QueueDepth >= cfg.QueueDepthHigh ||
		m.SuccessRate < cfg.SuccessRateLow ||
		m.LatencyP95Ms >= cfg.LatencyHighMs ||
		m.Utilization() > 0.9 {
		return LoadHigh
	}
	if m.QueueDepth <= cfg.QueueDepthLow &&
		m.Utilization() < 0.5 &&
		m.LatencyP95Ms < cfg.LatencyTargetMs {
		return LoadLow
	}
	return LoadNormal
}

func (c *Controller) evaluateAndAdjust() {
	c.mu.Lock()

	now := time.Now()
	if !c.lastAdjustment.IsZero() && now.Sub(c.lastAdjustment) < c.cfg.Cooldown {
		c.mu.Unlock()
		return
	}

	oldLoad := c.currentLoad
	m := c.metricsLocked()
	newLoad := loadLevelFor(c.cfg, m)

	var loadCb func(LoadLevel, LoadLevel)
	if newLoad != oldLoad {
		c.currentLoad = newLoad
		loadCb = c.onLoadChange
	}

	oldLimit := c.currentMax
	newLimit := oldLimit
	switch newLoad {
	case LoadCritical:
		newLimit = max(c.cfg.MinConcurrent, oldLimit-c.cfg.ScaleDownStep*2)
	case LoadHigh:
		newLimit = max(c.cfg.MinConcurrent, oldLimit-c.cfg.ScaleDownStep)
	case LoadLow:
		newLimit = min(c.cfg.MaxConcurrent, oldLimit+c.cfg.ScaleUpStep)
	}

	var limitCb func(int, int)
	if newLimit != oldLimit {
		c.currentMax = newLimit
		c.lastAdjustment = now
		limitCb = c.onLimitChange
	}
	c.mu.Unlock()

	if loadCb != nil {
		loadCb(oldLoad, newLoad)
	}
	if limitCb != nil {
		limitCb(oldLimit, newLimit)
	}
}

// MaxConcurrent returns the current concurrency limit.
func (c *Controller) MaxConcurrent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentMax
}

// ShouldAcceptRequest reports whether a new request should be admitted:
// false only when load is critical and the queue itself has hit the
// critical depth.
func (c *Controller) ShouldAcceptRequest() bool {
	c.mu.Lock()
	m := c.metricsLocked()
	load := loadLevelFor(c.cfg, m)
	c.mu.Unlock()

	if load == LoadCritical {
		return m.QueueDepth < c.cfg.QueueDepthCritical
	}
	return true
}

// RejectionReason returns a human-readable reason for rejecting requests,
// or "" if none applies.
func (c *Controller) RejectionReason() string {
	c.mu.Lock()
	m := c.metricsLocked()
	c.mu.Unlock()

	if m.QueueDepth >= c.cfg.QueueDepthCritical {
		return "queue depth exceeds critical threshold"
	}
	if m.SuccessRate < c.cfg.SuccessRateCritical {
		return "success rate below critical threshold"
	}
	return ""
}

// Reset returns the controller to its initial concurrency and clears all
// rolling sample windows.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentMax = c.cfg.InitialConcurrent
	c.lastAdjustment = time.Time{}
	c.latencySamples = nil
	c.successSamples = nil
	c.requestTimestamps = nil
	c.currentLoad = LoadNormal
}
