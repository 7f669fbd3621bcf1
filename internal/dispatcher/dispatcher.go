// Package dispatcher implements spec §4.10's Dispatcher: the top-level
// orchestrator wiring Store, Queue, Backend, RetryExecutor, ParallelExecutor,
// CacheManager, StreamManager, RateLimiter and Backpressure, and exposing the
// spec §6 HTTP surface.
//
// Grounded on _examples/nulpointcorp-llm-gateway/internal/app/app.go's
// four-step init sequence and errgroup-supervised Run/Close lifecycle,
// generalized from its fixed OpenAI-compatible gateway to the spec's
// generic multi-backend, multi-strategy request pipeline.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-gateway/internal/backend"
	"github.com/nulpointcorp/llm-gateway/internal/backpressure"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/parallel"
	npqueue "github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/reliability"
	"github.com/nulpointcorp/llm-gateway/internal/retry"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/stream"
)

// Dispatcher owns every long-lived subsystem and the background loops that
// Run starts.
type Dispatcher struct {
	version string
	cfg     *config.Config
	log     *slog.Logger

	store *store.Store
	queue *npqueue.Queue

	backends map[string]backend.Backend
	order    []string // provider names, priority-ascending

	reliability *reliability.Tracker
	retryExec   *retry.Executor
	parallel    *parallel.Executor
	cacheMgr    *cache.Manager
	streamMgr   *stream.Manager
	rateLimiter *ratelimit.Limiter
	backp       *backpressure.Controller
	prom        *metrics.Registry

	fallbackChains map[string][]string
	providerGroups map[string][]string

	memCache *cache.MemoryCache
	rdb      *redis.Client

	corsOrigins []string
	waiters     *waiters
}

// New wires every subsystem per spec §4.10 step 1: open Store, replay
// QUEUED requests, instantiate Backends, and construct the supporting
// services. The Dispatcher is ready to Run once this returns.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*Dispatcher, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: open store: %w", err)
	}

	d := &Dispatcher{
		version:        version,
		cfg:            cfg,
		log:            log,
		store:          st,
		backends:       make(map[string]backend.Backend),
		fallbackChains: cfg.Retry.FallbackChains,
		providerGroups: cfg.Parallel.ProviderGroups,
		corsOrigins:    cfg.CORSOrigins,
		waiters:        newWaiters(),
	}

	q := npqueue.New(st, cfg.Queue.MaxSize, cfg.Queue.InitialConcurrency)
	if err := q.Recover(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("dispatcher: recover queue: %w", err)
	}
	d.queue = q

	d.prom = metrics.New()
	d.prom.SetBuildInfo(version)

	if err := d.initBackends(); err != nil {
		st.Close()
		return nil, fmt.Errorf("dispatcher: init backends: %w", err)
	}
	if len(d.backends) == 0 {
		st.Close()
		return nil, fmt.Errorf("dispatcher: no providers configured")
	}

	d.reliability = reliability.New(reliability.Config{})

	d.retryExec = retry.New(retry.Config{
		MaxRetries:      cfg.Retry.MaxRetries,
		BaseDelay:       cfg.Retry.BaseDelay,
		ExponentialBase: cfg.Retry.ExponentialBase,
		MaxDelay:        cfg.Retry.MaxDelay,
	}, d.reliability)

	d.parallel = parallel.New(parallel.Config{
		DefaultStrategy: parallel.Strategy(strings.ToLower(cfg.Parallel.DefaultStrategy)),
		TimeoutS:        cfg.Parallel.TimeoutS,
		MaxConcurrent:   cfg.Parallel.MaxConcurrent,
	}, d.backends)

	if err := d.initCache(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("dispatcher: init cache: %w", err)
	}

	d.streamMgr = stream.NewManager(stream.DefaultHeartbeatInterval)

	d.rateLimiter = ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitBucket.RequestsPerMinute,
		BurstSize:         cfg.RateLimitBucket.BurstSize,
		ByAPIKey:          cfg.RateLimitBucket.ByAPIKey,
		ByIP:              cfg.RateLimitBucket.ByIP,
		EndpointLimits:    cfg.RateLimitBucket.EndpointLimits,
	})

	d.backp = backpressure.New(backpressure.Config{},
		func() int { return d.queue.Stats().Depth },
		func() int { return d.queue.Stats().InFlight },
	)
	d.backp.SetLimitChangeCallback(func(_, newLimit int) {
		d.queue.SetMaxConcurrent(newLimit)
	})
	d.backp.SetLoadChangeCallback(func(_, newLevel backpressure.LoadLevel) {
		d.prom.SetLoadLevel(string(newLevel))
	})

	return d, nil
}

// initBackends constructs one backend.Backend per enabled provider config
// entry, ordered by ascending Priority (spec §3's provider Priority field).
func (d *Dispatcher) initBackends() error {
	defs := d.cfg.BuildBackendConfigs()
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Priority < defs[j].Priority })

	for _, bc := range defs {
		if !bc.Enabled {
			continue
		}
		b, err := backend.New(bc, nil)
		if err != nil {
			d.log.Error("backend init failed", slog.String("provider", bc.Name), slog.String("error", err.Error()))
			continue
		}
		d.backends[bc.Name] = b
		d.order = append(d.order, bc.Name)
		d.prom.SetProviderHealth(bc.Name, true)
	}
	return nil
}

// initCache builds the CacheManager with an optional L1 accelerator chosen
// per cfg.Cache.Mode, mirroring the teacher's MemoryCache/ExactCache choice.
func (d *Dispatcher) initCache(ctx context.Context) error {
	var l1 cache.Cache
	switch d.cfg.Cache.Mode {
	case "memory":
		d.memCache = cache.NewMemoryCache(ctx)
		l1 = d.memCache
	case "redis":
		rdb, err := connectRedis(ctx, d.cfg.Redis.URL)
		if err != nil {
			return err
		}
		d.rdb = rdb
		l1 = cache.NewExactCacheFromClient(rdb)
	case "none", "":
		l1 = nil
	}

	providerTTL := make(map[string]time.Duration, len(d.cfg.CacheManager.ProviderTTL))
	for k, v := range d.cfg.CacheManager.ProviderTTL {
		providerTTL[k] = v
	}

	d.cacheMgr = cache.NewManager(cache.Config{
		DefaultTTL:        d.cfg.CacheManager.DefaultTTL,
		MaxEntries:        d.cfg.CacheManager.MaxEntries,
		ProviderTTL:       providerTTL,
		MinResponseLength: d.cfg.CacheManager.MinResponseLength,
		NoCachePatterns:   d.cfg.CacheManager.NoCachePatterns,
		Disabled:          d.cfg.Cache.Mode == "none" && d.cfg.CacheManager.DefaultTTL == 0,
	}, d.store, l1)
	return nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Run launches the background loops (drain, health-check, timeout, cleanup,
// metrics and backpressure evaluation) and the HTTP server, blocking
// until ctx is cancelled or any supervised goroutine returns an error.
func (d *Dispatcher) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", d.cfg.Port)
	d.log.Info("starting dispatcher",
		slog.String("version", d.version),
		slog.String("addr", addr),
		slog.Int("providers", len(d.backends)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.drainLoop(gctx) })
	g.Go(func() error { return d.healthCheckLoop(gctx) })
	g.Go(func() error { return d.timeoutLoop(gctx) })
	g.Go(func() error { return d.cleanupLoop(gctx) })
	g.Go(func() error { return d.metricsLoop(gctx) })
	g.Go(func() error {
		interval := d.cfg.HealthCheck.Interval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		return d.backp.Run(gctx, interval)
	})

	g.Go(func() error { return d.serve(addr) })

	g.Go(func() error {
		<-gctx.Done()
		d.Close()
		return nil
	})

	return g.Wait()
}

// Close shuts down the backends, the cache tiers and the store. Repeated
// calls are harmless, but Close takes no lock, so concurrent calls are not
// synchronised with each other.
func (d *Dispatcher) Close() {
	for _, b := range d.backends {
		_ = b.Shutdown()
	}
	if d.memCache != nil {
		d.memCache.Close()
		d.memCache = nil
	}
	if d.rdb != nil {
		_ = d.rdb.Close()
		d.rdb = nil
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}
