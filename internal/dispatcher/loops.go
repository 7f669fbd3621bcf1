package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// drainLoop is spec §4.10's drain loop: dequeue, acquire an in-flight slot,
// run handleOne as an independent task. The queue's own in-flight bound
// (reshaped live by Backpressure) is the only admission control here.
func (d *Dispatcher) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r, err := d.queue.Dequeue(ctx)
			if err != nil {
				d.log.Error("dequeue failed", slog.String("error", err.Error()))
				continue
			}
			if r == nil {
				continue
			}
			d.backp.RecordRequestStart()
			go d.handleOne(ctx, r)
		}
	}
}

// metricsLoop refreshes the gateway_queue_depth and gateway_active_connections
// gauges from the queue's live stats every tick.
func (d *Dispatcher) metricsLoop(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := d.queue.Stats()
			for provider, n := range stats.DepthByProvider {
				d.prom.SetQueueDepth(provider, n)
			}
			d.prom.SetActiveConnections(stats.InFlight)
		}
	}
}

// healthCheckLoop calls HealthCheck on every Backend every health_interval,
// updating ProviderInfo and the provider-health gauge.
func (d *Dispatcher) healthCheckLoop(ctx context.Context) error {
	interval := d.cfg.HealthCheck.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for name, b := range d.backends {
				hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err := b.HealthCheck(hctx)
				cancel()

				ok := err == nil
				d.prom.SetProviderHealth(name, ok)

				status := store.ProviderHealthy
				lastErr := ""
				if !ok {
					status = store.ProviderDegraded
					lastErr = err.Error()
				}
				now := time.Now()
				_ = d.store.UpdateProviderStatus(ctx, &store.ProviderInfo{
					Name:        name,
					Status:      status,
					LastCheckAt: &now,
					LastError:   lastErr,
					Enabled:     true,
				})
			}
		}
	}
}

// timeoutLoop calls Queue.CheckTimeouts every second and finalizes any
// request whose own timeout_s has elapsed, independent of upstream
// transport timeouts (spec §5).
func (d *Dispatcher) timeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ids, err := d.queue.CheckTimeouts(ctx)
			if err != nil {
				d.log.Error("check timeouts failed", slog.String("error", err.Error()))
				continue
			}
			for _, id := range ids {
				_ = d.store.SaveResponse(ctx, &store.Response{
					RequestID: id,
					Status:    store.StatusTimeout,
					Error:     "request exceeded its timeout_s",
					CreatedAt: time.Now(),
				})
			}
		}
	}
}

// cleanupLoop runs the hourly housekeeping sweep named in spec §4.10:
// old requests/metrics, expired cache entries, max-entries enforcement, and
// a rate-limiter stale-bucket sweep.
func (d *Dispatcher) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.runCleanup(ctx)
		}
	}
}

func (d *Dispatcher) runCleanup(ctx context.Context) {
	if n, err := d.store.CleanupOldRequests(ctx, 30*24*time.Hour); err != nil {
		d.log.Error("cleanup old requests failed", slog.String("error", err.Error()))
	} else if n > 0 {
		d.log.Info("cleaned up old requests", slog.Int64("count", n))
	}

	if n, err := d.store.CleanupOldMetrics(ctx, 30*24*time.Hour); err != nil {
		d.log.Error("cleanup old metrics failed", slog.String("error", err.Error()))
	} else if n > 0 {
		d.log.Info("cleaned up old metrics", slog.Int64("count", n))
	}

	if n, err := d.cacheMgr.CleanupExpired(ctx); err != nil {
		d.log.Error("cleanup expired cache failed", slog.String("error", err.Error()))
	} else if n > 0 {
		d.log.Info("cleaned up expired cache entries", slog.Int64("count", n))
	}

	if n, err := d.cacheMgr.EnforceMaxEntries(ctx); err != nil {
		d.log.Error("enforce max cache entries failed", slog.String("error", err.Error()))
	} else if n > 0 {
		d.log.Info("evicted cache entries over max_entries", slog.Int64("count", n))
	}

	evicted := d.rateLimiter.EvictStale(time.Now().Add(-time.Hour))
	if evicted > 0 {
		d.log.Info("evicted stale rate-limit buckets", slog.Int("count", evicted))
	}
}
