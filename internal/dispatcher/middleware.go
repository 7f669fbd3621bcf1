// middleware.go adapts _examples/nulpointcorp-llm-gateway/internal/proxy's
// recovery/requestID/timing/securityHeaders/corsHandler chain, unchanged in
// spirit, plus two new middlewares this spec's HTTP surface needs: an
// X-API-Key auth gate (spec §6) and a rate-limit gate backed by
// internal/ratelimit.Limiter.
package dispatcher

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
)

// hashAPIKey matches the sha256-hex digest internal/store's api_keys table
// is keyed on, so raw caller keys never need to be persisted to look up a
// per-key RPM override.
func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error":"internal server error"}`)
			}
		}()
		next(ctx)
	}
}

func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-API-Key")
			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// authGate enforces spec §6's "configurable header name, mandatory except
// for public path prefixes (or loopback clients, if enabled)".
func (d *Dispatcher) authGate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	header := d.cfg.Auth.HeaderName
	if header == "" {
		header = "X-API-Key"
	}
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		for _, prefix := range d.cfg.Auth.PublicPaths {
			if prefix != "" && strings.HasPrefix(path, prefix) {
				next(ctx)
				return
			}
		}
		if d.cfg.Auth.AllowLoopback && isLoopback(ctx.RemoteIP().String()) {
			next(ctx)
			return
		}
		if len(ctx.Request.Header.Peek(header)) == 0 {
			writeError(ctx, fasthttp.StatusUnauthorized, "missing_api_key", "request requires the "+header+" header")
			return
		}
		next(ctx)
	}
}

func isLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1"
}

// rateLimitGate applies internal/ratelimit.Limiter to every request,
// attaching the standard X-RateLimit-* headers (spec §6).
func (d *Dispatcher) rateLimitGate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	header := d.cfg.Auth.HeaderName
	if header == "" {
		header = "X-API-Key"
	}
	return func(ctx *fasthttp.RequestCtx) {
		callerKey := string(ctx.Request.Header.Peek(header))
		id := ratelimit.Identity{
			CallerKey: callerKey,
			IP:        ctx.RemoteIP().String(),
			Endpoint:  string(ctx.Path()),
		}
		if callerKey != "" {
			if rec, err := d.store.GetAPIKey(ctx, hashAPIKey(callerKey)); err == nil && rec.RPMOverride != nil {
				id.KeyRPM = *rec.RPMOverride
			}
		}
		decision := d.rateLimiter.Allow(id)

		ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		ctx.Response.Header.Set("X-RateLimit-Reset-After", ratelimit.RetryAfterHeader(decision))

		if !decision.Allowed {
			keyType := "ip"
			if id.CallerKey != "" {
				keyType = "api_key"
			}
			d.prom.RecordRateLimitHit(keyType)
			d.prom.RecordRateLimit("denied")
			ctx.Response.Header.Set("Retry-After", ratelimit.RetryAfterHeader(decision))
			writeErrorRetryAfter(ctx, fasthttp.StatusTooManyRequests, "rate_limited", "rate limit exceeded", decision.RetryAfterSeconds)
			return
		}
		d.prom.RecordRateLimit("allowed")
		next(ctx)
	}
}

func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
