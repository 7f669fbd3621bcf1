// http.go implements spec §6's HTTP/JSON surface on top of
// github.com/fasthttp/router, adapted from
// _examples/nulpointcorp-llm-gateway/internal/proxy/router.go's route table
// and fasthttp.Server construction.
package dispatcher

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/stream"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

type askRequest struct {
	Provider string         `json:"provider"`
	Message  string         `json:"message"`
	Priority int            `json:"priority"`
	TimeoutS float64        `json:"timeout_s"`
	Metadata map[string]any `json:"metadata"`
}

// errKind maps this package's short error kinds to apierr's OpenAI-compatible
// type/code pair.
var errKind = map[string]struct{ typ, code string }{
	"invalid_request":  {apierr.TypeInvalidRequest, apierr.CodeInvalidRequest},
	"missing_api_key":  {apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey},
	"rate_limited":     {apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded},
	"overloaded":       {apierr.TypeServerError, apierr.CodeInternalError},
	"not_found":        {apierr.TypeInvalidRequest, apierr.CodeInvalidRequest},
	"unknown_provider": {apierr.TypeInvalidRequest, apierr.CodeInvalidRequest},
	"stream_failed":    {apierr.TypeProviderError, apierr.CodeProviderError},
	"enqueue_failed":   {apierr.TypeServerError, apierr.CodeInternalError},
	"queue_full":       {apierr.TypeServerError, apierr.CodeInternalError},
	"internal_error":   {apierr.TypeServerError, apierr.CodeInternalError},
}

func (d *Dispatcher) serve(addr string) error {
	r := router.New()

	r.POST("/api/ask", d.handleAsk)
	r.POST("/api/ask/stream", d.handleAskStream)
	r.GET("/api/requests/{id}", d.handleGetRequest)
	r.DELETE("/api/requests/{id}", d.handleCancelRequest)
	r.GET("/api/providers", d.handleProviders)
	r.GET("/api/health", d.handleHealth)
	r.GET("/metrics", d.prom.Handler())

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(d.corsOrigins),
		securityHeaders,
		d.authGate,
		d.rateLimitGate,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute, // accommodates long streaming responses
	}
	return srv.ListenAndServe(addr)
}

func (d *Dispatcher) handleAsk(ctx *fasthttp.RequestCtx) {
	if !d.backp.ShouldAcceptRequest() {
		writeError(ctx, fasthttp.StatusTooManyRequests, "overloaded", d.backp.RejectionReason())
		return
	}

	var body askRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if body.Provider == "" {
		body.Provider = d.cfg.DefaultProvider
	}
	if body.Message == "" || body.Provider == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "provider and message are required")
		return
	}
	if body.TimeoutS <= 0 {
		body.TimeoutS = 60
	}

	req := &store.Request{
		ID:        uuid.New().String(),
		Provider:  body.Provider,
		Message:   body.Message,
		Priority:  body.Priority,
		TimeoutS:  body.TimeoutS,
		Status:    store.StatusQueued,
		Metadata:  body.Metadata,
		CreatedAt: time.Now(),
	}

	wait := d.waiters.register(req.ID)
	ok, err := d.queue.Enqueue(ctx, req)
	if err != nil {
		d.waiters.drop(req.ID)
		writeError(ctx, fasthttp.StatusInternalServerError, "enqueue_failed", err.Error())
		return
	}
	if !ok {
		d.waiters.drop(req.ID)
		writeError(ctx, fasthttp.StatusTooManyRequests, "queue_full", "request queue is at capacity")
		return
	}

	deadline := time.Duration(body.TimeoutS*float64(time.Second)) + 5*time.Second
	select {
	case resp := <-wait:
		writeJSON(ctx, respBody(req, resp))
	case <-time.After(deadline):
		d.waiters.drop(req.ID)
		writeJSON(ctx, map[string]any{"id": req.ID, "status": string(store.StatusProcessing)})
	case <-ctx.Done():
		d.waiters.drop(req.ID)
	}
}

func (d *Dispatcher) handleAskStream(ctx *fasthttp.RequestCtx) {
	if !d.backp.ShouldAcceptRequest() {
		writeError(ctx, fasthttp.StatusTooManyRequests, "overloaded", d.backp.RejectionReason())
		return
	}

	var body askRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if body.Provider == "" {
		body.Provider = d.cfg.DefaultProvider
	}
	b, ok := d.backends[body.Provider]
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, "unknown_provider", fmt.Sprintf("provider %q is not configured", body.Provider))
		return
	}

	src, err := b.ExecuteStream(ctx, body.Message)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadGateway, "stream_failed", err.Error())
		return
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	events := d.streamMgr.Pump(ctx, src)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		_ = stream.WriteSSE(w, events, func(tokens int) {
			d.prom.AddTokens(body.Provider, "ask_stream", 0, tokens, false)
		})
	})
}

func (d *Dispatcher) handleGetRequest(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	req, err := d.store.GetRequest(ctx, id)
	if err != nil {
		writeError(ctx, fasthttp.StatusNotFound, "not_found", "no such request")
		return
	}
	resp, err := d.store.GetResponse(ctx, id)
	if err != nil {
		writeJSON(ctx, map[string]any{"id": req.ID, "status": string(req.Status), "provider": req.Provider})
		return
	}
	writeJSON(ctx, respBody(req, resp))
}

func (d *Dispatcher) handleCancelRequest(ctx *fasthttp.RequestCtx) {
	id := ctx.UserValue("id").(string)
	if err := d.queue.Cancel(ctx, id); err != nil {
		writeError(ctx, fasthttp.StatusNotFound, "not_found", "no such request")
		return
	}
	d.waiters.drop(id)
	writeJSON(ctx, map[string]string{"id": id, "status": string(store.StatusCancelled)})
}

func (d *Dispatcher) handleProviders(ctx *fasthttp.RequestCtx) {
	infos, err := d.store.ListProviderStatuses(ctx)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(ctx, infos)
}

func (d *Dispatcher) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":    "ok",
		"version":   d.version,
		"providers": len(d.backends),
	})
}

func respBody(req *store.Request, resp *store.Response) map[string]any {
	return map[string]any{
		"id":         req.ID,
		"provider":   resp.Provider,
		"status":     string(resp.Status),
		"response":   resp.Text,
		"error":      resp.Error,
		"tokens":     resp.Tokens,
		"latency_ms": resp.LatencyMs,
		"metadata":   resp.Metadata,
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(data)
}

func writeError(ctx *fasthttp.RequestCtx, code int, kind, detail string) {
	writeErrorRetryAfter(ctx, code, kind, detail, 0)
}

// writeErrorRetryAfter is writeError plus spec §6's rate-limit body shape:
// 429 responses carry retry_after in the JSON body (not just the
// Retry-After header rateLimitGate already sets), so "rate_limited" gets its
// own flat {error, detail, retry_after} envelope instead of apierr's nested
// OpenAI-compatible one.
func writeErrorRetryAfter(ctx *fasthttp.RequestCtx, code int, kind, detail string, retryAfterSeconds float64) {
	if kind == "rate_limited" {
		ctx.SetStatusCode(code)
		ctx.SetContentType("application/json")
		data, _ := json.Marshal(map[string]any{
			"error":       kind,
			"detail":      detail,
			"retry_after": retryAfterSeconds,
		})
		ctx.SetBody(data)
		slog.Debug("request rejected", slog.Int("status", code), slog.String("kind", kind))
		return
	}

	mapped, ok := errKind[kind]
	if !ok {
		mapped = struct{ typ, code string }{apierr.TypeServerError, apierr.CodeInternalError}
	}
	apierr.Write(ctx, code, detail, mapped.typ, mapped.code)
	slog.Debug("request rejected", slog.Int("status", code), slog.String("kind", kind))
}
