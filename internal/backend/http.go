package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// HTTPDoer is satisfied by *http.Client; accepted as a parameter so tests
// can substitute a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// dialect names the wire format a given base-URL/provider-name resolves to.
type dialect string

const (
	dialectAnthropic dialect = "anthropic"
	dialectGemini    dialect = "gemini"
	dialectOpenAI    dialect = "openai" // default
)

// httpBackend is the spec-mandated generic transport: a single code path
// that detects one of three upstream dialects by base-URL/name and speaks
// its bit-exact wire format (spec §4.3.1). Grounded on
// original_source/lib/gateway/backends/http_backend.py and extractors/*.py.
type httpBackend struct {
	cfg     Config
	client  HTTPDoer
	dialect dialect
	apiKey  string

	timeoutMu sync.RWMutex
	timeout   time.Duration
}

// RaiseTimeout permanently raises the per-call timeout if d exceeds the
// current one. Used by RetryExecutor to apply spec §4.4's Gemini
// rate-limit timeout bump (raised to 600s on first rate-limit observation).
func (b *httpBackend) RaiseTimeout(d time.Duration) {
	b.timeoutMu.Lock()
	defer b.timeoutMu.Unlock()
	if d > b.timeout {
		b.timeout = d
	}
}

func (b *httpBackend) currentTimeout() time.Duration {
	b.timeoutMu.RLock()
	defer b.timeoutMu.RUnlock()
	return b.timeout
}

func newHTTPBackend(cfg Config, timeout time.Duration, client HTTPDoer) (Backend, error) {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &httpBackend{
		cfg:     cfg,
		client:  client,
		timeout: timeout,
		dialect: detectDialect(cfg),
		apiKey:  resolveAPIKey(cfg),
	}, nil
}

func resolveAPIKey(cfg Config) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	if cfg.APIKeyEnv != "" {
		return os.Getenv(cfg.APIKeyEnv)
	}
	return ""
}

// detectDialect implements spec §4.3.1's detection rule: an explicit
// override wins, otherwise base-URL/name substrings are matched, defaulting
// to OpenAI-compatible.
func detectDialect(cfg Config) dialect {
	if cfg.Dialect != "" {
		return dialect(strings.ToLower(cfg.Dialect))
	}
	probe := strings.ToLower(cfg.APIBaseURL + " " + cfg.Name)
	switch {
	case strings.Contains(probe, "anthropic"):
		return dialectAnthropic
	case strings.Contains(probe, "generativelanguage") || strings.Contains(probe, "gemini"):
		return dialectGemini
	default:
		return dialectOpenAI
	}
}

func (b *httpBackend) Name() string { return b.cfg.Name }

func (b *httpBackend) Execute(ctx context.Context, message string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, b.currentTimeout())
	defer cancel()

	start := time.Now()
	req, err := b.buildRequest(ctx, message, false)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http backend %s: %w", b.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http backend %s: read body: %w", b.cfg.Name, err)
	}
	latency := time.Since(start).Seconds() * 1000

	if resp.StatusCode >= 400 {
		return &Result{
			Success:   false,
			Error:     fmt.Sprintf("http_%d: %s", resp.StatusCode, truncate(string(body), 500)),
			LatencyMs: latency,
			RawOutput: string(body),
			Metadata:  map[string]any{"status_code": resp.StatusCode},
		}, nil
	}

	text, tokens := extractContent(b.dialect, body)
	return &Result{
		Success:   true,
		Text:      text,
		Tokens:    tokens,
		LatencyMs: latency,
		RawOutput: string(body),
	}, nil
}

// ExecuteStream parses upstream SSE per spec §4.3.1. Gemini's streaming is
// unsupported by the core (open question in spec §9, preserved here): it
// falls back to a single buffered call that emits one final chunk.
func (b *httpBackend) ExecuteStream(ctx context.Context, message string) (<-chan Chunk, error) {
	if b.dialect == dialectGemini {
		return b.simulatedSingleChunk(ctx, message)
	}

	req, err := b.buildRequest(ctx, message, true)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http backend %s: stream: %w", b.cfg.Name, err)
	}

	out := make(chan Chunk, 16)
	go b.pumpSSE(resp, out)
	return out, nil
}

func (b *httpBackend) simulatedSingleChunk(ctx context.Context, message string) (<-chan Chunk, error) {
	res, err := b.Execute(ctx, message)
	out := make(chan Chunk, 1)
	if err != nil {
		out <- Chunk{Error: err.Error(), Final: true, Provider: b.cfg.Name}
		close(out)
		return out, nil
	}
	c := Chunk{Content: res.Text, Index: 0, Final: true, Tokens: res.Tokens, Provider: b.cfg.Name}
	if !res.Success {
		c.Error = res.Error
	}
	out <- c
	close(out)
	return out, nil
}

func (b *httpBackend) pumpSSE(resp *http.Response, out chan<- Chunk) {
	defer close(out)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	index := 0
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			content, final, tokens := parseSSEFrame(b.dialect, event, []byte(data))
			if content == "" && !final {
				continue
			}
			out <- Chunk{Content: content, Index: index, Final: final, Tokens: tokens, Provider: b.cfg.Name}
			index++
			if final {
				return
			}
		}
	}
}

// HealthCheck pings an idempotent upstream endpoint with a short timeout;
// providers with no such endpoint are considered healthy whenever
// credentials are present, per spec §4.3.1.
func (b *httpBackend) HealthCheck(ctx context.Context) error {
	if b.dialect == dialectGemini || b.dialect == dialectAnthropic {
		if b.apiKey == "" {
			return fmt.Errorf("http backend %s: no credentials configured", b.cfg.Name)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url := strings.TrimRight(b.cfg.APIBaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("authorization", "Bearer "+b.apiKey)
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("http backend %s: health check status %d", b.cfg.Name, resp.StatusCode)
	}
	return nil
}

func (b *httpBackend) Shutdown() error { return nil }

func (b *httpBackend) buildRequest(ctx context.Context, message string, stream bool) (*http.Request, error) {
	url, body, headers := buildDialectPayload(b.dialect, b.cfg, b.apiKey, message, stream)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
