package backend

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/providers/anthropic"
	"github.com/nulpointcorp/llm-gateway/internal/providers/azure"
	"github.com/nulpointcorp/llm-gateway/internal/providers/bedrock"
	"github.com/nulpointcorp/llm-gateway/internal/providers/gemini"
	"github.com/nulpointcorp/llm-gateway/internal/providers/mistral"
	"github.com/nulpointcorp/llm-gateway/internal/providers/openai"
	"github.com/nulpointcorp/llm-gateway/internal/providers/openaicompat"
	"github.com/nulpointcorp/llm-gateway/internal/providers/vertexai"
)

// sdkBackend adapts one of the teacher's vendor-SDK provider packages to
// the Backend contract, so openai-go, anthropic-sdk-go and genai stay
// wired and exercised as an alternate transport alongside the
// dialect-detecting httpBackend (see DESIGN.md).
type sdkBackend struct {
	cfg  Config
	prov providers.Provider
}

func newSDKBackend(cfg Config, timeout time.Duration) (Backend, error) {
	apiKey := resolveAPIKey(cfg)
	var prov providers.Provider
	var err error

	switch cfg.SDKProvider {
	case "openai":
		prov = openai.New(apiKey)
	case "anthropic":
		prov = anthropic.New(apiKey)
	case "gemini":
		prov, err = gemini.New(context.Background(), apiKey)
	case "mistral":
		prov = mistral.New(apiKey)
	case "azure":
		prov = azure.New(cfg.APIBaseURL, apiKey, os.Getenv(cfg.Name+"_API_VERSION"))
	case "bedrock":
		prov = bedrock.New(apiKey, os.Getenv(cfg.Name+"_SECRET_KEY"), os.Getenv(cfg.Name+"_REGION"))
	case "vertexai":
		prov, err = vertexai.New(context.Background(), os.Getenv(cfg.Name+"_PROJECT"))
	case "openaicompat", "":
		prov = openaicompat.New(cfg.Name, apiKey, cfg.APIBaseURL)
	default:
		return nil, fmt.Errorf("backend: unknown sdk_provider %q for provider %q", cfg.SDKProvider, cfg.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("backend: construct sdk provider %q: %w", cfg.Name, err)
	}

	return &sdkBackend{cfg: cfg, prov: prov}, nil
}

func (b *sdkBackend) Name() string { return b.cfg.Name }

func (b *sdkBackend) Execute(ctx context.Context, message string) (*Result, error) {
	start := time.Now()
	resp, err := b.prov.Request(ctx, &providers.ProxyRequest{
		Model:     b.cfg.Model,
		Messages:  []providers.Message{{Role: "user", Content: message}},
		MaxTokens: b.cfg.MaxTokens,
	})
	latency := time.Since(start).Seconds() * 1000
	if err != nil {
		return &Result{Success: false, Error: err.Error(), LatencyMs: latency}, nil
	}
	total := resp.Usage.InputTokens + resp.Usage.OutputTokens
	return &Result{Success: true, Text: resp.Content, Tokens: &total, LatencyMs: latency}, nil
}

func (b *sdkBackend) ExecuteStream(ctx context.Context, message string) (<-chan Chunk, error) {
	resp, err := b.prov.Request(ctx, &providers.ProxyRequest{
		Model:     b.cfg.Model,
		Messages:  []providers.Message{{Role: "user", Content: message}},
		MaxTokens: b.cfg.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		out := make(chan Chunk, 1)
		out <- Chunk{Error: err.Error(), Final: true, Provider: b.cfg.Name}
		close(out)
		return out, nil
	}
	if resp.Stream == nil {
		out := make(chan Chunk, 1)
		c := Chunk{Content: resp.Content, Final: true, Provider: b.cfg.Name}
		out <- c
		close(out)
		return out, nil
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		index := 0
		for sc := range resp.Stream {
			final := sc.FinishReason != ""
			out <- Chunk{Content: sc.Content, Index: index, Final: final, Provider: b.cfg.Name}
			index++
		}
	}()
	return out, nil
}

func (b *sdkBackend) HealthCheck(ctx context.Context) error {
	return b.prov.HealthCheck(ctx)
}

func (b *sdkBackend) Shutdown() error { return nil }
