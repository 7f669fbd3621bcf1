// Package backend implements the gateway's uniform transport contract
// (spec §4.3) over three concrete transports: raw HTTP, CLI subprocess, and
// adapted vendor SDKs.
package backend

import (
	"context"
	"fmt"
	"time"
)

// Result is the outcome of one Execute call.
type Result struct {
	Success   bool
	Text      string
	Error     string
	LatencyMs float64
	Tokens    *int
	Metadata  map[string]any
	Thinking  string
	RawOutput string
}

// Chunk is one unit of an ExecuteStream sequence.
type Chunk struct {
	Content  string
	Index    int
	Final    bool
	Tokens   *int
	Error    string
	Provider string
}

// Backend is the uniform contract every provider transport fulfils.
type Backend interface {
	Name() string
	Execute(ctx context.Context, message string) (*Result, error)
	ExecuteStream(ctx context.Context, message string) (<-chan Chunk, error)
	HealthCheck(ctx context.Context) error
	Shutdown() error
}

// TimeoutAdjuster is implemented by backends that support raising their
// per-call timeout at runtime (used for Gemini's rate-limit timeout bump,
// spec §4.4).
type TimeoutAdjuster interface {
	RaiseTimeout(d time.Duration)
}

// Config is a provider's transport configuration, assembled by
// internal/config from the gateway's YAML/env configuration.
type Config struct {
	Name        string
	BackendType string // "http", "cli", or "sdk"
	Enabled     bool
	Priority    int
	TimeoutS    float64

	// HTTPBackend
	APIBaseURL string
	APIKeyEnv  string
	APIKey     string // literal override, takes precedence over APIKeyEnv
	Dialect    string // "anthropic", "gemini", "openai" — empty triggers auto-detection
	Model      string
	MaxTokens  int

	// CLIBackend
	CLICommand string
	CLIArgs    []string
	CLIWorkDir string
	CLIEnv     map[string]string
	UsePTY     bool

	// SDKBackend
	SDKProvider string // "openai", "anthropic", "gemini", "mistral", "azure", "bedrock", "vertexai", "openaicompat"

	RateLimitRPM int
}

// New builds a Backend from cfg, selecting the concrete transport by
// cfg.BackendType.
func New(cfg Config, client HTTPDoer) (Backend, error) {
	timeout := time.Duration(cfg.TimeoutS * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	switch cfg.BackendType {
	case "", "http":
		return newHTTPBackend(cfg, timeout, client)
	case "cli":
		return newCLIBackend(cfg, timeout)
	case "sdk":
		return newSDKBackend(cfg, timeout)
	default:
		return nil, fmt.Errorf("backend: unknown backend_type %q for provider %q", cfg.BackendType, cfg.Name)
	}
}
