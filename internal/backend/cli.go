package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// wellKnownBinDirs mirrors original_source's cli.py _find_cli fallback list
// of common user/system binary directories checked after PATH.
func wellKnownBinDirs() []string {
	home, _ := os.UserHomeDir()
	return []string{
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, ".npm-global", "bin"),
		filepath.Join(home, "bin"),
		"/opt/homebrew/bin",
		"/usr/local/bin",
	}
}

// cliBackend wraps a local executable as a Backend. Grounded on
// original_source/lib/gateway/backends/cli.py and executors/cli_process.py.
// Uses os/exec rather than a dedicated process-supervision or pty library:
// none of the retrieved example repos carries one generically reusable for
// short-lived, one-shot subprocess execution (see DESIGN.md).
type cliBackend struct {
	cfg     Config
	timeout time.Duration

	resolveOnce sync.Once
	binPath     string
	resolveErr  error
}

func newCLIBackend(cfg Config, timeout time.Duration) (Backend, error) {
	return &cliBackend{cfg: cfg, timeout: timeout}, nil
}

func (b *cliBackend) Name() string { return b.cfg.Name }

func (b *cliBackend) resolve() (string, error) {
	b.resolveOnce.Do(func() {
		cmd := b.cfg.CLICommand
		if filepath.IsAbs(cmd) {
			if info, err := os.Stat(cmd); err == nil && !info.IsDir() {
				b.binPath = cmd
				return
			}
		}
		if p, err := exec.LookPath(cmd); err == nil {
			b.binPath = p
			return
		}
		for _, dir := range wellKnownBinDirs() {
			candidate := filepath.Join(dir, cmd)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				b.binPath = candidate
				return
			}
		}
		b.resolveErr = fmt.Errorf("cli backend %s: command %q not found on PATH or in well-known directories", b.cfg.Name, cmd)
	})
	return b.binPath, b.resolveErr
}

func (b *cliBackend) buildCmd(ctx context.Context, message string) (*exec.Cmd, error) {
	bin, err := b.resolve()
	if err != nil {
		return nil, err
	}
	args := append([]string{}, b.cfg.CLIArgs...)
	args = append(args, message)

	cmd := exec.CommandContext(ctx, bin, args...)
	if b.cfg.CLIWorkDir != "" {
		cmd.Dir = expandPath(b.cfg.CLIWorkDir)
	}
	cmd.Env = buildCLIEnv(b.cfg.CLIEnv)
	cmd.Stdin = nil
	return cmd, nil
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~") {
		home, _ := os.UserHomeDir()
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return os.ExpandEnv(p)
}

// buildCLIEnv strips terminal-interactive signals so CLIs do not attempt
// ANSI UI, per spec §4.3.2 step 2.
func buildCLIEnv(extra map[string]string) []string {
	env := os.Environ()
	env = append(env, "TERM=dumb", "NO_COLOR=1", "CI=1")
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func (b *cliBackend) Execute(ctx context.Context, message string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	cmd, err := b.buildCmd(ctx, message)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	latency := time.Since(start).Seconds() * 1000
	combined := stdout.String() + stderr.String()

	if ctx.Err() != nil {
		return &Result{
			Success:   false,
			Error:     "timeout",
			LatencyMs: latency,
			RawOutput: combined,
		}, nil
	}

	if url, ok := detectAuthRequired(combined); ok {
		return &Result{
			Success:   false,
			Error:     "auth_required",
			LatencyMs: latency,
			RawOutput: combined,
			Metadata:  map[string]any{"auth_required": true, "auth_url": url},
		}, nil
	}

	if runErr != nil {
		return &Result{
			Success:   false,
			Error:     fmt.Sprintf("cli exit error: %v", runErr),
			LatencyMs: latency,
			RawOutput: combined,
		}, nil
	}

	cleaned, thinking := processCLIOutput(combined)
	inTok := estimateTokens(message)
	outTok := estimateTokens(cleaned)
	total := inTok + outTok
	return &Result{
		Success:   true,
		Text:      cleaned,
		Thinking:  thinking,
		Tokens:    &total,
		LatencyMs: latency,
		RawOutput: combined,
	}, nil
}

// ExecuteStream has no native CLI streaming support in the core; callers
// use StreamManager's simulated chunking over a buffered Execute instead.
func (b *cliBackend) ExecuteStream(ctx context.Context, message string) (<-chan Chunk, error) {
	res, err := b.Execute(ctx, message)
	out := make(chan Chunk, 1)
	if err != nil {
		out <- Chunk{Error: err.Error(), Final: true, Provider: b.cfg.Name}
		close(out)
		return out, nil
	}
	c := Chunk{Content: res.Text, Final: true, Tokens: res.Tokens, Provider: b.cfg.Name}
	if !res.Success {
		c.Error = res.Error
	}
	out <- c
	close(out)
	return out, nil
}

// HealthCheck verifies the binary is present and executable; it does not
// run it, because some CLIs have slow first-invocation auth flows (spec
// §4.3.2).
func (b *cliBackend) HealthCheck(ctx context.Context) error {
	_, err := b.resolve()
	return err
}

func (b *cliBackend) Shutdown() error { return nil }
