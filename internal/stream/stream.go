// Package stream implements spec §5's StreamManager: it adapts a Backend's
// native or simulated chunk stream into chunks with periodic heartbeats and
// supports per-stream cancellation, then serializes the result as Server-Sent
// Events for HTTP delivery.
//
// Grounded on _examples/eugener-gandalf/internal/provider/sseutil (chunk/
// frame construction) and the teacher's writeSSE in
// _examples/nulpointcorp-llm-gateway/internal/proxy/gateway.go (SSE framing,
// [DONE] terminator, flush-per-chunk writer loop).
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/backend"
)

// DefaultHeartbeatInterval is how often a zero-content heartbeat chunk is
// emitted while waiting on the upstream for more data, per spec's GLOSSARY
// entry for Heartbeat ("keep idle transport connections alive").
const DefaultHeartbeatInterval = 15 * time.Second

// Event is one item a Manager-produced stream yields: either a data chunk,
// a heartbeat, or a terminal error.
type Event struct {
	Chunk     *backend.Chunk
	Heartbeat bool
}

// Manager interposes heartbeats and cancellation between a Backend's chunk
// channel and the eventual HTTP writer.
type Manager struct {
	heartbeatInterval time.Duration
}

func NewManager(heartbeatInterval time.Duration) *Manager {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Manager{heartbeatInterval: heartbeatInterval}
}

// Pump relays src onto the returned channel, injecting a heartbeat Event
// whenever more than heartbeatInterval elapses without a chunk, and stopping
// (closing the output channel) when ctx is cancelled or src closes.
func (m *Manager) Pump(ctx context.Context, src <-chan backend.Chunk) <-chan Event {
	out := make(chan Event, 1)

	go func() {
		defer close(out)

		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-src:
				if !ok {
					return
				}
				ticker.Reset(m.heartbeatInterval)
				chunk := c
				select {
				case out <- Event{Chunk: &chunk}:
				case <-ctx.Done():
					return
				}
				if chunk.Final {
					return
				}
			case <-ticker.C:
				select {
				case out <- Event{Heartbeat: true}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// WriteSSE drains events, writing each as an SSE "data:" frame to w and
// flushing after every write when w is a flusher, terminating with
// "data: [DONE]\n\n" as the teacher's writeSSE does. onComplete, if non-nil,
// receives the final chunk's cumulative token estimate.
func WriteSSE(w io.Writer, events <-chan Event, onComplete func(tokens int)) error {
	type flusher interface{ Flush() error }

	totalChars := 0
	for ev := range events {
		if ev.Heartbeat {
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return err
			}
		} else if ev.Chunk != nil {
			totalChars += len(ev.Chunk.Content)
			frame := sseFrame(ev.Chunk)
			data, err := json.Marshal(frame)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return err
			}
		}
		if f, ok := w.(flusher); ok {
			_ = f.Flush()
		}
	}

	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		_ = f.Flush()
	}

	if onComplete != nil {
		estimated := totalChars / 4
		if estimated == 0 && totalChars > 0 {
			estimated = 1
		}
		onComplete(estimated)
	}
	return nil
}

// sseFrame emits the Chunk's own fields (spec §6/§8 P8), not an
// OpenAI-chat-completion-chunk wrapper: content, index, and the is_final
// flag the terminal frame carries.
func sseFrame(c *backend.Chunk) map[string]any {
	frame := map[string]any{
		"content":  c.Content,
		"index":    c.Index,
		"is_final": c.Final,
	}
	if c.Error != "" {
		frame["error"] = c.Error
	}
	return frame
}
