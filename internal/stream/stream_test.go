package stream

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-gateway/internal/backend"
)

func TestPumpRelaysChunksAndStopsAtFinal(t *testing.T) {
	src := make(chan backend.Chunk, 2)
	src <- backend.Chunk{Content: "hi", Index: 0}
	src <- backend.Chunk{Content: " there", Index: 1, Final: true}
	close(src)

	m := NewManager(time.Hour)
	events := m.Pump(context.Background(), src)

	var got []string
	for ev := range events {
		if ev.Chunk != nil {
			got = append(got, ev.Chunk.Content)
		}
	}
	require.Equal(t, []string{"hi", " there"}, got)
}

func TestPumpEmitsHeartbeatOnIdle(t *testing.T) {
	src := make(chan backend.Chunk)
	m := NewManager(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := m.Pump(ctx, src)
	ev := <-events
	require.True(t, ev.Heartbeat)
	close(src)
}

func TestWriteSSEFramesAndTerminates(t *testing.T) {
	events := make(chan Event, 2)
	events <- Event{Chunk: &backend.Chunk{Content: "hello", Index: 0}}
	events <- Event{Chunk: &backend.Chunk{Content: "!", Index: 1, Final: true}}
	close(events)

	var buf bytes.Buffer
	var gotTokens int
	err := WriteSSE(&buf, events, func(tokens int) { gotTokens = tokens })
	require.NoError(t, err)

	out := buf.String()
	require.True(t, strings.Contains(out, `"content":"hello"`))
	require.True(t, strings.Contains(out, `"is_final":false`))
	require.True(t, strings.Contains(out, `"is_final":true`))
	require.False(t, strings.Contains(out, "choices"), "frames must carry the Chunk's own fields, not an OpenAI chat-completion-chunk wrapper")
	require.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
	require.Greater(t, gotTokens, 0)
}
