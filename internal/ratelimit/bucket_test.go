package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsWithinBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	id := Identity{CallerKey: "abc"}

	for i := 0; i < 3; i++ {
		d := l.Allow(id)
		require.True(t, d.Allowed, "request %d should be allowed", i)
	}
	d := l.Allow(id)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfterSeconds, 0.0)
}

func TestLimiterRefillsOverTime(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 600, BurstSize: 1}) // 10 tokens/sec
	id := Identity{CallerKey: "abc"}

	require.True(t, l.Allow(id).Allowed)
	require.False(t, l.Allow(id).Allowed)

	time.Sleep(150 * time.Millisecond)
	require.True(t, l.Allow(id).Allowed)
}

func TestLimiterSeparatesIdentitiesByConfiguredDimensions(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1, ByAPIKey: true})

	require.True(t, l.Allow(Identity{CallerKey: "alice"}).Allowed)
	require.True(t, l.Allow(Identity{CallerKey: "bob"}).Allowed)
	require.False(t, l.Allow(Identity{CallerKey: "alice"}).Allowed)
}

func TestLimiterIgnoresUnconfiguredDimensions(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1}) // ByAPIKey/ByIP both false

	require.True(t, l.Allow(Identity{CallerKey: "alice"}).Allowed)
	// Same shared bucket regardless of caller key, since ByAPIKey is false.
	require.False(t, l.Allow(Identity{CallerKey: "bob"}).Allowed)
}

func TestLimiterEndpointOverride(t *testing.T) {
	l := NewLimiter(Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		EndpointLimits:    map[string]int{"/api/ask": 600},
	})

	d := l.Allow(Identity{Endpoint: "/api/ask"})
	require.True(t, d.Allowed)
}

func TestLimiterKeyRPMOverridesEndpointAndDefault(t *testing.T) {
	l := NewLimiter(Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		EndpointLimits:    map[string]int{"/api/ask": 120}, // 2 tokens/sec
	})
	id := Identity{Endpoint: "/api/ask", KeyRPM: 600} // 10 tokens/sec, should win

	require.True(t, l.Allow(id).Allowed)
	require.False(t, l.Allow(id).Allowed)

	time.Sleep(150 * time.Millisecond)
	require.True(t, l.Allow(id).Allowed, "key-specific RPM override should refill faster than the endpoint override")
}

func TestEvictStaleRemovesOldBuckets(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	l.Allow(Identity{CallerKey: "alice"})
	require.Equal(t, 1, l.Size())

	evicted := l.EvictStale(time.Now().Add(time.Hour))
	require.Equal(t, 1, evicted)
	require.Equal(t, 0, l.Size())
}
