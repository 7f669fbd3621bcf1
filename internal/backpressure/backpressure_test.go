package backpressure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadLevelCriticalOnQueueDepth(t *testing.T) {
	c := New(Config{QueueDepthCritical: 10}, func() int { return 20 }, func() int { return 0 })
	require.Equal(t, LoadCritical, c.LoadLevel())
}

func TestLoadLevelLowWhenIdle(t *testing.T) {
	c := New(Config{}, func() int { return 0 }, func() int { return 0 })
	require.Equal(t, LoadLow, c.LoadLevel())
}

func TestLoadLevelHighOnUtilization(t *testing.T) {
	c := New(Config{InitialConcurrent: 10}, func() int { return 0 }, func() int { return 10 })
	require.Equal(t, LoadHigh, c.LoadLevel())
}

func TestEvaluateAndAdjustScalesDownUnderCriticalLoad(t *testing.T) {
	c := New(Config{InitialConcurrent: 10, MinConcurrent: 2, ScaleDownStep: 1, QueueDepthCritical: 10}, func() int { return 50 }, func() int { return 0 })

	var oldL, newL int
	c.SetLimitChangeCallback(func(o, n int) { oldL, newL = o, n })

	c.evaluateAndAdjust()
	require.Equal(t, 10, oldL)
	require.Equal(t, 8, newL) // critical: step*2
}

func TestEvaluateAndAdjustRespectsCooldown(t *testing.T) {
	c := New(Config{InitialConcurrent: 10, Cooldown: time.Hour, QueueDepthCritical: 10}, func() int { return 50 }, func() int { return 0 })
	c.evaluateAndAdjust()
	require.Equal(t, 8, c.MaxConcurrent())

	c.evaluateAndAdjust() // within cooldown, should not adjust again
	require.Equal(t, 8, c.MaxConcurrent())
}

func TestShouldAcceptRequestFalseWhenQueueCritical(t *testing.T) {
	c := New(Config{QueueDepthCritical: 5}, func() int { return 10 }, func() int { return 0 })
	require.False(t, c.ShouldAcceptRequest())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c := New(Config{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, time.Millisecond) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestResetRestoresInitialConcurrency(t *testing.T) {
	c := New(Config{InitialConcurrent: 7}, nil, nil)
	c.Reset()
	require.Equal(t, 7, c.MaxConcurrent())
}
