package reliability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScoreAndHealthDefaults(t *testing.T) {
	tr := New(Config{})
	require.True(t, tr.IsHealthy("alpha"))
	require.InDelta(t, 1.0, tr.Score("alpha"), 0.001)
}

func TestAuthFailureTripsNeedsReauth(t *testing.T) {
	tr := New(Config{})
	for i := 0; i < 3; i++ {
		tr.RecordAuthFailure("alpha")
	}
	require.True(t, tr.NeedsReauth("alpha"))
	require.False(t, tr.IsHealthy("alpha"))
}

func TestLowSuccessRateIsUnhealthy(t *testing.T) {
	tr := New(Config{})
	for i := 0; i < 10; i++ {
		tr.RecordFailure("alpha")
	}
	// A zero success rate alone leaves the score at exactly 0.3, which still
	// counts as healthy; one auth failure takes it to 0.27.
	tr.RecordAuthFailure("alpha")
	require.Less(t, tr.Score("alpha"), DefaultUnhealthyBelow)
	require.False(t, tr.IsHealthy("alpha"))
}
