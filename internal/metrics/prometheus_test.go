package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSetLoadLevelReportsGateLoadLevelGauge(t *testing.T) {
	r := New()

	r.SetLoadLevel("high")
	require.Equal(t, float64(2), testutil.ToFloat64(r.loadLevel))

	r.SetLoadLevel("critical")
	require.Equal(t, float64(3), testutil.ToFloat64(r.loadLevel))

	r.SetLoadLevel("low")
	require.Equal(t, float64(0), testutil.ToFloat64(r.loadLevel))
}
