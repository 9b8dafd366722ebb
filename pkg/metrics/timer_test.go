package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTimerObservesVecWithLabels(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_workspace_operation_duration_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "run_pov")

	require.Equal(t, 1, testutil.CollectAndCount(vec), "exactly the labelled series must exist")
}

func TestTimerObservesPlainHistogram(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_result_receiver_apply_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(hist)

	require.Equal(t, 1, testutil.CollectAndCount(hist))
}

func TestTimerDurationIncreases(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	first := timer.Duration()
	time.Sleep(10 * time.Millisecond)
	second := timer.Duration()
	require.Greater(t, second, first)
	require.GreaterOrEqual(t, first, 10*time.Millisecond)
}
