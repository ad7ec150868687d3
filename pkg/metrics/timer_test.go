package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleCount gathers c through its own registry and returns the number of
// observations on its single histogram series.
func sampleCount(t *testing.T, c prometheus.Collector) uint64 {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.Len(t, families[0].GetMetric(), 1)
	return families[0].GetMetric()[0].GetHistogram().GetSampleCount()
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "berth_test_remove_seconds",
		Help: "Remove duration",
	})

	timer := NewTimer()
	timer.ObserveDuration(h)
	timer.ObserveDuration(h)

	assert.Equal(t, uint64(2), sampleCount(t, h))
}

func TestTimerObservesLifecycleOperation(t *testing.T) {
	before := testutil.CollectAndCount(LifecycleDuration)

	timer := NewTimer()
	timer.ObserveDurationVec(LifecycleDuration, "timer-test-create")
	assert.Equal(t, before+1, testutil.CollectAndCount(LifecycleDuration))

	// The same operation reuses its series
	NewTimer().ObserveDurationVec(LifecycleDuration, "timer-test-create")
	assert.Equal(t, before+1, testutil.CollectAndCount(LifecycleDuration))
}

func TestTimerObservesReconciliationPerEngine(t *testing.T) {
	before := testutil.CollectAndCount(ReconciliationDuration)

	NewTimer().ObserveDurationVec(ReconciliationDuration, "timer-test-docker")
	NewTimer().ObserveDurationVec(ReconciliationDuration, "timer-test-lxc")

	assert.Equal(t, before+2, testutil.CollectAndCount(ReconciliationDuration))
}
