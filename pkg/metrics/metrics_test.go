package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsManagerRegisterAndUpdate(t *testing.T) {
	manager := NewMetricsManager()
	require.NotNil(t, manager)

	err := manager.RegisterCounter("batches_started_total", "batches handed to the transport", "method", "side")
	require.NoError(t, err)
	require.NoError(t, manager.IncrementCounter("batches_started_total", 5, "/svc/M", "client"))

	err = manager.RegisterGauge("calls_in_flight_sample", "calls created but not completed")
	require.NoError(t, err)
	require.NoError(t, manager.SetGauge("calls_in_flight_sample", 10))
	require.NoError(t, manager.IncrementGauge("calls_in_flight_sample", 5))
	require.NoError(t, manager.DecrementGauge("calls_in_flight_sample", 2))

	buckets := []float64{0.1, 0.5, 1, 2, 5}
	err = manager.RegisterHistogram("batch_duration_seconds", "batch dispatch-to-completion time", buckets, "method")
	require.NoError(t, err)
	require.NoError(t, manager.ObserveHistogram("batch_duration_seconds", 1.5, "/svc/M"))
}

func TestMetricsManagerRejectsDuplicateRegistration(t *testing.T) {
	manager := NewMetricsManager()
	require.NoError(t, manager.RegisterCounter("cancellations_total", "cancellations by source", "source"))

	err := manager.RegisterCounter("cancellations_total", "duplicate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestMetricsManagerRejectsUnknownMetric(t *testing.T) {
	manager := NewMetricsManager()

	err := manager.IncrementCounter("no_such_counter", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown counter")

	err = manager.SetGauge("no_such_gauge", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown gauge")

	err = manager.ObserveHistogram("no_such_histogram", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown histogram")
}

func TestMetricsCollectorRunsCallDomainCollectors(t *testing.T) {
	manager := NewMetricsManager()
	collector := NewMetricsCollector(manager)
	require.NotNil(t, collector)

	collector.AddCollector(RuntimeStatsCollector())
	collector.AddCollector(CompletionQueueDepthCollector(func() int { return 7 }))
	collector.AddCollector(ChannelPoolCollector(func() int { return 3 }))
	collector.AddCollector(AuditBacklogCollector(func() int64 { return 1 }))

	collector.Start(50 * time.Millisecond)
	assert.True(t, collector.IsRunning())

	time.Sleep(100 * time.Millisecond)

	collector.Stop()
	assert.False(t, collector.IsRunning())

	_, hasDepth := manager.gaugeVecs["completion_queue_depth"]
	assert.True(t, hasDepth)
	_, hasPool := manager.gaugeVecs["channel_pooled_connections"]
	assert.True(t, hasPool)
	_, hasAudit := manager.gaugeVecs["audit_dropped_completions"]
	assert.True(t, hasAudit)
}
