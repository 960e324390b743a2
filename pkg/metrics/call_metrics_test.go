package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"callcore/pkg/call"
)

func TestCallMetricsRecordsCompletion(t *testing.T) {
	manager := NewMetricsManager()
	cm, err := NewCallMetrics(manager)
	require.NoError(t, err)

	cm.RecordStart(true)
	cm.OnCallCompleted(call.FinalCallInfo{
		Method:     "/callcore.Echo/Ping",
		IsClient:   true,
		StatusCode: 0,
		Duration:   1_500_000,
	})

	counter := manager.counterVecs["calls_total"].WithLabelValues("/callcore.Echo/Ping", "client", "0")
	require.Equal(t, float64(1), testutil.ToFloat64(counter))
}
