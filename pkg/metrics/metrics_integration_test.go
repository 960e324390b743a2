package metrics

import (
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMetricsIntegration drives the manager end to end: register call
// metric families, update them, and scrape them back over HTTP.
func TestMetricsIntegration(t *testing.T) {
	manager := NewMetricsManager()
	require.NotNil(t, manager)

	port := 19090
	address := fmt.Sprintf(":%d", port)

	err := manager.StartServer(address)
	require.NoError(t, err)
	defer manager.StopServer()

	time.Sleep(100 * time.Millisecond)

	err = manager.RegisterCounter("batches_started_total", "batches handed to the transport", "method", "side")
	require.NoError(t, err)

	err = manager.RegisterGauge("calls_in_flight_sample", "calls created but not completed", "side")
	require.NoError(t, err)

	err = manager.RegisterHistogram("batch_duration_seconds", "batch dispatch-to-completion time",
		[]float64{0.01, 0.1, 0.5, 1, 5}, "method")
	require.NoError(t, err)

	require.NoError(t, manager.IncrementCounter("batches_started_total", 1, "/svc/M", "client"))
	require.NoError(t, manager.SetGauge("calls_in_flight_sample", 42.5, "client"))
	require.NoError(t, manager.ObserveHistogram("batch_duration_seconds", 0.75, "/svc/M"))

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/metrics", port))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	bodyStr := string(body)
	assert.Contains(t, bodyStr, "batches_started_total")
	assert.Contains(t, bodyStr, "calls_in_flight_sample")
	assert.Contains(t, bodyStr, "batch_duration_seconds")
}

// TestCompletionQueueDepthCollectorExposed verifies a sampled backlog
// gauge reaches the scrape endpoint.
func TestCompletionQueueDepthCollectorExposed(t *testing.T) {
	manager := NewMetricsManager()
	require.NotNil(t, manager)

	depth := 5
	collector := NewMetricsCollector(manager)
	collector.AddCollector(CompletionQueueDepthCollector(func() int { return depth }))

	collector.Start(100 * time.Millisecond)
	defer collector.Stop()

	time.Sleep(200 * time.Millisecond)

	port := 19091
	address := fmt.Sprintf(":%d", port)

	err := manager.StartServer(address)
	require.NoError(t, err)
	defer manager.StopServer()

	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/metrics", port))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "completion_queue_depth")
}
