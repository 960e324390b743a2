package metrics

import (
	"strconv"

	"callcore/pkg/call"
)

// CallMetrics adapts MetricsManager into a call.CompletionObserver,
// tracking call volume, status codes, duration, and the in-flight count
// the same way collectors.go's ChannelPoolCollector tracks pooled
// connections, scoped here to a Call's own lifecycle instead.
type CallMetrics struct {
	manager *MetricsManager
}

// NewCallMetrics registers the call_* metric families on manager and
// returns an observer ready to attach to call.CreateArgs.Observer.
func NewCallMetrics(manager *MetricsManager) (*CallMetrics, error) {
	if err := manager.RegisterCounter("calls_total", "total calls completed", "method", "side", "code"); err != nil {
		return nil, err
	}
	if err := manager.RegisterGauge("calls_in_flight", "calls created but not yet completed", "side"); err != nil {
		return nil, err
	}
	if err := manager.RegisterHistogram("call_duration_seconds", "call duration in seconds",
		[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}, "method", "side"); err != nil {
		return nil, err
	}
	return &CallMetrics{manager: manager}, nil
}

func sideLabel(isClient bool) string {
	if isClient {
		return "client"
	}
	return "server"
}

// RecordStart marks one call as in flight. Call it right after
// call.Create succeeds.
func (m *CallMetrics) RecordStart(isClient bool) {
	m.manager.IncrementGauge("calls_in_flight", 1, sideLabel(isClient))
}

// OnCallCompleted implements call.CompletionObserver.
func (m *CallMetrics) OnCallCompleted(info call.FinalCallInfo) {
	side := sideLabel(info.IsClient)
	m.manager.DecrementGauge("calls_in_flight", 1, side)
	m.manager.IncrementCounter("calls_total", 1, info.Method, side, strconv.Itoa(int(info.StatusCode)))
	m.manager.ObserveHistogram("call_duration_seconds", float64(info.Duration)/1e9, info.Method, side)
}
