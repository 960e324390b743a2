package metrics

import (
	"log"
	"runtime"
	"time"
)

// CollectorFunc samples some source and pushes the readings into the
// manager. Collectors own their metric registration: each one registers
// its families on first run.
type CollectorFunc func(manager *MetricsManager)

// MetricsCollector runs a set of CollectorFuncs on a fixed interval,
// sampling the backlogs a Call's completion path does not report on its
// own: completion-queue depth, pooled channel connections, audit drops,
// process runtime stats.
type MetricsCollector struct {
	manager    *MetricsManager
	collectors []CollectorFunc
	ticker     *time.Ticker
	stopCh     chan struct{}
	isRunning  bool
}

// NewMetricsCollector creates an empty collector bound to manager.
func NewMetricsCollector(manager *MetricsManager) *MetricsCollector {
	return &MetricsCollector{
		manager:    manager,
		collectors: make([]CollectorFunc, 0),
		stopCh:     make(chan struct{}),
	}
}

// AddCollector appends a collector function to the sampling set.
func (c *MetricsCollector) AddCollector(collector CollectorFunc) {
	c.collectors = append(c.collectors, collector)
}

// Start begins sampling every interval. The first sample runs
// immediately.
func (c *MetricsCollector) Start(interval time.Duration) {
	if c.isRunning {
		return
	}

	c.ticker = time.NewTicker(interval)
	c.isRunning = true

	go func() {
		c.collect()

		for {
			select {
			case <-c.ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()

	log.Printf("metrics: collector started, interval %v", interval)
}

// Stop halts the sampling loop.
func (c *MetricsCollector) Stop() {
	if !c.isRunning {
		return
	}

	c.ticker.Stop()
	c.stopCh <- struct{}{}
	c.isRunning = false

	log.Printf("metrics: collector stopped")
}

// IsRunning reports whether the sampling loop is active.
func (c *MetricsCollector) IsRunning() bool {
	return c.isRunning
}

func (c *MetricsCollector) collect() {
	for _, collector := range c.collectors {
		collector(c.manager)
	}
}

// RuntimeStatsCollector samples Go runtime memory and scheduler state
// for the process hosting the calls.
func RuntimeStatsCollector() CollectorFunc {
	return func(manager *MetricsManager) {
		ensureRuntimeMetricsRegistered(manager)

		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		manager.SetGauge("process_memory_alloc_bytes", float64(memStats.Alloc))
		manager.SetGauge("process_memory_sys_bytes", float64(memStats.Sys))
		manager.SetGauge("process_heap_objects", float64(memStats.HeapObjects))
		manager.SetGauge("process_gc_pause_total_ns", float64(memStats.PauseTotalNs))
		manager.SetGauge("process_goroutines", float64(runtime.NumGoroutine()))
	}
}

func ensureRuntimeMetricsRegistered(manager *MetricsManager) {
	if _, exists := manager.gaugeVecs["process_memory_alloc_bytes"]; !exists {
		manager.RegisterGauge("process_memory_alloc_bytes", "live heap allocation in bytes")
	}
	if _, exists := manager.gaugeVecs["process_memory_sys_bytes"]; !exists {
		manager.RegisterGauge("process_memory_sys_bytes", "memory obtained from the OS in bytes")
	}
	if _, exists := manager.gaugeVecs["process_heap_objects"]; !exists {
		manager.RegisterGauge("process_heap_objects", "live heap object count")
	}
	if _, exists := manager.gaugeVecs["process_gc_pause_total_ns"]; !exists {
		manager.RegisterGauge("process_gc_pause_total_ns", "cumulative GC pause in nanoseconds")
	}
	if _, exists := manager.gaugeVecs["process_goroutines"]; !exists {
		manager.RegisterGauge("process_goroutines", "current goroutine count")
	}
}

// CompletionQueueDepthCollector samples the number of completions a
// queue holds that no poller has consumed yet.
func CompletionQueueDepthCollector(getDepth func() int) CollectorFunc {
	return func(manager *MetricsManager) {
		if _, exists := manager.gaugeVecs["completion_queue_depth"]; !exists {
			manager.RegisterGauge("completion_queue_depth", "undelivered completion events")
		}
		manager.SetGauge("completion_queue_depth", float64(getDepth()))
	}
}

// ChannelPoolCollector samples how many transport connections a Channel
// currently pools.
func ChannelPoolCollector(getPooledConns func() int) CollectorFunc {
	return func(manager *MetricsManager) {
		if _, exists := manager.gaugeVecs["channel_pooled_connections"]; !exists {
			manager.RegisterGauge("channel_pooled_connections", "pooled transport connections")
		}
		manager.SetGauge("channel_pooled_connections", float64(getPooledConns()))
	}
}

// AuditBacklogCollector samples how many call completions the audit
// recorder has dropped because its queue was full.
func AuditBacklogCollector(getDropped func() int64) CollectorFunc {
	return func(manager *MetricsManager) {
		if _, exists := manager.gaugeVecs["audit_dropped_completions"]; !exists {
			manager.RegisterGauge("audit_dropped_completions", "call completions dropped by the audit recorder")
		}
		manager.SetGauge("audit_dropped_completions", float64(getDropped()))
	}
}
