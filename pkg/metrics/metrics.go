// Package metrics exposes callcore's Prometheus instrumentation: a
// registry wrapper the call observer (call_metrics.go) registers its
// series against, periodic collectors for queue/pool backlogs, and the
// /metrics HTTP endpoint.
package metrics

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsManager owns a private Prometheus registry and the metric
// families registered on it. Families are registered once by name and
// updated through the name-keyed helpers below, so CallMetrics and the
// collectors never hold prometheus types directly.
type MetricsManager struct {
	registry    *prometheus.Registry
	counterVecs map[string]*prometheus.CounterVec
	gaugeVecs   map[string]*prometheus.GaugeVec
	histograms  map[string]*prometheus.HistogramVec
	server      *http.Server
	mu          sync.RWMutex
}

// NewMetricsManager creates a manager with an empty registry.
func NewMetricsManager() *MetricsManager {
	return &MetricsManager{
		registry:    prometheus.NewRegistry(),
		counterVecs: make(map[string]*prometheus.CounterVec),
		gaugeVecs:   make(map[string]*prometheus.GaugeVec),
		histograms:  make(map[string]*prometheus.HistogramVec),
	}
}

// RegisterCounter registers a counter family under name.
func (m *MetricsManager) RegisterCounter(name, help string, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.counterVecs[name]; exists {
		return fmt.Errorf("metrics: counter already registered: %s", name)
	}

	counterVec := promauto.With(m.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labelNames,
	)

	m.counterVecs[name] = counterVec
	return nil
}

// IncrementCounter adds value to the named counter.
func (m *MetricsManager) IncrementCounter(name string, value float64, labelValues ...string) error {
	m.mu.RLock()
	counterVec, exists := m.counterVecs[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("metrics: unknown counter: %s", name)
	}

	counterVec.WithLabelValues(labelValues...).Add(value)
	return nil
}

// RegisterGauge registers a gauge family under name.
func (m *MetricsManager) RegisterGauge(name, help string, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.gaugeVecs[name]; exists {
		return fmt.Errorf("metrics: gauge already registered: %s", name)
	}

	gaugeVec := promauto.With(m.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		labelNames,
	)

	m.gaugeVecs[name] = gaugeVec
	return nil
}

// SetGauge sets the named gauge to value.
func (m *MetricsManager) SetGauge(name string, value float64, labelValues ...string) error {
	m.mu.RLock()
	gaugeVec, exists := m.gaugeVecs[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("metrics: unknown gauge: %s", name)
	}

	gaugeVec.WithLabelValues(labelValues...).Set(value)
	return nil
}

// IncrementGauge adds value to the named gauge.
func (m *MetricsManager) IncrementGauge(name string, value float64, labelValues ...string) error {
	m.mu.RLock()
	gaugeVec, exists := m.gaugeVecs[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("metrics: unknown gauge: %s", name)
	}

	gaugeVec.WithLabelValues(labelValues...).Add(value)
	return nil
}

// DecrementGauge subtracts value from the named gauge.
func (m *MetricsManager) DecrementGauge(name string, value float64, labelValues ...string) error {
	m.mu.RLock()
	gaugeVec, exists := m.gaugeVecs[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("metrics: unknown gauge: %s", name)
	}

	gaugeVec.WithLabelValues(labelValues...).Sub(value)
	return nil
}

// RegisterHistogram registers a histogram family under name with the
// given buckets.
func (m *MetricsManager) RegisterHistogram(name, help string, buckets []float64, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.histograms[name]; exists {
		return fmt.Errorf("metrics: histogram already registered: %s", name)
	}

	histogramVec := promauto.With(m.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: buckets,
		},
		labelNames,
	)

	m.histograms[name] = histogramVec
	return nil
}

// ObserveHistogram records one observation on the named histogram.
func (m *MetricsManager) ObserveHistogram(name string, value float64, labelValues ...string) error {
	m.mu.RLock()
	histogramVec, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("metrics: unknown histogram: %s", name)
	}

	histogramVec.WithLabelValues(labelValues...).Observe(value)
	return nil
}

// StartServer exposes the registry on address under /metrics.
func (m *MetricsManager) StartServer(address string) error {
	if m.server != nil {
		return fmt.Errorf("metrics: server already running")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:    address,
		Handler: mux,
	}

	go func() {
		log.Printf("metrics: serving on %s", address)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics: server error: %v", err)
		}
	}()

	return nil
}

// StopServer shuts the /metrics endpoint down.
func (m *MetricsManager) StopServer() error {
	if m.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return m.server.Shutdown(ctx)
}
