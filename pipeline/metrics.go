package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for monitoring raking runs
// in production.
//
// Metrics exposed (all namespaced with "epirake_"):
//
//  1. inflight_tasks (gauge): tasks currently executing.
//  2. queue_depth (gauge): tasks waiting in the frontier queue.
//  3. stage_latency_ms (histogram): stage execution duration, labeled by
//     stage and status. Buckets cover 1ms to 60s (draw files are I/O bound).
//  4. retries_total (counter): cumulative stage retry attempts.
//  5. tasks_total (counter): tasks by terminal status (done/failed/skipped).
//  6. raked_cells_total (counter): dataset cells scaled by raking factors.
//  7. extreme_factors_total (counter): raking factors above the configured
//     warn threshold, a signal that an envelope and its children disagree
//     badly.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := pipeline.NewMetrics(registry)
//	eng := pipeline.New(reducer, st, emitter, pipeline.Options{Metrics: metrics})
//
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: all methods may be called concurrently.
type Metrics struct {
	inflightTasks prometheus.Gauge
	queueDepth    prometheus.Gauge

	stageLatency *prometheus.HistogramVec

	retries        *prometheus.CounterVec
	tasks          *prometheus.CounterVec
	rakedCells     prometheus.Counter
	extremeFactors prometheus.Counter

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers all raking-run metrics with the provided
// Prometheus registry. Pass nil to use the default global registry; a
// dedicated registry is recommended for isolation in tests.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		enabled:  true,
	}

	m.inflightTasks = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "epirake",
		Name:      "inflight_tasks",
		Help:      "Current number of raking tasks executing concurrently",
	})

	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "epirake",
		Name:      "queue_depth",
		Help:      "Number of tasks waiting for execution in the frontier queue",
	})

	m.stageLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "epirake",
		Name:      "stage_latency_ms",
		Help:      "Stage execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
	}, []string{"stage", "status"}) // status: success, error

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epirake",
		Name:      "retries_total",
		Help:      "Cumulative count of stage retry attempts across all tasks",
	}, []string{"stage", "reason"})

	m.tasks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epirake",
		Name:      "tasks_total",
		Help:      "Raking tasks by terminal status",
	}, []string{"status"}) // status: done, failed, skipped

	m.rakedCells = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "epirake",
		Name:      "raked_cells_total",
		Help:      "Dataset cells scaled by raking factors",
	})

	m.extremeFactors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "epirake",
		Name:      "extreme_factors_total",
		Help:      "Raking factors above the configured warn threshold",
	})

	return m
}

// ObserveStageLatency records the execution duration of a stage.
//
// The run ID is accepted for call-site symmetry but intentionally not used
// as a label: a 2400-task grid would explode label cardinality.
func (m *Metrics) ObserveStageLatency(runID, stage string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	_ = runID
	m.stageLatency.WithLabelValues(stage, status).Observe(float64(latency.Milliseconds()))
}

// IncRetries increments the retry counter for a stage and reason.
func (m *Metrics) IncRetries(runID, stage, reason string) {
	if !m.isEnabled() {
		return
	}
	_ = runID
	m.retries.WithLabelValues(stage, reason).Inc()
}

// SetQueueDepth sets the current number of queued tasks.
func (m *Metrics) SetQueueDepth(depth int) {
	if !m.isEnabled() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// SetInflightTasks sets the current number of executing tasks.
func (m *Metrics) SetInflightTasks(count int) {
	if !m.isEnabled() {
		return
	}
	m.inflightTasks.Set(float64(count))
}

// IncTasks increments the terminal-status counter for one finished task.
// Status should be one of "done", "failed", "skipped".
func (m *Metrics) IncTasks(status string) {
	if !m.isEnabled() {
		return
	}
	m.tasks.WithLabelValues(status).Inc()
}

// AddRakedCells adds to the cumulative count of raked dataset cells.
func (m *Metrics) AddRakedCells(n int) {
	if !m.isEnabled() || n <= 0 {
		return
	}
	m.rakedCells.Add(float64(n))
}

// AddExtremeFactors adds to the cumulative count of factors above the warn
// threshold.
func (m *Metrics) AddExtremeFactors(n int) {
	if !m.isEnabled() || n <= 0 {
		return
	}
	m.extremeFactors.Add(float64(n))
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable temporarily disables metric recording (useful for testing).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
