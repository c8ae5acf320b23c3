package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics tracks dispatch statistics across all listeners.
type DispatchMetrics struct {
	mu sync.RWMutex

	// Per-key counts
	keyCounts map[string]*DispatchKeyMetrics

	// Prometheus collectors
	invocationsTotal *prometheus.CounterVec
	failuresTotal    *prometheus.CounterVec
	panicsTotal      *prometheus.CounterVec
	skipsTotal       *prometheus.CounterVec
	droppedTotal     *prometheus.CounterVec
	inlineRunsTotal  *prometheus.CounterVec
	durationSeconds  *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	workers          prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// DispatchKeyMetrics holds metrics for a specific event key.
type DispatchKeyMetrics struct {
	Invocations   uint64    `json:"invocations"`
	Failures      uint64    `json:"failures"`
	Panics        uint64    `json:"panics"`
	Skips         uint64    `json:"skips"`
	Dropped       uint64    `json:"dropped"`
	InlineRuns    uint64    `json:"inline_runs"`
	AvgDurationMs float64   `json:"avg_duration_ms"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// DispatchMetricsSnapshot provides a point-in-time view of dispatch metrics.
type DispatchMetricsSnapshot struct {
	TotalInvocations uint64                         `json:"total_invocations"`
	TotalFailures    uint64                         `json:"total_failures"`
	TotalSkips       uint64                         `json:"total_skips"`
	TotalDropped     uint64                         `json:"total_dropped"`
	KeyMetrics       map[string]*DispatchKeyMetrics `json:"key_metrics"`
	CollectedAt      time.Time                      `json:"collected_at"`
}

// newDispatchCounterVec creates a new counter vec with standard listenable/dispatch namespace.
func newDispatchCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "listenable",
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newDispatchGauge creates a new gauge with standard listenable/dispatch namespace.
func newDispatchGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "listenable",
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		},
	)
}

// newDispatchHistogramVec creates a new histogram vec with standard listenable/dispatch namespace.
func newDispatchHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "listenable",
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewDispatchMetrics creates a new dispatch metrics collector.
func NewDispatchMetrics(registerer prometheus.Registerer) *DispatchMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DispatchMetrics{
		keyCounts:        make(map[string]*DispatchKeyMetrics),
		registerer:       registerer,
		invocationsTotal: newDispatchCounterVec("invocations_total", "Total number of handler invocations", []string{"event_key", "listener", "mode"}),
		failuresTotal:    newDispatchCounterVec("failures_total", "Total number of handler invocations that returned an error", []string{"event_key", "listener", "mode"}),
		panicsTotal:      newDispatchCounterVec("panics_total", "Total number of handler invocations that panicked", []string{"event_key", "listener"}),
		skipsTotal:       newDispatchCounterVec("skips_total", "Total number of dispatches skipped because the entity no longer exists", []string{"event_key", "listener"}),
		droppedTotal:     newDispatchCounterVec("dropped_total", "Total number of async dispatches dropped because the queue was full", []string{"event_key", "listener"}),
		inlineRunsTotal:  newDispatchCounterVec("inline_runs_total", "Total number of async dispatches run on the publisher goroutine", []string{"event_key", "listener"}),
		durationSeconds:  newDispatchHistogramVec("duration_seconds", "Handler execution time in seconds", []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}, []string{"event_key", "listener", "mode"}),
		queueDepth:       newDispatchGauge("queue_depth", "Current number of async dispatches waiting in the queue"),
		workers:          newDispatchGauge("workers", "Current number of async workers"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DispatchMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.invocationsTotal,
		m.failuresTotal,
		m.panicsTotal,
		m.skipsTotal,
		m.droppedTotal,
		m.inlineRunsTotal,
		m.durationSeconds,
		m.queueDepth,
		m.workers,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// recordDispatch records a completed handler invocation.
func (m *DispatchMetrics) recordDispatch(key EventKey, listener string, async bool, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mode := ModeSync
	if async {
		mode = ModeAsync
	}

	metrics := m.getOrCreateKeyMetrics(string(key))
	metrics.Invocations++
	metrics.LastUpdatedAt = time.Now()

	// Update average duration (rolling average)
	total := metrics.Invocations
	metrics.AvgDurationMs = ((metrics.AvgDurationMs * float64(total-1)) + float64(duration.Milliseconds())) / float64(total)

	m.invocationsTotal.WithLabelValues(string(key), listener, mode).Inc()
	m.durationSeconds.WithLabelValues(string(key), listener, mode).Observe(duration.Seconds())

	if err == nil {
		return
	}

	metrics.Failures++
	m.failuresTotal.WithLabelValues(string(key), listener, mode).Inc()

	var panicErr *HandlerPanicError
	if errors.As(err, &panicErr) {
		metrics.Panics++
		m.panicsTotal.WithLabelValues(string(key), listener).Inc()
	}
}

// recordSkip records a dispatch skipped because the entity no longer exists.
func (m *DispatchMetrics) recordSkip(key EventKey, listener string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateKeyMetrics(string(key))
	metrics.Skips++
	metrics.LastUpdatedAt = time.Now()

	m.skipsTotal.WithLabelValues(string(key), listener).Inc()
}

// recordDrop records an async dispatch dropped because the queue was full.
func (m *DispatchMetrics) recordDrop(key EventKey, listener string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateKeyMetrics(string(key))
	metrics.Dropped++
	metrics.LastUpdatedAt = time.Now()

	m.droppedTotal.WithLabelValues(string(key), listener).Inc()
}

// recordInlineRun records an async dispatch run on the publisher goroutine.
func (m *DispatchMetrics) recordInlineRun(key EventKey, listener string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateKeyMetrics(string(key))
	metrics.InlineRuns++
	metrics.LastUpdatedAt = time.Now()

	m.inlineRunsTotal.WithLabelValues(string(key), listener).Inc()
}

// setWorkers updates the worker gauge.
func (m *DispatchMetrics) setWorkers(count int) {
	m.workers.Set(float64(count))
}

// setQueueDepth updates the queue depth gauge.
func (m *DispatchMetrics) setQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// GetSnapshot returns a point-in-time snapshot of all dispatch metrics.
func (m *DispatchMetrics) GetSnapshot() DispatchMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DispatchMetricsSnapshot{
		KeyMetrics:  make(map[string]*DispatchKeyMetrics),
		CollectedAt: time.Now(),
	}

	for key, metrics := range m.keyCounts {
		// Create a copy
		metricsCopy := &DispatchKeyMetrics{
			Invocations:   metrics.Invocations,
			Failures:      metrics.Failures,
			Panics:        metrics.Panics,
			Skips:         metrics.Skips,
			Dropped:       metrics.Dropped,
			InlineRuns:    metrics.InlineRuns,
			AvgDurationMs: metrics.AvgDurationMs,
			LastUpdatedAt: metrics.LastUpdatedAt,
		}
		snapshot.KeyMetrics[key] = metricsCopy
		snapshot.TotalInvocations += metrics.Invocations
		snapshot.TotalFailures += metrics.Failures
		snapshot.TotalSkips += metrics.Skips
		snapshot.TotalDropped += metrics.Dropped
	}

	return snapshot
}

// GetKeyMetrics returns metrics for a specific event key.
func (m *DispatchMetrics) GetKeyMetrics(key EventKey) *DispatchKeyMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.keyCounts[string(key)]; ok {
		// Return a copy
		return &DispatchKeyMetrics{
			Invocations:   metrics.Invocations,
			Failures:      metrics.Failures,
			Panics:        metrics.Panics,
			Skips:         metrics.Skips,
			Dropped:       metrics.Dropped,
			InlineRuns:    metrics.InlineRuns,
			AvgDurationMs: metrics.AvgDurationMs,
			LastUpdatedAt: metrics.LastUpdatedAt,
		}
	}
	return nil
}

func (m *DispatchMetrics) getOrCreateKeyMetrics(key string) *DispatchKeyMetrics {
	if metrics, ok := m.keyCounts[key]; ok {
		return metrics
	}
	metrics := &DispatchKeyMetrics{}
	m.keyCounts[key] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *DispatchMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keyCounts = make(map[string]*DispatchKeyMetrics)
	m.invocationsTotal.Reset()
	m.failuresTotal.Reset()
	m.panicsTotal.Reset()
	m.skipsTotal.Reset()
	m.droppedTotal.Reset()
	m.inlineRunsTotal.Reset()
	m.durationSeconds.Reset()
	m.queueDepth.Set(0)
	m.workers.Set(0)
}
