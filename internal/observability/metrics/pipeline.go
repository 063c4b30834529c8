package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics tracks analysis runs and classifier calls.
type PipelineMetrics struct {
	registry *prometheus.Registry

	runsTotal           *prometheus.CounterVec
	runDuration         *prometheus.HistogramVec
	windowsTotal        prometheus.Counter
	detectionsTotal     prometheus.Counter
	classifyDuration    prometheus.Histogram
	classifyErrorsTotal prometheus.Counter

	queuePending prometheus.Gauge
	queueRunning prometheus.Gauge
}

// NewPipelineMetrics creates and registers the pipeline collectors.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analysis_runs_total",
		Help:      "Analysis runs by terminal recording status",
	}, []string{"status"})

	m.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "analysis_run_duration_seconds",
		Help:      "Wall time of an analysis run",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"status"})

	m.windowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analysis_windows_total",
		Help:      "Audio windows sent to the classifier",
	})

	m.detectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analysis_detections_total",
		Help:      "Analysis rows persisted",
	})

	m.classifyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "classifier_duration_seconds",
		Help:      "Latency of a single classifier call",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	m.classifyErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classifier_errors_total",
		Help:      "Classifier calls that returned an error or timed out",
	})

	m.queuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_pending",
		Help:      "Recordings queued for background analysis",
	})

	m.queueRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_running",
		Help:      "Recordings currently being analyzed by the worker",
	})
}

// RecordRun records a finished analysis run.
func (m *PipelineMetrics) RecordRun(status string, elapsed time.Duration, windows, detections int) {
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	m.windowsTotal.Add(float64(windows))
	m.detectionsTotal.Add(float64(detections))
}

// RecordClassification records one classifier call.
func (m *PipelineMetrics) RecordClassification(elapsed time.Duration, err error) {
	m.classifyDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.classifyErrorsTotal.Inc()
	}
}

// UpdateQueue sets the worker queue gauges.
func (m *PipelineMetrics) UpdateQueue(pending, running int) {
	m.queuePending.Set(float64(pending))
	m.queueRunning.Set(float64(running))
}

func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.runsTotal.Describe(ch)
	m.runDuration.Describe(ch)
	m.windowsTotal.Describe(ch)
	m.detectionsTotal.Describe(ch)
	m.classifyDuration.Describe(ch)
	m.classifyErrorsTotal.Describe(ch)
	m.queuePending.Describe(ch)
	m.queueRunning.Describe(ch)
}

func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.runsTotal.Collect(ch)
	m.runDuration.Collect(ch)
	m.windowsTotal.Collect(ch)
	m.detectionsTotal.Collect(ch)
	m.classifyDuration.Collect(ch)
	m.classifyErrorsTotal.Collect(ch)
	m.queuePending.Collect(ch)
	m.queueRunning.Collect(ch)
}
