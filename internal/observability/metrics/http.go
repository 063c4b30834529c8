package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics tracks API requests.
type HTTPMetrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	uploadBytes      prometheus.Histogram
	rateLimitedTotal *prometheus.CounterVec
	requestsInFlight prometheus.Gauge
}

// NewHTTPMetrics creates and registers the HTTP collectors.
func NewHTTPMetrics(registry *prometheus.Registry) (*HTTPMetrics, error) {
	m := &HTTPMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register HTTP metrics: %w", err)
	}
	return m, nil
}

func (m *HTTPMetrics) initMetrics() {
	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status code",
	}, []string{"method", "route", "status_code"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.uploadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_size_bytes",
		Help:      "Size of accepted recording uploads",
		Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 12),
	})

	m.rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_rate_limited_total",
		Help:      "Requests rejected by the per-device rate limiter",
	}, []string{"route"})

	m.requestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_requests_in_flight",
		Help:      "Requests currently being served",
	})
}

// RecordRequest records a completed request. route is the matched route
// pattern, never the raw path.
func (m *HTTPMetrics) RecordRequest(method, route string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *HTTPMetrics) ObserveUpload(size int64) { m.uploadBytes.Observe(float64(size)) }

func (m *HTTPMetrics) RecordRateLimited(route string) { m.rateLimitedTotal.WithLabelValues(route).Inc() }

func (m *HTTPMetrics) InFlight(delta int) { m.requestsInFlight.Add(float64(delta)) }

func (m *HTTPMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.requestsTotal.Describe(ch)
	m.requestDuration.Describe(ch)
	m.uploadBytes.Describe(ch)
	m.rateLimitedTotal.Describe(ch)
	m.requestsInFlight.Describe(ch)
}

func (m *HTTPMetrics) Collect(ch chan<- prometheus.Metric) {
	m.requestsTotal.Collect(ch)
	m.requestDuration.Collect(ch)
	m.uploadBytes.Collect(ch)
	m.rateLimitedTotal.Collect(ch)
	m.requestsInFlight.Collect(ch)
}
