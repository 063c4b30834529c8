package metrics

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const startKey = "census:metrics_start"

// DatastoreMetrics tracks database statements through GORM callbacks.
type DatastoreMetrics struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	connectionsInUse prometheus.Gauge
	connectionsIdle  prometheus.Gauge
	connectionsMax   prometheus.Gauge

	mu   sync.RWMutex
	pool *sql.DB
}

// NewDatastoreMetrics creates and registers the datastore collectors.
func NewDatastoreMetrics(registry *prometheus.Registry) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register datastore metrics: %w", err)
	}
	return m, nil
}

func (m *DatastoreMetrics) initMetrics() {
	m.operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "db_operations_total",
		Help:      "Database statements by operation, table and outcome",
	}, []string{"operation", "table", "status"})

	m.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "db_operation_duration_seconds",
		Help:      "Database statement latency",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"operation", "table"})

	m.connectionsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_in_use",
		Help:      "Connections currently in use",
	})
	m.connectionsIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Idle connections in the pool",
	})
	m.connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_max",
		Help:      "Maximum open connections, 0 for unlimited",
	})
}

// Instrument registers timing callbacks on db and samples its pool on
// every scrape.
func (m *DatastoreMetrics) Instrument(db *gorm.DB) error {
	cb := db.Callback()
	err := errors.Join(
		cb.Create().Before("gorm:create").Register("census:before_create", m.start),
		cb.Create().After("gorm:create").Register("census:after_create", m.finish(OpCreate)),
		cb.Query().Before("gorm:query").Register("census:before_query", m.start),
		cb.Query().After("gorm:query").Register("census:after_query", m.finish(OpQuery)),
		cb.Update().Before("gorm:update").Register("census:before_update", m.start),
		cb.Update().After("gorm:update").Register("census:after_update", m.finish(OpUpdate)),
		cb.Delete().Before("gorm:delete").Register("census:before_delete", m.start),
		cb.Delete().After("gorm:delete").Register("census:after_delete", m.finish(OpDelete)),
		cb.Row().Before("gorm:row").Register("census:before_row", m.start),
		cb.Row().After("gorm:row").Register("census:after_row", m.finish(OpRow)),
		cb.Raw().Before("gorm:raw").Register("census:before_raw", m.start),
		cb.Raw().After("gorm:raw").Register("census:after_raw", m.finish(OpRaw)),
	)
	if err != nil {
		return fmt.Errorf("failed to register datastore callbacks: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		m.mu.Lock()
		m.pool = sqlDB
		m.mu.Unlock()
	} else {
		log.Warn("connection pool metrics unavailable")
	}
	return nil
}

func (m *DatastoreMetrics) start(db *gorm.DB) {
	db.InstanceSet(startKey, time.Now())
}

func (m *DatastoreMetrics) finish(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		v, ok := db.InstanceGet(startKey)
		if !ok {
			return
		}
		started, ok := v.(time.Time)
		if !ok {
			return
		}
		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}
		status := StatusSuccess
		if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
			status = StatusError
		}
		m.RecordOperation(op, table, status, time.Since(started))
	}
}

// RecordOperation records one statement.
func (m *DatastoreMetrics) RecordOperation(op, table, status string, elapsed time.Duration) {
	m.operationsTotal.WithLabelValues(op, table, status).Inc()
	m.operationDuration.WithLabelValues(op, table).Observe(elapsed.Seconds())
}

func (m *DatastoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.operationsTotal.Describe(ch)
	m.operationDuration.Describe(ch)
	m.connectionsInUse.Describe(ch)
	m.connectionsIdle.Describe(ch)
	m.connectionsMax.Describe(ch)
}

func (m *DatastoreMetrics) Collect(ch chan<- prometheus.Metric) {
	m.mu.RLock()
	pool := m.pool
	m.mu.RUnlock()
	if pool != nil {
		stats := pool.Stats()
		m.connectionsInUse.Set(float64(stats.InUse))
		m.connectionsIdle.Set(float64(stats.Idle))
		m.connectionsMax.Set(float64(stats.MaxOpenConnections))
	}

	m.operationsTotal.Collect(ch)
	m.operationDuration.Collect(ch)
	m.connectionsInUse.Collect(ch)
	m.connectionsIdle.Collect(ch)
	m.connectionsMax.Collect(ch)
}
