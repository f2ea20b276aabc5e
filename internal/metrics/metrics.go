// Package metrics provides Prometheus metrics for the reliability pipeline.
package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Registry is the Prometheus registry for this metrics instance
	Registry *prometheus.Registry

	// Batch run metrics. The "engine" label is "matching" or "aggregation";
	// "status" is "success" or "error".
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// RowsProcessedTotal counts per-row matching outcomes; the "result"
	// label is matched/unmatched/ambiguous/deduped/skipped/error.
	RowsProcessedTotal *prometheus.CounterVec

	// GroupsUpsertedTotal counts score-aggregate buckets written.
	GroupsUpsertedTotal prometheus.Counter

	// HTTP metrics for the trigger surface
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitSecondsTotal prometheus.Counter

	// logger for error reporting
	logger *slog.Logger

	// collectorStarted prevents spawning multiple collector goroutines
	collectorStarted atomic.Bool

	// cancel stops the DB stats collector goroutine
	cancel context.CancelFunc

	// wg tracks the DB stats collector goroutine for graceful shutdown
	wg sync.WaitGroup
}

// New creates and registers all application metrics with a new registry.
func New() *Metrics {
	return NewWithLogger(nil)
}

// NewWithLogger creates metrics with a logger for error reporting.
func NewWithLogger(logger *slog.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	runsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ontime_runs_total",
			Help: "Total number of batch engine runs",
		},
		[]string{"engine", "status"},
	)

	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ontime_run_duration_seconds",
			Help:    "Batch engine run duration distribution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	rowsProcessedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ontime_match_rows_total",
			Help: "Matching outcomes per telemetry row",
		},
		[]string{"result"},
	)

	groupsUpsertedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ontime_score_groups_upserted_total",
		Help: "Score aggregate buckets written",
	})

	httpRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ontime_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ontime_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	dbConnectionsOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ontime_db_connections_open",
		Help: "Number of open database connections",
	})

	dbConnectionsInUse := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ontime_db_connections_in_use",
		Help: "Number of database connections currently in use",
	})

	dbConnectionsIdle := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ontime_db_connections_idle",
		Help: "Number of idle database connections",
	})

	dbWaitSecondsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ontime_db_wait_seconds_total",
		Help: "Total time blocked waiting for a database connection",
	})

	registry.MustRegister(
		runsTotal,
		runDuration,
		rowsProcessedTotal,
		groupsUpsertedTotal,
		httpRequestsTotal,
		httpRequestDuration,
		dbConnectionsOpen,
		dbConnectionsInUse,
		dbConnectionsIdle,
		dbWaitSecondsTotal,
	)

	return &Metrics{
		Registry:            registry,
		RunsTotal:           runsTotal,
		RunDuration:         runDuration,
		RowsProcessedTotal:  rowsProcessedTotal,
		GroupsUpsertedTotal: groupsUpsertedTotal,
		HTTPRequestsTotal:   httpRequestsTotal,
		HTTPRequestDuration: httpRequestDuration,
		DBConnectionsOpen:   dbConnectionsOpen,
		DBConnectionsInUse:  dbConnectionsInUse,
		DBConnectionsIdle:   dbConnectionsIdle,
		DBWaitSecondsTotal:  dbWaitSecondsTotal,
		logger:              logger,
	}
}

// ObserveRun records the outcome and duration of one engine run.
// Safe to call on a nil receiver so engines can run without metrics.
func (m *Metrics) ObserveRun(engine string, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.RunsTotal.WithLabelValues(engine, status).Inc()
	m.RunDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// AddRowResult records n matching outcomes of the given kind.
// Safe to call on a nil receiver.
func (m *Metrics) AddRowResult(result string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RowsProcessedTotal.WithLabelValues(result).Add(float64(n))
}

// AddGroupsUpserted records score-aggregate buckets written.
// Safe to call on a nil receiver.
func (m *Metrics) AddGroupsUpserted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.GroupsUpsertedTotal.Add(float64(n))
}

// StartDBStatsCollector starts a goroutine that periodically collects
// database connection pool statistics and updates the corresponding
// metrics. This method is idempotent - calling it multiple times has no
// effect after the first call. Call Shutdown() to stop the collector.
func (m *Metrics) StartDBStatsCollector(db *sql.DB, interval time.Duration) {
	if db == nil {
		return
	}

	// Prevent spawning multiple collectors
	if !m.collectorStarted.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	var lastWaitDuration time.Duration

	// Add to WaitGroup BEFORE exposing cancel to avoid race with Shutdown
	m.wg.Add(1)
	m.cancel = cancel

	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				if m.logger != nil {
					m.logger.Error("panic in DB stats collector", "error", r)
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := db.Stats()
				m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
				m.DBConnectionsInUse.Set(float64(stats.InUse))
				m.DBConnectionsIdle.Set(float64(stats.Idle))

				// Add the delta of wait duration since last check
				waitDelta := stats.WaitDuration - lastWaitDuration
				if waitDelta > 0 {
					m.DBWaitSecondsTotal.Add(waitDelta.Seconds())
				}
				lastWaitDuration = stats.WaitDuration

			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the DB stats collector goroutine and waits for it to exit.
// This method is safe to call multiple times.
func (m *Metrics) Shutdown() {
	if m == nil {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
