package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions *prometheus.GaugeVec

	registryOpsTotal  *prometheus.CounterVec
	registryOpSeconds *prometheus.HistogramVec

	migrationsTotal   *prometheus.CounterVec
	migrationDuration prometheus.Histogram

	flushTotal    *prometheus.CounterVec
	flushDuration prometheus.Histogram

	rowCountQueries *prometheus.CounterVec
	codecErrors     *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "tabula_sessions_active",
					Help: "Current session count by backend.",
				},
				[]string{"backend"},
			),
			registryOpsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tabula_registry_ops_total",
					Help: "Registry operations by op, backend and status.",
				},
				[]string{"op", "backend", "status"},
			),
			registryOpSeconds: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tabula_registry_op_duration_seconds",
					Help:    "Registry operation duration in seconds by op and backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op", "backend"},
			),
			migrationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tabula_migrations_total",
					Help: "Backend migrations by source, target and status.",
				},
				[]string{"from", "to", "status"},
			),
			migrationDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tabula_migration_duration_seconds",
					Help:    "Backend migration duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			flushTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tabula_durable_flush_total",
					Help: "Durable file flushes by status.",
				},
				[]string{"status"},
			),
			flushDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tabula_durable_flush_duration_seconds",
					Help:    "Durable file flush duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			rowCountQueries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tabula_columnar_row_count_queries_total",
					Help: "Columnar row-count queries by method (fast, descriptor).",
				},
				[]string{"method"},
			),
			codecErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tabula_codec_errors_total",
					Help: "Session encode/decode failures by backend.",
				},
				[]string{"backend"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.registryOpsTotal,
			m.registryOpSeconds,
			m.migrationsTotal,
			m.migrationDuration,
			m.flushTotal,
			m.flushDuration,
			m.rowCountQueries,
			m.codecErrors,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetActiveSessions(backend string, count int) {
	m := getMetrics()
	m.activeSessions.WithLabelValues(backend).Set(float64(count))
}

func RecordRegistryOp(op, backend string, duration time.Duration, success bool) {
	m := getMetrics()
	m.registryOpsTotal.WithLabelValues(op, backend, status(success)).Inc()
	m.registryOpSeconds.WithLabelValues(op, backend).Observe(duration.Seconds())
}

func RecordMigration(from, to string, duration time.Duration, success bool) {
	m := getMetrics()
	m.migrationsTotal.WithLabelValues(from, to, status(success)).Inc()
	m.migrationDuration.Observe(duration.Seconds())
}

func RecordFlush(duration time.Duration, success bool) {
	m := getMetrics()
	m.flushTotal.WithLabelValues(status(success)).Inc()
	m.flushDuration.Observe(duration.Seconds())
}

func RecordRowCountQuery(method string) {
	m := getMetrics()
	m.rowCountQueries.WithLabelValues(method).Inc()
}

func RecordCodecError(backend string) {
	m := getMetrics()
	m.codecErrors.WithLabelValues(backend).Inc()
}
