// Package telemetry provides application-level observability for the
// collection orchestration core.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// available on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<RC_TELEMETRY_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint returns the Prometheus text exposition
// format and is intended to be scraped every 15–60 seconds. It is NOT served
// by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Collection run/task lifecycle counters
//   - Credential pool acquisition and circuit-breaker counters
//   - Rate limiter wait histograms and timeout counters
//   - Credit ledger reservation counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/runs/:id)
// rather than the raw request URL to prevent unbounded label cardinality.
// Domain metrics are labelled by platform and tier, both small closed sets.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Run and task lifecycle metrics — recorded by the orchestrator.
//
// Example PromQL queries:
//   - Launch rate:            rate(collection_runs_launched_total[1h])
//   - Per-arena failure rate: sum by (platform) (rate(collection_tasks_finished_total{status="failed"}[1h]))
var (
	RunsLaunchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collection_runs_launched_total",
			Help: "Total number of collection runs admitted and launched, by mode and tier.",
		},
		[]string{"mode", "tier"},
	)

	RunsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collection_runs_finished_total",
			Help: "Total number of collection runs reaching a terminal state, by final status.",
		},
		[]string{"status"},
	)

	TasksFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collection_tasks_finished_total",
			Help: "Total number of collection tasks reaching a terminal state, by platform and final status.",
		},
		[]string{"platform", "status"},
	)

	TaskRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collection_task_retries_total",
			Help: "Total number of task retry dispatches, by platform.",
		},
		[]string{"platform"},
	)

	RecordsCollectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "records_collected_total",
			Help: "Total number of records reported by finished tasks, by platform.",
		},
		[]string{"platform"},
	)
)

// Credential pool metrics.
//
// A rising credential_acquire_failures_total with reason="exhausted" means
// every credential for a platform is quota-exhausted or circuit-open — the
// usual precursor to empty collection cycles.
var (
	CredentialAcquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_acquires_total",
			Help: "Total number of successful credential acquisitions, by platform and tier.",
		},
		[]string{"platform", "tier"},
	)

	CredentialAcquireFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_acquire_failures_total",
			Help: "Total number of failed credential acquisitions, by platform and reason.",
		},
		[]string{"platform", "reason"},
	)

	CredentialCircuitOpensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_circuit_opens_total",
			Help: "Total number of credential circuit-breaker opens, by platform and kind (cooldown or auth).",
		},
		[]string{"platform", "kind"},
	)
)

// Rate limiter metrics.
var (
	RateLimitWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limit slot, by key scope.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"scope"},
	)

	RateLimitTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_timeouts_total",
			Help: "Total number of slot acquisitions that timed out, by key scope.",
		},
		[]string{"scope"},
	)
)

// Credit ledger metrics.
var (
	CreditReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_reservations_total",
			Help: "Total number of credit reservation attempts, by outcome (reserved, insufficient, error).",
		},
		[]string{"outcome"},
	)

	CreditOverrunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credit_overruns_total",
			Help: "Total number of settlements whose actual cost exceeded the reservation.",
		},
	)
)

// DBOpenConnections tracks the number of open connections currently held by
// the sql.DB pool. It is sampled every 30 seconds by StartDBStatsCollector
// rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds until ch is closed.
func StartDBStatsCollector(db *sql.DB, ch <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			case <-ch:
				slog.Debug("db stats collector stopped")
				return
			}
		}
	}()
}
