// Package metrics defines the Prometheus metrics exported by the Crucible
// server and workers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for Crucible
type Metrics struct {
	// Claim protocol
	ClaimRequests  *prometheus.CounterVec
	TasksClaimed   prometheus.Counter
	ClaimConflicts prometheus.Counter
	ClaimDuration  prometheus.Histogram

	// Liveness monitor
	Reclaims        *prometheus.CounterVec
	SweepDuration   prometheus.Histogram
	ServicesExpired prometheus.Counter

	// Task lifecycle as seen by the API
	Reports    *prometheus.CounterVec
	Heartbeats *prometheus.CounterVec

	// HTTP surface
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Worker side
	WorkerExecutions *prometheus.CounterVec
	WorkerAttempts   prometheus.Counter
	WorkerDuration   prometheus.Histogram
	WorkerHeld       prometheus.Gauge
}

// New creates a Metrics instance with every metric registered on registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		ClaimRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_claim_requests_total",
				Help: "Claim calls by outcome (claimed, empty, error)",
			},
			[]string{"outcome"},
		),
		TasksClaimed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_tasks_claimed_total",
				Help: "Tasks handed out by the claim protocol",
			},
		),
		ClaimConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_claim_conflicts_total",
				Help: "Claim attempts that lost a compare-and-swap race",
			},
		),
		ClaimDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crucible_claim_duration_seconds",
				Help:    "Time spent serving a claim call",
				Buckets: prometheus.DefBuckets,
			},
		),

		Reclaims: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_reclaims_total",
				Help: "Expired claims by resulting status (waiting, error)",
			},
			[]string{"status"},
		),
		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crucible_sweep_duration_seconds",
				Help:    "Time spent in a liveness sweep",
				Buckets: prometheus.DefBuckets,
			},
		),
		ServicesExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_services_expired_total",
				Help: "Compute service registrations removed for missing heartbeats",
			},
		),

		Reports: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_reports_total",
				Help: "Task reports by status and outcome",
			},
			[]string{"status", "outcome"},
		),
		Heartbeats: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_task_heartbeats_total",
				Help: "Task heartbeats by outcome (ok, lost)",
			},
			[]string{"outcome"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crucible_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		WorkerExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crucible_worker_executions_total",
				Help: "Tasks finished by this worker, by outcome",
			},
			[]string{"outcome"},
		),
		WorkerAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crucible_worker_attempts_total",
				Help: "Simulation engine invocations, including local retries",
			},
		),
		WorkerDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crucible_worker_task_duration_seconds",
				Help:    "Wall time from claim to report",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		WorkerHeld: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crucible_worker_held_tasks",
				Help: "Tasks currently held by this worker",
			},
		),
	}
}

// NewRegistry creates a new Prometheus registry with metrics
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	return reg, m
}

// Handler returns an HTTP handler exposing reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
