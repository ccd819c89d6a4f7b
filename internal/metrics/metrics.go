// Package metrics defines the Prometheus collectors for the orchestrator
// (SPEC_FULL.md "MODULE: Observability"), grounded on the pack's
// prometheus/client_golang usage pattern (cuemby-warren's pkg/metrics).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsPending is the current size of the pending FIFO.
	JobsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fluxmesh_jobs_pending",
		Help: "Number of jobs currently waiting to be assigned.",
	})

	// JobsRunning is the current number of jobs assigned to a worker and
	// not yet terminal.
	JobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fluxmesh_jobs_running",
		Help: "Number of jobs currently assigned or running on a worker.",
	})

	// SessionsConnected is the current live-session count broken down by
	// liveness state (fresh, stale); dead sessions are evicted and not counted.
	SessionsConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fluxmesh_sessions_connected",
		Help: "Number of worker sessions currently registered, by liveness.",
	}, []string{"liveness"})

	// DeploymentsActive is the current number of non-terminal deployments.
	DeploymentsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fluxmesh_deployments_active",
		Help: "Number of deployments not yet in a terminal status.",
	})

	// DispatchTotal counts every successful job assignment.
	DispatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fluxmesh_dispatch_total",
		Help: "Total number of job assignments made by the dispatcher.",
	})

	// DispatchErrorsTotal counts assignment attempts that failed to reach
	// the worker (e.g. SendAssignment error).
	DispatchErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fluxmesh_dispatch_errors_total",
		Help: "Total number of job assignment attempts that failed.",
	})

	// SweepDuration observes how long each dispatcher pass (registry Sweep
	// followed by queue Tick) takes.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fluxmesh_sweep_duration_seconds",
		Help:    "Time taken by a single dispatcher sweep-and-tick pass.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		JobsPending,
		JobsRunning,
		SessionsConnected,
		DeploymentsActive,
		DispatchTotal,
		DispatchErrorsTotal,
		SweepDuration,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for later observation against a
// histogram, e.g. SweepDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() Timer {
	return Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into histogram.
func (t Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
