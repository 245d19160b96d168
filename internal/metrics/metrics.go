// ============================================================================
// Otterd Metrics - Prometheus instrumentation for the process manager
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: collect and expose manager lifecycle metrics for Prometheus
//
// Metric groups:
//
//   Counters (cumulative):
//     - manager_forks_total{class}: successful child spawns per worker class
//     - manager_fork_failures_total: failed spawn attempts (each retry counts)
//     - manager_worker_exits_total: children reaped by the supervisor loop
//     - manager_worker_errors_total: abnormal exits (non-zero status)
//     - manager_reloads_total{scope}: rolling reloads started (all | tasks)
//     - manager_forced_kills_total: SIGKILL escalations by the timeout killer
//     - manager_restart_requests_total: messages drained from the restart box
//
//   Gauges (instantaneous):
//     - manager_workers_alive{class}: children currently recorded per class
//     - manager_reloading: 1 while a reload is in progress
//
//   Histograms:
//     - manager_reload_duration_seconds: wall time of a completed reload
//
// Exposed on /metrics via StartServer, scraped by Prometheus.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the manager's Prometheus instruments.
type Collector struct {
	forks           *prometheus.CounterVec
	forkFailures    prometheus.Counter
	workerExits     prometheus.Counter
	workerErrors    prometheus.Counter
	reloads         *prometheus.CounterVec
	forcedKills     prometheus.Counter
	restartRequests prometheus.Counter

	workersAlive *prometheus.GaugeVec
	reloading    prometheus.Gauge

	reloadDuration prometheus.Histogram
}

// NewCollector creates and registers the manager metric set.
func NewCollector() *Collector {
	c := &Collector{
		forks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manager_forks_total",
			Help: "Total number of successful child spawns",
		}, []string{"class"}),
		forkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "manager_fork_failures_total",
			Help: "Total number of failed spawn attempts",
		}),
		workerExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "manager_worker_exits_total",
			Help: "Total number of children reaped by the supervisor loop",
		}),
		workerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "manager_worker_errors_total",
			Help: "Total number of abnormal child exits",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manager_reloads_total",
			Help: "Total number of rolling reloads started",
		}, []string{"scope"}),
		forcedKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "manager_forced_kills_total",
			Help: "Total number of SIGKILL escalations after the reload deadline",
		}),
		restartRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "manager_restart_requests_total",
			Help: "Total number of restart requests drained from the message box",
		}),
		workersAlive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "manager_workers_alive",
			Help: "Children currently recorded per worker class",
		}, []string{"class"}),
		reloading: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "manager_reloading",
			Help: "1 while a rolling reload is in progress",
		}),
		reloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "manager_reload_duration_seconds",
			Help:    "Wall time of completed rolling reloads in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(c.forks)
	prometheus.MustRegister(c.forkFailures)
	prometheus.MustRegister(c.workerExits)
	prometheus.MustRegister(c.workerErrors)
	prometheus.MustRegister(c.reloads)
	prometheus.MustRegister(c.forcedKills)
	prometheus.MustRegister(c.restartRequests)
	prometheus.MustRegister(c.workersAlive)
	prometheus.MustRegister(c.reloading)
	prometheus.MustRegister(c.reloadDuration)

	return c
}

// RecordFork records a successful spawn for the given worker class.
func (c *Collector) RecordFork(class string) {
	c.forks.WithLabelValues(class).Inc()
}

// RecordForkFailure records one failed spawn attempt.
func (c *Collector) RecordForkFailure() {
	c.forkFailures.Inc()
}

// RecordExit records a reaped child; abnormal marks a non-zero status.
func (c *Collector) RecordExit(abnormal bool) {
	c.workerExits.Inc()
	if abnormal {
		c.workerErrors.Inc()
	}
}

// RecordReloadStart records the start of a reload of the given scope.
func (c *Collector) RecordReloadStart(scope string) {
	c.reloads.WithLabelValues(scope).Inc()
	c.reloading.Set(1)
}

// RecordReloadDone records the completion of a reload.
func (c *Collector) RecordReloadDone(seconds float64) {
	c.reloading.Set(0)
	c.reloadDuration.Observe(seconds)
}

// RecordForcedKill records one SIGKILL escalation.
func (c *Collector) RecordForcedKill() {
	c.forcedKills.Inc()
}

// RecordRestartRequest records one drained restart-request message.
func (c *Collector) RecordRestartRequest() {
	c.restartRequests.Inc()
}

// SetWorkersAlive publishes the current roster size for a class.
func (c *Collector) SetWorkersAlive(class string, n int) {
	c.workersAlive.WithLabelValues(class).Set(float64(n))
}

// StartServer exposes /metrics on the given port. Blocks.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
