// Package metrics provides Prometheus metrics for the scheduler service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clipforge/genqueue/internal/fleet"
	"github.com/clipforge/genqueue/internal/job"
)

const namespace = "genqueue"

// Metrics holds all Prometheus metrics for the scheduler service.
type Metrics struct {
	// Job metrics
	JobsSubmitted *prometheus.CounterVec
	JobsAssigned  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsRequeued  *prometheus.CounterVec
	JobsCancelled prometheus.Counter
	StaleReports  prometheus.Counter
	JobDuration   *prometheus.HistogramVec
	JobsByStatus  *prometheus.GaugeVec

	// Server metrics
	ServerLoadGauge *prometheus.GaugeVec
	ServersOnline   prometheus.Gauge

	// API metrics
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "submitted_total",
				Help:      "Total number of jobs submitted by kind",
			},
			[]string{"kind"},
		),
		JobsAssigned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "assigned_total",
				Help:      "Total number of job assignments by kind",
			},
			[]string{"kind"},
		),
		JobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "completed_total",
				Help:      "Total number of jobs completed by kind",
			},
			[]string{"kind"},
		),
		JobsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "failed_total",
				Help:      "Total number of jobs that failed after exhausting their attempts",
			},
			[]string{"kind"},
		),
		JobsRequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "requeued_total",
				Help:      "Total number of jobs returned to pending by reason",
			},
			[]string{"reason"},
		),
		JobsCancelled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "cancelled_total",
				Help:      "Total number of cancelled jobs",
			},
		),
		StaleReports: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "stale_reports_total",
				Help:      "Reports rejected because the assignment no longer held",
			},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "duration_seconds",
				Help:      "Time from assignment to successful completion",
				Buckets:   []float64{1, 5, 10, 15, 30, 60, 90, 120, 300, 600, 1800},
			},
			[]string{"kind"},
		),
		JobsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "current",
				Help:      "Number of live jobs per status",
			},
			[]string{"status"},
		),

		ServerLoadGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "servers",
				Name:      "current_jobs",
				Help:      "Jobs currently assigned to each server",
			},
			[]string{"server_id"},
		),
		ServersOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "servers",
				Name:      "online",
				Help:      "Number of servers currently online",
			},
		),

		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total number of API requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		APILatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "latency_seconds",
				Help:      "API request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"route", "method"},
		),
	}

	reg.MustRegister(
		m.JobsSubmitted,
		m.JobsAssigned,
		m.JobsCompleted,
		m.JobsFailed,
		m.JobsRequeued,
		m.JobsCancelled,
		m.StaleReports,
		m.JobDuration,
		m.JobsByStatus,
		m.ServerLoadGauge,
		m.ServersOnline,
		m.APIRequests,
		m.APILatency,
	)
	return m
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Submitted(kind job.Kind) {
	m.JobsSubmitted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Assigned(kind job.Kind) {
	m.JobsAssigned.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Completed(kind job.Kind, elapsed time.Duration) {
	m.JobsCompleted.WithLabelValues(string(kind)).Inc()
	m.JobDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) Failed(kind job.Kind) {
	m.JobsFailed.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Requeued(reason string) {
	m.JobsRequeued.WithLabelValues(reason).Inc()
}

func (m *Metrics) Cancelled() {
	m.JobsCancelled.Inc()
}

func (m *Metrics) StaleReport() {
	m.StaleReports.Inc()
}

func (m *Metrics) ServerLoad(serverID string, current int) {
	m.ServerLoadGauge.WithLabelValues(serverID).Set(float64(current))
}

// ObserveFleet refreshes the gauges derived from a scheduler summary.
func (m *Metrics) ObserveFleet(counts map[job.Status]int, servers []fleet.ServerState) {
	for _, st := range job.Statuses {
		m.JobsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	online := 0
	for _, s := range servers {
		if s.Online {
			online++
		}
		m.ServerLoadGauge.WithLabelValues(s.ID).Set(float64(s.CurrentJobs))
	}
	m.ServersOnline.Set(float64(online))
}

// RecordRequest records one API request.
func (m *Metrics) RecordRequest(route, method string, status int, d time.Duration) {
	m.APIRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.APILatency.WithLabelValues(route, method).Observe(d.Seconds())
}
