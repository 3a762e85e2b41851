// Package metrics holds the prometheus collectors for scheduler runs,
// checkpoints and the HTTP API. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	tasksDispatched *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec
	tasksInFlight   *prometheus.GaugeVec
	taskDuration    *prometheus.HistogramVec
	runsTotal       *prometheus.CounterVec

	checkpointsTotal *prometheus.CounterVec
	checkpointBytes  prometheus.Histogram

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloom_tasks_dispatched_total",
				Help: "Total number of tasks handed to a handle",
			},
			[]string{"session"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloom_tasks_finished_total",
				Help: "Total number of task executions by outcome",
			},
			[]string{"session", "status"},
		),
		tasksInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskloom_tasks_in_flight",
				Help: "Tasks currently running",
			},
			[]string{"session"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskloom_task_duration_seconds",
				Help:    "Task handle duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"status"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloom_runs_total",
				Help: "Total number of scheduler runs by result",
			},
			[]string{"result"},
		),
		checkpointsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloom_checkpoint_operations_total",
				Help: "Checkpoint captures and restores by level",
			},
			[]string{"op", "level"},
		),
		checkpointBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskloom_checkpoint_payload_bytes",
				Help:    "Size of captured checkpoint payloads",
				Buckets: prometheus.ExponentialBuckets(256, 4, 10),
			},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloom_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskloom_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	reg.MustRegister(
		m.tasksDispatched,
		m.tasksFinished,
		m.tasksInFlight,
		m.taskDuration,
		m.runsTotal,
		m.checkpointsTotal,
		m.checkpointBytes,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskDispatched(session string) {
	if m == nil {
		return
	}
	m.tasksDispatched.WithLabelValues(session).Inc()
	m.tasksInFlight.WithLabelValues(session).Inc()
}

func (m *Metrics) TaskFinished(session, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(session, status).Inc()
	m.tasksInFlight.WithLabelValues(session).Dec()
	m.taskDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) RunFinished(result string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Checkpoint(op, level string, size int) {
	if m == nil {
		return
	}
	m.checkpointsTotal.WithLabelValues(op, level).Inc()
	if op == "capture" {
		m.checkpointBytes.Observe(float64(size))
	}
}

func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
