// Package telemetry holds the Prometheus collectors of the engine. A nil
// *Metrics is valid and records nothing.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	batchesFinished  *prometheus.CounterVec
	projectOutcomes  *prometheus.CounterVec
	provisions       *prometheus.CounterVec
	sandboxDuration  *prometheus.HistogramVec
	sandboxesActive  prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	batchesSubmitted prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_batches_finished_total",
			Help: "Batches that reached a terminal status.",
		}, []string{"status"}),
		batchesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_batches_submitted_total",
			Help: "Batches accepted by the dispatcher.",
		}),
		projectOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_project_outcomes_total",
			Help: "Per-project outcomes by state and failure kind.",
		}, []string{"state", "kind"}),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_environment_provisions_total",
			Help: "Environment provisioning attempts by result.",
		}, []string{"result"}),
		sandboxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analyzer_sandbox_duration_seconds",
			Help:    "Wall-clock duration of sandboxed script runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"result"}),
		sandboxesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analyzer_sandboxes_active",
			Help: "Execution contexts currently alive.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_http_requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
	}
	reg.MustRegister(
		m.batchesFinished,
		m.batchesSubmitted,
		m.projectOutcomes,
		m.provisions,
		m.sandboxDuration,
		m.sandboxesActive,
		m.httpRequests,
	)
	return m
}

func (m *Metrics) BatchSubmitted() {
	if m == nil {
		return
	}
	m.batchesSubmitted.Inc()
}

func (m *Metrics) BatchFinished(status string) {
	if m == nil {
		return
	}
	m.batchesFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) ProjectOutcome(state, kind string) {
	if m == nil {
		return
	}
	m.projectOutcomes.WithLabelValues(state, kind).Inc()
}

func (m *Metrics) Provisioned(result string) {
	if m == nil {
		return
	}
	m.provisions.WithLabelValues(result).Inc()
}

func (m *Metrics) SandboxRun(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.sandboxDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) SandboxStarted() {
	if m == nil {
		return
	}
	m.sandboxesActive.Inc()
}

func (m *Metrics) SandboxStopped() {
	if m == nil {
		return
	}
	m.sandboxesActive.Dec()
}

func (m *Metrics) HTTPRequest(method, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, code).Inc()
}
