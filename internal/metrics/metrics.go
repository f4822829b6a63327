// Package metrics owns the Prometheus instruments the gateway updates. The
// registry is constructed and injected like every other dependency; nothing
// registers globally, so tests can run many gateways in one process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	mutations   *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	chainChecks *prometheus.CounterVec
	backupOps   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fincore_mutations_total",
			Help: "Mutating operations by outcome (executed or replayed).",
		}, []string{"operation", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fincore_rate_limited_total",
			Help: "Requests rejected by the per-organization rate limiter.",
		}, []string{"operation"}),
		chainChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fincore_chain_checks_total",
			Help: "Ledger verification runs by result.",
		}, []string{"result"}),
		backupOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fincore_backup_operations_total",
			Help: "Snapshot, restore and drill operations by outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fincore_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
	m.registry.MustRegister(m.mutations, m.rateLimited, m.chainChecks, m.backupOps, m.duration)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// All observers tolerate a nil receiver so call sites need no guards when
// metrics are not wired (CLI-driven test rigs, benchmarks).

func (m *Metrics) ObserveMutation(operation string, replayed bool) {
	if m == nil {
		return
	}
	outcome := "executed"
	if replayed {
		outcome = "replayed"
	}
	m.mutations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveRateLimited(operation string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveChainCheck(valid bool) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "broken"
	}
	m.chainChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveBackupOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.backupOps.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
