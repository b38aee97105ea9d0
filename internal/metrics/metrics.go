// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/septivank/energy-metering-gateway/internal/apperr"
)

const namespace = "metering_gateway"

// Outcome labels for partner calls
const (
	OutcomeSuccess   = "success"
	OutcomeEmpty     = "empty"
	OutcomeTransient = "transient"
	OutcomeRejected  = "rejected"
	OutcomeCanceled  = "canceled"
	OutcomeError     = "error"
)

// Metrics groups every collector on a private registry
type Metrics struct {
	registry *prometheus.Registry

	upstreamRequests  *prometheus.CounterVec
	upstreamDuration  *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	persistedRows     *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec
	pollAttempts      *prometheus.HistogramVec
	skippedSegments   *prometheus.CounterVec
	recomputes        *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Partner API calls by partner, operation and outcome.",
		}, []string{"partner", "operation", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Partner API call latency per attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"partner", "operation"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Retries scheduled after a transient partner failure.",
		}, []string{"operation"}),
		persistedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persisted_rows_total",
			Help:      "Rows upserted per table.",
		}, []string{"table"}),
		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Failed best-effort upserts per table and database error code.",
		}, []string{"table", "code"}),
		pollAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_poll_attempts",
			Help:      "Order status polls needed before a request left PENDING.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 60},
		}, []string{"product", "state"}),
		skippedSegments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_segments_total",
			Help:      "Segments of a segmented fetch that failed and were skipped.",
		}, []string{"kind"}),
		recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weekly_recomputes_total",
			Help:      "Weekly average recomputes by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Handled HTTP requests by route, action and status.",
		}, []string{"route", "action", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.upstreamRequests,
		m.upstreamDuration,
		m.retries,
		m.persistedRows,
		m.persistenceErrors,
		m.pollAttempts,
		m.skippedSegments,
		m.recomputes,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUpstream records one partner call attempt
func (m *Metrics) ObserveUpstream(partner, operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(partner, operation, Classify(err)).Inc()
	m.upstreamDuration.WithLabelValues(partner, operation).Observe(seconds)
}

// Retry counts a scheduled retry
func (m *Metrics) Retry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// Persisted counts upserted rows
func (m *Metrics) Persisted(table string, rows int) {
	if m == nil {
		return
	}
	m.persistedRows.WithLabelValues(table).Add(float64(rows))
}

// PersistenceFailed counts a failed upsert
func (m *Metrics) PersistenceFailed(table string, err error) {
	if m == nil {
		return
	}
	code := "unknown"
	var pErr *apperr.PersistenceError
	if errors.As(err, &pErr) && pErr.Code != "" {
		code = pErr.Code
	}
	m.persistenceErrors.WithLabelValues(table, code).Inc()
}

// PollFinished records how many polls a request needed
func (m *Metrics) PollFinished(product, state string, attempts int) {
	if m == nil {
		return
	}
	m.pollAttempts.WithLabelValues(product, state).Observe(float64(attempts))
}

// SegmentSkipped counts a failed segment of a segmented fetch
func (m *Metrics) SegmentSkipped(kind string) {
	if m == nil {
		return
	}
	m.skippedSegments.WithLabelValues(kind).Inc()
}

// Recomputed counts a weekly average recompute
func (m *Metrics) Recomputed(trigger string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.recomputes.WithLabelValues(trigger, outcome).Inc()
}

// ObserveHTTP records a handled HTTP request
func (m *Metrics) ObserveHTTP(route, action string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, action, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(seconds)
}

// Classify maps a partner call result to an outcome label
func Classify(err error) string {
	var (
		transient *apperr.TransientFetchError
		upstream  *apperr.UpstreamError
		creation  *apperr.CreationError
	)
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, apperr.ErrNotFoundAsEmpty):
		return OutcomeEmpty
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case errors.As(err, &transient):
		return OutcomeTransient
	case errors.As(err, &upstream), errors.As(err, &creation):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}
