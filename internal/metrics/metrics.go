// ABOUTME: Prometheus instrumentation for the control surface
// ABOUTME: Counts gate decisions, dropped audit events, rate-limit rejections and operation calls

package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codix/cdx-agent/internal/auth"
)

const namespace = "cdx_agent"

// Metrics owns a private registry so tests and multiple servers do not collide.
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	auditDropped     prometheus.Counter
	rateLimited      prometheus.Counter
	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
}

// New registers the agent collectors plus the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_decisions_total",
			Help:      "Authentication gate decisions by outcome and reason",
		}, []string{"outcome", "reason"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_dropped_total",
			Help:      "Audit events discarded because the dispatcher buffer was full",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_exceeded_total",
			Help:      "Requests rejected by the per-client rate limit",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Operation handler responses by operation and status code",
		}, []string{"operation", "code"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Operation handler latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(
		m.decisions,
		m.auditDropped,
		m.rateLimited,
		m.operations,
		m.operationLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveDecision implements auth.DecisionObserver.
func (m *Metrics) ObserveDecision(d auth.Decision) {
	if d.Allowed {
		m.decisions.WithLabelValues("allow", "none").Inc()
		return
	}
	m.decisions.WithLabelValues("deny", normalizeReason(d.Reason)).Inc()
}

// ObserveAuditDrop implements audit.DropObserver.
func (m *Metrics) ObserveAuditDrop() {
	m.auditDropped.Inc()
}

// ObserveRateLimited counts one rejected request.
func (m *Metrics) ObserveRateLimited() {
	m.rateLimited.Inc()
}

// ObserveOperation records one completed operation request.
func (m *Metrics) ObserveOperation(operation string, code int, seconds float64) {
	m.operations.WithLabelValues(operation, strconv.Itoa(code)).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(seconds)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func normalizeReason(r auth.Reason) string {
	switch r {
	case auth.ReasonMissingHeaders,
		auth.ReasonSecretNotConfigured,
		auth.ReasonTimestampOutOfRange,
		auth.ReasonSignatureMismatch:
		return string(r)
	default:
		return "unknown"
	}
}
