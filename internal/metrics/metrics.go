// Package metrics exposes relay's Prometheus instrumentation. A nil
// *Metrics is valid and records nothing, so components accept one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Metrics holds relay's collectors.
type Metrics struct {
	// Admissions counts idempotency decisions.
	// Labels: decision (proceed|duplicate|error)
	Admissions *prometheus.CounterVec

	// Attempts counts step execution attempts.
	// Labels: tool, status (success|tool_error|transport_error|timeout)
	Attempts *prometheus.CounterVec

	// StepDuration measures a step from first attempt to terminal state.
	// Labels: tool, state (success|escalated|rejected)
	StepDuration *prometheus.HistogramVec

	// Escalations counts steps that exhausted their attempts or budget.
	// Labels: tool
	Escalations *prometheus.CounterVec

	// Handshakes counts MCP handshakes.
	// Labels: server, result (ok|error)
	Handshakes *prometheus.CounterVec

	// Corrections counts failure-reasoning results.
	// Labels: source (backend|heuristic|none)
	Corrections *prometheus.CounterVec

	// Requests counts processed requests.
	// Labels: result (bundle|duplicate|error|cancelled)
	Requests *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith creates collectors registered on reg.
func NewWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Inbound events by idempotency decision.",
		}, []string{"decision"}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step execution attempts by tool and outcome status.",
		}, []string{"tool", "status"}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time from a step's first attempt to its terminal state.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 90},
		}, []string{"tool", "state"}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Steps escalated for manual intervention.",
		}, []string{"tool"}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mcp_handshakes_total",
			Help:      "MCP session handshakes by server and result.",
		}, []string{"server", "result"}),
		Corrections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrections_total",
			Help:      "Failure-reasoning outcomes by source.",
		}, []string{"source"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Processed requests by result.",
		}, []string{"result"}),
		registry: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAdmission records an idempotency decision.
func (m *Metrics) ObserveAdmission(decision string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(decision).Inc()
}

// ObserveAttempt records one execution attempt.
func (m *Metrics) ObserveAttempt(tool, status string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(tool, status).Inc()
}

// ObserveStep records a step reaching a terminal state.
func (m *Metrics) ObserveStep(tool, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(tool, state).Observe(elapsed.Seconds())
	if state == "escalated" {
		m.Escalations.WithLabelValues(tool).Inc()
	}
}

// ObserveHandshake records an MCP handshake.
func (m *Metrics) ObserveHandshake(server string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Handshakes.WithLabelValues(server, result).Inc()
}

// ObserveCorrection records where a failure correction came from.
func (m *Metrics) ObserveCorrection(source string) {
	if m == nil {
		return
	}
	m.Corrections.WithLabelValues(source).Inc()
}

// ObserveRequest records a request's final result.
func (m *Metrics) ObserveRequest(result string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(result).Inc()
}
