// Package observability exposes the server's Prometheus metrics.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the console's collectors. All methods are safe on a nil
// receiver so components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	// StreamCounter counts finished console streams.
	// Labels: profile (conversational|structured_view), outcome (done|error|cancelled)
	StreamCounter *prometheus.CounterVec

	// StreamDuration measures console stream lifetime in seconds.
	// Labels: profile
	StreamDuration *prometheus.HistogramVec

	// ToolCallCounter counts tool invocations reported by the agent.
	// Labels: tool
	ToolCallCounter *prometheus.CounterVec

	// PolicyDenials counts file reads blocked by the access policy.
	// Labels: reason
	PolicyDenials *prometheus.CounterVec

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited prometheus.Counter

	// SandboxSessions is the number of live registry entries.
	SandboxSessions prometheus.Gauge

	// SandboxProvisions counts environment provisioning attempts.
	// Labels: result (success|error)
	SandboxProvisions *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StreamCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "site_console_streams_total",
				Help: "Total number of console streams by profile and outcome",
			},
			[]string{"profile", "outcome"},
		),
		StreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "site_console_stream_duration_seconds",
				Help:    "Duration of console streams in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"profile"},
		),
		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "site_agent_tool_calls_total",
				Help: "Total number of agent tool invocations by tool",
			},
			[]string{"tool"},
		),
		PolicyDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "site_policy_denials_total",
				Help: "Total number of file reads denied by the access policy",
			},
			[]string{"reason"},
		),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "site_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		}),
		SandboxSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "site_sandbox_sessions",
			Help: "Current number of registered sandbox sessions",
		}),
		SandboxProvisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "site_sandbox_provisions_total",
				Help: "Total number of sandbox environment provisions by result",
			},
			[]string{"result"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) StreamFinished(profile, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StreamCounter.WithLabelValues(profile, outcome).Inc()
	m.StreamDuration.WithLabelValues(profile).Observe(elapsed.Seconds())
}

func (m *Metrics) ToolCalled(tool string) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(tool).Inc()
}

func (m *Metrics) PolicyDenied(reason string) {
	if m == nil {
		return
	}
	m.PolicyDenials.WithLabelValues(reason).Inc()
}

func (m *Metrics) RateLimitRejected() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) SetSandboxSessions(n int) {
	if m == nil {
		return
	}
	m.SandboxSessions.Set(float64(n))
}

func (m *Metrics) SandboxProvisioned(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.SandboxProvisions.WithLabelValues(result).Inc()
}
