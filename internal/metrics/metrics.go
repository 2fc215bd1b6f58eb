// Package metrics owns the process Prometheus registry: per-role latency,
// per-task / per-tool / webhook outcomes, and rate-limit rejections.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the process publishes.
type Metrics struct {
	registry *prometheus.Registry

	RoleLatency    *prometheus.HistogramVec
	TaskOutcome    *prometheus.CounterVec
	ToolOutcome    *prometheus.CounterVec
	WebhookOutcome *prometheus.CounterVec
	RateLimited    prometheus.Counter
	SessionsActive prometheus.Gauge
}

// New builds and registers the instruments on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RoleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forged",
			Name:      "role_latency_seconds",
			Help:      "Wall-clock latency of one role invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"role"}),
		TaskOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forged",
			Name:      "task_outcomes_total",
			Help:      "Orchestrated task completions by mode and outcome.",
		}, []string{"mode", "outcome"}),
		ToolOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forged",
			Name:      "tool_outcomes_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		WebhookOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forged",
			Name:      "webhook_outcomes_total",
			Help:      "Webhook jobs by event kind and final status.",
		}, []string{"event", "outcome"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forged",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the per-principal rate limit.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forged",
			Name:      "sessions_active",
			Help:      "Open gateway sessions.",
		}),
	}

	reg.MustRegister(
		m.RoleLatency, m.TaskOutcome, m.ToolOutcome, m.WebhookOutcome,
		m.RateLimited, m.SessionsActive,
	)
	return m
}

// ObserveRole records one role step.
func (m *Metrics) ObserveRole(role string, elapsed time.Duration) {
	m.RoleLatency.WithLabelValues(role).Observe(elapsed.Seconds())
}

// Handler serves the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
