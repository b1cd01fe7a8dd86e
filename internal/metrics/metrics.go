// ABOUTME: Prometheus collectors for connections, tools and invocations
// ABOUTME: Metrics implements events.Observer so hub events drive every collector

package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/toolhub/internal/events"
)

const namespace = "toolhub"

// Metrics holds all Prometheus metrics for the hub.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	RegisteredTools prometheus.Gauge

	InvocationsTotal    *prometheus.CounterVec
	InvocationDuration  *prometheus.HistogramVec
	InvocationFailures  *prometheus.CounterVec
	InvocationsInFlight prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of WebSocket connections accepted",
		}),
		RegisteredTools: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_tools",
			Help:      "Number of tools currently in the catalog",
		}),
		InvocationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of finished tool invocations",
		}, []string{"tool_name", "status"}),
		// Buckets: 10ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s, 30s
		InvocationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Duration of tool invocations in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"tool_name", "status"}),
		InvocationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocation_failures_total",
			Help:      "Total number of failed tool invocations by reason",
		}, []string{"tool_name", "reason"}),
		InvocationsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invocations_in_flight",
			Help:      "Number of invocations awaiting an agent response",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// OnEvent updates collectors from a hub event.
func (m *Metrics) OnEvent(_ context.Context, e events.Event) {
	switch e.Type {
	case events.ConnectionOpened:
		m.ActiveConnections.Inc()
		m.ConnectionsTotal.Inc()
	case events.ConnectionClosed:
		m.ActiveConnections.Dec()
	case events.ToolRegistered:
		if replaced, _ := e.Data["replaced"].(bool); !replaced {
			m.RegisteredTools.Inc()
		}
	case events.ToolUnregistered:
		m.RegisteredTools.Dec()
	case events.InvocationStarted:
		m.InvocationsInFlight.Inc()
	case events.InvocationCompleted:
		m.InvocationsInFlight.Dec()
		m.recordInvocation(e, "completed")
	case events.InvocationFailed:
		m.InvocationsInFlight.Dec()
		m.recordInvocation(e, "failed")
		m.InvocationFailures.WithLabelValues(e.String("tool"), e.String("reason")).Inc()
	}
}

func (m *Metrics) recordInvocation(e events.Event, status string) {
	tool := e.String("tool")
	m.InvocationsTotal.WithLabelValues(tool, status).Inc()
	m.InvocationDuration.WithLabelValues(tool, status).Observe(e.Duration("duration").Seconds())
}
