// Package observability provides Prometheus metrics and structured logging
// helpers shared across Relay subsystems.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central metric set. Components accept a *Metrics and treat
// nil as "metrics disabled".
type Metrics struct {
	// BusDepth tracks current queue depth.
	// Labels: topic (inbound|outbound)
	BusDepth *prometheus.GaugeVec

	// BusPublishTimeouts counts publishes that hit backpressure.
	// Labels: topic
	BusPublishTimeouts *prometheus.CounterVec

	// ProviderRequestDuration measures provider call latency in seconds.
	// Labels: model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequests counts provider calls.
	// Labels: model, status (success|error|fallback)
	ProviderRequests *prometheus.CounterVec

	// ProviderTokens tracks token consumption.
	// Labels: model, type (prompt|completion)
	ProviderTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error|denied|breaker_open)
	ToolExecutions *prometheus.CounterVec

	// ToolRetries counts retry attempts beyond the first.
	// Labels: tool
	ToolRetries *prometheus.CounterVec

	// BreakerTrips counts circuit breaker openings.
	// Labels: tool
	BreakerTrips *prometheus.CounterVec

	// SwarmTasks counts swarm task outcomes.
	// Labels: status (success|failed|retried)
	SwarmTasks *prometheus.CounterVec

	// NodeInvokes counts node capability invocations.
	// Labels: node, status (success|error|timeout)
	NodeInvokes *prometheus.CounterVec
}

// NewMetrics registers the metric set with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metric set with the given registerer.
// Tests pass a fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BusDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_bus_depth",
			Help: "Current number of queued envelopes per topic",
		}, []string{"topic"}),

		BusPublishTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bus_publish_timeouts_total",
			Help: "Publishes that timed out waiting for queue capacity",
		}, []string{"topic"}),

		ProviderRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_provider_request_duration_seconds",
			Help:    "Duration of provider chat calls in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),

		ProviderRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_provider_requests_total",
			Help: "Provider chat calls by model and outcome",
		}, []string{"model", "status"}),

		ProviderTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_provider_tokens_total",
			Help: "Token consumption by model and type",
		}, []string{"model", "type"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_executions_total",
			Help: "Tool invocations by tool and outcome",
		}, []string{"tool", "status"}),

		ToolRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_retries_total",
			Help: "Tool retry attempts beyond the first",
		}, []string{"tool"}),

		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_breaker_trips_total",
			Help: "Circuit breaker openings by tool",
		}, []string{"tool"}),

		SwarmTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_swarm_tasks_total",
			Help: "Swarm task outcomes",
		}, []string{"status"}),

		NodeInvokes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_node_invokes_total",
			Help: "Node capability invocations by node and outcome",
		}, []string{"node", "status"}),
	}
}
