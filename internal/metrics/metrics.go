// Package metrics defines the Prometheus instrumentation for the broker and
// the agent runtime. Both binaries expose the standard /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broker holds the broker-side counters and gauges.
type Broker struct {
	Registrations prometheus.Counter
	Heartbeats    prometheus.Counter
	Routed        prometheus.Counter
	RouteFailures *prometheus.CounterVec
	AgentsOnline  prometheus.Gauge
}

// NewBroker registers the broker metrics on reg and returns them.
// Pass prometheus.DefaultRegisterer in main; tests use a fresh registry.
func NewBroker(reg prometheus.Registerer) *Broker {
	factory := promauto.With(reg)
	return &Broker{
		Registrations: factory.NewCounter(prometheus.CounterOpts{
			Name: "ansa_broker_registrations_total",
			Help: "Agent registration requests accepted.",
		}),
		Heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Name: "ansa_broker_heartbeats_total",
			Help: "Valid heartbeats applied to the registry.",
		}),
		Routed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ansa_broker_envelopes_routed_total",
			Help: "Envelopes forwarded to a recipient callback.",
		}),
		RouteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ansa_broker_route_failures_total",
			Help: "Envelope forwards that failed, by reason.",
		}, []string{"reason"}),
		AgentsOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ansa_broker_agents_online",
			Help: "Agents whose last heartbeat is within the online window.",
		}),
	}
}

// Runtime holds the agent-side counters for the reliable send protocol.
type Runtime struct {
	SendAttempts   prometheus.Counter
	Retransmits    prometheus.Counter
	AcksReceived   prometheus.Counter
	SendsAbandoned prometheus.Counter
}

// NewRuntime registers the agent runtime metrics on reg and returns them.
func NewRuntime(reg prometheus.Registerer) *Runtime {
	factory := promauto.With(reg)
	return &Runtime{
		SendAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ansa_agent_send_attempts_total",
			Help: "Envelope transmissions, including retransmits.",
		}),
		Retransmits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ansa_agent_retransmits_total",
			Help: "Transmissions beyond the first attempt.",
		}),
		AcksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ansa_agent_acks_received_total",
			Help: "ACK envelopes matched to a pending send.",
		}),
		SendsAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "ansa_agent_sends_abandoned_total",
			Help: "Sends abandoned after exhausting all attempts.",
		}),
	}
}
