// Package metrics exposes broker counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "dcop"

// Metrics holds every broker metric. A nil *Metrics is valid and records
// nothing, so broker code never has to check.
type Metrics struct {
	registry *prometheus.Registry

	Connections      prometheus.Gauge
	Registered       prometheus.Gauge
	OutstandingCalls prometheus.Gauge
	Subscriptions    prometheus.Gauge

	FramesReceived   *prometheus.CounterVec
	FramesSent       *prometheus.CounterVec
	RoutingFailures  *prometheus.CounterVec
	StaleReplies     prometheus.Counter
	ProtocolErrors   prometheus.Counter
	ConnectionsLost  prometheus.Counter
	SynthesizedFails prometheus.Counter
	ExpiredCalls     prometheus.Counter
}

// New creates the broker metrics on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "attached",
			Help:      "Attached client connections, registered or not",
		}),
		Registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "registered",
			Help:      "Connections holding an application name",
		}),
		OutstandingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "outstanding",
			Help:      "Synchronous calls waiting for a reply",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "subscriptions",
			Help:      "Active signal subscriptions",
		}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Frames received from clients",
		}, []string{"opcode"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "sent_total",
			Help:      "Frames queued for delivery to clients",
		}, []string{"opcode"}),
		RoutingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "failures_total",
			Help:      "Frames whose receiver could not be resolved",
		}, []string{"opcode"}),
		StaleReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "stale_replies_total",
			Help:      "Replies without a matching outstanding call",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "protocol_errors_total",
			Help:      "Connections dropped for malformed frames",
		}),
		ConnectionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "lost_total",
			Help:      "Connections cleaned up",
		}),
		SynthesizedFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "synthesized_failures_total",
			Help:      "Failure replies generated because a peer went away",
		}),
		ExpiredCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "expired_total",
			Help:      "Deferred calls dropped after the delayed reply timeout",
		}),
	}

	m.registry.MustRegister(
		m.Connections, m.Registered, m.OutstandingCalls, m.Subscriptions,
		m.FramesReceived, m.FramesSent, m.RoutingFailures,
		m.StaleReplies, m.ProtocolErrors, m.ConnectionsLost,
		m.SynthesizedFails, m.ExpiredCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Received counts a frame read from a client. All recorders accept a nil
// *Metrics.
func (m *Metrics) Received(opcode string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(opcode).Inc()
}

func (m *Metrics) Sent(opcode string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(opcode).Inc()
}

// RoutingFailed counts a frame answered with a synthesized failure.
func (m *Metrics) RoutingFailed(opcode string) {
	if m == nil {
		return
	}
	m.RoutingFailures.WithLabelValues(opcode).Inc()
}

func (m *Metrics) Stale() {
	if m == nil {
		return
	}
	m.StaleReplies.Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

func (m *Metrics) Lost() {
	if m == nil {
		return
	}
	m.ConnectionsLost.Inc()
}

func (m *Metrics) Synthesized() {
	if m == nil {
		return
	}
	m.SynthesizedFails.Inc()
}

// Expired counts deferred calls dropped by the timeout sweep.
func (m *Metrics) Expired(n int) {
	if m == nil {
		return
	}
	m.ExpiredCalls.Add(float64(n))
}

// Snapshot updates the state gauges.
func (m *Metrics) Snapshot(conns, registered, calls, subs int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(conns))
	m.Registered.Set(float64(registered))
	m.OutstandingCalls.Set(float64(calls))
	m.Subscriptions.Set(float64(subs))
}
