// Package metrics exposes the relay's Prometheus metrics on a private
// registry. Every Record method is safe on a nil *Metrics so components can
// run without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "p2pchat"

// Metrics holds every collector of the relay.
type Metrics struct {
	registry *prometheus.Registry

	sessions    prometheus.Gauge
	members     prometheus.Gauge
	connections prometheus.Gauge

	events          *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	blocks          prometheus.Counter
	admissionDenied *prometheus.CounterVec
	relayed         prometheus.Counter
	relayedBytes    prometheus.Counter
	sessionsCreated prometheus.Counter
	sessionsExpired prometheus.Counter
	kicks           prometheus.Counter
	panics          prometheus.Counter
}

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions",
			Help: "Sessions currently live in the registry.",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_members",
			Help: "Members across all live sessions.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections",
			Help: "Open websocket connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Inbound events by op.",
		}, []string{"op"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "event_errors_total",
			Help: "Inbound events rejected, by op and error kind.",
		}, []string{"op", "kind"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Inbound events dropped by the abuse guard, by decision.",
		}, []string{"decision"}),
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "abuse_blocks_total",
			Help: "Connections escalated to a temporary block.",
		}),
		admissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_admission_denied_total",
			Help: "Websocket upgrades refused before a connection existed, by reason.",
		}, []string{"reason"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_relayed_total",
			Help: "Messages fanned out to a session.",
		}),
		relayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "relayed_bytes_total",
			Help: "Payload bytes accepted for fan-out.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total",
			Help: "Sessions created.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_expired_total",
			Help: "Sessions removed by the idle sweep.",
		}),
		kicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "kicks_total",
			Help: "Members kicked and banned by an admin.",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_panics_total",
			Help: "Panics recovered in the event loop.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions, m.members, m.connections,
		m.events, m.handlerErrors, m.rateLimited, m.blocks, m.admissionDenied,
		m.relayed, m.relayedBytes, m.sessionsCreated, m.sessionsExpired,
		m.kicks, m.panics,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ─── Gauges ───

// SetSessions sets the live session and member gauges. The relay calls it
// after every dispatched event with the registry's O(1) counters.
func (m *Metrics) SetSessions(sessions, members int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(sessions))
	m.members.Set(float64(members))
}

// SetConnections sets the open websocket gauge.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// ─── Counters ───

// RecordEvent counts one inbound event before it is gated.
func (m *Metrics) RecordEvent(op string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(op).Inc()
}

// RecordEventError counts an event rejected with a public error kind.
func (m *Metrics) RecordEventError(op, kind string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(op, kind).Inc()
}

// RecordRateLimited counts an event the abuse guard refused. decision is
// "limited" or "blocked".
func (m *Metrics) RecordRateLimited(decision string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(decision).Inc()
}

// RecordBlock counts an escalation to a temporary block.
func (m *Metrics) RecordBlock() {
	if m == nil {
		return
	}
	m.blocks.Inc()
}

// RecordAdmissionDenied counts an upgrade refused by the admission limiter
// or the block list.
func (m *Metrics) RecordAdmissionDenied(reason string) {
	if m == nil {
		return
	}
	m.admissionDenied.WithLabelValues(reason).Inc()
}

// RecordRelayed counts one fanned-out message and its payload size.
func (m *Metrics) RecordRelayed(bytes int64) {
	if m == nil {
		return
	}
	m.relayed.Inc()
	m.relayedBytes.Add(float64(bytes))
}

// RecordSessionCreated counts a successful create-session.
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// RecordSessionsExpired adds the sessions removed by one sweep.
func (m *Metrics) RecordSessionsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsExpired.Add(float64(n))
}

// RecordKick counts a member removed by an admin.
func (m *Metrics) RecordKick() {
	if m == nil {
		return
	}
	m.kicks.Inc()
}

// RecordPanic counts a panic recovered by the hub loop.
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.panics.Inc()
}
