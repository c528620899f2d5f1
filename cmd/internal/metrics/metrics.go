// Package metrics holds the Prometheus collectors for the sync engine and the relay.
//
// Every method is nil-safe so components can run without metrics in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "chatsync"

// Sync collects client-side sync engine metrics.
type Sync struct {
	verify     *prometheus.CounterVec
	refresh    *prometheus.CounterVec
	reconcile  *prometheus.CounterVec
	decodeErrs *prometheus.CounterVec
	reconnects *prometheus.CounterVec
}

// NewSync constructs Sync collectors and registers them on reg when reg is non-nil.
func NewSync(reg prometheus.Registerer) *Sync {
	m := &Sync{
		verify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "verify_total",
			Help:      "Session verification outcomes.",
		}, []string{"outcome"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "refresh_total",
			Help:      "Session refresh outcomes.",
		}, []string{"outcome"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "reconcile_total",
			Help:      "Confirmation reconciliation results by match kind.",
		}, []string{"match"}),
		decodeErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}, []string{"transport"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Reconnection attempts by result.",
		}, []string{"transport", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.verify, m.refresh, m.reconcile, m.decodeErrs, m.reconnects)
	}
	return m
}

// VerifyOutcome counts one Verify result (confirmed, rejected, cached, inflight, fail_open, unconfirmed).
func (m *Sync) VerifyOutcome(outcome string) {
	if m == nil {
		return
	}
	m.verify.WithLabelValues(outcome).Inc()
}

// RefreshOutcome counts one Refresh result.
func (m *Sync) RefreshOutcome(outcome string) {
	if m == nil {
		return
	}
	m.refresh.WithLabelValues(outcome).Inc()
}

// Reconciled counts one confirmation by the key it matched on ("miss" when nothing matched).
func (m *Sync) Reconciled(match string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(match).Inc()
}

// DecodeError counts one dropped inbound frame.
func (m *Sync) DecodeError(transport string) {
	if m == nil {
		return
	}
	m.decodeErrs.WithLabelValues(transport).Inc()
}

// Reconnect counts one reconnection attempt; result is "ok" or "fail".
func (m *Sync) Reconnect(transport, result string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(transport, result).Inc()
}

// Relay collects server-side relay metrics.
type Relay struct {
	connections *prometheus.GaugeVec
	online      prometheus.Gauge
	events      *prometheus.CounterVec
	stored      prometheus.Counter
	dropped     prometheus.Counter
}

// NewRelay constructs Relay collectors and registers them on reg when reg is non-nil.
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open WebSocket connections by protocol.",
		}, []string{"protocol"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "online_users",
			Help:      "Users with at least one registered connection.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Inbound events by type and result.",
		}, []string{"type", "result"}),
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_stored_total",
			Help:      "Messages appended to the store (duplicates excluded).",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Outbound events dropped under backpressure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.online, m.events, m.stored, m.dropped)
	}
	return m
}

// ConnOpened increments the open connection gauge for protocol.
func (m *Relay) ConnOpened(protocol string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(protocol).Inc()
}

// ConnClosed decrements the open connection gauge for protocol.
func (m *Relay) ConnClosed(protocol string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(protocol).Dec()
}

// SetOnline sets the online user gauge.
func (m *Relay) SetOnline(n int) {
	if m == nil {
		return
	}
	m.online.Set(float64(n))
}

// Event counts one inbound event; result is "ok" or an error code.
func (m *Relay) Event(typ, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ, result).Inc()
}

// Stored counts one appended message.
func (m *Relay) Stored() {
	if m == nil {
		return
	}
	m.stored.Inc()
}

// Dropped counts one outbound event dropped under backpressure.
func (m *Relay) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
