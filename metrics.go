package overlay

import "github.com/prometheus/client_golang/prometheus"

const subsystem = "overlay"

// Metrics exposes overlay observability hooks. A nil *Metrics is valid and records nothing.
type Metrics struct {
	arcs          *prometheus.GaugeVec
	handshakes    *prometheus.CounterVec
	relayed       *prometheus.CounterVec
	bridgeFailed  prometheus.Counter
	droppedFrames prometheus.Counter
}

// NewMetrics registers the overlay collectors on reg. Metric names are
// <namespace>_overlay_<name>, or overlay_<name> without a namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		arcs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "arcs",
			Help:      "Open arcs per table, counting parallel arcs",
		}, []string{"role"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshakes_total",
			Help:      "Handshake attempts by role and result",
		}, []string{"role", "result"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relayed_envelopes_total",
			Help:      "Envelopes relayed on behalf of other peers",
		}, []string{"kind"}),
		bridgeFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bridge_failures_total",
			Help:      "Relay attempts abandoned for lack of an arc toward the destination",
		}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_envelopes_total",
			Help:      "Overlay envelopes ignored because of an unknown kind or a finished exchange",
		}),
	}
	reg.MustRegister(m.arcs, m.handshakes, m.relayed, m.bridgeFailed, m.droppedFrames)

	return m
}

// ObserveArcDelta moves the arc gauge of a role.
func (m *Metrics) ObserveArcDelta(role Role, delta int) {
	if m == nil {
		return
	}
	m.arcs.WithLabelValues(role.String()).Add(float64(delta))
}

// ObserveHandshake counts a finished handshake.
func (m *Metrics) ObserveHandshake(role Role, ok bool) {
	if m == nil {
		return
	}

	result := "ready"
	if !ok {
		result = "failed"
	}
	m.handshakes.WithLabelValues(role.String(), result).Inc()
}

// ObserveRelay counts an envelope forwarded for another peer.
func (m *Metrics) ObserveRelay(kind Kind) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(string(kind)).Inc()
}

// ObserveBridgeFailure counts an abandoned relay.
func (m *Metrics) ObserveBridgeFailure() {
	if m == nil {
		return
	}
	m.bridgeFailed.Inc()
}

// ObserveDropped counts an ignored overlay envelope.
func (m *Metrics) ObserveDropped() {
	if m == nil {
		return
	}
	m.droppedFrames.Inc()
}
