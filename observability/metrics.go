package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EnergyMetrics bundles the Prometheus collectors for the energy mirror.
type EnergyMetrics struct {
	snapshots      prometheus.Counter
	payloadErrors  prometheus.Counter
	reconnects     prometheus.Counter
	streamFailures prometheus.Counter
	actions        *prometheus.CounterVec
	overlayEntries prometheus.Gauge
	overlayExpired prometheus.Counter
	sessionState   *prometheus.GaugeVec
}

var (
	energyOnce     sync.Once
	energyRegistry *EnergyMetrics
)

var sessionStates = []string{"unconnected", "connecting", "live", "degraded", "offline"}

// Energy returns the lazily-initialised metrics registry for the energy
// mirror.
func Energy() *EnergyMetrics {
	energyOnce.Do(func() {
		energyRegistry = &EnergyMetrics{
			snapshots: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "energyd",
				Subsystem: "stream",
				Name:      "snapshots_applied_total",
				Help:      "Authoritative snapshots applied to the session store.",
			}),
			payloadErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "energyd",
				Subsystem: "stream",
				Name:      "payload_errors_total",
				Help:      "Malformed stream payloads dropped without mutating state.",
			}),
			reconnects: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "energyd",
				Subsystem: "stream",
				Name:      "reconnects_total",
				Help:      "Reconnect attempts scheduled after a stream drop.",
			}),
			streamFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "energyd",
				Subsystem: "stream",
				Name:      "failures_total",
				Help:      "Streams that exhausted the retry budget.",
			}),
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "energyd",
				Subsystem: "session",
				Name:      "actions_total",
				Help:      "Harvest and burn actions segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			overlayEntries: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "energyd",
				Subsystem: "session",
				Name:      "overlay_entries",
				Help:      "Pending optimistic overlay entries.",
			}),
			overlayExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "energyd",
				Subsystem: "session",
				Name:      "overlay_expired_total",
				Help:      "Overlay entries unwound by TTL expiry.",
			}),
			sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "energyd",
				Subsystem: "session",
				Name:      "state",
				Help:      "Current session state (one series set to 1).",
			}, []string{"state"}),
		}
		prometheus.MustRegister(
			energyRegistry.snapshots,
			energyRegistry.payloadErrors,
			energyRegistry.reconnects,
			energyRegistry.streamFailures,
			energyRegistry.actions,
			energyRegistry.overlayEntries,
			energyRegistry.overlayExpired,
			energyRegistry.sessionState,
		)
	})
	return energyRegistry
}

// SnapshotApplied records one applied authoritative snapshot.
func (m *EnergyMetrics) SnapshotApplied() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

// PayloadError records one dropped malformed payload.
func (m *EnergyMetrics) PayloadError() {
	if m == nil {
		return
	}
	m.payloadErrors.Inc()
}

// StreamReconnect records one scheduled reconnect attempt.
func (m *EnergyMetrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// StreamFailure records one stream giving up its retry budget.
func (m *EnergyMetrics) StreamFailure() {
	if m == nil {
		return
	}
	m.streamFailures.Inc()
}

// Action records one harvest/burn outcome.
func (m *EnergyMetrics) Action(kind, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(kind, outcome).Inc()
}

// OverlayEntries tracks the live pending-entry count.
func (m *EnergyMetrics) OverlayEntries(n int) {
	if m == nil {
		return
	}
	m.overlayEntries.Set(float64(n))
}

// OverlayExpired records entries unwound by TTL.
func (m *EnergyMetrics) OverlayExpired(n int) {
	if m == nil {
		return
	}
	m.overlayExpired.Add(float64(n))
}

// SessionState marks the current session state series.
func (m *EnergyMetrics) SessionState(state string) {
	if m == nil {
		return
	}
	for _, known := range sessionStates {
		value := 0.0
		if known == state {
			value = 1.0
		}
		m.sessionState.WithLabelValues(known).Set(value)
	}
}
