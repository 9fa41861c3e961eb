// Package instrument exports Prometheus counters for the ratchet core.
//
// A nil *Metrics is valid and records nothing, so services can be built
// without a registry in tests.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pqratchet"

// Metrics holds every collector the services update.
type Metrics struct {
	messageOps       *prometheus.CounterVec
	ratchetSteps     prometheus.Counter
	sessions         *prometheus.CounterVec
	skippedKeys      *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
	syncPackages     *prometheus.CounterVec
	queueItems       *prometheus.CounterVec
	negotiationsDone *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messageOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "message_operations_total",
				Help:      "Encrypt and decrypt operations by outcome",
			},
			[]string{"op", "result"},
		),
		ratchetSteps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dh_ratchet_steps_total",
				Help:      "Diffie-Hellman ratchet steps performed or observed",
			},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_established_total",
				Help:      "Ratchet states created, by role and algorithm",
			},
			[]string{"role", "algorithm"},
		),
		skippedKeys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_keys_total",
				Help:      "Skipped message keys by event",
			},
			[]string{"event"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_conflicts_total",
				Help:      "Key conflicts by event and policy",
			},
			[]string{"event", "policy"},
		),
		syncPackages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_packages_total",
				Help:      "Key sync packages by event",
			},
			[]string{"event"},
		),
		queueItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offline_queue_items_total",
				Help:      "Offline sync queue items by event",
			},
			[]string{"event"},
		),
		negotiationsDone: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "negotiations_total",
				Help:      "Algorithm negotiations by selected algorithm",
			},
			[]string{"algorithm", "fallback"},
		),
	}
	for _, c := range []prometheus.Collector{
		m.messageOps, m.ratchetSteps, m.sessions, m.skippedKeys,
		m.conflicts, m.syncPackages, m.queueItems, m.negotiationsDone,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// MessageOp counts one encrypt or decrypt; result is "ok" or an error kind.
func (m *Metrics) MessageOp(op, result string) {
	if m == nil {
		return
	}
	m.messageOps.WithLabelValues(op, result).Inc()
}

// RatchetStep counts one DH ratchet step.
func (m *Metrics) RatchetStep() {
	if m == nil {
		return
	}
	m.ratchetSteps.Inc()
}

// SessionEstablished counts a new ratchet state.
func (m *Metrics) SessionEstablished(role, algorithm string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(role, algorithm).Inc()
}

// SkippedKeys counts n skipped-key events ("cached", "consumed", "evicted").
func (m *Metrics) SkippedKeys(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.skippedKeys.WithLabelValues(event).Add(float64(n))
}

// Conflict counts a conflict event ("detected", "resolved").
func (m *Metrics) Conflict(event, policy string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(event, policy).Inc()
}

// SyncPackage counts a package event ("created", "delivered", "consumed", "expired").
func (m *Metrics) SyncPackage(event string) {
	if m == nil {
		return
	}
	m.syncPackages.WithLabelValues(event).Inc()
}

// QueueItem counts an offline queue event ("enqueued", "delivered", "retried", "failed").
func (m *Metrics) QueueItem(event string) {
	if m == nil {
		return
	}
	m.queueItems.WithLabelValues(event).Inc()
}

// Negotiated counts a persisted negotiation.
func (m *Metrics) Negotiated(algorithm string, fallback bool) {
	if m == nil {
		return
	}
	fb := "false"
	if fallback {
		fb = "true"
	}
	m.negotiationsDone.WithLabelValues(algorithm, fb).Inc()
}
