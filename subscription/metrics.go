package subscription

import (
	"github.com/prometheus/client_golang/prometheus"

	"prism-sync/domain"
)

// Metrics instruments subscriptions and pagination. A nil *Metrics records nothing.
type Metrics struct {
	active    prometheus.Gauge
	snapshots *prometheus.CounterVec
	failures  *prometheus.CounterVec
	pages     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "prism_sync",
			Name:      "subscriptions_active",
			Help:      "Live task subscriptions.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism_sync",
			Name:      "snapshots_delivered_total",
			Help:      "Task pages delivered to subscribers by source.",
		}, []string{"source"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism_sync",
			Name:      "failures_total",
			Help:      "Failed task operations by operation and code.",
		}, []string{"op", "code"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism_sync",
			Name:      "page_fetches_total",
			Help:      "Page fetches sent to the store, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.active, m.snapshots, m.failures, m.pages)
	}
	return m
}

func (m *Metrics) subscribed() {
	if m != nil {
		m.active.Inc()
	}
}

func (m *Metrics) unsubscribed() {
	if m != nil {
		m.active.Dec()
	}
}

func (m *Metrics) delivered(source string) {
	if m != nil {
		m.snapshots.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) failed(op string, code domain.Code) {
	if m != nil {
		m.failures.WithLabelValues(op, string(code)).Inc()
	}
}

func (m *Metrics) fetched(outcome string) {
	if m != nil {
		m.pages.WithLabelValues(outcome).Inc()
	}
}
