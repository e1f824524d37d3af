package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the relay engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	connectedRelays     prometheus.Gauge
	subscriptions       prometheus.Gauge
	framesReceived      *prometheus.CounterVec
	framesDropped       *prometheus.CounterVec
	framesStale         *prometheus.CounterVec
	invalidEvents       *prometheus.CounterVec
	eventsPublished     prometheus.Counter
	publishRejected     *prometheus.CounterVec
	reconnects          *prometheus.CounterVec
	subscriptionsPruned prometheus.Counter
}

// NewMetrics registers the relay collectors with reg under the given namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "rideline"
	}
	factory := promauto.With(reg)
	return &Metrics{
		connectedRelays: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connected",
			Help:      "Number of relay connections currently open",
		}),
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "subscriptions",
			Help:      "Number of live subscriptions tracked by the pool",
		}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Inbound relay frames processed, by label",
		}, []string{"relay", "label"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped because the queue was full",
		}, []string{"relay"}),
		framesStale: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_stale_total",
			Help:      "Inbound frames discarded by the generation fence",
		}, []string{"relay"}),
		invalidEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "invalid_events_total",
			Help:      "Inbound events that failed id or signature verification",
		}, []string{"relay"}),
		eventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "events_published_total",
			Help:      "Events handed to the pool for publishing",
		}),
		publishRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "publish_rejected_total",
			Help:      "Events a relay answered with OK false",
		}, []string{"relay"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "reconnects_total",
			Help:      "Scheduled reconnect attempts after an unexpected close",
		}, []string{"relay"}),
		subscriptionsPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "subscriptions_pruned_total",
			Help:      "Stale protocol subscriptions removed during reconcile",
		}),
	}
}

func (m *Metrics) setConnected(n int) {
	if m == nil {
		return
	}
	m.connectedRelays.Set(float64(n))
}

func (m *Metrics) setSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func (m *Metrics) frameReceived(relay, label string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(relay, label).Inc()
}

func (m *Metrics) frameDropped(relay string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(relay).Inc()
}

func (m *Metrics) frameStale(relay string) {
	if m == nil {
		return
	}
	m.framesStale.WithLabelValues(relay).Inc()
}

func (m *Metrics) invalidEvent(relay string) {
	if m == nil {
		return
	}
	m.invalidEvents.WithLabelValues(relay).Inc()
}

func (m *Metrics) published() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

func (m *Metrics) rejected(relay string) {
	if m == nil {
		return
	}
	m.publishRejected.WithLabelValues(relay).Inc()
}

func (m *Metrics) reconnect(relay string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(relay).Inc()
}

func (m *Metrics) pruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.subscriptionsPruned.Add(float64(n))
}
