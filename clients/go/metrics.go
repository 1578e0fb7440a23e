package iotguardgo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts gateway activity. A nil *Metrics records nothing.
type Metrics struct {
	renewals       *prometheus.CounterVec
	renewalWaiters prometheus.Counter
	replays        *prometheus.CounterVec
	sessionClears  *prometheus.CounterVec
	resourceLoads  *prometheus.CounterVec
}

// NewMetrics creates the gateway collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		renewals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iotguard",
			Subsystem: "gateway",
			Name:      "renewals_total",
			Help:      "Access token renewal calls issued, by outcome.",
		}, []string{"outcome"}),
		renewalWaiters: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "iotguard",
			Subsystem: "gateway",
			Name:      "renewal_waiters_total",
			Help:      "Requests that received the outcome of a renewal shared with other requests.",
		}),
		replays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iotguard",
			Subsystem: "gateway",
			Name:      "replays_total",
			Help:      "Requests re-dispatched after a 401, by what supplied the new token.",
		}, []string{"trigger"}),
		sessionClears: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iotguard",
			Subsystem: "gateway",
			Name:      "session_clears_total",
			Help:      "Sessions torn down by the gateway, by reason.",
		}, []string{"reason"}),
		resourceLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iotguard",
			Subsystem: "resource",
			Name:      "loads_total",
			Help:      "Authenticated resource fetches, by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) renewal(outcome string) {
	if m != nil {
		m.renewals.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) renewalWaiter() {
	if m != nil {
		m.renewalWaiters.Inc()
	}
}

func (m *Metrics) replay(trigger string) {
	if m != nil {
		m.replays.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) sessionCleared(reason string) {
	if m != nil {
		m.sessionClears.WithLabelValues(reason).Inc()
	}
}

// ResourceLoad records the outcome of an authenticated resource fetch.
func (m *Metrics) ResourceLoad(outcome string) {
	if m != nil {
		m.resourceLoads.WithLabelValues(outcome).Inc()
	}
}
