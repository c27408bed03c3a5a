package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway's Prometheus collectors.
type Metrics struct {
	Connections      prometheus.Gauge
	AuthResults      *prometheus.CounterVec
	EventsEmitted    *prometheus.CounterVec
	EventsDelivered  prometheus.Counter
	EventsDropped    prometheus.Counter
	ScopeJoinsDenied prometheus.Counter
}

// NewMetrics registers the gateway collectors with reg. Pass
// prometheus.NewRegistry() in tests to keep registrations isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "waybill_ws_connections",
			Help: "Currently open realtime connections.",
		}),
		AuthResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waybill_ws_auth_results_total",
			Help: "Authentication outcomes by result (ok, expired, invalid, missing, reauth_ok, reauth_failed).",
		}, []string{"result"}),
		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waybill_ws_events_emitted_total",
			Help: "Events published by the business layer, by kind.",
		}, []string{"kind"}),
		EventsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "waybill_ws_events_delivered_total",
			Help: "Event frames enqueued to subscriber connections.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "waybill_ws_events_dropped_total",
			Help: "Event frames dropped because a subscriber queue was full or closing.",
		}),
		ScopeJoinsDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "waybill_ws_scope_joins_denied_total",
			Help: "Scope join requests dropped by the authorization check.",
		}),
	}
}
