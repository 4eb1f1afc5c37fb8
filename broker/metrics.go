package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the per-partition ingest and dispatch counters.
type Metrics struct {
	BatchesReceived  *prometheus.CounterVec
	EventsReceived   *prometheus.CounterVec
	EventsDispatched *prometheus.CounterVec
	Acknowledgements *prometheus.CounterVec
}

// NewMetrics registers the broker collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	labels := []string{"topic", "partition"}
	factory := promauto.With(reg)
	return &Metrics{
		BatchesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mofka_batches_received_total",
			Help: "Producer batches ingested per partition.",
		}, labels),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mofka_events_received_total",
			Help: "Events appended to partition logs.",
		}, labels),
		EventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mofka_events_dispatched_total",
			Help: "Events streamed to subscribed consumers.",
		}, labels),
		Acknowledgements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mofka_acknowledgements_total",
			Help: "Cursor acknowledgements processed.",
		}, labels),
	}
}
