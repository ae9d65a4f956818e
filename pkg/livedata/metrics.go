package livedata

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dispatcher's prometheus collectors
type Metrics struct {
	queued      *prometheus.CounterVec
	processed   *prometheus.CounterVec
	dispatchErr prometheus.Counter
	fetchErr    prometheus.Counter
	queueDepth  prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livedata",
			Name:      "dispatch_queued_total",
			Help:      "Items submitted to the dispatch queue by kind.",
		}, []string{"kind"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livedata",
			Name:      "dispatch_items_total",
			Help:      "Items taken off the dispatch queue by kind.",
		}, []string{"kind"}),
		dispatchErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livedata",
			Name:      "dispatch_errors_total",
			Help:      "Queue items whose processing failed.",
		}),
		fetchErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livedata",
			Name:      "fetch_errors_total",
			Help:      "Backend fetches answered with an Error record.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livedata",
			Name:      "dispatch_queue_depth",
			Help:      "Items waiting in the dispatch queue.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.queued, m.processed, m.dispatchErr, m.fetchErr, m.queueDepth}
}

// register adds the collectors to reg. A name already registered by another dispatcher is skipped
// and that collector stays local to this dispatcher.
func (m *Metrics) register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
