package cdc

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type assemblerMetrics struct {
	transactions *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	records      *prometheus.CounterVec
	invalidated  *prometheus.CounterVec
}

func newAssemblerMetrics() *assemblerMetrics {
	return &assemblerMetrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livedata",
			Subsystem: "assembler",
			Name:      "transactions_total",
			Help:      "Source transactions ended, by outcome.",
		}, []string{"outcome"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livedata",
			Subsystem: "assembler",
			Name:      "statements_skipped_total",
			Help:      "Statements that produced no record, by reason.",
		}, []string{"reason"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livedata",
			Subsystem: "assembler",
			Name:      "records_submitted_total",
			Help:      "Change records submitted on commit, by action.",
		}, []string{"action"}),
		invalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livedata",
			Subsystem: "assembler",
			Name:      "tables_invalidated_total",
			Help:      "Tables sent an Error record because a statement's rows could not be identified, by statement kind.",
		}, []string{"kind"}),
	}
}

func (m *assemblerMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.transactions, m.skipped, m.records, m.invalidated} {
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
