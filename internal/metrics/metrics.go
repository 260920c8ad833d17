package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ledger records engine outcomes. A nil *Ledger is valid and records nothing.
type Ledger struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewLedger registers the ledger collectors with reg.
func NewLedger(reg prometheus.Registerer) *Ledger {
	factory := promauto.With(reg)
	return &Ledger{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Total number of ledger operations by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Duration of ledger operations",
				Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"type"},
		),
	}
}

func (l *Ledger) Observe(opType, outcome string, started time.Time) {
	if l == nil {
		return
	}
	l.operations.WithLabelValues(opType, outcome).Inc()
	l.duration.WithLabelValues(opType).Observe(time.Since(started).Seconds())
}
