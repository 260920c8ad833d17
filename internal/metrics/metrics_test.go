package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, opType, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "ledger_operations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["type"] == opType && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestLedgerObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLedger(reg)

	m.Observe("transfer", "committed", time.Now())
	m.Observe("transfer", "committed", time.Now())
	m.Observe("deposit", "rejected", time.Now())

	assert.Equal(t, 2.0, counterValue(t, reg, "transfer", "committed"))
	assert.Equal(t, 1.0, counterValue(t, reg, "deposit", "rejected"))
	assert.Equal(t, 0.0, counterValue(t, reg, "deposit", "committed"))
}

func TestNilLedgerIsNoop(t *testing.T) {
	var m *Ledger
	assert.NotPanics(t, func() { m.Observe("transfer", "committed", time.Now()) })
}
