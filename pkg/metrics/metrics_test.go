package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ContributionsTotal.WithLabelValues("circuitA", "true").Inc()
	m.VerificationSeconds.WithLabelValues("circuitA", "CF").Observe(1.5)
	m.QueueDepth.WithLabelValues("circuitA").Set(3)
	m.TimeoutsTotal.WithLabelValues("BLOCKING_CONTRIBUTION").Inc()
	m.ActiveCeremonies.Set(2)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
