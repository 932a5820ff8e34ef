package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_ReadsWithoutResetting(t *testing.T) {
	c := New()
	c.Released.Add(3)
	c.OK.Add(5)

	snap := c.Snapshot()
	require.Equal(t, uint64(3), snap.Released)
	require.Equal(t, uint64(5), snap.OK)

	snap2 := c.Snapshot()
	require.Equal(t, snap, snap2, "Snapshot must not reset the counters")
}

func TestPrometheusEmitter_RegistersAndUpdatesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	emitter := NewPrometheusEmitter(reg, "test")

	c := New()
	c.Released.Add(7)
	emitter.Emit(c.Snapshot())

	metrics, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range metrics {
		if mf.GetName() == "test_queue_released_total" {
			found = true
			require.Equal(t, float64(7), mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	require.True(t, found, "queue_released_total gauge must be registered")
}
