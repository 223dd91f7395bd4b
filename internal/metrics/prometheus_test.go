package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.FramesSent.Inc()
	m.TurnsCommitted.WithLabelValues("user").Inc()
	m.TurnsCommitted.WithLabelValues("user").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TurnsCommitted.WithLabelValues("user")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	// Two registries must not collide on metric names.
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
