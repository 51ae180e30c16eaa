package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == name {
			require.Len(t, fam.Metric, 1)
			return fam.Metric[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == name {
			require.Len(t, fam.Metric, 1)
			return fam.Metric[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestIncCreatesAndAccumulatesACounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	scope := NewPromScope(reg, "pkd", "ingest")

	require.NoError(t, scope.Inc("uploads_total", 1))
	require.NoError(t, scope.Inc("uploads_total", 2))

	assert.Equal(t, float64(3), counterValue(t, reg, "pkd_ingest_uploads_total"))
}

func TestGaugeSetsAbsoluteValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	scope := NewPromScope(reg, "pkd")

	require.NoError(t, scope.Gauge("queue_depth", 5))
	require.NoError(t, scope.Gauge("queue_depth", 2))

	assert.Equal(t, float64(2), gaugeValue(t, reg, "pkd_queue_depth"))
}

func TestGaugeDeltaAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	scope := NewPromScope(reg, "pkd")

	require.NoError(t, scope.GaugeDelta("in_flight", 3))
	require.NoError(t, scope.GaugeDelta("in_flight", -1))

	assert.Equal(t, float64(2), gaugeValue(t, reg, "pkd_in_flight"))
}

func TestSetIntOverwritesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	scope := NewPromScope(reg, "pkd")

	require.NoError(t, scope.SetInt("version", 7))
	require.NoError(t, scope.SetInt("version", 9))

	assert.Equal(t, float64(9), gaugeValue(t, reg, "pkd_version"))
}

func TestNewScopeNestsPrefixes(t *testing.T) {
	reg := prometheus.NewRegistry()
	root := NewPromScope(reg, "pkd")
	nested := root.NewScope("validate")

	require.NoError(t, nested.Inc("rejected", 1))

	assert.Equal(t, float64(1), counterValue(t, reg, "pkd_validate_rejected"))
}

func TestSanitizeMetricNameReplacesDisallowedCharacters(t *testing.T) {
	assert.Equal(t, "pkd_ingest_uploads_total", sanitizeMetricName("pkd.ingest.uploads_total"))
}

func TestNoopScopeNeverErrorsOrPanics(t *testing.T) {
	scope := NewNoopScope()
	assert.NoError(t, scope.Inc("x", 1))
	assert.NoError(t, scope.Gauge("x", 1))
	assert.NoError(t, scope.GaugeDelta("x", 1))
	assert.NoError(t, scope.Timing("x", 1))
	assert.NoError(t, scope.SetInt("x", 1))
	assert.NotPanics(t, func() { scope.MustRegister() })
	assert.Equal(t, scope, scope.NewScope("nested"))
}
