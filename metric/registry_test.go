package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ambassador_rejections_total",
		Help: "test counter",
	})

	require.NoError(t, registry.RegisterCounter("ambassador", "rejections", counter))

	// Same key again is rejected.
	assert.Error(t, registry.RegisterCounter("ambassador", "rejections", counter))
}

func TestMetricsRegistry_DistinctStagesSameMetricName(t *testing.T) {
	registry := NewMetricsRegistry()

	a := prometheus.NewCounter(prometheus.CounterOpts{Name: "validator_retries_total", Help: "t"})
	b := prometheus.NewCounter(prometheus.CounterOpts{Name: "router_retries_total", Help: "t"})

	require.NoError(t, registry.RegisterCounter("validator", "retries", a))
	require.NoError(t, registry.RegisterCounter("router", "retries", b))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "router_queue_depth", Help: "t"})
	require.NoError(t, registry.RegisterGauge("router", "depth", gauge))

	assert.True(t, registry.Unregister("router", "depth"))
	assert.False(t, registry.Unregister("router", "depth"))

	// Can register again under the freed key.
	require.NoError(t, registry.RegisterGauge("router", "depth", gauge))
}

func TestMetricsRegistry_RegisterVecs(t *testing.T) {
	registry := NewMetricsRegistry()

	counterVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "store_writes_total", Help: "t"}, []string{"table"})
	histVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "store_write_seconds", Help: "t"}, []string{"table"})

	require.NoError(t, registry.RegisterCounterVec("store", "writes", counterVec))
	require.NoError(t, registry.RegisterHistogramVec("store", "write_duration", histVec))
}

func TestCoreMetrics_RecordMethods(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	// Exercise every recorder; panics would fail the test.
	core.RecordStageStatus("ambassador", 2)
	core.RecordEventReceived("ambassador", "entity.create")
	core.RecordEventProcessed("validator", "entity.create", "ok")
	core.RecordEventForwarded("router", "entity-work")
	core.RecordEventQuarantined("schema_violation")
	core.RecordStageDuration("validator", "validate", 0)
	core.RecordError("store", "transient")
	core.RecordHealthStatus("router", true)
	core.RecordNATSStatus(true)
	core.RecordNATSReconnect()
	core.RecordCircuitBreakerState(false)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
