package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/PolygramInfo/IFC-RPC/errors"
)

// MetricsRegistrar is the interface stages use to register their own metrics
type MetricsRegistrar interface {
	RegisterCounter(stageName, metricName string, counter prometheus.Counter) error
	RegisterGauge(stageName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(stageName, metricName string, histogram prometheus.Histogram) error
	RegisterCounterVec(stageName, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(stageName, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(stageName, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(stageName, metricName string) bool
}

// MetricsRegistry manages the registration and lifecycle of metrics
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a metrics registry with the pipeline metrics
// and Go runtime collectors pre-registered.
func NewMetricsRegistry() *MetricsRegistry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &MetricsRegistry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.Metrics = NewMetrics()
	registry.registerCoreMetrics()

	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the shared pipeline metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

// register adds a collector under a stage-scoped key, rejecting
// duplicates both locally and at the Prometheus layer.
func (r *MetricsRegistry) register(stageName, metricName, method string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", stageName, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for stage %s", metricName, stageName),
			"MetricsRegistry", method, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "MetricsRegistry", method,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "MetricsRegistry", method, "register with prometheus")
	}

	r.registeredMetrics[key] = collector
	return nil
}

// RegisterCounter registers a counter metric for a stage
func (r *MetricsRegistry) RegisterCounter(stageName, metricName string, counter prometheus.Counter) error {
	return r.register(stageName, metricName, "RegisterCounter", counter)
}

// RegisterGauge registers a gauge metric for a stage
func (r *MetricsRegistry) RegisterGauge(stageName, metricName string, gauge prometheus.Gauge) error {
	return r.register(stageName, metricName, "RegisterGauge", gauge)
}

// RegisterHistogram registers a histogram metric for a stage
func (r *MetricsRegistry) RegisterHistogram(stageName, metricName string, histogram prometheus.Histogram) error {
	return r.register(stageName, metricName, "RegisterHistogram", histogram)
}

// RegisterCounterVec registers a counter vector metric for a stage
func (r *MetricsRegistry) RegisterCounterVec(stageName, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(stageName, metricName, "RegisterCounterVec", counterVec)
}

// RegisterGaugeVec registers a gauge vector metric for a stage
func (r *MetricsRegistry) RegisterGaugeVec(stageName, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register(stageName, metricName, "RegisterGaugeVec", gaugeVec)
}

// RegisterHistogramVec registers a histogram vector metric for a stage
func (r *MetricsRegistry) RegisterHistogramVec(
	stageName, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.register(stageName, metricName, "RegisterHistogramVec", histogramVec)
}

// Unregister removes a metric from the registry
func (r *MetricsRegistry) Unregister(stageName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", stageName, metricName)

	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	success := r.prometheusRegistry.Unregister(collector)
	if success {
		delete(r.registeredMetrics, key)
	}

	return success
}

func (r *MetricsRegistry) registerCoreMetrics() {
	r.prometheusRegistry.MustRegister(
		r.Metrics.StageStatus,
		r.Metrics.EventsReceived,
		r.Metrics.EventsProcessed,
		r.Metrics.EventsForwarded,
		r.Metrics.EventsQuarantined,
		r.Metrics.StageDuration,
		r.Metrics.ErrorsTotal,
		r.Metrics.HealthCheckStatus,
		r.Metrics.NATSConnected,
		r.Metrics.NATSReconnects,
		r.Metrics.NATSCircuitBreaker,
	)
}
