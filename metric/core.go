// Package metric provides Prometheus metrics for the registration
// pipeline: shared pipeline-level metrics plus a registry where each
// stage registers its own instruments under a unique name.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric this module exposes.
const Namespace = "ifcrpc"

// Metrics contains the pipeline-level metrics every stage shares.
type Metrics struct {
	StageStatus       *prometheus.GaugeVec
	EventsReceived    *prometheus.CounterVec
	EventsProcessed   *prometheus.CounterVec
	EventsForwarded   *prometheus.CounterVec
	EventsQuarantined *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	HealthCheckStatus *prometheus.GaugeVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		StageStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "stage",
				Name:      "status",
				Help:      "Stage status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"stage"},
		),

		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "received_total",
				Help:      "Total number of events received",
			},
			[]string{"stage", "type"},
		),

		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "processed_total",
				Help:      "Total number of events processed",
			},
			[]string{"stage", "type", "status"},
		),

		EventsForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "forwarded_total",
				Help:      "Total number of events forwarded to a downstream queue",
			},
			[]string{"stage", "queue"},
		),

		EventsQuarantined: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "quarantined_total",
				Help:      "Total number of events diverted to quarantine",
			},
			[]string{"reason"},
		),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "stage",
				Name:      "duration_seconds",
				Help:      "Event handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"stage", "class"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"stage"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

// RecordStageStatus updates the stage status gauge
func (c *Metrics) RecordStageStatus(stage string, status int) {
	c.StageStatus.WithLabelValues(stage).Set(float64(status))
}

// RecordEventReceived increments the received event counter
func (c *Metrics) RecordEventReceived(stage, eventType string) {
	c.EventsReceived.WithLabelValues(stage, eventType).Inc()
}

// RecordEventProcessed increments the processed event counter
func (c *Metrics) RecordEventProcessed(stage, eventType, status string) {
	c.EventsProcessed.WithLabelValues(stage, eventType, status).Inc()
}

// RecordEventForwarded increments the forwarded event counter
func (c *Metrics) RecordEventForwarded(stage, queue string) {
	c.EventsForwarded.WithLabelValues(stage, queue).Inc()
}

// RecordEventQuarantined increments the quarantine counter
func (c *Metrics) RecordEventQuarantined(reason string) {
	c.EventsQuarantined.WithLabelValues(reason).Inc()
}

// RecordStageDuration records event handling time
func (c *Metrics) RecordStageDuration(stage, operation string, duration time.Duration) {
	c.StageDuration.WithLabelValues(stage, operation).Observe(duration.Seconds())
}

// RecordError increments the error counter
func (c *Metrics) RecordError(stage, class string) {
	c.ErrorsTotal.WithLabelValues(stage, class).Inc()
}

// RecordHealthStatus updates the health check gauge
func (c *Metrics) RecordHealthStatus(stage string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(stage).Set(value)
}

// RecordNATSStatus updates the NATS connection gauge
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments the reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates the circuit breaker gauge
func (c *Metrics) RecordCircuitBreakerState(open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	c.NATSCircuitBreaker.Set(value)
}
