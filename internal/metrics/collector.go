// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the service's Prometheus metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Execution metrics
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionsActive  prometheus.Gauge

	// Agent metrics
	agentInvocationsTotal *prometheus.CounterVec
	agentDuration         *prometheus.HistogramVec
	handoffsTotal         *prometheus.CounterVec

	// Admission metrics
	admissionRejectionsTotal *prometheus.CounterVec
	breakerTransitionsTotal  *prometheus.CounterVec
	resourceViolationsTotal  prometheus.Counter

	// Stream metrics
	eventsPublishedTotal *prometheus.CounterVec
	consumersActive      prometheus.Gauge
	heartbeatsTotal      prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a collector registered against reg. A nil reg
// uses the default Prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of swarm executions by terminal status",
		},
		[]string{"status"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Swarm execution duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	c.executionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_active",
			Help:      "Number of currently running swarm executions",
		},
	)

	c.agentInvocationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_invocations_total",
			Help:      "Total number of agent invocations",
		},
		[]string{"agent", "status"},
	)

	c.agentDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_invocation_duration_seconds",
			Help:      "Agent invocation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent"},
	)

	c.handoffsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Total number of handoff decisions by outcome",
		},
		[]string{"outcome"},
	)

	c.admissionRejectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Total number of agent admission rejections by reason",
		},
		[]string{"reason"},
	)

	c.breakerTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"to_state"},
	)

	c.resourceViolationsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_violations_total",
			Help:      "Total number of resource budget violations",
		},
	)

	c.eventsPublishedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of stream events published",
		},
		[]string{"type"},
	)

	c.consumersActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_consumers_active",
			Help:      "Number of currently attached stream consumers",
		},
	)

	c.heartbeatsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeat events emitted",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ExecutionStarted increments the active-execution gauge.
func (c *Collector) ExecutionStarted() {
	if c == nil {
		return
	}
	c.executionsActive.Inc()
}

// ExecutionFinished records a terminal execution.
func (c *Collector) ExecutionFinished(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.executionsActive.Dec()
	c.executionsTotal.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordAgentInvocation records one agent invocation.
func (c *Collector) RecordAgentInvocation(agent, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.agentInvocationsTotal.WithLabelValues(agent, status).Inc()
	c.agentDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordHandoff records one handoff decision outcome: accepted,
// rejected_target, rejected_limit or rejected_repetition.
func (c *Collector) RecordHandoff(outcome string) {
	if c == nil {
		return
	}
	c.handoffsTotal.WithLabelValues(outcome).Inc()
}

// RecordAdmissionRejection records one admission rejection.
func (c *Collector) RecordAdmissionRejection(reason string) {
	if c == nil {
		return
	}
	c.admissionRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordBreakerTransition records a circuit breaker state change.
func (c *Collector) RecordBreakerTransition(toState string) {
	if c == nil {
		return
	}
	c.breakerTransitionsTotal.WithLabelValues(toState).Inc()
}

// RecordResourceViolation records one resource budget violation.
func (c *Collector) RecordResourceViolation() {
	if c == nil {
		return
	}
	c.resourceViolationsTotal.Inc()
}

// RecordEventPublished records one published stream event.
func (c *Collector) RecordEventPublished(eventType string) {
	if c == nil {
		return
	}
	c.eventsPublishedTotal.WithLabelValues(eventType).Inc()
	if eventType == "heartbeat" {
		c.heartbeatsTotal.Inc()
	}
}

// ConsumerAttached increments the active-consumer gauge.
func (c *Collector) ConsumerAttached() {
	if c == nil {
		return
	}
	c.consumersActive.Inc()
}

// ConsumerDetached decrements the active-consumer gauge.
func (c *Collector) ConsumerDetached() {
	if c == nil {
		return
	}
	c.consumersActive.Dec()
}

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
