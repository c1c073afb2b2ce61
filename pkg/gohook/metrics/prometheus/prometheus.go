package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements gohook.Metrics using Prometheus.
type Metrics struct {
	eventsTotal                *prometheus.CounterVec
	processingDuration         *prometheus.HistogramVec
	signatureFailuresTotal     prometheus.Counter
	handlerDuration            *prometheus.HistogramVec
	ledgerOpsTotal             *prometheus.CounterVec
	ledgerOpsDuration          *prometheus.HistogramVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of webhook deliveries by event type and result.",
		}, []string{"event_type", "result"}),

		processingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_duration_seconds",
			Help:      "End-to-end latency of webhook deliveries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		signatureFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_signature_failures_total",
			Help:      "Total number of deliveries rejected by signature verification.",
		}),

		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_handler_duration_seconds",
			Help:      "Latency of event handlers by dispatch outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type", "outcome"}),

		ledgerOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_ledger_operations_total",
			Help:      "Total number of idempotency ledger operations.",
		}, []string{"operation", "status"}),

		ledgerOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_ledger_operation_duration_seconds",
			Help:      "Latency of idempotency ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_circuit_breaker_state_changes_total",
			Help:      "Total number of ledger circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, result string) {
	m.eventsTotal.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) RecordProcessingDuration(eventType string, duration time.Duration) {
	m.processingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordSignatureFailure() {
	m.signatureFailuresTotal.Inc()
}

func (m *Metrics) RecordHandlerDuration(eventType, outcome string, duration time.Duration) {
	m.handlerDuration.WithLabelValues(eventType, outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordLedgerOperation(operation string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ledgerOpsTotal.WithLabelValues(operation, status).Inc()
	m.ledgerOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
