package gohook

import "time"

// Metrics defines the interface for tracking webhook ingestion.
type Metrics interface {
	// RecordWebhookEvent records the final result of one delivery.
	// result is one of the Result kinds (e.g. "applied", "duplicate", "invalid_signature").
	RecordWebhookEvent(eventType, result string)

	// RecordProcessingDuration records the end-to-end duration of one delivery.
	RecordProcessingDuration(eventType string, duration time.Duration)

	// RecordSignatureFailure records a delivery rejected by the signature verifier.
	RecordSignatureFailure()

	// RecordHandlerDuration records how long an event handler ran and its dispatch outcome.
	RecordHandlerDuration(eventType, outcome string, duration time.Duration)

	// RecordLedgerOperation records the duration and status of a ledger storage operation.
	RecordLedgerOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(eventType, result string)                               {}
func (n *NoopMetrics) RecordProcessingDuration(eventType string, duration time.Duration)         {}
func (n *NoopMetrics) RecordSignatureFailure()                                                   {}
func (n *NoopMetrics) RecordHandlerDuration(eventType, outcome string, duration time.Duration)   {}
func (n *NoopMetrics) RecordLedgerOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                              {}
