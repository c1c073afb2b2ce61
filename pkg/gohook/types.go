package gohook

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of a webhook event.
// The set of known types is closed; anything else parses as EventUnrecognized.
type EventType string

const (
	EventChargeSucceeded      EventType = "charge.succeeded"
	EventChargeFailed         EventType = "charge.failed"
	EventChargeRefunded       EventType = "charge.refunded"
	EventSubscriptionRenewed  EventType = "subscription.renewed"
	EventSubscriptionCanceled EventType = "subscription.canceled"

	// EventUnrecognized is the catch-all for event types this build does not know.
	EventUnrecognized EventType = "unrecognized"
)

var knownEventTypes = map[EventType]struct{}{
	EventChargeSucceeded:      {},
	EventChargeFailed:         {},
	EventChargeRefunded:       {},
	EventSubscriptionRenewed:  {},
	EventSubscriptionCanceled: {},
}

// KnownEventTypes returns every recognized event type.
func KnownEventTypes() []EventType {
	return []EventType{
		EventChargeSucceeded,
		EventChargeFailed,
		EventChargeRefunded,
		EventSubscriptionRenewed,
		EventSubscriptionCanceled,
	}
}

// ParseEventType maps a wire value to an EventType, returning EventUnrecognized
// for values outside the known set.
func ParseEventType(raw string) EventType {
	t := EventType(raw)
	if _, ok := knownEventTypes[t]; ok {
		return t
	}
	return EventUnrecognized
}

// Known reports whether t is one of the recognized event types.
func (t EventType) Known() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// RawRequest is a single inbound webhook delivery as received over HTTP.
type RawRequest struct {
	// Body is the exact request body; signatures are computed over these bytes
	Body []byte

	// Signature is the value of the configured signature header
	Signature string

	// ReceivedAt is the arrival time of the request
	ReceivedAt time.Time
}

// WebhookEvent is a verified, parsed event envelope. It is never mutated after parsing.
type WebhookEvent struct {
	// ID is stable across redeliveries of the same logical event
	ID string

	// Type is the recognized event type, or EventUnrecognized
	Type EventType

	// RawType is the type string exactly as delivered
	RawType string

	// OccurredAt is when the event happened at the sender
	OccurredAt time.Time

	// Resource is the type-specific payload
	Resource json.RawMessage
}

// RecordState is the lifecycle state of a ProcessingRecord.
type RecordState string

const (
	// StateInFlight means a delivery holds the reservation and is dispatching
	StateInFlight RecordState = "in_flight"

	// StateFailed means the last attempt failed; the next delivery may retry
	StateFailed RecordState = "failed"

	// StateCompleted means the event reached a terminal outcome and will never be re-run
	StateCompleted RecordState = "completed"
)

// Outcome is the recorded result of processing an event.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// Terminal reports whether the outcome closes the record for good.
func (o Outcome) Terminal() bool {
	return o == OutcomeApplied || o == OutcomeRejected
}

// ProcessingRecord is the ledger entry for one event id.
type ProcessingRecord struct {
	EventID   string      `json:"event_id"`
	EventType string      `json:"event_type"`
	State     RecordState `json:"state"`
	Outcome   Outcome     `json:"outcome,omitempty"`

	// Token identifies the delivery currently (or last) holding the reservation
	Token    string `json:"token"`
	Attempts int    `json:"attempts"`

	// LastError is the reason of the last failure or rejection
	LastError string `json:"last_error,omitempty"`

	ReservedAt     time.Time  `json:"reserved_at"`
	LeaseExpiresAt time.Time  `json:"lease_expires_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

// Completed reports whether the record holds a terminal outcome.
func (r *ProcessingRecord) Completed() bool {
	return r != nil && r.State == StateCompleted
}

// Reservable reports whether a new delivery may take over the record at time now.
func (r *ProcessingRecord) Reservable(now time.Time) bool {
	if r == nil {
		return true
	}
	switch r.State {
	case StateFailed:
		return true
	case StateInFlight:
		return !now.Before(r.LeaseExpiresAt)
	default:
		return false
	}
}

// ReserveRequest asks storage to reserve an event id for processing.
type ReserveRequest struct {
	EventID   string
	EventType string

	// Token is the caller's reservation token; it must be unique per delivery
	Token string

	// Now is the reservation time as seen by the ledger clock
	Now time.Time

	// LeaseTTL bounds how long the reservation is honored without finalization
	LeaseTTL time.Duration
}
