package gohook

import "errors"

var (
	// ErrInvalidSignature is returned when the webhook signature does not match the payload
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload is returned when a verified payload is not a valid event envelope
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrDomainNotFound is returned when an event references an entity the domain store does not know
	ErrDomainNotFound = errors.New("domain entity not found")

	// ErrDomainUpdateFailed is returned when the domain store fails to apply an update
	ErrDomainUpdateFailed = errors.New("domain update failed")

	// ErrHandlerTimeout is returned when an event handler exceeds its deadline
	ErrHandlerTimeout = errors.New("event handler timed out")

	// ErrHandlerPanic is returned when an event handler panics
	ErrHandlerPanic = errors.New("event handler panicked")

	// ErrEventRejected marks an event that can never be applied (e.g. invalid resource).
	// Rejected events are acknowledged and recorded, never retried.
	ErrEventRejected = errors.New("event rejected")

	// ErrReservationLost is returned when finalizing or releasing a reservation
	// that is no longer held by the caller
	ErrReservationLost = errors.New("reservation lost")

	// ErrReservationConflict is returned when another delivery of the same event is in flight
	ErrReservationConflict = errors.New("event is being processed by another delivery")

	// ErrStorageUnavailable is returned when the ledger storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidConfig is returned when a configuration fails validation
	ErrInvalidConfig = errors.New("invalid configuration")
)
