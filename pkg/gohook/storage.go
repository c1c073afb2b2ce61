package gohook

import (
	"context"
	"time"
)

// Storage defines the interface for idempotency ledger persistence.
// Reserve is the only cross-request serialization point and must be atomic
// (a unique constraint, a Lua script, a transaction, or a mutex).
type Storage interface {
	// Reserve atomically claims req.EventID for req.Token.
	// The claim succeeds when no record exists, when the record is StateFailed,
	// or when an in-flight lease has expired; the returned record then carries
	// req.Token and reserved is true.
	// Otherwise the existing record is returned unchanged and reserved is false.
	Reserve(ctx context.Context, req *ReserveRequest) (record *ProcessingRecord, reserved bool, err error)

	// Finalize moves an in-flight record held by token to StateCompleted with the
	// given terminal outcome. Returns ErrReservationLost if token no longer holds it.
	Finalize(ctx context.Context, eventID, token string, outcome Outcome, reason string, at time.Time) error

	// Release reverts an in-flight record held by token to StateFailed so a later
	// delivery can retry. Returns ErrReservationLost if token no longer holds it.
	Release(ctx context.Context, eventID, token, reason string, at time.Time) error

	// GetRecord retrieves the record for eventID.
	// Returns nil if no record found (not an error)
	GetRecord(ctx context.Context, eventID string) (*ProcessingRecord, error)
}

// Pinger is implemented by storages that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TimeSource defines an interface for getting time from the storage engine.
// Ledger leases compare against this clock so that several service instances
// agree on expiry regardless of local clock skew.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}

// NextReservation computes the record after req claims existing at req.Now.
// It returns the existing record unchanged and false when the claim is refused.
// Storages that keep whole records (memory, Firestore) apply it inside their
// critical section.
func NextReservation(existing *ProcessingRecord, req *ReserveRequest) (*ProcessingRecord, bool) {
	if !existing.Reservable(req.Now) {
		return existing, false
	}
	next := &ProcessingRecord{
		EventID:        req.EventID,
		EventType:      req.EventType,
		State:          StateInFlight,
		Token:          req.Token,
		Attempts:       1,
		ReservedAt:     req.Now,
		LeaseExpiresAt: req.Now.Add(req.LeaseTTL),
	}
	if existing != nil {
		next.Attempts = existing.Attempts + 1
		next.LastError = existing.LastError
	}
	return next, true
}

// FinalizedRecord returns a copy of record completed with outcome by token.
func FinalizedRecord(record *ProcessingRecord, token string, outcome Outcome, reason string,
	at time.Time) (*ProcessingRecord, error) {
	if record == nil || record.State != StateInFlight || record.Token != token {
		return nil, ErrReservationLost
	}
	next := *record
	next.State = StateCompleted
	next.Outcome = outcome
	next.LastError = reason
	next.ProcessedAt = &at
	return &next, nil
}

// ReleasedRecord returns a copy of record reverted to StateFailed by token.
func ReleasedRecord(record *ProcessingRecord, token, reason string, at time.Time) (*ProcessingRecord, error) {
	if record == nil || record.State != StateInFlight || record.Token != token {
		return nil, ErrReservationLost
	}
	next := *record
	next.State = StateFailed
	next.Outcome = OutcomeFailed
	next.LastError = reason
	next.LeaseExpiresAt = at
	return &next, nil
}
