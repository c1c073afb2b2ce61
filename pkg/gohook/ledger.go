package gohook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReserveStatus is the result of Ledger.CheckAndReserve.
type ReserveStatus string

const (
	// ReserveFresh means the caller holds the reservation and must dispatch, then Finalize or Release
	ReserveFresh ReserveStatus = "fresh"

	// ReserveAlreadyProcessed means the event reached a terminal outcome earlier; do not dispatch
	ReserveAlreadyProcessed ReserveStatus = "already_processed"

	// ReserveConflict means another delivery still holds the reservation after waiting
	ReserveConflict ReserveStatus = "conflict"
)

// Reservation is the caller's view of a ledger reservation attempt.
type Reservation struct {
	Status  ReserveStatus
	EventID string

	// Record is the stored record after the attempt
	Record *ProcessingRecord

	token string
}

// Outcome returns the recorded outcome for an already processed event.
func (r *Reservation) Outcome() Outcome {
	if r == nil || r.Record == nil {
		return ""
	}
	return r.Record.Outcome
}

// LedgerConfig configures the idempotency ledger.
type LedgerConfig struct {
	// LeaseTTL is how long a reservation is honored without being finalized.
	// A crashed delivery's reservation becomes reclaimable after this.
	// Must exceed the handler timeout. Default: 30s
	LeaseTTL time.Duration

	// WaitTimeout is how long a delivery waits for a concurrent delivery of the same
	// event to finish before reporting a conflict. Zero or negative disables waiting.
	// Default: 2s
	WaitTimeout time.Duration

	// PollInterval is the interval between reservation attempts while waiting. Default: 50ms
	PollInterval time.Duration

	// OperationTimeout bounds each storage call. Default: 5s
	OperationTimeout time.Duration

	// TimeSource optionally supplies the clock used for leases (e.g. Redis TIME)
	TimeSource TimeSource

	// Logger is optional; NoopLogger when nil
	Logger Logger

	// Metrics is optional; NoopMetrics when nil
	Metrics Metrics
}

// DefaultLedgerConfig returns a LedgerConfig with sensible defaults
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		LeaseTTL:         30 * time.Second,
		WaitTimeout:      2 * time.Second,
		PollInterval:     50 * time.Millisecond,
		OperationTimeout: 5 * time.Second,
	}
}

// Ledger tracks which event ids have been processed.
type Ledger struct {
	storage  Storage
	config   LedgerConfig
	logger   Logger
	metrics  Metrics
	newToken func() string
}

// NewLedger creates a ledger over storage.
func NewLedger(storage Storage, config LedgerConfig) (*Ledger, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: ledger storage is required", ErrInvalidConfig)
	}
	defaults := DefaultLedgerConfig()
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = defaults.LeaseTTL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = defaults.OperationTimeout
	}

	l := &Ledger{
		storage:  storage,
		config:   config,
		logger:   config.Logger,
		metrics:  config.Metrics,
		newToken: uuid.NewString,
	}
	if l.logger == nil {
		l.logger = &NoopLogger{}
	}
	if l.metrics == nil {
		l.metrics = &NoopMetrics{}
	}
	return l, nil
}

// LeaseTTL returns the configured reservation lease.
func (l *Ledger) LeaseTTL() time.Duration {
	return l.config.LeaseTTL
}

// Storage returns the underlying storage.
func (l *Ledger) Storage() Storage {
	return l.storage
}

// CheckAndReserve atomically reserves event.ID for this delivery.
//
// It returns ReserveFresh when the caller won the reservation, ReserveAlreadyProcessed
// when a terminal record exists, and ReserveConflict when a concurrent delivery still
// holds the reservation after WaitTimeout. While waiting, a reservation released by a
// failed concurrent delivery is taken over.
func (l *Ledger) CheckAndReserve(ctx context.Context, event *WebhookEvent) (*Reservation, error) {
	if event == nil || event.ID == "" {
		return nil, fmt.Errorf("%w: event id is required", ErrMalformedPayload)
	}

	token := l.newToken()
	start := time.Now()

	for {
		record, reserved, err := l.reserve(ctx, event, token)
		if err != nil {
			return nil, err
		}

		switch {
		case reserved:
			return &Reservation{Status: ReserveFresh, EventID: event.ID, Record: record, token: token}, nil
		case record.Completed():
			return &Reservation{Status: ReserveAlreadyProcessed, EventID: event.ID, Record: record}, nil
		}

		if l.config.WaitTimeout <= 0 || time.Since(start) >= l.config.WaitTimeout {
			l.logger.Warn("webhook event reservation conflict",
				Field{"event_id", event.ID},
				Field{"attempts", record.Attempts},
				Field{"lease_expires_at", record.LeaseExpiresAt},
			)
			return &Reservation{Status: ReserveConflict, EventID: event.ID, Record: record}, nil
		}

		timer := time.NewTimer(l.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Ledger) reserve(ctx context.Context, event *WebhookEvent, token string) (*ProcessingRecord, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, l.config.OperationTimeout)
	defer cancel()

	start := time.Now()
	record, reserved, err := l.storage.Reserve(opCtx, &ReserveRequest{
		EventID:   event.ID,
		EventType: event.RawType,
		Token:     token,
		Now:       l.now(opCtx),
		LeaseTTL:  l.config.LeaseTTL,
	})
	l.metrics.RecordLedgerOperation("reserve", time.Since(start), err)
	if err != nil {
		return nil, false, fmt.Errorf("reserve event %s: %w", event.ID, err)
	}
	if record == nil {
		return nil, false, fmt.Errorf("reserve event %s: storage returned no record", event.ID)
	}
	return record, reserved, nil
}

// Finalize completes a fresh reservation with a terminal outcome.
func (l *Ledger) Finalize(ctx context.Context, res *Reservation, outcome Outcome, reason string) error {
	if res == nil || res.Status != ReserveFresh {
		return fmt.Errorf("finalize: %w", ErrReservationLost)
	}
	if !outcome.Terminal() {
		return fmt.Errorf("finalize event %s: outcome %q is not terminal", res.EventID, outcome)
	}

	opCtx, cancel := context.WithTimeout(ctx, l.config.OperationTimeout)
	defer cancel()

	start := time.Now()
	err := l.storage.Finalize(opCtx, res.EventID, res.token, outcome, reason, l.now(opCtx))
	l.metrics.RecordLedgerOperation("finalize", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("finalize event %s: %w", res.EventID, err)
	}
	return nil
}

// Release reverts a fresh reservation so a later delivery can retry the event.
func (l *Ledger) Release(ctx context.Context, res *Reservation, cause error) error {
	if res == nil || res.Status != ReserveFresh {
		return fmt.Errorf("release: %w", ErrReservationLost)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	opCtx, cancel := context.WithTimeout(ctx, l.config.OperationTimeout)
	defer cancel()

	start := time.Now()
	err := l.storage.Release(opCtx, res.EventID, res.token, reason, l.now(opCtx))
	l.metrics.RecordLedgerOperation("release", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("release event %s: %w", res.EventID, err)
	}
	return nil
}

// Lookup returns the stored record for eventID, or nil if the event was never seen.
func (l *Ledger) Lookup(ctx context.Context, eventID string) (*ProcessingRecord, error) {
	opCtx, cancel := context.WithTimeout(ctx, l.config.OperationTimeout)
	defer cancel()

	start := time.Now()
	record, err := l.storage.GetRecord(opCtx, eventID)
	l.metrics.RecordLedgerOperation("get", time.Since(start), err)
	return record, err
}

// Ping checks the storage health when the storage supports it.
func (l *Ledger) Ping(ctx context.Context) error {
	if p, ok := l.storage.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (l *Ledger) now(ctx context.Context) time.Time {
	if l.config.TimeSource != nil {
		t, err := l.config.TimeSource.Now(ctx)
		if err == nil {
			return t.UTC()
		}
		if !errors.Is(err, context.Canceled) {
			l.logger.Warn("ledger time source failed, using local clock", Field{"error", err.Error()})
		}
	}
	return time.Now().UTC()
}
