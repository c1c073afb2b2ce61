package gohook

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to a backend that may become unavailable.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func() error) error

	// State returns the current state of the circuit breaker.
	State() BreakerState
}

// BreakerConfig configures a DefaultCircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit. Default: 5
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe is allowed. Default: 30s
	ResetTimeout time.Duration

	// IsFailure decides whether an error counts against the backend.
	// Default: every error except ErrReservationLost and context cancellation.
	IsFailure func(err error) bool

	// OnStateChange is called (under the breaker lock) whenever the state changes
	OnStateChange func(state BreakerState)
}

// DefaultCircuitBreaker is a consecutive-failure circuit breaker.
// In half-open state a single probe call is let through at a time.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	config              BreakerConfig
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

// NewDefaultCircuitBreaker creates a circuit breaker in the closed state.
func NewDefaultCircuitBreaker(config BreakerConfig) *DefaultCircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = isBackendFailure
	}
	return &DefaultCircuitBreaker{config: config, state: BreakerClosed}
}

// isBackendFailure ignores errors that say nothing about backend health.
func isBackendFailure(err error) bool {
	return !errors.Is(err, ErrReservationLost) && !errors.Is(err, context.Canceled)
}

// State implements CircuitBreaker.
func (cb *DefaultCircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() BreakerState {
	if cb.state == BreakerOpen && time.Since(cb.openedAt) >= cb.config.ResetTimeout {
		return BreakerHalfOpen
	}
	return cb.state
}

// Execute implements CircuitBreaker.
func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *DefaultCircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		cb.setState(BreakerHalfOpen)
	}
	return true
}

func (cb *DefaultCircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasProbe := cb.probing
	cb.probing = false

	if err == nil || !cb.config.IsFailure(err) {
		cb.consecutiveFailures = 0
		if cb.state != BreakerClosed {
			cb.setState(BreakerClosed)
		}
		return
	}

	cb.consecutiveFailures++
	if wasProbe || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.openedAt = time.Now()
		cb.setState(BreakerOpen)
	}
}

func (cb *DefaultCircuitBreaker) setState(state BreakerState) {
	if cb.state == state {
		return
	}
	cb.state = state
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(state)
	}
}

// CircuitBreakerStorage wraps ledger Storage with circuit breaker protection.
// An open circuit surfaces as ErrStorageUnavailable, so deliveries fail fast
// with a retryable response instead of piling up on a dead backend.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage wraps storage with cb.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{storage: storage, cb: cb}
}

func (s *CircuitBreakerStorage) Reserve(ctx context.Context, req *ReserveRequest) (*ProcessingRecord, bool, error) {
	var record *ProcessingRecord
	var reserved bool
	err := s.execute(ctx, func() error {
		var e error
		record, reserved, e = s.storage.Reserve(ctx, req)
		return e
	})
	return record, reserved, err
}

func (s *CircuitBreakerStorage) Finalize(ctx context.Context, eventID, token string, outcome Outcome,
	reason string, at time.Time) error {
	return s.execute(ctx, func() error {
		return s.storage.Finalize(ctx, eventID, token, outcome, reason, at)
	})
}

func (s *CircuitBreakerStorage) Release(ctx context.Context, eventID, token, reason string, at time.Time) error {
	return s.execute(ctx, func() error {
		return s.storage.Release(ctx, eventID, token, reason, at)
	})
}

func (s *CircuitBreakerStorage) GetRecord(ctx context.Context, eventID string) (*ProcessingRecord, error) {
	var record *ProcessingRecord
	err := s.execute(ctx, func() error {
		var e error
		record, e = s.storage.GetRecord(ctx, eventID)
		return e
	})
	return record, err
}

// Ping bypasses the breaker so readiness reflects the backend itself.
func (s *CircuitBreakerStorage) Ping(ctx context.Context) error {
	if p, ok := s.storage.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Now forwards to the wrapped storage's clock when it has one.
func (s *CircuitBreakerStorage) Now(ctx context.Context) (time.Time, error) {
	if ts, ok := s.storage.(TimeSource); ok {
		return ts.Now(ctx)
	}
	return time.Now().UTC(), nil
}

func (s *CircuitBreakerStorage) execute(ctx context.Context, fn func() error) error {
	err := s.cb.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return err
}
