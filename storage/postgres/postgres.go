// Package postgres provides a PostgreSQL implementation of the gohook.Storage interface.
// The primary key on webhook_events is the serialization point: reservations are a single
// INSERT ... ON CONFLICT DO UPDATE ... WHERE statement, so concurrent deliveries of one
// event are decided by the database. The package also ships a PostgreSQL payments store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// Storage implements gohook.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema migrations on New
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	RecordTTL       time.Duration // How long completed and failed records are kept

	// Logger reports background cleanup failures; NoopLogger when nil
	Logger gohook.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		RecordTTL:       30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &gohook.NoopLogger{}
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if config.RecordTTL <= 0 {
		config.RecordTTL = DefaultConfig().RecordTTL
	}

	pool, err := NewPool(ctx, config)
	if err != nil {
		return nil, err
	}

	if config.AutoMigrate {
		if err := Migrate(config.ConnectionString); err != nil {
			pool.Close()
			return nil, err
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// NewPool opens and verifies a connection pool using config's pool settings.
func NewPool(ctx context.Context, config Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Pool returns the underlying connection pool, e.g. to share it with PaymentStore.
func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

const recordColumns = `event_id, event_type, state, outcome, token, attempts, last_error,
	reserved_at, lease_expires_at, processed_at`

// Reserve implements gohook.Storage
func (s *Storage) Reserve(ctx context.Context, req *gohook.ReserveRequest) (*gohook.ProcessingRecord, bool, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO webhook_events
			(event_id, event_type, state, outcome, token, attempts, last_error, reserved_at, lease_expires_at)
			VALUES ($1, $2, 'in_flight', '', $3, 1, '', $4, $5)
			ON CONFLICT (event_id) DO UPDATE SET
				event_type = EXCLUDED.event_type,
				state = 'in_flight',
				outcome = '',
				token = EXCLUDED.token,
				attempts = webhook_events.attempts + 1,
				reserved_at = EXCLUDED.reserved_at,
				lease_expires_at = EXCLUDED.lease_expires_at,
				processed_at = NULL
			WHERE webhook_events.state = 'failed'
				OR (webhook_events.state = 'in_flight' AND webhook_events.lease_expires_at <= EXCLUDED.reserved_at)
			RETURNING `+recordColumns,
		req.EventID, req.EventType, req.Token, req.Now, req.Now.Add(req.LeaseTTL),
	)

	record, err := scanRecord(row)
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to reserve event: %w", err)
	}

	// The conflict guard refused the takeover; report the holder's record.
	record, err = s.GetRecord(ctx, req.EventID)
	if err != nil {
		return nil, false, err
	}
	if record == nil {
		return nil, false, fmt.Errorf("failed to reserve event: record %s disappeared", req.EventID)
	}
	return record, false, nil
}

// Finalize implements gohook.Storage
func (s *Storage) Finalize(ctx context.Context, eventID, token string, outcome gohook.Outcome,
	reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events
			SET state = 'completed', outcome = $3, last_error = $4, processed_at = $5
			WHERE event_id = $1 AND token = $2 AND state = 'in_flight'`,
		eventID, token, string(outcome), reason, at,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gohook.ErrReservationLost
	}
	return nil
}

// Release implements gohook.Storage
func (s *Storage) Release(ctx context.Context, eventID, token, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events
			SET state = 'failed', outcome = 'failed', last_error = $3, lease_expires_at = $4
			WHERE event_id = $1 AND token = $2 AND state = 'in_flight'`,
		eventID, token, reason, at,
	)
	if err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gohook.ErrReservationLost
	}
	return nil
}

// GetRecord implements gohook.Storage
func (s *Storage) GetRecord(ctx context.Context, eventID string) (*gohook.ProcessingRecord, error) {
	record, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM webhook_events WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // Never seen
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event record: %w", err)
	}
	return record, nil
}

func scanRecord(row pgx.Row) (*gohook.ProcessingRecord, error) {
	var r gohook.ProcessingRecord
	var state, outcome string
	err := row.Scan(
		&r.EventID,
		&r.EventType,
		&state,
		&outcome,
		&r.Token,
		&r.Attempts,
		&r.LastError,
		&r.ReservedAt,
		&r.LeaseExpiresAt,
		&r.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	r.State = gohook.RecordState(state)
	r.Outcome = gohook.Outcome(outcome)
	r.ReservedAt = r.ReservedAt.UTC()
	r.LeaseExpiresAt = r.LeaseExpiresAt.UTC()
	if r.ProcessedAt != nil {
		at := r.ProcessedAt.UTC()
		r.ProcessedAt = &at
	}
	return &r, nil
}

// Now implements gohook.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to get database time: %w", err)
	}
	return now.UTC(), nil
}

// startCleanup runs periodic cleanup of old records until ctx is canceled by Close
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Cleanup(ctx)
			if err != nil {
				s.config.Logger.Warn("webhook ledger cleanup failed", gohook.Field{Key: "error", Value: err.Error()})
				continue
			}
			if removed > 0 {
				s.config.Logger.Debug("webhook ledger cleanup", gohook.Field{Key: "removed", Value: removed})
			}
		}
	}
}

// Cleanup deletes completed and failed records older than RecordTTL.
// In-flight records are never removed; their lease expiry handles recovery.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.RecordTTL)

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_events
			WHERE (state = 'completed' AND processed_at < $1)
				OR (state = 'failed' AND lease_expires_at < $1)`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
