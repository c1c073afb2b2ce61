// Package tiered provides a Hot/Cold tiered ledger storage. Cold (e.g. Postgres,
// Firestore) is the only reservation authority; Hot (e.g. Redis, Memory) caches
// completed records so that redeliveries of processed events are answered
// without touching Cold.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// warmLease bounds the transient hot reservation used to copy a completed record.
const warmLease = time.Minute

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache of completed records (e.g., Redis, Memory)
	Hot gohook.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold gohook.Storage

	// AsyncWarm copies completed records to Hot in the background instead of
	// inline with Finalize.
	AsyncWarm bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot operation fails.
	// Hot failures never fail the request; this is where drift becomes visible.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered ledger.
// - Read-Through: GetRecord and Reserve consult Hot for completed records, then Cold
// - Cold-Only: Reserve, Finalize and Release transitions
// - Write-Behind: completed records are copied to Hot after Finalize
type Storage struct {
	hot  gohook.Storage
	cold gohook.Storage
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncWarm {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncWarm {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// Reserve implements gohook.Storage. A completed record in Hot answers immediately;
// everything else is decided by Cold.
func (s *Storage) Reserve(ctx context.Context, req *gohook.ReserveRequest) (*gohook.ProcessingRecord, bool, error) {
	if cached := s.hotCompleted(ctx, req.EventID); cached != nil {
		return cached, false, nil
	}

	record, reserved, err := s.cold.Reserve(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if !reserved && record.Completed() {
		s.warm(record)
	}
	return record, reserved, nil
}

// Finalize implements gohook.Storage with write-through to Cold, then warms Hot.
func (s *Storage) Finalize(ctx context.Context, eventID, token string, outcome gohook.Outcome,
	reason string, at time.Time) error {
	if err := s.cold.Finalize(ctx, eventID, token, outcome, reason, at); err != nil {
		return err
	}

	record, err := s.cold.GetRecord(ctx, eventID)
	if err != nil || record == nil {
		s.report(fmt.Errorf("read back finalized record %s: %v", eventID, err))
		return nil
	}
	s.warm(record)
	return nil
}

// Release implements gohook.Storage. Hot never holds non-terminal records.
func (s *Storage) Release(ctx context.Context, eventID, token, reason string, at time.Time) error {
	return s.cold.Release(ctx, eventID, token, reason, at)
}

// GetRecord implements gohook.Storage with read-through strategy.
func (s *Storage) GetRecord(ctx context.Context, eventID string) (*gohook.ProcessingRecord, error) {
	if cached := s.hotCompleted(ctx, eventID); cached != nil {
		return cached, nil
	}

	record, err := s.cold.GetRecord(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if record.Completed() {
		s.warm(record)
	}
	return record, nil
}

func (s *Storage) hotCompleted(ctx context.Context, eventID string) *gohook.ProcessingRecord {
	record, err := s.hot.GetRecord(ctx, eventID)
	if err != nil {
		s.report(fmt.Errorf("hot lookup %s: %w", eventID, err))
		return nil
	}
	if !record.Completed() {
		return nil
	}
	return record
}

// warm copies a completed record into Hot by replaying its reservation and finalization.
func (s *Storage) warm(record *gohook.ProcessingRecord) {
	job := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, reserved, err := s.hot.Reserve(ctx, &gohook.ReserveRequest{
			EventID:   record.EventID,
			EventType: record.EventType,
			Token:     record.Token,
			Now:       time.Now().UTC(),
			LeaseTTL:  warmLease,
		})
		if err != nil {
			return fmt.Errorf("hot reserve %s: %w", record.EventID, err)
		}
		if !reserved {
			return nil // Already cached
		}

		at := time.Now().UTC()
		if record.ProcessedAt != nil {
			at = *record.ProcessedAt
		}
		if err := s.hot.Finalize(ctx, record.EventID, record.Token, record.Outcome, record.LastError, at); err != nil {
			return fmt.Errorf("hot finalize %s: %w", record.EventID, err)
		}
		return nil
	}

	if !s.conf.AsyncWarm {
		s.report(job())
		return
	}

	select {
	case s.syncQueue <- job:
	default:
		s.report(fmt.Errorf("sync queue full, dropped warm of %s", record.EventID))
	}
}

// --- TimeSource Support ---

// Now uses Cold store time, since Cold decides lease expiry.
// Falls back to Hot, then local time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	if ts, ok := s.cold.(gohook.TimeSource); ok {
		return ts.Now(ctx)
	}
	if ts, ok := s.hot.(gohook.TimeSource); ok {
		return ts.Now(ctx)
	}
	return time.Now().UTC(), nil
}

// Ping checks Cold, the only storage the ledger cannot do without.
func (s *Storage) Ping(ctx context.Context) error {
	if p, ok := s.cold.(gohook.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
