// Package memory provides an in-memory implementation of the gohook.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// Storage implements gohook.Storage using an in-memory map
type Storage struct {
	mu      sync.Mutex
	records map[string]*gohook.ProcessingRecord
	now     func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		records: make(map[string]*gohook.ProcessingRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reserve implements gohook.Storage
func (s *Storage) Reserve(_ context.Context, req *gohook.ReserveRequest) (*gohook.ProcessingRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, reserved := gohook.NextReservation(s.records[req.EventID], req)
	if reserved {
		s.records[req.EventID] = next
	}
	return copyRecord(next), reserved, nil
}

// Finalize implements gohook.Storage
func (s *Storage) Finalize(_ context.Context, eventID, token string, outcome gohook.Outcome,
	reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := gohook.FinalizedRecord(s.records[eventID], token, outcome, reason, at)
	if err != nil {
		return err
	}
	s.records[eventID] = next
	return nil
}

// Release implements gohook.Storage
func (s *Storage) Release(_ context.Context, eventID, token, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := gohook.ReleasedRecord(s.records[eventID], token, reason, at)
	if err != nil {
		return err
	}
	s.records[eventID] = next
	return nil
}

// GetRecord implements gohook.Storage
func (s *Storage) GetRecord(_ context.Context, eventID string) (*gohook.ProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return copyRecord(s.records[eventID]), nil // nil when absent
}

// Put stores record as is, replacing any existing one. Used by the tiered
// storage to warm its hot cache.
func (s *Storage) Put(record *gohook.ProcessingRecord) {
	if record == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.EventID] = copyRecord(record)
}

// Cleanup removes completed records processed before cutoff and returns how many were removed.
func (s *Storage) Cleanup(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.records {
		if r.Completed() && r.ProcessedAt != nil && r.ProcessedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// EventIDs returns the ids of all stored records in sorted order.
func (s *Storage) EventIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*gohook.ProcessingRecord)
}

// Now implements gohook.TimeSource
func (s *Storage) Now(_ context.Context) (time.Time, error) {
	return s.now(), nil
}

func copyRecord(r *gohook.ProcessingRecord) *gohook.ProcessingRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ProcessedAt != nil {
		at := *r.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}
