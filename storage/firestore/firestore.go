// Package firestore provides a Firestore implementation of the gohook.Storage interface.
// Each ledger transition runs in a Firestore transaction on the event's document.
package firestore

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// Storage implements gohook.Storage using Google Cloud Firestore
type Storage struct {
	client           *firestore.Client
	eventsCollection string
	clockDoc         string
}

// Config holds Firestore storage configuration
type Config struct {
	// EventsCollection is the Firestore collection for ledger records
	// Default: "webhook_events"
	EventsCollection string

	// ClockDocument is read, never written, to obtain the server clock
	// Default: "_clock" (inside EventsCollection)
	ClockDocument string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.EventsCollection == "" {
		config.EventsCollection = "webhook_events"
	}
	if config.ClockDocument == "" {
		config.ClockDocument = "_clock"
	}

	return &Storage{
		client:           client,
		eventsCollection: config.EventsCollection,
		clockDoc:         config.ClockDocument,
	}, nil
}

// Reserve implements gohook.Storage
func (s *Storage) Reserve(ctx context.Context, req *gohook.ReserveRequest) (*gohook.ProcessingRecord, bool, error) {
	doc := s.eventDoc(req.EventID)

	var record *gohook.ProcessingRecord
	var reserved bool
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		existing, err := readRecord(tx, doc)
		if err != nil {
			return err
		}

		record, reserved = gohook.NextReservation(existing, req)
		if !reserved {
			return nil
		}
		return tx.Set(doc, encodeRecord(record))
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve event: %w", err)
	}
	return record, reserved, nil
}

// Finalize implements gohook.Storage
func (s *Storage) Finalize(ctx context.Context, eventID, token string, outcome gohook.Outcome,
	reason string, at time.Time) error {
	return s.transition(ctx, eventID, func(r *gohook.ProcessingRecord) (*gohook.ProcessingRecord, error) {
		return gohook.FinalizedRecord(r, token, outcome, reason, at)
	})
}

// Release implements gohook.Storage
func (s *Storage) Release(ctx context.Context, eventID, token, reason string, at time.Time) error {
	return s.transition(ctx, eventID, func(r *gohook.ProcessingRecord) (*gohook.ProcessingRecord, error) {
		return gohook.ReleasedRecord(r, token, reason, at)
	})
}

func (s *Storage) transition(ctx context.Context, eventID string,
	next func(*gohook.ProcessingRecord) (*gohook.ProcessingRecord, error)) error {
	doc := s.eventDoc(eventID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		existing, err := readRecord(tx, doc)
		if err != nil {
			return err
		}
		updated, err := next(existing)
		if err != nil {
			return err
		}
		return tx.Set(doc, encodeRecord(updated))
	})
}

// GetRecord implements gohook.Storage
func (s *Storage) GetRecord(ctx context.Context, eventID string) (*gohook.ProcessingRecord, error) {
	snap, err := s.eventDoc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // Never seen
		}
		return nil, fmt.Errorf("failed to get event record: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	return decodeRecord(snap.Data()), nil
}

// Now implements gohook.TimeSource using the read time of a lookup on the clock
// document. The document is never written, so concurrent callers do not contend.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	snap, err := s.client.Collection(s.eventsCollection).Doc(s.clockDoc).Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return time.Time{}, fmt.Errorf("failed to get firestore time: %w", err)
	}
	if snap == nil || snap.ReadTime.IsZero() {
		return time.Time{}, fmt.Errorf("failed to get firestore time: no read time")
	}
	return snap.ReadTime.UTC(), nil
}

func (s *Storage) eventDoc(eventID string) *firestore.DocumentRef {
	// Document ids cannot contain '/'.
	return s.client.Collection(s.eventsCollection).Doc(url.PathEscape(eventID))
}

func readRecord(tx *firestore.Transaction, doc *firestore.DocumentRef) (*gohook.ProcessingRecord, error) {
	snap, err := tx.Get(doc)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}
	return decodeRecord(snap.Data()), nil
}

func encodeRecord(r *gohook.ProcessingRecord) map[string]interface{} {
	data := map[string]interface{}{
		"eventId":        r.EventID,
		"eventType":      r.EventType,
		"state":          string(r.State),
		"outcome":        string(r.Outcome),
		"token":          r.Token,
		"attempts":       r.Attempts,
		"lastError":      r.LastError,
		"reservedAt":     r.ReservedAt,
		"leaseExpiresAt": r.LeaseExpiresAt,
	}
	if r.ProcessedAt != nil {
		data["processedAt"] = *r.ProcessedAt
	}
	return data
}

func decodeRecord(data map[string]interface{}) *gohook.ProcessingRecord {
	r := &gohook.ProcessingRecord{
		EventID:        getString(data, "eventId"),
		EventType:      getString(data, "eventType"),
		State:          gohook.RecordState(getString(data, "state")),
		Outcome:        gohook.Outcome(getString(data, "outcome")),
		Token:          getString(data, "token"),
		Attempts:       getInt(data, "attempts"),
		LastError:      getString(data, "lastError"),
		ReservedAt:     getTime(data, "reservedAt"),
		LeaseExpiresAt: getTime(data, "leaseExpiresAt"),
	}
	if at := getTime(data, "processedAt"); !at.IsZero() {
		r.ProcessedAt = &at
	}
	return r
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
