package api

import (
	"strings"
	"time"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// EventStatusResponse is the ledger view of one event id
type EventStatusResponse struct {
	EventID     string             `json:"event_id"`
	EventType   string             `json:"event_type"`
	State       gohook.RecordState `json:"state"`             // "in_flight", "failed", "completed"
	Outcome     gohook.Outcome     `json:"outcome,omitempty"` // "applied", "rejected", "failed"
	Attempts    int                `json:"attempts"`
	LastError   string             `json:"last_error,omitempty"` // error kind only, e.g. "domain_not_found"
	ReservedAt  time.Time          `json:"reserved_at"`
	ProcessedAt *time.Time         `json:"processed_at,omitempty"`
}

func newEventStatusResponse(record *gohook.ProcessingRecord) EventStatusResponse {
	return EventStatusResponse{
		EventID:     record.EventID,
		EventType:   record.EventType,
		State:       record.State,
		Outcome:     record.Outcome,
		Attempts:    record.Attempts,
		LastError:   errorKind(record.LastError),
		ReservedAt:  record.ReservedAt,
		ProcessedAt: record.ProcessedAt,
	}
}

// errorKinds maps the sentinel a stored reason was built from to the kind exposed
// to clients. Stored reasons can carry backend error text and are never returned as is.
var errorKinds = []struct {
	err  error
	kind string
}{
	{gohook.ErrHandlerTimeout, "handler_timeout"},
	{gohook.ErrHandlerPanic, "handler_panic"},
	{gohook.ErrDomainNotFound, "domain_not_found"},
	{gohook.ErrDomainUpdateFailed, "domain_update_failed"},
	{gohook.ErrEventRejected, "event_rejected"},
	{gohook.ErrStorageUnavailable, "storage_unavailable"},
}

func errorKind(reason string) string {
	if reason == "" {
		return ""
	}
	for _, k := range errorKinds {
		if strings.Contains(reason, k.err.Error()) {
			return k.kind
		}
	}
	if reason == gohook.ReasonNotHandled {
		return "event_not_handled"
	}
	return "internal_error"
}
