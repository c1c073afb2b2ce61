package gohook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// envelope accepts both the canonical shape
//
//	{"id": "...", "type": "...", "occurred_at": "RFC3339", "resource": {...}}
//
// and the Stripe shape
//
//	{"id": "...", "type": "...", "created": 1700000000, "data": {"object": {...}}}
type envelope struct {
	ID         *string         `json:"id"`
	Type       *string         `json:"type"`
	OccurredAt *time.Time      `json:"occurred_at"`
	Created    *int64          `json:"created"`
	Resource   json.RawMessage `json:"resource"`
	Data       *struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Parse deserializes a verified payload into a WebhookEvent.
// Missing or non-string id/type fail with ErrMalformedPayload; an unknown type
// parses successfully as EventUnrecognized.
// Parse must only be called on payloads that passed signature verification.
func Parse(rawBody []byte) (*WebhookEvent, error) {
	trimmed := bytes.TrimSpace(rawBody)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedPayload)
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: multiple JSON objects in payload", ErrMalformedPayload)
	}

	if env.ID == nil || strings.TrimSpace(*env.ID) == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}
	if env.Type == nil || strings.TrimSpace(*env.Type) == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}

	rawType := strings.TrimSpace(*env.Type)
	event := &WebhookEvent{
		ID:      strings.TrimSpace(*env.ID),
		Type:    ParseEventType(rawType),
		RawType: rawType,
	}

	switch {
	case env.OccurredAt != nil:
		event.OccurredAt = env.OccurredAt.UTC()
	case env.Created != nil && *env.Created > 0:
		event.OccurredAt = time.Unix(*env.Created, 0).UTC()
	}

	switch {
	case len(env.Resource) > 0 && !isJSONNull(env.Resource):
		event.Resource = env.Resource
	case env.Data != nil && len(env.Data.Object) > 0 && !isJSONNull(env.Data.Object):
		event.Resource = env.Data.Object
	}

	return event, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
