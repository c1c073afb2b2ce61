package payments

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// Timestamp accepts RFC3339 strings and unix seconds.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		t.Time = parsed.UTC()
		return nil
	}
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("timestamp must be RFC3339 or unix seconds: %w", err)
	}
	t.Time = time.Unix(secs, 0).UTC()
	return nil
}

// ptr returns the time or nil when unset.
func (t *Timestamp) ptr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// ChargeResource is the resource of charge.* events.
type ChargeResource struct {
	ID             string `json:"id" validate:"required,max=255"`
	Amount         *int64 `json:"amount" validate:"omitempty,gte=0"`
	AmountRefunded *int64 `json:"amount_refunded" validate:"omitempty,gte=0"`
	Refunded       *bool  `json:"refunded"`
	Currency       string `json:"currency" validate:"omitempty,len=3,alpha"`
	FailureCode    string `json:"failure_code" validate:"omitempty,max=64"`
	FailureMessage string `json:"failure_message" validate:"omitempty,max=1024"`
}

// SubscriptionResource is the resource of subscription.* events.
// The subscription id is read from "id", falling back to "subscription_id".
type SubscriptionResource struct {
	ID                 string     `json:"id" validate:"required_without=SubscriptionID,max=255"`
	SubscriptionID     string     `json:"subscription_id" validate:"required_without=ID,max=255"`
	CurrentPeriodStart *Timestamp `json:"current_period_start"`
	CurrentPeriodEnd   *Timestamp `json:"current_period_end"`
	CanceledAt         *Timestamp `json:"canceled_at"`
}

// SubscriptionKey returns the subscription id the event refers to.
func (r *SubscriptionResource) SubscriptionKey() string {
	if r.ID != "" {
		return r.ID
	}
	return r.SubscriptionID
}

// decodeResource decodes and validates event.Resource into dst.
// Every failure is a permanent rejection: redelivering the same bytes cannot succeed.
func decodeResource(v *validator.Validate, event *gohook.WebhookEvent, dst interface{}) error {
	if len(event.Resource) == 0 {
		return fmt.Errorf("%w: %s event %s has no resource", gohook.ErrEventRejected, event.RawType, event.ID)
	}
	if err := json.Unmarshal(event.Resource, dst); err != nil {
		return fmt.Errorf("%w: decode %s resource: %v", gohook.ErrEventRejected, event.RawType, err)
	}
	if err := v.Struct(dst); err != nil {
		return fmt.Errorf("%w: invalid %s resource: %s", gohook.ErrEventRejected, event.RawType, describe(err))
	}
	return nil
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
