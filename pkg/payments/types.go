// Package payments applies payment processor webhook events to charges and subscriptions.
package payments

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when an entity does not exist.
var ErrNotFound = errors.New("not found")

// ChargeStatus is the lifecycle state of a charge.
type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeFailed    ChargeStatus = "failed"
	ChargeRefunded  ChargeStatus = "refunded"
)

// Charge is a single payment attempt. Amounts are in the smallest currency unit.
type Charge struct {
	ID             string       `json:"id"`
	CustomerID     string       `json:"customer_id"`
	Amount         int64        `json:"amount"`
	AmountRefunded int64        `json:"amount_refunded"`
	Currency       string       `json:"currency"`
	Status         ChargeStatus `json:"status"`
	FailureCode    string       `json:"failure_code,omitempty"`
	FailureMessage string       `json:"failure_message,omitempty"`

	// LastEventAt is the occurrence time of the last applied event
	LastEventAt *time.Time `json:"last_event_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Subscription is a customer's recurring plan.
type Subscription struct {
	ID                 string             `json:"id"`
	CustomerID         string             `json:"customer_id"`
	PlanType           string             `json:"plan_type"`
	Status             SubscriptionStatus `json:"status"`
	IsActive           bool               `json:"is_active"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`

	// LastEventAt is the occurrence time of the last applied event
	LastEventAt *time.Time `json:"last_event_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChargePatch is a partial update; nil fields are left unchanged.
type ChargePatch struct {
	Status         *ChargeStatus
	Amount         *int64
	AmountRefunded *int64
	Currency       *string
	FailureCode    *string
	FailureMessage *string

	// LastEventAt is always written
	LastEventAt time.Time
}

// ApplyTo applies the patch to c.
func (p *ChargePatch) ApplyTo(c *Charge, now time.Time) {
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.Amount != nil {
		c.Amount = *p.Amount
	}
	if p.AmountRefunded != nil {
		c.AmountRefunded = *p.AmountRefunded
	}
	if p.Currency != nil {
		c.Currency = *p.Currency
	}
	if p.FailureCode != nil {
		c.FailureCode = *p.FailureCode
	}
	if p.FailureMessage != nil {
		c.FailureMessage = *p.FailureMessage
	}
	at := p.LastEventAt
	c.LastEventAt = &at
	c.UpdatedAt = now
}

// SubscriptionPatch is a partial update; nil fields are left unchanged.
type SubscriptionPatch struct {
	Status             *SubscriptionStatus
	IsActive           *bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CanceledAt         *time.Time

	// LastEventAt is always written
	LastEventAt time.Time
}

// ApplyTo applies the patch to s.
func (p *SubscriptionPatch) ApplyTo(s *Subscription, now time.Time) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.IsActive != nil {
		s.IsActive = *p.IsActive
	}
	if p.CurrentPeriodStart != nil {
		t := *p.CurrentPeriodStart
		s.CurrentPeriodStart = &t
	}
	if p.CurrentPeriodEnd != nil {
		t := *p.CurrentPeriodEnd
		s.CurrentPeriodEnd = &t
	}
	if p.CanceledAt != nil {
		t := *p.CanceledAt
		s.CanceledAt = &t
	}
	at := p.LastEventAt
	s.LastEventAt = &at
	s.UpdatedAt = now
}

// ChargeStore is the charge persistence the handlers depend on.
type ChargeStore interface {
	// FindByID returns ErrNotFound when the charge does not exist
	FindByID(ctx context.Context, id string) (*Charge, error)

	// Update applies patch and returns the updated charge, or ErrNotFound
	Update(ctx context.Context, id string, patch ChargePatch) (*Charge, error)
}

// SubscriptionStore is the subscription persistence the handlers depend on.
type SubscriptionStore interface {
	// FindByID returns ErrNotFound when the subscription does not exist
	FindByID(ctx context.Context, id string) (*Subscription, error)

	// Update applies patch and returns the updated subscription, or ErrNotFound
	Update(ctx context.Context, id string, patch SubscriptionPatch) (*Subscription, error)
}
