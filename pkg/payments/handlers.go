package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// Handlers applies webhook events to the domain store.
type Handlers struct {
	charges       ChargeStore
	subscriptions SubscriptionStore
	validate      *validator.Validate
	logger        gohook.Logger
}

// NewHandlers creates the event handlers over the given stores.
func NewHandlers(charges ChargeStore, subscriptions SubscriptionStore, logger gohook.Logger) *Handlers {
	if logger == nil {
		logger = &gohook.NoopLogger{}
	}
	return &Handlers{
		charges:       charges,
		subscriptions: subscriptions,
		validate:      validator.New(),
		logger:        logger,
	}
}

// Map returns one handler per supported event type, for gohook.NewRegistry.
func (h *Handlers) Map() map[gohook.EventType]gohook.Handler {
	return map[gohook.EventType]gohook.Handler{
		gohook.EventChargeSucceeded:      gohook.HandlerFunc(h.ChargeSucceeded),
		gohook.EventChargeFailed:         gohook.HandlerFunc(h.ChargeFailed),
		gohook.EventChargeRefunded:       gohook.HandlerFunc(h.ChargeRefunded),
		gohook.EventSubscriptionRenewed:  gohook.HandlerFunc(h.SubscriptionRenewed),
		gohook.EventSubscriptionCanceled: gohook.HandlerFunc(h.SubscriptionCanceled),
	}
}

// Registry builds the immutable registry for these handlers.
func (h *Handlers) Registry() (*gohook.Registry, error) {
	return gohook.NewRegistry(h.Map())
}

// ChargeSucceeded marks the charge as succeeded.
func (h *Handlers) ChargeSucceeded(ctx context.Context, event *gohook.WebhookEvent) error {
	var res ChargeResource
	if err := decodeResource(h.validate, event, &res); err != nil {
		return err
	}

	status := ChargeSucceeded
	patch := ChargePatch{Status: &status, Amount: res.Amount, LastEventAt: event.OccurredAt}
	if res.Currency != "" {
		patch.Currency = &res.Currency
	}
	return h.updateCharge(ctx, event, res.ID, func(*Charge) (ChargePatch, error) { return patch, nil })
}

// ChargeFailed marks the charge as failed and records the failure reason.
func (h *Handlers) ChargeFailed(ctx context.Context, event *gohook.WebhookEvent) error {
	var res ChargeResource
	if err := decodeResource(h.validate, event, &res); err != nil {
		return err
	}

	status := ChargeFailed
	patch := ChargePatch{
		Status:         &status,
		FailureCode:    &res.FailureCode,
		FailureMessage: &res.FailureMessage,
		LastEventAt:    event.OccurredAt,
	}
	return h.updateCharge(ctx, event, res.ID, func(*Charge) (ChargePatch, error) { return patch, nil })
}

// ChargeRefunded records the refunded amount. The charge becomes refunded once
// the whole amount is refunded; a partial refund keeps its status.
func (h *Handlers) ChargeRefunded(ctx context.Context, event *gohook.WebhookEvent) error {
	var res ChargeResource
	if err := decodeResource(h.validate, event, &res); err != nil {
		return err
	}

	return h.updateCharge(ctx, event, res.ID, func(c *Charge) (ChargePatch, error) {
		amount := c.Amount
		if res.Amount != nil {
			amount = *res.Amount
		}

		var refunded int64
		switch {
		case res.AmountRefunded != nil:
			refunded = *res.AmountRefunded
		case res.Refunded != nil && *res.Refunded:
			refunded = amount
		default:
			return ChargePatch{}, fmt.Errorf("%w: charge %s refund carries no amount", gohook.ErrEventRejected, c.ID)
		}
		if refunded > amount {
			return ChargePatch{}, fmt.Errorf("%w: charge %s refund %d exceeds amount %d",
				gohook.ErrEventRejected, c.ID, refunded, amount)
		}

		patch := ChargePatch{AmountRefunded: &refunded, LastEventAt: event.OccurredAt}
		if refunded == amount {
			status := ChargeRefunded
			patch.Status = &status
		}
		return patch, nil
	})
}

// SubscriptionRenewed reactivates the subscription for its new period.
func (h *Handlers) SubscriptionRenewed(ctx context.Context, event *gohook.WebhookEvent) error {
	var res SubscriptionResource
	if err := decodeResource(h.validate, event, &res); err != nil {
		return err
	}

	start, end := res.CurrentPeriodStart.ptr(), res.CurrentPeriodEnd.ptr()
	if start != nil && end != nil && !end.After(*start) {
		return fmt.Errorf("%w: subscription %s period ends before it starts", gohook.ErrEventRejected, res.SubscriptionKey())
	}

	status := SubscriptionActive
	active := true
	patch := SubscriptionPatch{
		Status:             &status,
		IsActive:           &active,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		LastEventAt:        event.OccurredAt,
	}
	return h.updateSubscription(ctx, event, res.SubscriptionKey(), patch)
}

// SubscriptionCanceled deactivates the subscription.
func (h *Handlers) SubscriptionCanceled(ctx context.Context, event *gohook.WebhookEvent) error {
	var res SubscriptionResource
	if err := decodeResource(h.validate, event, &res); err != nil {
		return err
	}

	canceledAt := res.CanceledAt.ptr()
	if canceledAt == nil {
		at := event.OccurredAt
		canceledAt = &at
	}

	status := SubscriptionCanceled
	active := false
	patch := SubscriptionPatch{
		Status:      &status,
		IsActive:    &active,
		CanceledAt:  canceledAt,
		LastEventAt: event.OccurredAt,
	}
	return h.updateSubscription(ctx, event, res.SubscriptionKey(), patch)
}

func (h *Handlers) updateCharge(ctx context.Context, event *gohook.WebhookEvent, id string,
	build func(*Charge) (ChargePatch, error)) error {
	charge, err := h.charges.FindByID(ctx, id)
	if err != nil {
		return domainError("charge", id, "find", err)
	}
	if stale(charge.LastEventAt, event.OccurredAt) {
		h.logStale(event, "charge", id, charge.LastEventAt)
		return nil
	}

	patch, err := build(charge)
	if err != nil {
		return err
	}
	if _, err := h.charges.Update(ctx, id, patch); err != nil {
		return domainError("charge", id, "update", err)
	}
	return nil
}

func (h *Handlers) updateSubscription(ctx context.Context, event *gohook.WebhookEvent, id string,
	patch SubscriptionPatch) error {
	sub, err := h.subscriptions.FindByID(ctx, id)
	if err != nil {
		return domainError("subscription", id, "find", err)
	}
	if stale(sub.LastEventAt, event.OccurredAt) {
		h.logStale(event, "subscription", id, sub.LastEventAt)
		return nil
	}

	if _, err := h.subscriptions.Update(ctx, id, patch); err != nil {
		return domainError("subscription", id, "update", err)
	}
	return nil
}

func (h *Handlers) logStale(event *gohook.WebhookEvent, entity, id string, last *time.Time) {
	h.logger.Info("skipping out-of-order webhook event",
		gohook.Field{Key: "event_id", Value: event.ID},
		gohook.Field{Key: "event_type", Value: event.RawType},
		gohook.Field{Key: entity + "_id", Value: id},
		gohook.Field{Key: "occurred_at", Value: event.OccurredAt},
		gohook.Field{Key: "last_event_at", Value: *last},
	)
}

// stale reports whether an event that occurred at occurredAt is strictly older than
// the last event already applied to the entity. Events sharing a timestamp are all
// applied: provider timestamps have one-second resolution.
func stale(last *time.Time, occurredAt time.Time) bool {
	return last != nil && occurredAt.Before(*last)
}

// domainError wraps a store failure. A missing entity wraps gohook.ErrDomainNotFound;
// anything else wraps gohook.ErrDomainUpdateFailed together with the cause.
func domainError(entity, id, op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s %s: %w", entity, id, gohook.ErrDomainNotFound)
	}
	return fmt.Errorf("%w: %s %s %s: %w", gohook.ErrDomainUpdateFailed, op, entity, id, err)
}
