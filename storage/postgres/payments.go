package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gohook/pkg/payments"
)

// PaymentStore implements payments.ChargeStore and payments.SubscriptionStore.
type PaymentStore struct {
	pool *pgxpool.Pool
}

// NewPaymentStore creates a PaymentStore over pool. The schema comes from Migrate.
func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

// Charges returns the ChargeStore view.
func (p *PaymentStore) Charges() payments.ChargeStore { return chargeStore{p.pool} }

// Subscriptions returns the SubscriptionStore view.
func (p *PaymentStore) Subscriptions() payments.SubscriptionStore { return subscriptionStore{p.pool} }

// UpsertCharge inserts or replaces a charge.
func (p *PaymentStore) UpsertCharge(ctx context.Context, c *payments.Charge) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid charge")
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO charges (id, customer_id, amount, amount_refunded, currency, status,
				failure_code, failure_message, last_event_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, now()), now())
			ON CONFLICT (id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				amount = EXCLUDED.amount,
				amount_refunded = EXCLUDED.amount_refunded,
				currency = EXCLUDED.currency,
				status = EXCLUDED.status,
				failure_code = EXCLUDED.failure_code,
				failure_message = EXCLUDED.failure_message,
				last_event_at = EXCLUDED.last_event_at,
				updated_at = now()`,
		c.ID, c.CustomerID, c.Amount, c.AmountRefunded, c.Currency, string(c.Status),
		c.FailureCode, c.FailureMessage, c.LastEventAt, nullTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert charge: %w", err)
	}
	return nil
}

// UpsertSubscription inserts or replaces a subscription.
func (p *PaymentStore) UpsertSubscription(ctx context.Context, s *payments.Subscription) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO subscriptions (id, customer_id, plan_type, status, is_active, current_period_start,
				current_period_end, canceled_at, last_event_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, now()), now())
			ON CONFLICT (id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				plan_type = EXCLUDED.plan_type,
				status = EXCLUDED.status,
				is_active = EXCLUDED.is_active,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				canceled_at = EXCLUDED.canceled_at,
				last_event_at = EXCLUDED.last_event_at,
				updated_at = now()`,
		s.ID, s.CustomerID, s.PlanType, string(s.Status), s.IsActive, s.CurrentPeriodStart,
		s.CurrentPeriodEnd, s.CanceledAt, s.LastEventAt, nullTime(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

type chargeStore struct {
	pool *pgxpool.Pool
}

const chargeColumns = `id, customer_id, amount, amount_refunded, currency, status,
	failure_code, failure_message, last_event_at, created_at, updated_at`

func (s chargeStore) FindByID(ctx context.Context, id string) (*payments.Charge, error) {
	c, err := scanCharge(s.pool.QueryRow(ctx, `SELECT `+chargeColumns+` FROM charges WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payments.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get charge: %w", err)
	}
	return c, nil
}

func (s chargeStore) Update(ctx context.Context, id string, patch payments.ChargePatch) (*payments.Charge, error) {
	c, err := scanCharge(s.pool.QueryRow(ctx,
		`UPDATE charges SET
				status = COALESCE($2, status),
				amount = COALESCE($3, amount),
				amount_refunded = COALESCE($4, amount_refunded),
				currency = COALESCE($5, currency),
				failure_code = COALESCE($6, failure_code),
				failure_message = COALESCE($7, failure_message),
				last_event_at = $8,
				updated_at = now()
			WHERE id = $1
			RETURNING `+chargeColumns,
		id, optString(patch.Status), patch.Amount, patch.AmountRefunded, patch.Currency,
		patch.FailureCode, patch.FailureMessage, patch.LastEventAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payments.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update charge: %w", err)
	}
	return c, nil
}

func scanCharge(row pgx.Row) (*payments.Charge, error) {
	var c payments.Charge
	var status string
	err := row.Scan(&c.ID, &c.CustomerID, &c.Amount, &c.AmountRefunded, &c.Currency, &status,
		&c.FailureCode, &c.FailureMessage, &c.LastEventAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = payments.ChargeStatus(status)
	return &c, nil
}

type subscriptionStore struct {
	pool *pgxpool.Pool
}

const subscriptionColumns = `id, customer_id, plan_type, status, is_active, current_period_start,
	current_period_end, canceled_at, last_event_at, created_at, updated_at`

func (s subscriptionStore) FindByID(ctx context.Context, id string) (*payments.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payments.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s subscriptionStore) Update(ctx context.Context, id string,
	patch payments.SubscriptionPatch) (*payments.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`UPDATE subscriptions SET
				status = COALESCE($2, status),
				is_active = COALESCE($3, is_active),
				current_period_start = COALESCE($4, current_period_start),
				current_period_end = COALESCE($5, current_period_end),
				canceled_at = COALESCE($6, canceled_at),
				last_event_at = $7,
				updated_at = now()
			WHERE id = $1
			RETURNING `+subscriptionColumns,
		id, optString(patch.Status), patch.IsActive, patch.CurrentPeriodStart, patch.CurrentPeriodEnd,
		patch.CanceledAt, patch.LastEventAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payments.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (*payments.Subscription, error) {
	var s payments.Subscription
	var status string
	err := row.Scan(&s.ID, &s.CustomerID, &s.PlanType, &status, &s.IsActive, &s.CurrentPeriodStart,
		&s.CurrentPeriodEnd, &s.CanceledAt, &s.LastEventAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = payments.SubscriptionStatus(status)
	return &s, nil
}

// optString converts an optional string-kinded status into a driver value.
func optString[T ~string](v *T) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
