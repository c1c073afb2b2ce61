// Package notify publishes notifications about applied webhook events to
// downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// Notification describes an event that was applied and recorded.
type Notification struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Outcome     gohook.Outcome  `json:"outcome"`
	OccurredAt  time.Time       `json:"occurred_at"`
	PublishedAt time.Time       `json:"published_at"`
	Resource    json.RawMessage `json:"resource,omitempty"`
}

// Publisher delivers notifications to a downstream transport.
type Publisher interface {
	Publish(ctx context.Context, n *Notification) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, n *Notification) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, n *Notification) error {
	return f(ctx, n)
}

// Notifier adapts a Publisher to gohook.Notifier.
type Notifier struct {
	publisher Publisher
	timeout   time.Duration
	now       func() time.Time
}

// NewNotifier creates a Notifier. A non-positive timeout defaults to 5s.
func NewNotifier(publisher Publisher, timeout time.Duration) (*Notifier, error) {
	if publisher == nil {
		return nil, errors.New("notify: publisher is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{publisher: publisher, timeout: timeout, now: time.Now}, nil
}

// Notify implements gohook.Notifier.
func (n *Notifier) Notify(ctx context.Context, event *gohook.WebhookEvent, outcome gohook.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	return n.publisher.Publish(ctx, &Notification{
		EventID:     event.ID,
		EventType:   event.RawType,
		Outcome:     outcome,
		OccurredAt:  event.OccurredAt,
		PublishedAt: n.now().UTC(),
		Resource:    event.Resource,
	})
}

// Multi fans a notification out to every publisher and joins their errors.
func Multi(publishers ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, n *Notification) error {
		var errs []error
		for _, p := range publishers {
			if err := p.Publish(ctx, n); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

var _ gohook.Notifier = (*Notifier)(nil)
