package gohook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Handler applies one event type's effect to domain state.
type Handler interface {
	Handle(ctx context.Context, event *WebhookEvent) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *WebhookEvent) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event *WebhookEvent) error {
	return f(ctx, event)
}

// Registry is an immutable event type → handler table, built once at startup.
type Registry struct {
	handlers map[EventType]Handler
}

// NewRegistry copies and validates handlers. Only known event types may be registered.
func NewRegistry(handlers map[EventType]Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[EventType]Handler, len(handlers))}
	for t, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("%w: nil handler for event type %q", ErrInvalidConfig, t)
		}
		if !t.Known() {
			return nil, fmt.Errorf("%w: cannot register handler for event type %q", ErrInvalidConfig, t)
		}
		r.handlers[t] = h
	}
	return r, nil
}

// Lookup returns the handler registered for t.
func (r *Registry) Lookup(t EventType) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered event types in sorted order.
func (r *Registry) Types() []EventType {
	types := make([]EventType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// DispatchOutcome is the result kind of a dispatch.
type DispatchOutcome string

const (
	DispatchApplied  DispatchOutcome = "applied"
	DispatchIgnored  DispatchOutcome = "ignored"
	DispatchRejected DispatchOutcome = "rejected"
	DispatchFailed   DispatchOutcome = "failed"
)

// DispatchResult is the outcome of routing one event.
type DispatchResult struct {
	Outcome DispatchOutcome

	// Err is the handler error for DispatchRejected and DispatchFailed
	Err error

	settled <-chan struct{}
}

var closedSettled = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Settled returns a channel that is closed once the handler invocation has returned.
// It is already closed unless the handler was abandoned at its deadline and is
// still running.
func (r DispatchResult) Settled() <-chan struct{} {
	if r.settled == nil {
		return closedSettled
	}
	return r.settled
}

// Dispatcher routes events to the registered handler.
// It never retries; retry is left to the sender's redelivery.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   Logger
	metrics  Metrics
}

// NewDispatcher creates a dispatcher. A non-positive timeout disables the handler deadline.
func NewDispatcher(registry *Registry, timeout time.Duration, logger Logger, metrics Metrics) *Dispatcher {
	if registry == nil {
		registry = &Registry{handlers: map[EventType]Handler{}}
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Dispatcher{registry: registry, timeout: timeout, logger: logger, metrics: metrics}
}

// Dispatch invokes exactly one handler for event and waits for it to finish.
// Unregistered and unrecognized event types are DispatchIgnored.
func (d *Dispatcher) Dispatch(ctx context.Context, event *WebhookEvent) DispatchResult {
	handler, ok := d.registry.Lookup(event.Type)
	if !ok {
		d.logger.Info("webhook event type not handled",
			Field{"event_id", event.ID},
			Field{"event_type", event.RawType},
		)
		return DispatchResult{Outcome: DispatchIgnored}
	}

	start := time.Now()
	settled, err := d.invoke(ctx, handler, event)
	result := classify(err)
	result.settled = settled
	d.metrics.RecordHandlerDuration(string(event.Type), string(result.Outcome), time.Since(start))

	switch result.Outcome {
	case DispatchFailed:
		d.logger.Error("webhook event handler failed",
			Field{"event_id", event.ID},
			Field{"event_type", event.RawType},
			Field{"error", err.Error()},
		)
	case DispatchRejected:
		d.logger.Warn("webhook event rejected",
			Field{"event_id", event.ID},
			Field{"event_type", event.RawType},
			Field{"error", err.Error()},
		)
	}
	return result
}

// invoke runs the handler under the dispatch deadline. A handler that ignores
// its context is abandoned at the deadline and reported as timed out; the
// returned channel closes when it finally returns.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, event *WebhookEvent) (<-chan struct{}, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	settled := make(chan struct{})
	go func() {
		defer close(settled)
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
			}
		}()
		done <- handler.Handle(ctx, event)
	}()

	select {
	case err := <-done:
		// Only the deferred close remains
		<-settled
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return settled, fmt.Errorf("%w: %w", ErrHandlerTimeout, err)
		}
		return settled, err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return settled, fmt.Errorf("%w after %s", ErrHandlerTimeout, d.timeout)
		}
		return settled, ctx.Err()
	}
}

func classify(err error) DispatchResult {
	switch {
	case err == nil:
		return DispatchResult{Outcome: DispatchApplied}
	case errors.Is(err, ErrEventRejected):
		return DispatchResult{Outcome: DispatchRejected, Err: err}
	default:
		return DispatchResult{Outcome: DispatchFailed, Err: err}
	}
}
