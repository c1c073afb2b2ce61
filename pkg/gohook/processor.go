package gohook

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName            = "github.com/mihaimyh/gohook"
	defaultHandlerTimeout = 10 * time.Second
	unknownEventType      = "unknown"
)

// ReasonNotHandled is the reason recorded for events no handler is registered for.
const ReasonNotHandled = "event type not handled"

// ResultKind classifies how a delivery ended.
type ResultKind string

const (
	ResultApplied          ResultKind = "applied"
	ResultIgnored          ResultKind = "ignored"
	ResultRejected         ResultKind = "rejected"
	ResultDuplicate        ResultKind = "duplicate"
	ResultInvalidSignature ResultKind = "invalid_signature"
	ResultMalformed        ResultKind = "malformed_payload"
	ResultConflict         ResultKind = "conflict"
	ResultFailed           ResultKind = "failed"
)

// StatusCode maps the result to the HTTP status returned to the sender.
// Every acknowledged outcome shares 200 so senders never escalate retries;
// every retryable outcome is 500.
func (k ResultKind) StatusCode() int {
	switch k {
	case ResultApplied, ResultIgnored, ResultRejected, ResultDuplicate:
		return http.StatusOK
	case ResultInvalidSignature, ResultMalformed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the response body for the result.
func (k ResultKind) Message() string {
	switch k {
	case ResultApplied:
		return "Successfully received event"
	case ResultIgnored:
		return "Event type not handled"
	case ResultRejected:
		return "Event rejected"
	case ResultDuplicate:
		return "Already processed"
	case ResultInvalidSignature:
		return "Invalid signature"
	case ResultMalformed:
		return "Malformed payload"
	default:
		return "Error processing webhook event"
	}
}

// Result is the outcome of processing one delivery.
type Result struct {
	Kind ResultKind

	// Event is nil when the delivery failed before parsing
	Event *WebhookEvent

	// Err carries the internal cause; it is never sent to the client
	Err error
}

// StatusCode returns the HTTP status for the result.
func (r *Result) StatusCode() int { return r.Kind.StatusCode() }

// Message returns the response body for the result.
func (r *Result) Message() string { return r.Kind.Message() }

// Notifier is told about events after they were applied and recorded.
// Notification is best effort: a failure is logged and never changes the result.
type Notifier interface {
	Notify(ctx context.Context, event *WebhookEvent, outcome Outcome) error
}

// Config configures a Processor.
type Config struct {
	// Verifier checks request signatures (required)
	Verifier Verifier

	// Ledger de-duplicates deliveries (required)
	Ledger *Ledger

	// Registry maps event types to handlers. A nil registry ignores every event.
	Registry *Registry

	// HandlerTimeout bounds each handler invocation and must be shorter than
	// the ledger lease. Default: 10s
	HandlerTimeout time.Duration

	// Notifier is optional
	Notifier Notifier

	// Logger is optional; NoopLogger when nil
	Logger Logger

	// Metrics is optional; NoopMetrics when nil
	Metrics Metrics

	// TracerProvider is optional; the global provider when nil
	TracerProvider trace.TracerProvider
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Verifier == nil {
		return fmt.Errorf("%w: verifier is required", ErrInvalidConfig)
	}
	if c.Ledger == nil {
		return fmt.Errorf("%w: ledger is required", ErrInvalidConfig)
	}
	timeout := c.HandlerTimeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	if timeout >= c.Ledger.LeaseTTL() {
		return fmt.Errorf("%w: handler timeout %s must be shorter than ledger lease %s",
			ErrInvalidConfig, timeout, c.Ledger.LeaseTTL())
	}
	return nil
}

// Processor runs the webhook pipeline: verify, parse, reserve, dispatch, finalize.
type Processor struct {
	verifier   Verifier
	ledger     *Ledger
	dispatcher *Dispatcher
	notifier   Notifier
	logger     Logger
	metrics    Metrics
	tracer     trace.Tracer

	// deferred tracks releases waiting on abandoned handlers
	deferred sync.WaitGroup
}

// NewProcessor creates a Processor with the given configuration
func NewProcessor(config Config) (*Processor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = defaultHandlerTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Processor{
		verifier:   config.Verifier,
		ledger:     config.Ledger,
		dispatcher: NewDispatcher(config.Registry, config.HandlerTimeout, logger, metrics),
		notifier:   config.Notifier,
		logger:     logger,
		metrics:    metrics,
		tracer:     tp.Tracer(tracerName),
	}, nil
}

// Wait blocks until releases deferred on abandoned handlers have completed.
// Call it during shutdown, after the HTTP server stopped accepting deliveries.
func (p *Processor) Wait() {
	p.deferred.Wait()
}

// Ledger returns the processor's ledger.
func (p *Processor) Ledger() *Ledger {
	return p.ledger
}

// Process handles one delivery and never panics.
//
// Once the payload is verified and parsed, the remaining stages run detached from
// ctx cancellation so that a disconnecting client cannot leave a reservation
// half-processed; they are bounded by the ledger and handler timeouts instead.
func (p *Processor) Process(ctx context.Context, req *RawRequest) (result *Result) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "webhook.process")

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("webhook pipeline panicked", Field{"panic", fmt.Sprint(rec)})
			result = &Result{Kind: ResultFailed, Err: fmt.Errorf("pipeline panic: %v", rec)}
		}
		p.finish(span, result, start)
	}()

	if req == nil {
		return &Result{Kind: ResultMalformed, Err: fmt.Errorf("%w: empty request", ErrMalformedPayload)}
	}

	if !p.verify(ctx, req) {
		p.metrics.RecordSignatureFailure()
		p.logger.Warn("webhook signature verification failed",
			Field{"body_bytes", len(req.Body)},
			Field{"signature_present", req.Signature != ""},
		)
		return &Result{Kind: ResultInvalidSignature, Err: ErrInvalidSignature}
	}

	event, err := Parse(req.Body)
	if err != nil {
		p.logger.Warn("webhook payload malformed", Field{"error", err.Error()})
		return &Result{Kind: ResultMalformed, Err: err}
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = req.ReceivedAt.UTC()
		if req.ReceivedAt.IsZero() {
			event.OccurredAt = time.Now().UTC()
		}
	}
	span.SetAttributes(
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.event_type", event.RawType),
	)

	return p.process(context.WithoutCancel(ctx), event)
}

func (p *Processor) verify(ctx context.Context, req *RawRequest) bool {
	_, span := p.tracer.Start(ctx, "webhook.verify")
	defer span.End()
	return p.verifier.Verify(req.Body, req.Signature)
}

func (p *Processor) process(ctx context.Context, event *WebhookEvent) *Result {
	reserveCtx, reserveSpan := p.tracer.Start(ctx, "webhook.reserve")
	reservedAt := time.Now()
	res, err := p.ledger.CheckAndReserve(reserveCtx, event)
	endSpan(reserveSpan, err)
	if err != nil {
		p.logger.Error("webhook ledger reservation failed",
			Field{"event_id", event.ID},
			Field{"error", err.Error()},
		)
		return &Result{Kind: ResultFailed, Event: event, Err: err}
	}

	switch res.Status {
	case ReserveAlreadyProcessed:
		p.logger.Info("webhook event already processed",
			Field{"event_id", event.ID},
			Field{"event_type", event.RawType},
			Field{"outcome", string(res.Outcome())},
		)
		return &Result{Kind: ResultDuplicate, Event: event}
	case ReserveConflict:
		return &Result{Kind: ResultConflict, Event: event, Err: ErrReservationConflict}
	}

	dispatchCtx, dispatchSpan := p.tracer.Start(ctx, "webhook.dispatch")
	dispatched := p.dispatcher.Dispatch(dispatchCtx, event)
	endSpan(dispatchSpan, dispatched.Err)

	switch dispatched.Outcome {
	case DispatchApplied:
		p.finalize(ctx, res, event, OutcomeApplied, "")
		p.notify(ctx, event)
		p.logger.Info("webhook event applied",
			Field{"event_id", event.ID},
			Field{"event_type", event.RawType},
			Field{"attempt", res.Record.Attempts},
		)
		return &Result{Kind: ResultApplied, Event: event}

	case DispatchIgnored:
		p.finalize(ctx, res, event, OutcomeRejected, ReasonNotHandled)
		return &Result{Kind: ResultIgnored, Event: event}

	case DispatchRejected:
		p.finalize(ctx, res, event, OutcomeRejected, dispatched.Err.Error())
		return &Result{Kind: ResultRejected, Event: event, Err: dispatched.Err}

	default:
		select {
		case <-dispatched.Settled():
			p.release(ctx, res, event, dispatched.Err)
		default:
			p.releaseWhenSettled(ctx, res, event, dispatched, reservedAt.Add(p.ledger.LeaseTTL()))
		}
		return &Result{Kind: ResultFailed, Event: event, Err: dispatched.Err}
	}
}

func (p *Processor) release(ctx context.Context, res *Reservation, event *WebhookEvent, cause error) {
	if err := p.ledger.Release(ctx, res, cause); err != nil {
		// The lease still expires, so a later redelivery can retry.
		p.logger.Error("webhook ledger release failed",
			Field{"event_id", event.ID},
			Field{"error", err.Error()},
		)
	}
}

// releaseWhenSettled keeps the reservation held while an abandoned handler is
// still running, so a redelivery cannot apply the same event concurrently.
// The reservation is released once the handler returns; if it outlives the
// lease, recovery is left to lease takeover.
func (p *Processor) releaseWhenSettled(ctx context.Context, res *Reservation, event *WebhookEvent,
	dispatched DispatchResult, leaseDeadline time.Time) {
	p.logger.Warn("webhook handler still running after deadline, holding reservation",
		Field{"event_id", event.ID},
		Field{"event_type", event.RawType},
	)

	p.deferred.Add(1)
	go func() {
		defer p.deferred.Done()

		timer := time.NewTimer(time.Until(leaseDeadline))
		defer timer.Stop()

		select {
		case <-dispatched.Settled():
			p.release(ctx, res, event, dispatched.Err)
		case <-timer.C:
			p.logger.Error("webhook handler outlived its lease, leaving recovery to lease takeover",
				Field{"event_id", event.ID},
				Field{"event_type", event.RawType},
			)
		}
	}()
}

func (p *Processor) finalize(ctx context.Context, res *Reservation, event *WebhookEvent, outcome Outcome, reason string) {
	ctx, span := p.tracer.Start(ctx, "webhook.finalize")
	err := p.ledger.Finalize(ctx, res, outcome, reason)
	endSpan(span, err)
	if err != nil {
		p.logger.Error("webhook ledger finalize failed",
			Field{"event_id", event.ID},
			Field{"outcome", string(outcome)},
			Field{"error", err.Error()},
		)
	}
}

func (p *Processor) notify(ctx context.Context, event *WebhookEvent) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, event, OutcomeApplied); err != nil {
		p.logger.Warn("webhook event notification failed",
			Field{"event_id", event.ID},
			Field{"error", err.Error()},
		)
	}
}

func (p *Processor) finish(span trace.Span, result *Result, start time.Time) {
	eventType := unknownEventType
	if result != nil && result.Event != nil {
		eventType = string(result.Event.Type)
	}
	kind := ResultFailed
	if result != nil {
		kind = result.Kind
	}

	p.metrics.RecordWebhookEvent(eventType, string(kind))
	p.metrics.RecordProcessingDuration(eventType, time.Since(start))

	span.SetAttributes(
		attribute.String("webhook.result", string(kind)),
		attribute.Int("http.response.status_code", kind.StatusCode()),
	)
	if kind.StatusCode() >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, string(kind))
	}
	span.End()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
