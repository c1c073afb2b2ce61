package gohook_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

func TestNewRegistry(t *testing.T) {
	noop := gohook.HandlerFunc(func(context.Context, *gohook.WebhookEvent) error { return nil })

	registry, err := gohook.NewRegistry(map[gohook.EventType]gohook.Handler{
		gohook.EventChargeSucceeded: noop,
		gohook.EventChargeFailed:    noop,
	})
	require.NoError(t, err)
	assert.Equal(t, []gohook.EventType{gohook.EventChargeFailed, gohook.EventChargeSucceeded}, registry.Types())

	_, err = gohook.NewRegistry(map[gohook.EventType]gohook.Handler{gohook.EventUnrecognized: noop})
	assert.ErrorIs(t, err, gohook.ErrInvalidConfig)

	_, err = gohook.NewRegistry(map[gohook.EventType]gohook.Handler{"invoice.paid": noop})
	assert.ErrorIs(t, err, gohook.ErrInvalidConfig)

	_, err = gohook.NewRegistry(map[gohook.EventType]gohook.Handler{gohook.EventChargeSucceeded: nil})
	assert.ErrorIs(t, err, gohook.ErrInvalidConfig)
}

func TestRegistry_CopiesInput(t *testing.T) {
	noop := gohook.HandlerFunc(func(context.Context, *gohook.WebhookEvent) error { return nil })
	handlers := map[gohook.EventType]gohook.Handler{gohook.EventChargeSucceeded: noop}

	registry, err := gohook.NewRegistry(handlers)
	require.NoError(t, err)
	handlers[gohook.EventChargeFailed] = noop

	_, ok := registry.Lookup(gohook.EventChargeFailed)
	assert.False(t, ok)
}

func newDispatcher(t *testing.T, timeout time.Duration, h gohook.HandlerFunc) *gohook.Dispatcher {
	t.Helper()
	registry, err := gohook.NewRegistry(map[gohook.EventType]gohook.Handler{gohook.EventChargeSucceeded: h})
	require.NoError(t, err)
	return gohook.NewDispatcher(registry, timeout, nil, nil)
}

func TestDispatcher_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome gohook.DispatchOutcome
	}{
		{"applied", nil, gohook.DispatchApplied},
		{"rejected", gohook.ErrEventRejected, gohook.DispatchRejected},
		{"wrapped rejection", errors.Join(errors.New("bad amount"), gohook.ErrEventRejected), gohook.DispatchRejected},
		{"not found", gohook.ErrDomainNotFound, gohook.DispatchFailed},
		{"update failed", gohook.ErrDomainUpdateFailed, gohook.DispatchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDispatcher(t, time.Second, func(context.Context, *gohook.WebhookEvent) error { return tt.err })

			result := d.Dispatch(context.Background(), testEvent("evt_1"))
			assert.Equal(t, tt.outcome, result.Outcome)
			if tt.err != nil {
				assert.ErrorIs(t, result.Err, tt.err)
			}
		})
	}
}

func TestDispatcher_InvokesExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	d := newDispatcher(t, time.Second, func(_ context.Context, event *gohook.WebhookEvent) error {
		calls.Add(1)
		assert.Equal(t, "evt_1", event.ID)
		return nil
	})

	d.Dispatch(context.Background(), testEvent("evt_1"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_Ignored(t *testing.T) {
	d := newDispatcher(t, time.Second, func(context.Context, *gohook.WebhookEvent) error {
		t.Error("handler must not run")
		return nil
	})

	unknown := &gohook.WebhookEvent{ID: "evt_1", Type: gohook.EventUnrecognized, RawType: "invoice.created"}
	assert.Equal(t, gohook.DispatchIgnored, d.Dispatch(context.Background(), unknown).Outcome)

	unregistered := &gohook.WebhookEvent{ID: "evt_2", Type: gohook.EventChargeFailed, RawType: "charge.failed"}
	assert.Equal(t, gohook.DispatchIgnored, d.Dispatch(context.Background(), unregistered).Outcome)

	nilRegistry := gohook.NewDispatcher(nil, time.Second, nil, nil)
	assert.Equal(t, gohook.DispatchIgnored, nilRegistry.Dispatch(context.Background(), testEvent("evt_3")).Outcome)
}

func TestDispatcher_Timeout(t *testing.T) {
	t.Run("handler honors context", func(t *testing.T) {
		d := newDispatcher(t, 20*time.Millisecond, func(ctx context.Context, _ *gohook.WebhookEvent) error {
			<-ctx.Done()
			return ctx.Err()
		})

		result := d.Dispatch(context.Background(), testEvent("evt_1"))
		assert.Equal(t, gohook.DispatchFailed, result.Outcome)
		assert.ErrorIs(t, result.Err, gohook.ErrHandlerTimeout)
	})

	t.Run("handler ignores context", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		d := newDispatcher(t, 20*time.Millisecond, func(context.Context, *gohook.WebhookEvent) error {
			<-release
			return nil
		})

		start := time.Now()
		result := d.Dispatch(context.Background(), testEvent("evt_1"))
		assert.Equal(t, gohook.DispatchFailed, result.Outcome)
		assert.ErrorIs(t, result.Err, gohook.ErrHandlerTimeout)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestDispatcher_Settled(t *testing.T) {
	unblock := make(chan struct{})
	d := newDispatcher(t, 20*time.Millisecond, func(context.Context, *gohook.WebhookEvent) error {
		<-unblock
		return nil
	})

	result := d.Dispatch(context.Background(), testEvent("evt_1"))
	require.ErrorIs(t, result.Err, gohook.ErrHandlerTimeout)
	select {
	case <-result.Settled():
		t.Fatal("abandoned handler reported as settled")
	default:
	}

	close(unblock)
	select {
	case <-result.Settled():
	case <-time.After(time.Second):
		t.Fatal("handler never settled")
	}

	// Returned handlers are settled by the time Dispatch returns
	fast := newDispatcher(t, time.Second, func(context.Context, *gohook.WebhookEvent) error { return nil })
	select {
	case <-fast.Dispatch(context.Background(), testEvent("evt_2")).Settled():
	default:
		t.Fatal("completed handler not settled")
	}

	ignored := gohook.NewDispatcher(nil, time.Second, nil, nil).Dispatch(context.Background(), testEvent("evt_3"))
	select {
	case <-ignored.Settled():
	default:
		t.Fatal("ignored dispatch not settled")
	}
}

func TestDispatcher_Panic(t *testing.T) {
	d := newDispatcher(t, time.Second, func(context.Context, *gohook.WebhookEvent) error {
		panic("boom")
	})

	result := d.Dispatch(context.Background(), testEvent("evt_1"))
	assert.Equal(t, gohook.DispatchFailed, result.Outcome)
	assert.ErrorIs(t, result.Err, gohook.ErrHandlerPanic)
	assert.Contains(t, result.Err.Error(), "boom")
}
