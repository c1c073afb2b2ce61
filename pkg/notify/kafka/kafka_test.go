package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mihaimyh/gohook/pkg/gohook"
	"github.com/mihaimyh/gohook/pkg/notify"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	writer := &fakeWriter{}
	p := NewWithWriter(writer, "payments.webhooks")

	err := p.Publish(context.Background(), &notify.Notification{
		EventID:   "evt_1",
		EventType: "charge.succeeded",
		Outcome:   gohook.OutcomeApplied,
		Resource:  []byte(`{"id":"ch_1"}`),
	})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "payments.webhooks", msg.Topic)
	assert.Equal(t, "evt_1", string(msg.Key))
	assert.Equal(t, "evt_1", HeaderValue(msg.Headers, HeaderEventID))
	assert.Equal(t, "charge.succeeded", HeaderValue(msg.Headers, HeaderEventType))

	var decoded notify.Notification
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "evt_1", decoded.EventID)
	assert.Equal(t, gohook.OutcomeApplied, decoded.Outcome)

	require.NoError(t, p.Close())
	assert.True(t, writer.closed)
}

func TestPublisher_WriteError(t *testing.T) {
	boom := errors.New("leader not available")
	p := NewWithWriter(&fakeWriter{err: boom}, "t")

	err := p.Publish(context.Background(), &notify.Notification{EventID: "evt_1"})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "evt_1")
}

func TestPublisher_InjectsTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := []kafka.Header{{Key: HeaderEventID, Value: []byte("evt_1")}}
	carrier := &headerCarrier{headers: headers}
	propagation.TraceContext{}.Inject(ctx, carrier)

	assert.NotEmpty(t, HeaderValue(carrier.headers, "traceparent"))
	assert.Equal(t, "evt_1", carrier.Get(HeaderEventID))
	assert.ElementsMatch(t, []string{HeaderEventID, "traceparent"}, carrier.Keys())
}

func TestNew(t *testing.T) {
	_, err := New(Config{Brokers: " , "})
	assert.Error(t, err)

	p, err := New(Config{Brokers: "localhost:9092"})
	require.NoError(t, err)
	assert.Equal(t, "webhook-events", p.topic)
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, SplitBrokers(""))
}
