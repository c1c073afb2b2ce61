// Package kafka publishes webhook notifications to Kafka using segmentio/kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/mihaimyh/gohook/pkg/notify"
)

const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
)

// Writer is the subset of *kafka.Writer used by the publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a Kafka publisher.
type Config struct {
	// Brokers is a comma-separated list of host:port pairs
	Brokers string

	// Topic receives every notification. Default: "webhook-events"
	Topic string
}

// Publisher implements notify.Publisher on a Kafka topic.
// Messages are keyed by event id so redeliveries land on one partition.
type Publisher struct {
	writer Writer
	topic  string
}

// New creates a publisher that owns a kafka.Writer.
func New(config Config) (*Publisher, error) {
	brokers := SplitBrokers(config.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if config.Topic == "" {
		config.Topic = "webhook-events"
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewWithWriter(writer, config.Topic), nil
}

// NewWithWriter creates a publisher over an existing writer.
func NewWithWriter(writer Writer, topic string) *Publisher {
	return &Publisher{writer: writer, topic: topic}
}

// Publish implements notify.Publisher.
func (p *Publisher) Publish(ctx context.Context, n *notify.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", n.EventID, err)
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(n.EventID),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(n.EventID)},
			{Key: HeaderEventType, Value: []byte(n.EventType)},
		},
	}
	msg.Headers = injectTraceHeaders(ctx, msg.Headers)

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish notification %s: %w", n.EventID, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// SplitBrokers parses a comma-separated broker list, dropping blanks.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// HeaderValue returns the first header value for key.
func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func injectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := &headerCarrier{headers: headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.headers
}

type headerCarrier struct {
	headers []kafka.Header
}

func (c *headerCarrier) Get(key string) string {
	return HeaderValue(c.headers, key)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c *headerCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

var (
	_ notify.Publisher           = (*Publisher)(nil)
	_ propagation.TextMapCarrier = (*headerCarrier)(nil)
)
