package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per event. The topic is the
// prefix joined with the event type and the key is the appointment ID, so
// events for one appointment stay ordered within a partition.
type KafkaPublisher struct {
	w           messageWriter
	topicPrefix string
}

type KafkaConfig struct {
	Brokers      []string
	TopicPrefix  string
	WriteTimeout time.Duration
	// BatchTimeout caps how long a partial batch waits before it is sent.
	// Publish is synchronous, so this is added to every booking request.
	BatchTimeout time.Duration
}

const (
	defaultWriteTimeout = 5 * time.Second
	defaultBatchTimeout = 10 * time.Millisecond
)

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	return newKafkaPublisher(newWriter(cfg), cfg.TopicPrefix), nil
}

func newWriter(cfg KafkaConfig) *kafka.Writer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func newKafkaPublisher(w messageWriter, topicPrefix string) *KafkaPublisher {
	return &KafkaPublisher{w: w, topicPrefix: strings.TrimSpace(topicPrefix)}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	msg := kafka.Message{
		Topic: p.topic(ev.Type),
		Key:   []byte(ev.Key),
		Value: ev.Payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	msg.Headers = InjectTraceHeaders(ctx, msg.Headers)
	return p.w.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

func (p *KafkaPublisher) topic(eventType string) string {
	if p.topicPrefix == "" {
		return eventType
	}
	return p.topicPrefix + "." + eventType
}

// InjectTraceHeaders appends W3C trace context headers to Kafka headers.
func InjectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := &headerCarrier{headers: headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.headers
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
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

func (c *headerCarrier) Set(key string, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

// ReadyCheck dials the first broker.
func ReadyCheck(brokers []string) func(context.Context) error {
	return func(ctx context.Context) error {
		if len(brokers) == 0 {
			return errors.New("kafka brokers not configured")
		}
		dialer := kafka.Dialer{Timeout: 2 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
		if err != nil {
			return err
		}
		_ = conn.Close()
		return nil
	}
}
