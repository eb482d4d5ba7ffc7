package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/kalambet/larder/internal/task"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher appends events to a topic keyed by thread id, so events
// for one thread land on one partition in order. It is publish-only;
// consumers outside this process read the topic.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev task.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	headers := make(headerCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(ev.ThreadID),
		Value:   data,
		Headers: []kafka.Header(headers),
		Time:    ev.At,
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// headerCarrier adapts kafka headers to propagation.TextMapCarrier.
type headerCarrier []kafka.Header

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
