// v0
// internal/publish/kafka.go
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"nrgchamp/locator/internal/circuitbreaker"
	"nrgchamp/locator/internal/locator"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka publishes outcomes as JSON keyed by device id.
type Kafka struct {
	writer messageWriter
	closer func() error
	topic  string
}

// NewKafka builds a writer for topic, wrapped by breaker when it is non-nil.
func NewKafka(brokers []string, topic string, breaker *circuitbreaker.KafkaBreaker) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("result topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	var writer messageWriter = w
	if breaker != nil {
		writer = circuitbreaker.NewCBKafkaWriter(w, topic, breaker)
	}
	return &Kafka{writer: writer, closer: w.Close, topic: topic}, nil
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Publish(ctx context.Context, o locator.Outcome) error {
	payload, err := Encode(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	msg := kafka.Message{Key: []byte(o.DeviceID), Value: payload, Time: o.ClassifiedAt}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	if k == nil || k.closer == nil {
		return nil
	}
	return k.closer()
}
