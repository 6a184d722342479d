// v4
// internal/circuitbreaker/kafkacb.go
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaMessageWriter mirrors the subset of kafka.Writer used by the breaker wrappers.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// kafkaMessageReader mirrors the subset of kafka.Reader used by the breaker wrappers.
type kafkaMessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

// KafkaConfig contains the runtime tunables for Kafka producer/consumer wrappers.
type KafkaConfig struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	OpenFor          time.Duration
	Timeout          time.Duration
	Backoff          time.Duration
}

// KafkaBreaker applies a Breaker with per-attempt timeouts and back-off.
type KafkaBreaker struct {
	enabled     bool
	maxFailures int
	timeout     time.Duration
	backoff     time.Duration
	breaker     *Breaker
	log         *slog.Logger
	onRetry     func(topic, op string)
}

// NewKafkaBreaker validates cfg and builds the breaker. A disabled config
// yields a pass-through breaker.
func NewKafkaBreaker(name string, cfg KafkaConfig, logger *slog.Logger, probe func(ctx context.Context) error) (*KafkaBreaker, error) {
	if cfg.FailureThreshold < 1 {
		return nil, errors.New("kafka breaker failure threshold must be >= 1")
	}
	if cfg.SuccessThreshold < 1 {
		return nil, errors.New("kafka breaker success threshold must be >= 1")
	}
	if cfg.OpenFor <= 0 {
		return nil, errors.New("kafka breaker open duration must be > 0")
	}
	if cfg.Timeout < 0 || cfg.Backoff < 0 {
		return nil, errors.New("kafka breaker timeout and backoff must be >= 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	kb := &KafkaBreaker{
		enabled:     cfg.Enabled,
		maxFailures: cfg.FailureThreshold,
		timeout:     cfg.Timeout,
		backoff:     cfg.Backoff,
		log:         logger.With(slog.String("breaker", name)),
	}
	if cfg.Enabled {
		kb.breaker = New(name, Config{
			MaxFailures:      cfg.FailureThreshold,
			ResetTimeout:     cfg.OpenFor,
			SuccessesToClose: cfg.SuccessThreshold,
		}, logger, probe)
	}
	return kb, nil
}

// Enabled reports whether breaker protections are active.
func (k *KafkaBreaker) Enabled() bool {
	return k != nil && k.enabled && k.breaker != nil
}

// Breaker exposes the underlying breaker for inspection.
func (k *KafkaBreaker) Breaker() *Breaker {
	if k == nil {
		return nil
	}
	return k.breaker
}

// OnRetry registers fn to be called before every back-off, with the topic
// and operation being retried.
func (k *KafkaBreaker) OnRetry(fn func(topic, op string)) {
	if k != nil {
		k.onRetry = fn
	}
}

// Operations guarded by the wrappers, as they appear in logs and metrics.
const (
	OpFetchScan       = "fetch_scan"
	OpPublishLocation = "publish_location"
)

// CBKafkaWriter publishes location results through the breaker.
type CBKafkaWriter struct {
	breaker *KafkaBreaker
	writer  kafkaMessageWriter
	topic   string
}

// NewCBKafkaWriter wraps writer, which must already target topic.
func NewCBKafkaWriter(writer kafkaMessageWriter, topic string, breaker *KafkaBreaker) *CBKafkaWriter {
	return &CBKafkaWriter{writer: writer, breaker: breaker, topic: topic}
}

// WriteMessages retries failed writes until the failure budget is spent.
func (w *CBKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w == nil || w.writer == nil {
		return errors.New("nil kafka writer")
	}
	if !w.breaker.Enabled() {
		return w.writer.WriteMessages(ctx, msgs...)
	}
	return w.breaker.call(ctx, w.topic, OpPublishLocation, func(ctx context.Context) error {
		return w.writer.WriteMessages(ctx, msgs...)
	})
}

// CBKafkaReader fetches scan messages through the breaker.
type CBKafkaReader struct {
	breaker *KafkaBreaker
	reader  kafkaMessageReader
	topic   string
}

// NewCBKafkaReader wraps reader, which must already consume topic.
func NewCBKafkaReader(reader kafkaMessageReader, topic string, breaker *KafkaBreaker) *CBKafkaReader {
	return &CBKafkaReader{reader: reader, breaker: breaker, topic: topic}
}

// FetchMessage retries failed fetches until the failure budget is spent.
func (r *CBKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r == nil || r.reader == nil {
		return kafka.Message{}, errors.New("nil kafka reader")
	}
	if !r.breaker.Enabled() {
		return r.reader.FetchMessage(ctx)
	}
	var msg kafka.Message
	err := r.breaker.call(ctx, r.topic, OpFetchScan, func(ctx context.Context) error {
		var err error
		msg, err = r.reader.FetchMessage(ctx)
		return err
	})
	return msg, err
}

// openPoll is the minimum wait between attempts rejected by an open breaker.
const openPoll = 50 * time.Millisecond

// call runs fn until it succeeds, ctx ends, or maxFailures attempts have
// failed. Attempts rejected by an open breaker wait without spending the
// failure budget.
func (k *KafkaBreaker) call(ctx context.Context, topic, op string, fn func(ctx context.Context) error) error {
	failures := 0
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ran, err := k.attempt(ctx, fn)
		if err == nil {
			if attempt > 1 {
				k.log.Info("kafka_call_recovered",
					slog.String("topic", topic), slog.String("op", op), slog.Int("attempt", attempt))
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := k.backoff
		if !ran {
			k.log.Debug("kafka_call_rejected_open",
				slog.String("topic", topic), slog.String("op", op), slog.Int("attempt", attempt))
			wait = max(wait, openPoll)
		} else {
			failures++
			if failures >= k.maxFailures {
				k.log.Error("kafka_call_failed",
					slog.String("topic", topic), slog.String("op", op),
					slog.Int("attempts", attempt), slog.Any("err", err))
				return fmt.Errorf("%s on topic %s: %w", op, topic, err)
			}
			k.log.Warn("kafka_call_retry",
				slog.String("topic", topic), slog.String("op", op),
				slog.Int("attempt", attempt), slog.Duration("backoff", wait), slog.Any("err", err))
		}
		if k.onRetry != nil {
			k.onRetry(topic, op)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// attempt reports whether fn ran and, if it did, fn's own error even when
// that failure tripped the breaker.
func (k *KafkaBreaker) attempt(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	var ran bool
	var cause error
	err := k.breaker.Execute(ctx, func(ctx context.Context) error {
		ran = true
		cause = fn(ctx)
		return cause
	})
	if ran {
		return true, cause
	}
	return false, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
