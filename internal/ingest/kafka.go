// v0
// internal/ingest/kafka.go
package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"nrgchamp/locator/internal/circuitbreaker"
)

// KafkaConfig captures the consumer group used for scan delivery.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
}

// kafkaMessageFetcher captures the read capability shared by the raw Kafka
// reader and the circuit breaker wrapper.
type kafkaMessageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

type kafkaCommitter interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSource streams scan payloads from a consumer group. Offsets are
// committed through Message.Ack once the payload has been processed.
type KafkaSource struct {
	cfg       KafkaConfig
	reader    io.Closer
	fetcher   kafkaMessageFetcher
	committer kafkaCommitter
	log       *slog.Logger
	poll      time.Duration
}

// NewKafkaSource builds a reader wrapped by the supplied breaker. A nil
// breaker reads directly.
func NewKafkaSource(cfg KafkaConfig, breaker *circuitbreaker.KafkaBreaker, log *slog.Logger) (*KafkaSource, error) {
	if log == nil {
		return nil, errors.New("logger must not be nil")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("scan topic must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	var fetcher kafkaMessageFetcher = reader
	if breaker != nil {
		fetcher = circuitbreaker.NewCBKafkaReader(reader, cfg.Topic, breaker)
		log.Info("scan_consumer_cb", slog.Bool("enabled", breaker.Enabled()))
	}
	return newKafkaSource(cfg, reader, fetcher, reader, log), nil
}

func newKafkaSource(cfg KafkaConfig, closer io.Closer, fetcher kafkaMessageFetcher, committer kafkaCommitter, log *slog.Logger) *KafkaSource {
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &KafkaSource{cfg: cfg, reader: closer, fetcher: fetcher, committer: committer, log: log, poll: poll}
}

// Run fetches until ctx is cancelled or the reader is closed. Unlike the
// MQTT source it applies back-pressure: a full queue blocks the fetch loop
// and the uncommitted offset is redelivered after a restart.
func (s *KafkaSource) Run(ctx context.Context, out chan<- Message) error {
	s.log.Info("scan_consumer_started",
		slog.String("topic", s.cfg.Topic),
		slog.String("group", s.cfg.GroupID),
		slog.String("brokers", strings.Join(s.cfg.Brokers, ",")),
		slog.Duration("pollTimeout", s.poll),
	)
	defer s.log.Info("scan_consumer_stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, s.poll)
		km, err := s.fetcher.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}
			s.log.Error("scan_consumer_fetch_error", slog.Any("err", err))
			continue
		}

		msg := Message{
			Topic:      km.Topic,
			Payload:    km.Value,
			ReceivedAt: time.Now().UTC(),
			Ack:        s.ackFor(km),
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *KafkaSource) ackFor(km kafka.Message) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		commitCtx, cancel := context.WithTimeout(ctx, s.poll)
		defer cancel()
		if err := s.committer.CommitMessages(commitCtx, km); err != nil {
			s.log.Error("scan_consumer_commit_error", slog.Int64("offset", km.Offset), slog.Any("err", err))
			return err
		}
		return nil
	}
}

// Close shuts down the underlying Kafka reader.
func (s *KafkaSource) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}
