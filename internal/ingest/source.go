// v0
// internal/ingest/source.go
package ingest

import (
	"context"
	"time"
)

// Message is one raw payload delivered by a transport.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
	// Ack, when set, confirms the message to the transport after it has
	// been handed to the consumer.
	Ack func(ctx context.Context) error
}

// Source delivers raw scan payloads into out until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, out chan<- Message) error
	Close() error
}
