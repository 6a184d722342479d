// v0
// internal/calibration/recorder.go
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"nrgchamp/locator/internal/fingerprint"
	"nrgchamp/locator/internal/ingest"
)

// DefaultSamples is the number of captures recorded per room when the
// operator does not ask for a different amount.
const DefaultSamples = 40

// CaptureWriter persists every reading of one capture under a shared key.
type CaptureWriter interface {
	InsertCapture(ctx context.Context, captureKey, label string, snap fingerprint.Snapshot) error
}

// Recorder labels incoming scans with a room until enough captures exist.
type Recorder struct {
	label   string
	target  int
	writer  CaptureWriter
	decoder *ingest.Decoder
	log     *slog.Logger
	newKey  func() string

	collected atomic.Int64
}

// NewRecorder validates its inputs. The label is stored upper-cased.
func NewRecorder(label string, samples int, writer CaptureWriter, decoder *ingest.Decoder, log *slog.Logger) (*Recorder, error) {
	label = strings.ToUpper(strings.TrimSpace(label))
	if label == "" {
		return nil, errors.New("room label must not be empty")
	}
	if samples <= 0 {
		return nil, fmt.Errorf("samples must be positive, got %d", samples)
	}
	if writer == nil {
		return nil, errors.New("capture writer must not be nil")
	}
	if decoder == nil {
		return nil, errors.New("decoder must not be nil")
	}
	if log == nil {
		return nil, errors.New("logger must not be nil")
	}
	return &Recorder{
		label:   label,
		target:  samples,
		writer:  writer,
		decoder: decoder,
		log:     log,
		newKey:  func() string { return uuid.NewString() },
	}, nil
}

// Label returns the normalized room label.
func (r *Recorder) Label() string { return r.label }

// Collected reports how many captures have been stored so far.
func (r *Recorder) Collected() int { return int(r.collected.Load()) }

// Done reports whether the requested number of captures exists.
func (r *Recorder) Done() bool { return r.Collected() >= r.target }

// Record decodes one payload and stores it as a capture. It returns false
// without error for scans that carry no readings.
func (r *Recorder) Record(ctx context.Context, payload []byte) (bool, error) {
	scan, err := r.decoder.Decode(payload)
	if err != nil {
		return false, err
	}
	if len(scan.Snapshot) == 0 {
		r.log.Debug("calibration_scan_empty", slog.String("device", scan.DeviceID))
		return false, nil
	}
	key := r.newKey()
	if err := r.writer.InsertCapture(ctx, key, r.label, scan.Snapshot); err != nil {
		return false, fmt.Errorf("store capture %s: %w", key, err)
	}
	n := r.collected.Add(1)
	r.log.Info("calibration_sample_saved",
		slog.String("label", r.label),
		slog.String("captureKey", key),
		slog.Int("readings", len(scan.Snapshot)),
		slog.Int64("collected", n),
		slog.Int("target", r.target),
	)
	return true, nil
}

// Run consumes in until the target is reached, ctx ends or a capture
// cannot be stored. Malformed payloads are logged and skipped.
func (r *Recorder) Run(ctx context.Context, in <-chan ingest.Message) error {
	for !r.Done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return fmt.Errorf("scan source closed after %d of %d captures", r.Collected(), r.target)
			}
			_, err := r.Record(ctx, msg.Payload)
			if msg.Ack != nil {
				if aerr := msg.Ack(ctx); aerr != nil {
					r.log.Warn("calibration_ack_failed", slog.Any("err", aerr))
				}
			}
			if err != nil {
				if ingest.IsDecodeError(err) {
					r.log.Warn("calibration_scan_rejected", slog.String("topic", msg.Topic), slog.Any("err", err))
					continue
				}
				return err
			}
		}
	}
	r.log.Info("calibration_complete", slog.String("label", r.label), slog.Int("captures", r.Collected()))
	return nil
}
