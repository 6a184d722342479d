// v0
// internal/calibration/recorder_test.go
package calibration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nrgchamp/locator/internal/fingerprint"
	"nrgchamp/locator/internal/ingest"
	"nrgchamp/locator/internal/storage"
)

type capture struct {
	key   string
	label string
	snap  fingerprint.Snapshot
}

type memWriter struct {
	captures []capture
	err      error
}

func (w *memWriter) InsertCapture(_ context.Context, key, label string, snap fingerprint.Snapshot) error {
	if w.err != nil {
		return w.err
	}
	w.captures = append(w.captures, capture{key: key, label: label, snap: snap})
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestRecorder(t *testing.T, samples int, w CaptureWriter) *Recorder {
	t.Helper()
	r, err := NewRecorder(" kitchen ", samples, w, ingest.NewDecoder(ingest.FormatJSON), discard())
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	seq := 0
	r.newKey = func() string {
		seq++
		return fmt.Sprintf("cap-%d", seq)
	}
	return r
}

func TestNewRecorderValidation(t *testing.T) {
	dec := ingest.NewDecoder(ingest.FormatJSON)
	w := &memWriter{}
	cases := []struct {
		name    string
		label   string
		samples int
		writer  CaptureWriter
		dec     *ingest.Decoder
		log     *slog.Logger
	}{
		{"empty label", "  ", 5, w, dec, discard()},
		{"zero samples", "desk", 0, w, dec, discard()},
		{"nil writer", "desk", 5, nil, dec, discard()},
		{"nil decoder", "desk", 5, w, nil, discard()},
		{"nil logger", "desk", 5, w, dec, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRecorder(tc.label, tc.samples, tc.writer, tc.dec, tc.log); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestRecordUpperCasesLabelAndAssignsKeys(t *testing.T) {
	w := &memWriter{}
	r := newTestRecorder(t, 3, w)
	if r.Label() != "KITCHEN" {
		t.Fatalf("expected KITCHEN, got %q", r.Label())
	}
	for i := 0; i < 2; i++ {
		ok, err := r.Record(context.Background(), []byte(`{"scans":[{"mac":"AA:BB","rssi":-40},{"mac":"cc:dd","rssi":-70}]}`))
		if err != nil || !ok {
			t.Fatalf("record %d: ok=%v err=%v", i, ok, err)
		}
	}
	if len(w.captures) != 2 || w.captures[0].key == w.captures[1].key {
		t.Fatalf("expected two distinct captures, got %+v", w.captures)
	}
	if w.captures[0].label != "KITCHEN" || w.captures[0].snap[0].Station != "aa:bb" {
		t.Fatalf("unexpected capture: %+v", w.captures[0])
	}
	if r.Collected() != 2 || r.Done() {
		t.Fatalf("expected 2 collected and not done, got %d", r.Collected())
	}
}

func TestRecordIgnoresEmptySnapshots(t *testing.T) {
	w := &memWriter{}
	r := newTestRecorder(t, 1, w)
	ok, err := r.Record(context.Background(), []byte(`{"scans":[]}`))
	if err != nil || ok {
		t.Fatalf("empty scan must be skipped silently, ok=%v err=%v", ok, err)
	}
	if r.Collected() != 0 || len(w.captures) != 0 {
		t.Fatal("empty scan must not be counted")
	}
}

func TestRecordSurfacesWriterErrors(t *testing.T) {
	boom := errors.New("disk full")
	r := newTestRecorder(t, 1, &memWriter{err: boom})
	if _, err := r.Record(context.Background(), []byte(`{"scans":[{"mac":"a","rssi":-50}]}`)); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped writer error, got %v", err)
	}
	if r.Collected() != 0 {
		t.Fatal("failed capture must not be counted")
	}
}

func TestRunStopsAtTargetAndAcks(t *testing.T) {
	w := &memWriter{}
	r := newTestRecorder(t, 2, w)
	in := make(chan ingest.Message, 5)
	acks := 0
	ack := func(context.Context) error { acks++; return nil }
	in <- ingest.Message{Payload: []byte(`not json`), Ack: ack}
	in <- ingest.Message{Payload: []byte(`{"scans":[]}`), Ack: ack}
	in <- ingest.Message{Payload: []byte(`{"scans":[{"mac":"a","rssi":-50}]}`), Ack: ack}
	in <- ingest.Message{Payload: []byte(`{"scans":[{"mac":"b","rssi":-60}]}`), Ack: ack}
	in <- ingest.Message{Payload: []byte(`{"scans":[{"mac":"c","rssi":-70}]}`), Ack: ack}

	if err := r.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.Collected() != 2 || len(w.captures) != 2 {
		t.Fatalf("expected exactly 2 captures, got %d", len(w.captures))
	}
	if acks != 4 {
		t.Fatalf("expected 4 acknowledged messages, got %d", acks)
	}
	if len(in) != 1 {
		t.Fatalf("recorder must stop consuming at target, %d left", len(in))
	}
}

func TestRunStopsOnCancelAndClosedSource(t *testing.T) {
	r := newTestRecorder(t, 2, &memWriter{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx, make(chan ingest.Message)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	in := make(chan ingest.Message)
	close(in)
	if err := r.Run(context.Background(), in); err == nil || !strings.Contains(err.Error(), "0 of 2") {
		t.Fatalf("expected closed source error, got %v", err)
	}
}

func TestRecorderFeedsRepository(t *testing.T) {
	ctx := context.Background()
	repo, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "cal.sqlite"), discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r, err := NewRecorder("desk", 2, repo, ingest.NewDecoder(ingest.FormatJSON), discard())
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	for _, p := range []string{
		`{"scans":[{"mac":"a","rssi":-50},{"mac":"b","rssi":-61}]}`,
		`{"scans":[{"mac":"a","rssi":-52}]}`,
	} {
		if _, err := r.Record(ctx, []byte(p)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	n, err := repo.CountCaptures(ctx, "DESK")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 captures, got %d (%v)", n, err)
	}
	store, _, err := fingerprint.Load(ctx, repo, discard())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if store.Len() != 2 || store.At(0).Label != "DESK" || len(store.At(0).Signature) != 2 {
		t.Fatalf("unexpected store: len=%d first=%+v", store.Len(), store.At(0))
	}
}
