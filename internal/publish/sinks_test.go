// v0
// internal/publish/sinks_test.go
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"nrgchamp/locator/internal/knn"
	"nrgchamp/locator/internal/locator"
)

func sampleOutcome() locator.Outcome {
	return locator.Outcome{
		DeviceID: "esp32-01",
		Status:   locator.StatusOK,
		Result: knn.Result{
			Label:      "KITCHEN",
			Confidence: 67,
			Neighbors: []knn.Neighbor{
				{Distance: 2.5, Label: "KITCHEN", CaptureKey: "k1"},
				{Distance: math.Inf(1), Label: "DESK", CaptureKey: "d1"},
			},
		},
		Readings:     4,
		StoreVersion: 3,
		ClassifiedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEncodeInfiniteDistanceIsNull(t *testing.T) {
	raw, err := Encode(sampleOutcome())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	neighbors := doc["neighbors"].([]any)
	if neighbors[0].(map[string]any)["distance"].(float64) != 2.5 {
		t.Fatalf("unexpected first distance: %v", neighbors[0])
	}
	if neighbors[1].(map[string]any)["distance"] != nil {
		t.Fatalf("expected null distance, got %v", neighbors[1])
	}
	if doc["displayLabel"] != "KITCHEN" || doc["status"] != "ok" {
		t.Fatalf("unexpected document: %s", raw)
	}
}

func TestLatest(t *testing.T) {
	l := NewLatest()
	if _, ok := l.Get(); ok {
		t.Fatalf("expected no outcome yet")
	}
	o := sampleOutcome()
	_ = l.Publish(context.Background(), o)
	got, ok := l.Get()
	if !ok || got.DeviceID != o.DeviceID || got.Result.Label != "KITCHEN" {
		t.Fatalf("unexpected latest: %+v", got)
	}
}

func TestFileWritesDisplayLabel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "current_location.txt")
	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("new file sink: %v", err)
	}
	o := sampleOutcome()
	if err := f.Publish(context.Background(), o); err != nil {
		t.Fatalf("publish: %v", err)
	}
	assertFile(t, path, "KITCHEN")

	o.Result.Uncertain = true
	if err := f.Publish(context.Background(), o); err != nil {
		t.Fatalf("publish: %v", err)
	}
	assertFile(t, path, locator.UnknownLabel)

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files must not be left behind, found %d entries", len(entries))
	}
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != want {
		t.Fatalf("file contains %q, want %q", raw, want)
	}
}

func TestNewFileRejectsEmptyPath(t *testing.T) {
	if _, err := NewFile("  "); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))
	_ = sink.Publish(context.Background(), sampleOutcome())
	if !strings.Contains(buf.String(), "location_published") || !strings.Contains(buf.String(), "location=KITCHEN") {
		t.Fatalf("unexpected log line: %s", buf.String())
	}
}

type failingSink struct{ name string }

func (f failingSink) Name() string { return f.name }
func (f failingSink) Publish(context.Context, locator.Outcome) error {
	return errors.New("unavailable")
}

func TestFanoutAttemptsEverySink(t *testing.T) {
	latest := NewLatest()
	var failed []string
	fan := NewFanout(func(sink string, _ error) { failed = append(failed, sink) }, failingSink{name: "kafka"}, latest)

	err := fan.Publish(context.Background(), sampleOutcome())
	if err == nil || !strings.Contains(err.Error(), "kafka") {
		t.Fatalf("expected joined error naming kafka, got %v", err)
	}
	if _, ok := latest.Get(); !ok {
		t.Fatalf("later sinks must still receive the outcome")
	}
	if len(failed) != 1 || failed[0] != "kafka" {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if names := fan.Names(); len(names) != 2 || names[1] != "latest" {
		t.Fatalf("unexpected names: %v", names)
	}
}

type recordingWriter struct {
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestKafkaSinkKeysByDevice(t *testing.T) {
	w := &recordingWriter{}
	sink := &Kafka{writer: w, topic: "locator.results"}
	if err := sink.Publish(context.Background(), sampleOutcome()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "esp32-01" {
		t.Fatalf("unexpected messages: %+v", w.msgs)
	}
	var dto OutcomeDTO
	if err := json.Unmarshal(w.msgs[0].Value, &dto); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if dto.Label != "KITCHEN" || dto.Confidence != 67 {
		t.Fatalf("unexpected payload: %+v", dto)
	}
}

func TestNewKafkaValidation(t *testing.T) {
	if _, err := NewKafka(nil, "t", nil); err == nil {
		t.Fatalf("expected broker error")
	}
	if _, err := NewKafka([]string{"localhost:9092"}, "", nil); err == nil {
		t.Fatalf("expected topic error")
	}
}
