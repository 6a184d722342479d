// v0
// internal/locator/service_test.go
package locator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"nrgchamp/locator/internal/fingerprint"
	"nrgchamp/locator/internal/ingest"
	"nrgchamp/locator/internal/knn"
)

type rowSource struct {
	mu   sync.Mutex
	rows []fingerprint.Row
	err  error
}

func (r *rowSource) LoadRows(context.Context) ([]fingerprint.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return append([]fingerprint.Row(nil), r.rows...), nil
}

func (r *rowSource) set(rows []fingerprint.Row, err error) {
	r.mu.Lock()
	r.rows, r.err = rows, err
	r.mu.Unlock()
}

type captureSink struct {
	mu       sync.Mutex
	outcomes []Outcome
	err      error
	onPub    func(Outcome)
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Publish(_ context.Context, o Outcome) error {
	if c.onPub != nil {
		c.onPub(o)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
	return c.err
}

func (c *captureSink) all() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outcome(nil), c.outcomes...)
}

type countingObserver struct {
	mu            sync.Mutex
	decodeErrors  int
	dropped       map[string]int
	statuses      map[string]int
	reloadsOK     int
	reloadsFailed int
	publishErrors int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{dropped: map[string]int{}, statuses: map[string]int{}}
}

func (o *countingObserver) ObserveClassification(status string, _ bool, _ time.Duration) {
	o.mu.Lock()
	o.statuses[status]++
	o.mu.Unlock()
}
func (o *countingObserver) ObserveDecodeError() { o.mu.Lock(); o.decodeErrors++; o.mu.Unlock() }
func (o *countingObserver) ObserveDropped(reason string) {
	o.mu.Lock()
	o.dropped[reason]++
	o.mu.Unlock()
}
func (o *countingObserver) ObserveReload(ok bool, _ int) {
	o.mu.Lock()
	if ok {
		o.reloadsOK++
	} else {
		o.reloadsFailed++
	}
	o.mu.Unlock()
}
func (o *countingObserver) ObservePublishError(string) { o.mu.Lock(); o.publishErrors++; o.mu.Unlock() }

func kitchenDeskRows() []fingerprint.Row {
	return []fingerprint.Row{
		{CaptureKey: "k1", Label: "KITCHEN", Station: "A", RSSI: -40},
		{CaptureKey: "k1", Label: "KITCHEN", Station: "B", RSSI: -70},
		{CaptureKey: "d1", Label: "DESK", Station: "A", RSSI: -75},
		{CaptureKey: "d1", Label: "DESK", Station: "B", RSSI: -45},
	}
}

func newTestService(t *testing.T, src *rowSource, sink *captureSink, obs Observer) *Service {
	t.Helper()
	clf, err := knn.NewClassifier(knn.DefaultParams())
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	svc, err := New(Options{
		Classifier: clf,
		Source:     src,
		Sink:       sink,
		Observer:   obs,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func scanOf(readings ...fingerprint.Reading) ingest.Scan {
	return ingest.Scan{DeviceID: "esp32-01", Snapshot: fingerprint.Snapshot(readings)}
}

func TestNewValidation(t *testing.T) {
	clf, _ := knn.NewClassifier(knn.DefaultParams())
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cases := []Options{
		{Source: &rowSource{}, Sink: &captureSink{}, Logger: log},
		{Classifier: clf, Sink: &captureSink{}, Logger: log},
		{Classifier: clf, Source: &rowSource{}, Logger: log},
		{Classifier: clf, Source: &rowSource{}, Sink: &captureSink{}},
	}
	for i, opts := range cases {
		if _, err := New(opts); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestStartFailsOnLoadError(t *testing.T) {
	src := &rowSource{err: errors.New("db down")}
	svc := newTestService(t, src, &captureSink{}, nil)
	err := svc.Start(context.Background())
	if !errors.Is(err, fingerprint.ErrLoad) {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestProcessKitchenExample(t *testing.T) {
	src := &rowSource{rows: kitchenDeskRows()}
	sink := &captureSink{}
	svc := newTestService(t, src, sink, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	out, ok := svc.Process(context.Background(), scanOf(
		fingerprint.Reading{Station: "A", RSSI: -42},
		fingerprint.Reading{Station: "B", RSSI: -68},
	))
	if !ok {
		t.Fatalf("expected scan to be processed")
	}
	// k=5 over a two-fingerprint store: one of two neighbors agrees.
	if out.Status != StatusOK || out.Result.Label != "KITCHEN" || out.Result.Confidence != 50 || out.Result.Uncertain {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.DisplayLabel() != "KITCHEN" {
		t.Fatalf("display label = %s", out.DisplayLabel())
	}
	if got := sink.all(); len(got) != 1 || got[0].DeviceID != "esp32-01" {
		t.Fatalf("expected one published outcome, got %+v", got)
	}
}

func TestProcessEmptySnapshotIsDropped(t *testing.T) {
	src := &rowSource{rows: kitchenDeskRows()}
	sink := &captureSink{}
	obs := newCountingObserver()
	svc := newTestService(t, src, sink, obs)
	_ = svc.Start(context.Background())

	if _, ok := svc.Process(context.Background(), scanOf()); ok {
		t.Fatalf("empty snapshot must not be processed")
	}
	if len(sink.all()) != 0 {
		t.Fatalf("nothing must be published")
	}
	if obs.dropped["empty_snapshot"] != 1 {
		t.Fatalf("expected empty_snapshot drop to be counted")
	}
}

func TestProcessEmptyStorePublishesUnknown(t *testing.T) {
	src := &rowSource{}
	sink := &captureSink{}
	svc := newTestService(t, src, sink, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("empty store must not be fatal: %v", err)
	}
	out, ok := svc.Process(context.Background(), scanOf(fingerprint.Reading{Station: "A", RSSI: -40}))
	if !ok {
		t.Fatalf("expected processing")
	}
	if out.Status != StatusInsufficientData || out.Result.Label != UnknownLabel || !out.Result.Uncertain {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.DisplayLabel() != UnknownLabel {
		t.Fatalf("expected UNKNOWN display label")
	}
	if len(sink.all()) != 1 {
		t.Fatalf("insufficient data must still be published")
	}
}

func TestReloadFailureKeepsPreviousStore(t *testing.T) {
	src := &rowSource{rows: kitchenDeskRows()}
	obs := newCountingObserver()
	svc := newTestService(t, src, &captureSink{}, obs)
	_ = svc.Start(context.Background())
	before := svc.Store()

	src.set(nil, errors.New("timeout"))
	if _, err := svc.Reload(context.Background()); !errors.Is(err, fingerprint.ErrLoad) {
		t.Fatalf("expected load error, got %v", err)
	}
	if svc.Store() != before {
		t.Fatalf("failed reload must keep the previous store")
	}
	if obs.reloadsOK != 1 || obs.reloadsFailed != 1 {
		t.Fatalf("unexpected reload counts ok=%d failed=%d", obs.reloadsOK, obs.reloadsFailed)
	}

	src.set(kitchenDeskRows()[:2], nil)
	report, err := svc.Reload(context.Background())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if report.Fingerprints != 1 || report.Version <= before.Version() {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestReloadDuringPublishUsesStoreReadAtStart(t *testing.T) {
	src := &rowSource{rows: kitchenDeskRows()}
	sink := &captureSink{}
	svc := newTestService(t, src, sink, nil)
	_ = svc.Start(context.Background())
	oldVersion := svc.Store().Version()

	// The replacement store only knows DESK.
	src.set([]fingerprint.Row{
		{CaptureKey: "d9", Label: "DESK", Station: "A", RSSI: -42},
		{CaptureKey: "d9", Label: "DESK", Station: "B", RSSI: -68},
	}, nil)
	reloaded := false
	sink.onPub = func(Outcome) {
		if !reloaded {
			reloaded = true
			if _, err := svc.Reload(context.Background()); err != nil {
				t.Errorf("reload: %v", err)
			}
		}
	}

	scan := scanOf(fingerprint.Reading{Station: "A", RSSI: -42}, fingerprint.Reading{Station: "B", RSSI: -68})
	first, _ := svc.Process(context.Background(), scan)
	if first.StoreVersion != oldVersion || first.Result.Label != "KITCHEN" {
		t.Fatalf("first outcome must come from the old store: %+v", first)
	}
	for _, nb := range first.Result.Neighbors {
		if nb.CaptureKey == "d9" {
			t.Fatalf("old-store result must not contain new fingerprints")
		}
	}

	second, _ := svc.Process(context.Background(), scan)
	if second.StoreVersion == oldVersion || second.Result.Label != "DESK" {
		t.Fatalf("second outcome must come from the new store: %+v", second)
	}
}

func TestConcurrentReloadAndProcess(t *testing.T) {
	src := &rowSource{rows: kitchenDeskRows()}
	svc := newTestService(t, src, &captureSink{}, nil)
	_ = svc.Start(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _ = svc.Reload(context.Background())
		}
	}()
	go func() {
		defer wg.Done()
		scan := scanOf(fingerprint.Reading{Station: "A", RSSI: -42})
		for i := 0; i < 50; i++ {
			out, _ := svc.Process(context.Background(), scan)
			if len(out.Result.Neighbors) != 2 {
				t.Errorf("expected a full store per classification, got %d neighbors", len(out.Result.Neighbors))
				return
			}
		}
	}()
	wg.Wait()
}

func TestHandleDecodeErrorIsCountedAndAcked(t *testing.T) {
	src := &rowSource{rows: kitchenDeskRows()}
	sink := &captureSink{}
	obs := newCountingObserver()
	svc := newTestService(t, src, sink, obs)
	_ = svc.Start(context.Background())

	acked := 0
	ack := func(context.Context) error { acked++; return nil }
	svc.Handle(context.Background(), ingest.Message{Topic: "scans", Payload: []byte(`{"scans":[{"rssi":-40}]}`), Ack: ack})
	svc.Handle(context.Background(), ingest.Message{Topic: "scans", Payload: []byte(`{"scans":[{"mac":"a","rssi":-41}]}`), Ack: ack})

	if obs.decodeErrors != 1 {
		t.Fatalf("expected one decode error, got %d", obs.decodeErrors)
	}
	if acked != 2 {
		t.Fatalf("expected both messages to be acked, got %d", acked)
	}
	if len(sink.all()) != 1 {
		t.Fatalf("expected one published outcome, got %d", len(sink.all()))
	}
}

type recordingArchiver struct {
	calls int
}

func (a *recordingArchiver) ArchiveScan(context.Context, string, fingerprint.Snapshot) error {
	a.calls++
	return errors.New("disk full")
}

func TestHandleArchivesAndSurvivesSinkErrors(t *testing.T) {
	src := &rowSource{rows: kitchenDeskRows()}
	sink := &captureSink{err: errors.New("broker down")}
	obs := newCountingObserver()
	clf, _ := knn.NewClassifier(knn.DefaultParams())
	arch := &recordingArchiver{}
	svc, err := New(Options{
		Classifier: clf,
		Source:     src,
		Sink:       sink,
		Observer:   obs,
		Archiver:   arch,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = svc.Start(context.Background())

	svc.Handle(context.Background(), ingest.Message{Payload: []byte(`{"scans":[{"mac":"a","rssi":-41}]}`)})
	svc.Handle(context.Background(), ingest.Message{Payload: []byte(`{"scans":[]}`)})
	if arch.calls != 1 {
		t.Fatalf("expected one archive call, got %d", arch.calls)
	}
	if obs.publishErrors != 1 {
		t.Fatalf("expected publish error to be counted, got %d", obs.publishErrors)
	}
}

func TestRunProcessesInOrder(t *testing.T) {
	src := &rowSource{rows: kitchenDeskRows()}
	sink := &captureSink{}
	svc := newTestService(t, src, sink, nil)
	_ = svc.Start(context.Background())

	in := make(chan Message, 3)
	in <- Message{Payload: []byte(`{"deviceId":"one","scans":[{"mac":"a","rssi":-40}]}`)}
	in <- Message{Payload: []byte(`{"deviceId":"two","scans":[{"mac":"b","rssi":-40}]}`)}
	in <- Message{Payload: []byte(`{"deviceId":"three","scans":[{"mac":"a","rssi":-50}]}`)}
	close(in)

	if err := svc.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := sink.all()
	if len(got) != 3 || got[0].DeviceID != "one" || got[1].DeviceID != "two" || got[2].DeviceID != "three" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestRunReloaderDisabledReturnsImmediately(t *testing.T) {
	svc := newTestService(t, &rowSource{}, &captureSink{}, nil)
	if err := svc.RunReloader(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunReloaderReloadsPeriodically(t *testing.T) {
	src := &rowSource{rows: kitchenDeskRows()}
	obs := newCountingObserver()
	svc := newTestService(t, src, &captureSink{}, obs)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := svc.RunReloader(ctx, 20*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.reloadsOK < 2 {
		t.Fatalf("expected several reloads, got %d", obs.reloadsOK)
	}
	if svc.Store() == nil {
		t.Fatalf("expected a store after periodic reloads")
	}
}
