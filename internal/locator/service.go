// v0
// internal/locator/service.go
package locator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"nrgchamp/locator/internal/fingerprint"
	"nrgchamp/locator/internal/ingest"
	"nrgchamp/locator/internal/knn"
)

// Options wires the service collaborators. Classifier, Source, Sink and
// Logger are required.
type Options struct {
	Classifier *knn.Classifier
	Source     fingerprint.RowSource
	Sink       Sink
	Decoder    *ingest.Decoder
	Observer   Observer
	Archiver   Archiver
	Logger     *slog.Logger
	Now        func() time.Time
}

// ReloadReport describes a completed store load.
type ReloadReport struct {
	Version        uint64        `json:"version"`
	Fingerprints   int           `json:"fingerprints"`
	Rows           int           `json:"rows"`
	SkippedRows    int           `json:"skippedRows"`
	LabelConflicts int           `json:"labelConflicts"`
	Took           time.Duration `json:"tookNs"`
}

// Service classifies live scans against the active fingerprint store and
// publishes the outcomes. The store holder is its only mutable state.
type Service struct {
	classifier *knn.Classifier
	source     fingerprint.RowSource
	sink       Sink
	decoder    *ingest.Decoder
	obs        Observer
	archiver   Archiver
	log        *slog.Logger
	now        func() time.Time

	holder   *fingerprint.Holder
	reloadMu sync.Mutex
}

// New validates opts and returns a service with no store loaded yet.
func New(opts Options) (*Service, error) {
	if opts.Classifier == nil {
		return nil, errors.New("classifier must not be nil")
	}
	if opts.Source == nil {
		return nil, errors.New("row source must not be nil")
	}
	if opts.Sink == nil {
		return nil, errors.New("sink must not be nil")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	if opts.Decoder == nil {
		opts.Decoder = ingest.NewDecoder(ingest.FormatJSON)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		classifier: opts.Classifier,
		source:     opts.Source,
		sink:       opts.Sink,
		decoder:    opts.Decoder,
		obs:        opts.Observer,
		archiver:   opts.Archiver,
		log:        opts.Logger,
		now:        opts.Now,
		holder:     fingerprint.NewHolder(),
	}, nil
}

// Start performs the initial load. Its error is fatal for the caller.
func (s *Service) Start(ctx context.Context) error {
	report, err := s.load(ctx)
	if err != nil {
		return err
	}
	s.log.Info("fingerprints_loaded",
		slog.Uint64("version", report.Version),
		slog.Int("fingerprints", report.Fingerprints),
		slog.Int("rows", report.Rows),
	)
	if report.Fingerprints == 0 {
		s.log.Warn("fingerprint_store_empty")
	}
	return nil
}

// Reload rebuilds the store from the row source and swaps it in. On failure
// the previous store stays active.
func (s *Service) Reload(ctx context.Context) (ReloadReport, error) {
	report, err := s.load(ctx)
	if err != nil {
		s.log.Error("fingerprint_reload_failed", slog.Any("err", err))
		return ReloadReport{}, err
	}
	s.log.Info("fingerprint_reload_completed",
		slog.Uint64("version", report.Version),
		slog.Int("fingerprints", report.Fingerprints),
		slog.Duration("took", report.Took),
	)
	return report, nil
}

func (s *Service) load(ctx context.Context) (ReloadReport, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	started := s.now()
	store, build, err := fingerprint.Load(ctx, s.source, s.log)
	if err != nil {
		s.obs.ObserveReload(false, 0)
		return ReloadReport{}, err
	}
	s.holder.Swap(store)
	s.obs.ObserveReload(true, store.Len())
	return ReloadReport{
		Version:        store.Version(),
		Fingerprints:   build.Fingerprints,
		Rows:           build.Rows,
		SkippedRows:    build.SkippedRows,
		LabelConflicts: build.LabelConflicts,
		Took:           s.now().Sub(started),
	}, nil
}

// Store returns the active store, or nil before Start.
func (s *Service) Store() *fingerprint.Store {
	return s.holder.Current()
}

// Decoder returns the payload decoder shared with the transport.
func (s *Service) Decoder() *ingest.Decoder {
	return s.decoder
}

// Evaluate classifies scan against the store active at call time without
// publishing. The store pointer is read once so a concurrent reload cannot
// mix two reference sets into one result.
func (s *Service) Evaluate(scan ingest.Scan) Outcome {
	store := s.holder.Current()
	started := s.now()
	out := Outcome{
		DeviceID:     scan.DeviceID,
		Readings:     len(scan.Snapshot),
		StoreVersion: store.Version(),
	}
	res, err := s.classifier.Classify(scan.Snapshot, store)
	out.ClassifiedAt = s.now().UTC()
	if errors.Is(err, knn.ErrInsufficientData) {
		out.Status = StatusInsufficientData
		out.Result = knn.Result{Label: UnknownLabel, Uncertain: true}
	} else {
		out.Status = StatusOK
		out.Result = res
	}
	s.obs.ObserveClassification(string(out.Status), out.Result.Uncertain, out.ClassifiedAt.Sub(started.UTC()))
	return out
}

// Process classifies and publishes one scan. Empty snapshots are dropped
// and reported as not processed.
func (s *Service) Process(ctx context.Context, scan ingest.Scan) (Outcome, bool) {
	if len(scan.Snapshot) == 0 {
		s.obs.ObserveDropped("empty_snapshot")
		s.log.Debug("scan_empty_dropped", slog.String("deviceId", scan.DeviceID))
		return Outcome{}, false
	}
	out := s.Evaluate(scan)
	s.logOutcome(out)
	if err := s.sink.Publish(ctx, out); err != nil {
		s.obs.ObservePublishError(s.sink.Name())
		s.log.Error("outcome_publish_failed", slog.String("sink", s.sink.Name()), slog.Any("err", err))
	}
	return out, true
}

func (s *Service) logOutcome(out Outcome) {
	if out.Status == StatusInsufficientData {
		s.log.Warn("scan_unclassified", slog.String("deviceId", out.DeviceID), slog.String("status", string(out.Status)))
		return
	}
	s.log.Info("scan_classified",
		slog.String("deviceId", out.DeviceID),
		slog.String("label", out.Result.Label),
		slog.Int("confidence", out.Result.Confidence),
		slog.Bool("uncertain", out.Result.Uncertain),
		slog.Float64("nearest", out.Result.Nearest()),
		slog.Int("neighbors", len(out.Result.Neighbors)),
		slog.Uint64("storeVersion", out.StoreVersion),
	)
}

// Handle decodes one transport message and processes it. Failures are
// logged and counted; they never escape a single message.
func (s *Service) Handle(ctx context.Context, msg ingest.Message) {
	defer s.ack(ctx, msg)

	scan, err := s.decoder.Decode(msg.Payload)
	if err != nil {
		s.obs.ObserveDecodeError()
		s.log.Warn("scan_decode_failed", slog.String("topic", msg.Topic), slog.Any("err", err))
		return
	}
	if s.archiver != nil && len(scan.Snapshot) > 0 {
		if err := s.archiver.ArchiveScan(ctx, scan.DeviceID, scan.Snapshot); err != nil {
			s.log.Error("scan_archive_failed", slog.String("deviceId", scan.DeviceID), slog.Any("err", err))
		}
	}
	s.Process(ctx, scan)
}

func (s *Service) ack(ctx context.Context, msg ingest.Message) {
	if msg.Ack == nil {
		return
	}
	if err := msg.Ack(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("scan_ack_failed", slog.String("topic", msg.Topic), slog.Any("err", err))
	}
}

// Run processes messages one at a time in arrival order until ctx is
// cancelled or in is closed.
func (s *Service) Run(ctx context.Context, in <-chan Message) error {
	if ctx == nil {
		return errors.New("context must not be nil")
	}
	s.log.Info("locator_loop_started")
	defer s.log.Info("locator_loop_stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			s.Handle(ctx, msg)
		}
	}
}

// Message aliases the transport message so callers need not import ingest.
type Message = ingest.Message

// RunReloader reloads the store every interval until ctx is cancelled. A
// non-positive interval disables periodic reloads.
func (s *Service) RunReloader(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		s.log.Info("fingerprint_reloader_disabled")
		return nil
	}
	s.log.Info("fingerprint_reloader_started", slog.String("interval", interval.String()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("fingerprint_reloader_stopped")
			return nil
		case <-ticker.C:
			_, _ = s.Reload(ctx)
		}
	}
}
