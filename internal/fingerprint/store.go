// v0
// internal/fingerprint/store.go
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// ErrLoad is matched by every LoadError via errors.Is.
var ErrLoad = errors.New("fingerprint load failed")

// LoadError reports that the persisted rows could not be read.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", ErrLoad.Error(), e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrLoad) succeed for any LoadError.
func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// RowSource is the persistence collaborator read at load time.
type RowSource interface {
	LoadRows(ctx context.Context) ([]Row, error)
}

// Store is an immutable, ordered set of fingerprints. A Store must not be
// modified after Build returns it; reloads produce a new Store.
type Store struct {
	fingerprints []Fingerprint
	version      uint64
	loadedAt     time.Time
}

// BuildReport summarizes how raw rows were grouped.
type BuildReport struct {
	Rows           int
	Fingerprints   int
	SkippedRows    int
	LabelConflicts int
}

var versions atomic.Uint64

// Build groups rows by capture key and materializes one fingerprint per
// group, preserving the order in which capture keys first appear.
func Build(rows []Row, log *slog.Logger) (*Store, BuildReport) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	report := BuildReport{Rows: len(rows)}
	index := make(map[string]int)
	fps := make([]Fingerprint, 0)
	conflicted := make(map[string]struct{})

	for _, row := range rows {
		key := strings.TrimSpace(row.CaptureKey)
		label := strings.TrimSpace(row.Label)
		station := NormalizeStation(row.Station)
		if key == "" || label == "" || station == "" || !ValidRSSI(row.RSSI) {
			report.SkippedRows++
			log.Warn("fingerprint_row_skipped",
				slog.String("captureKey", key),
				slog.String("label", label),
				slog.String("station", station),
				slog.Int("rssi", row.RSSI),
			)
			continue
		}
		pos, ok := index[key]
		if !ok {
			pos = len(fps)
			index[key] = pos
			fps = append(fps, Fingerprint{CaptureKey: key, Label: label, Signature: Signature{}})
		}
		fp := &fps[pos]
		if fp.Label != label {
			if _, seen := conflicted[key]; !seen {
				conflicted[key] = struct{}{}
				report.LabelConflicts++
			}
			log.Error("fingerprint_label_mismatch",
				slog.String("captureKey", key),
				slog.String("kept", fp.Label),
				slog.String("ignored", label),
			)
		}
		fp.Signature[station] = row.RSSI
	}

	report.Fingerprints = len(fps)
	return &Store{
		fingerprints: fps,
		version:      versions.Add(1),
		loadedAt:     time.Now().UTC(),
	}, report
}

// Load reads every row from src and builds a new Store. Read failures are
// returned as *LoadError.
func Load(ctx context.Context, src RowSource, log *slog.Logger) (*Store, BuildReport, error) {
	if src == nil {
		return nil, BuildReport{}, &LoadError{Err: errors.New("row source is nil")}
	}
	rows, err := src.LoadRows(ctx)
	if err != nil {
		return nil, BuildReport{}, &LoadError{Err: err}
	}
	store, report := Build(rows, log)
	return store, report, nil
}

// Len returns the number of fingerprints.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.fingerprints)
}

// At returns the i-th fingerprint in store order.
func (s *Store) At(i int) Fingerprint {
	return s.fingerprints[i]
}

// Version identifies the load that produced the store.
func (s *Store) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// LoadedAt is the instant the store was built.
func (s *Store) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// RoomCount records how many fingerprints share a label.
type RoomCount struct {
	Label        string
	Fingerprints int
}

// Summary returns the per-room fingerprint counts in first-seen order.
func (s *Store) Summary() []RoomCount {
	if s == nil {
		return nil
	}
	pos := make(map[string]int)
	out := make([]RoomCount, 0)
	for _, fp := range s.fingerprints {
		i, ok := pos[fp.Label]
		if !ok {
			i = len(out)
			pos[fp.Label] = i
			out = append(out, RoomCount{Label: fp.Label})
		}
		out[i].Fingerprints++
	}
	return out
}

// Holder owns the active Store. Readers always observe either the previous
// or the next complete Store, never a partially built one.
type Holder struct {
	cur atomic.Pointer[Store]
}

// NewHolder returns a holder with no store loaded.
func NewHolder() *Holder {
	return &Holder{}
}

// Current returns the active store, or nil before the first load.
func (h *Holder) Current() *Store {
	return h.cur.Load()
}

// Swap installs next and returns the store it replaced.
func (h *Holder) Swap(next *Store) *Store {
	return h.cur.Swap(next)
}
