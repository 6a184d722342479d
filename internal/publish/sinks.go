// v0
// internal/publish/sinks.go
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"nrgchamp/locator/internal/locator"
)

// Latest keeps the most recent outcome in memory for the HTTP surface.
type Latest struct {
	mu  sync.RWMutex
	cur *locator.Outcome
}

// NewLatest returns an empty holder.
func NewLatest() *Latest {
	return &Latest{}
}

func (l *Latest) Name() string { return "latest" }

func (l *Latest) Publish(_ context.Context, o locator.Outcome) error {
	l.mu.Lock()
	l.cur = &o
	l.mu.Unlock()
	return nil
}

// Get returns the latest outcome and whether one has been published yet.
func (l *Latest) Get() (locator.Outcome, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.cur == nil {
		return locator.Outcome{}, false
	}
	return *l.cur, true
}

// File writes the display label of every outcome to a single file that the
// floor-plan dashboard polls. Writes go through a temp file and rename so a
// reader never sees a partial label.
type File struct {
	path string
}

// NewFile validates path and makes sure its directory exists.
func NewFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("current location path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create location dir: %w", err)
		}
	}
	return &File{path: path}, nil
}

func (f *File) Name() string { return "file" }

func (f *File) Publish(_ context.Context, o locator.Outcome) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".location-*")
	if err != nil {
		return fmt.Errorf("create temp location file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(o.DisplayLabel()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write location: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close location file: %w", err)
	}
	if err := os.Rename(name, f.path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("replace location file: %w", err)
	}
	return nil
}

// Log emits one structured line per outcome.
type Log struct {
	log *slog.Logger
}

// NewLog returns a sink writing to log.
func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Publish(_ context.Context, o locator.Outcome) error {
	l.log.Info("location_published",
		slog.String("deviceId", o.DeviceID),
		slog.String("location", o.DisplayLabel()),
		slog.String("status", string(o.Status)),
		slog.Int("confidence", o.Result.Confidence),
	)
	return nil
}

// Fanout publishes to every sink in order. Each sink is attempted even when
// an earlier one fails; failures are reported through onError and joined in
// the returned error.
type Fanout struct {
	sinks   []locator.Sink
	onError func(sink string, err error)
}

// NewFanout builds a fan-out over sinks. onError may be nil.
func NewFanout(onError func(sink string, err error), sinks ...locator.Sink) *Fanout {
	return &Fanout{sinks: sinks, onError: onError}
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Publish(ctx context.Context, o locator.Outcome) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, o); err != nil {
			if f.onError != nil {
				f.onError(s.Name(), err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Names lists the wrapped sinks.
func (f *Fanout) Names() []string {
	out := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		out = append(out, s.Name())
	}
	return out
}
