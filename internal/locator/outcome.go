// v0
// internal/locator/outcome.go
package locator

import (
	"context"
	"time"

	"nrgchamp/locator/internal/fingerprint"
	"nrgchamp/locator/internal/knn"
)

// Status classifies how an outcome was produced.
type Status string

const (
	StatusOK               Status = "ok"
	StatusInsufficientData Status = "insufficient_data"
)

// UnknownLabel is published when no room can be named.
const UnknownLabel = "UNKNOWN"

// Outcome is what the service hands to result sinks for one live scan.
type Outcome struct {
	DeviceID     string
	Status       Status
	Result       knn.Result
	Readings     int
	StoreVersion uint64
	ClassifiedAt time.Time
}

// DisplayLabel is the label shown to people: UNKNOWN whenever the result is
// uncertain, the winning room otherwise.
func (o Outcome) DisplayLabel() string {
	if o.Status != StatusOK || o.Result.Uncertain || o.Result.Label == "" {
		return UnknownLabel
	}
	return o.Result.Label
}

// Sink receives every published outcome.
type Sink interface {
	Name() string
	Publish(ctx context.Context, o Outcome) error
}

// Observer receives instrumentation events. Implementations must be safe
// for concurrent use.
type Observer interface {
	ObserveClassification(status string, uncertain bool, took time.Duration)
	ObserveDecodeError()
	ObserveDropped(reason string)
	ObserveReload(ok bool, fingerprints int)
	ObservePublishError(sink string)
}

// Archiver persists raw live scans.
type Archiver interface {
	ArchiveScan(ctx context.Context, deviceID string, snap fingerprint.Snapshot) error
}

type nopObserver struct{}

func (nopObserver) ObserveClassification(string, bool, time.Duration) {}
func (nopObserver) ObserveDecodeError()                              {}
func (nopObserver) ObserveDropped(string)                            {}
func (nopObserver) ObserveReload(bool, int)                          {}
func (nopObserver) ObservePublishError(string)                       {}
