// v0
// internal/fingerprint/fingerprint.go
package fingerprint

import (
	"sort"
	"strings"
)

// Reading is a single access point observed during one scan.
type Reading struct {
	// Station is the hardware identifier (BSSID/MAC) of the access point.
	Station string
	// RSSI is the received signal strength in dBm.
	RSSI int
	// SSID is the advertised network name; empty when not reported.
	SSID string
}

// Signal strengths outside [MinValidRSSI, MaxValidRSSI] dBm are rejected at
// decode time and skipped at load time.
const (
	MinValidRSSI = -150
	MaxValidRSSI = 0
)

// ValidRSSI reports whether v is a plausible received signal strength.
func ValidRSSI(v int) bool {
	return v >= MinValidRSSI && v <= MaxValidRSSI
}

// NormalizeStation canonicalizes a hardware identifier so scans and
// persisted rows compare equal regardless of case.
func NormalizeStation(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Snapshot is the set of readings captured together by the device.
type Snapshot []Reading

// Signature maps a station identifier to its signal strength.
type Signature map[string]int

// Signature converts the snapshot into a station lookup keyed by the
// normalized identifier. When the same station appears more than once the
// last reading wins.
func (s Snapshot) Signature() Signature {
	sig := make(Signature, len(s))
	for _, r := range s {
		sig[NormalizeStation(r.Station)] = r.RSSI
	}
	return sig
}

// Stations returns the identifiers of the signature in lexical order.
func (s Signature) Stations() []string {
	out := make([]string, 0, len(s))
	for station := range s {
		out = append(out, station)
	}
	sort.Strings(out)
	return out
}

// Fingerprint is one labeled reference capture.
type Fingerprint struct {
	CaptureKey string
	Label      string
	Signature  Signature
}

// Row mirrors one persisted training reading. Rows sharing a CaptureKey
// belong to the same fingerprint.
type Row struct {
	CaptureKey string
	Label      string
	Station    string
	RSSI       int
	SSID       string
}
