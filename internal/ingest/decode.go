// v0
// internal/ingest/decode.go
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"nrgchamp/locator/internal/fingerprint"
)

// Format names the wire encoding of scan payloads.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat resolves a textual payload format.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("unknown payload format %q", raw)
	}
}

// DecodeError marks a payload that does not match the scan schema.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode scan payload: %s: %v", e.Reason, e.Err)
	}
	return "decode scan payload: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// scanEnvelope is the payload published by the scanning device. Pointer
// fields distinguish a missing key from a zero value.
type scanEnvelope struct {
	DeviceID string         `json:"deviceId,omitempty" cbor:"deviceId,omitempty"`
	Scans    *[]scanReading `json:"scans" cbor:"scans"`
}

type scanReading struct {
	MAC  *string `json:"mac" cbor:"mac"`
	RSSI *int    `json:"rssi" cbor:"rssi"`
	SSID *string `json:"ssid,omitempty" cbor:"ssid,omitempty"`
}

// Scan is a validated inbound payload.
type Scan struct {
	DeviceID string
	Snapshot fingerprint.Snapshot
}

// Decoder validates scan payloads in one wire format.
type Decoder struct {
	format Format
}

// NewDecoder returns a decoder for the given format.
func NewDecoder(format Format) *Decoder {
	if format == "" {
		format = FormatJSON
	}
	return &Decoder{format: format}
}

// Format reports the configured wire format.
func (d *Decoder) Format() Format {
	return d.format
}

// Decode parses raw and validates every reading. A present but empty list
// of readings is valid and yields an empty snapshot.
func (d *Decoder) Decode(raw []byte) (Scan, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Scan{}, &DecodeError{Reason: "empty payload"}
	}
	var env scanEnvelope
	switch d.format {
	case FormatCBOR:
		if err := cbor.Unmarshal(raw, &env); err != nil {
			return Scan{}, &DecodeError{Reason: "invalid cbor", Err: err}
		}
	default:
		if err := json.Unmarshal(raw, &env); err != nil {
			return Scan{}, &DecodeError{Reason: "invalid json", Err: err}
		}
	}
	if env.Scans == nil {
		return Scan{}, &DecodeError{Reason: "scans missing"}
	}

	snap := make(fingerprint.Snapshot, 0, len(*env.Scans))
	for i, item := range *env.Scans {
		if item.MAC == nil || strings.TrimSpace(*item.MAC) == "" {
			return Scan{}, &DecodeError{Reason: fmt.Sprintf("scans[%d]: mac missing", i)}
		}
		if item.RSSI == nil {
			return Scan{}, &DecodeError{Reason: fmt.Sprintf("scans[%d]: rssi missing", i)}
		}
		if !fingerprint.ValidRSSI(*item.RSSI) {
			return Scan{}, &DecodeError{Reason: fmt.Sprintf("scans[%d]: rssi %d outside [%d, %d] dBm",
				i, *item.RSSI, fingerprint.MinValidRSSI, fingerprint.MaxValidRSSI)}
		}
		r := fingerprint.Reading{
			Station: fingerprint.NormalizeStation(*item.MAC),
			RSSI:    *item.RSSI,
		}
		if item.SSID != nil {
			r.SSID = *item.SSID
		}
		snap = append(snap, r)
	}
	return Scan{DeviceID: strings.TrimSpace(env.DeviceID), Snapshot: snap}, nil
}

// Encode renders a scan in the decoder's format. Tools and tests use it to
// publish payloads the service understands.
func (d *Decoder) Encode(scan Scan) ([]byte, error) {
	items := make([]scanReading, 0, len(scan.Snapshot))
	for _, r := range scan.Snapshot {
		mac := r.Station
		rssi := r.RSSI
		item := scanReading{MAC: &mac, RSSI: &rssi}
		if r.SSID != "" {
			ssid := r.SSID
			item.SSID = &ssid
		}
		items = append(items, item)
	}
	env := scanEnvelope{DeviceID: scan.DeviceID, Scans: &items}
	if d.format == FormatCBOR {
		return cbor.Marshal(env)
	}
	return json.Marshal(env)
}
