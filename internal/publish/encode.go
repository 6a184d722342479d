// v0
// internal/publish/encode.go
package publish

import (
	"encoding/json"
	"math"
	"time"

	"nrgchamp/locator/internal/locator"
)

// NeighborDTO is the wire form of a ranked neighbor. Distance is null when
// the fingerprint shares no usable station with the scan.
type NeighborDTO struct {
	Label      string   `json:"label"`
	CaptureKey string   `json:"captureKey"`
	Distance   *float64 `json:"distance"`
}

// OutcomeDTO is the JSON document published for every classified scan.
type OutcomeDTO struct {
	DeviceID     string        `json:"deviceId,omitempty"`
	Status       string        `json:"status"`
	Label        string        `json:"label"`
	DisplayLabel string        `json:"displayLabel"`
	Confidence   int           `json:"confidence"`
	Uncertain    bool          `json:"uncertain"`
	Readings     int           `json:"readings"`
	StoreVersion uint64        `json:"storeVersion"`
	ClassifiedAt time.Time     `json:"classifiedAt"`
	Neighbors    []NeighborDTO `json:"neighbors"`
}

// ToDTO converts an outcome into its wire form.
func ToDTO(o locator.Outcome) OutcomeDTO {
	neighbors := make([]NeighborDTO, 0, len(o.Result.Neighbors))
	for _, nb := range o.Result.Neighbors {
		dto := NeighborDTO{Label: nb.Label, CaptureKey: nb.CaptureKey}
		if !math.IsInf(nb.Distance, 0) && !math.IsNaN(nb.Distance) {
			d := nb.Distance
			dto.Distance = &d
		}
		neighbors = append(neighbors, dto)
	}
	return OutcomeDTO{
		DeviceID:     o.DeviceID,
		Status:       string(o.Status),
		Label:        o.Result.Label,
		DisplayLabel: o.DisplayLabel(),
		Confidence:   o.Result.Confidence,
		Uncertain:    o.Result.Uncertain,
		Readings:     o.Readings,
		StoreVersion: o.StoreVersion,
		ClassifiedAt: o.ClassifiedAt,
		Neighbors:    neighbors,
	}
}

// Encode renders an outcome as JSON.
func Encode(o locator.Outcome) ([]byte, error) {
	return json.Marshal(ToDTO(o))
}
