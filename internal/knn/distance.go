// v0
// internal/knn/distance.go
package knn

import (
	"fmt"
	"math"
	"strings"

	"nrgchamp/locator/internal/fingerprint"
)

// Policy selects how stations seen on only one side are scored.
type Policy string

const (
	// PolicyUnion scores the union of stations, substituting MissingRSSI
	// for a station absent on one side.
	PolicyUnion Policy = "union"
	// PolicyPenalty scores only the stored stations and adds Penalty for
	// each one the live scan did not see.
	PolicyPenalty Policy = "penalty"
)

const (
	// Epsilon replaces a zero distance before it is used as a weight
	// denominator.
	Epsilon = 0.001

	DefaultMissingRSSI = -100
	DefaultMinRSSI     = -85
	DefaultPenalty     = 1000.0
)

// ParsePolicy resolves a textual policy name.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case PolicyUnion, "":
		return PolicyUnion, nil
	case PolicyPenalty:
		return PolicyPenalty, nil
	default:
		return "", fmt.Errorf("unknown distance policy %q", raw)
	}
}

// Metric scores the dissimilarity between a live signature and a stored one.
type Metric struct {
	Policy Policy
	// MissingRSSI stands in for a station not seen on one side (union).
	MissingRSSI int
	// MinRSSI is the weakest live reading still compared (penalty).
	MinRSSI int
	// Penalty is added to the squared sum per stored station missing from
	// the live scan (penalty).
	Penalty float64
}

// DefaultMetric returns the union policy with the default sentinel.
func DefaultMetric() Metric {
	return Metric{
		Policy:      PolicyUnion,
		MissingRSSI: DefaultMissingRSSI,
		MinRSSI:     DefaultMinRSSI,
		Penalty:     DefaultPenalty,
	}
}

// Distance returns a value >= 0. Under the penalty policy it returns +Inf
// when no stored station was usable in the live scan. A result that is not
// a real number is reported as +Inf.
func (m Metric) Distance(live, stored fingerprint.Signature) float64 {
	var d float64
	if m.Policy == PolicyPenalty {
		d = m.penalty(live, stored)
	} else {
		d = m.union(live, stored)
	}
	if math.IsNaN(d) {
		return math.Inf(1)
	}
	return d
}

// sqDiff squares a-b in float64. For readings inside the valid dBm range the
// squares are small integers, so sums stay exact in any order.
func sqDiff(a, b int) float64 {
	d := float64(a) - float64(b)
	return d * d
}

func (m Metric) union(live, stored fingerprint.Signature) float64 {
	var sum float64
	for station, l := range live {
		s, ok := stored[station]
		if !ok {
			s = m.MissingRSSI
		}
		sum += sqDiff(l, s)
	}
	for station, s := range stored {
		if _, ok := live[station]; ok {
			continue
		}
		sum += sqDiff(m.MissingRSSI, s)
	}
	return math.Sqrt(sum)
}

func (m Metric) penalty(live, stored fingerprint.Signature) float64 {
	var sum float64
	missing, matches := 0, 0
	for station, s := range stored {
		l, ok := live[station]
		if !ok {
			missing++
			continue
		}
		if l < m.MinRSSI {
			continue
		}
		sum += sqDiff(l, s)
		matches++
	}
	if matches == 0 {
		return math.Inf(1)
	}
	return math.Sqrt(sum + float64(missing)*m.Penalty)
}
