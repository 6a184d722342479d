// v0
// internal/knn/classifier.go
package knn

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"nrgchamp/locator/internal/fingerprint"
)

// ErrInsufficientData is returned when the store holds no fingerprints.
var ErrInsufficientData = errors.New("insufficient data: fingerprint store is empty")

const (
	DefaultK         = 5
	DefaultThreshold = 20.0
)

// Params tunes the classifier.
type Params struct {
	// K is the number of neighbors consulted.
	K int
	// Threshold marks a result uncertain when the nearest raw distance is
	// strictly greater than it.
	Threshold float64
	// Smoothing is added to each distance before inverting it into a
	// weight. Zero gives plain inverse-distance weighting.
	Smoothing float64
	Metric    Metric
}

// DefaultParams mirrors the defaults used by the locator service.
func DefaultParams() Params {
	return Params{
		K:         DefaultK,
		Threshold: DefaultThreshold,
		Metric:    DefaultMetric(),
	}
}

// Neighbor is one ranked reference fingerprint.
type Neighbor struct {
	Distance   float64
	Label      string
	CaptureKey string
}

// Result is the outcome of classifying one snapshot.
type Result struct {
	Label string
	// Confidence is the winner's share of the neighbors actually consulted,
	// 0 to 100: round(100 * votes / len(Neighbors)). When the store holds
	// fewer than K fingerprints the denominator is the store size, not K.
	Confidence int
	Uncertain  bool
	Neighbors  []Neighbor
}

// Nearest returns the raw distance of the closest neighbor.
func (r Result) Nearest() float64 {
	if len(r.Neighbors) == 0 {
		return math.Inf(1)
	}
	return r.Neighbors[0].Distance
}

// Classifier runs weighted k-nearest-neighbor votes. It holds no mutable
// state and is safe for concurrent use.
type Classifier struct {
	params Params
}

// NewClassifier validates params and returns a classifier.
func NewClassifier(p Params) (*Classifier, error) {
	if p.K <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", p.K)
	}
	if p.Threshold < 0 || math.IsNaN(p.Threshold) {
		return nil, fmt.Errorf("uncertainty threshold must be >= 0, got %v", p.Threshold)
	}
	if p.Smoothing < 0 || math.IsNaN(p.Smoothing) {
		return nil, fmt.Errorf("smoothing must be >= 0, got %v", p.Smoothing)
	}
	if p.Metric.Policy == "" {
		p.Metric.Policy = PolicyUnion
	}
	if _, err := ParsePolicy(string(p.Metric.Policy)); err != nil {
		return nil, err
	}
	return &Classifier{params: p}, nil
}

// Params returns the validated parameters.
func (c *Classifier) Params() Params {
	return c.params
}

// Classify ranks every fingerprint in store against live and votes among
// the k nearest. It only fails with ErrInsufficientData.
func (c *Classifier) Classify(live fingerprint.Snapshot, store *fingerprint.Store) (Result, error) {
	n := store.Len()
	if n == 0 {
		return Result{}, ErrInsufficientData
	}

	sig := live.Signature()
	ranked := make([]Neighbor, n)
	for i := 0; i < n; i++ {
		fp := store.At(i)
		ranked[i] = Neighbor{
			Distance:   c.params.Metric.Distance(sig, fp.Signature),
			Label:      fp.Label,
			CaptureKey: fp.CaptureKey,
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Distance < ranked[j].Distance
	})

	k := c.params.K
	if k > n {
		k = n
	}
	neighbors := ranked[:k:k]

	order := make([]string, 0, k)
	weights := make(map[string]float64, k)
	votes := make(map[string]int, k)
	for _, nb := range neighbors {
		if _, seen := weights[nb.Label]; !seen {
			order = append(order, nb.Label)
		}
		weights[nb.Label] += c.weight(nb.Distance)
		votes[nb.Label]++
	}

	winner := order[0]
	for _, label := range order[1:] {
		if weights[label] > weights[winner] {
			winner = label
		}
	}

	confidence := int(math.Round(100 * float64(votes[winner]) / float64(len(neighbors))))
	return Result{
		Label:      winner,
		Confidence: confidence,
		Uncertain:  !(neighbors[0].Distance <= c.params.Threshold),
		Neighbors:  neighbors,
	}, nil
}

func (c *Classifier) weight(d float64) float64 {
	if math.IsInf(d, 1) {
		return 0
	}
	if d < Epsilon {
		d = Epsilon
	}
	return 1 / (d + c.params.Smoothing)
}
