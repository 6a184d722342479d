// v0
// internal/knn/distance_test.go
package knn

import (
	"math"
	"testing"

	"nrgchamp/locator/internal/fingerprint"
)

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		raw  string
		want Policy
		ok   bool
	}{
		{raw: "", want: PolicyUnion, ok: true},
		{raw: "union", want: PolicyUnion, ok: true},
		{raw: " Penalty ", want: PolicyPenalty, ok: true},
		{raw: "manhattan", ok: false},
	}
	for _, tc := range cases {
		got, err := ParsePolicy(tc.raw)
		if tc.ok && err != nil {
			t.Fatalf("ParsePolicy(%q): unexpected error %v", tc.raw, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParsePolicy(%q): expected error", tc.raw)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("ParsePolicy(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestUnionDistance(t *testing.T) {
	m := DefaultMetric()
	cases := []struct {
		name   string
		live   fingerprint.Signature
		stored fingerprint.Signature
		want   float64
	}{
		{
			name:   "identical",
			live:   fingerprint.Signature{"A": -40, "B": -60},
			stored: fingerprint.Signature{"A": -40, "B": -60},
			want:   0,
		},
		{
			name:   "shared stations",
			live:   fingerprint.Signature{"A": -42, "B": -58},
			stored: fingerprint.Signature{"A": -70, "B": -50},
			want:   math.Sqrt(784 + 64),
		},
		{
			name:   "station only live",
			live:   fingerprint.Signature{"A": -40, "C": -90},
			stored: fingerprint.Signature{"A": -40},
			want:   10, // -90 vs sentinel -100
		},
		{
			name:   "station only stored",
			live:   fingerprint.Signature{"A": -40},
			stored: fingerprint.Signature{"A": -40, "D": -70},
			want:   30,
		},
		{
			name:   "both empty",
			live:   fingerprint.Signature{},
			stored: fingerprint.Signature{},
			want:   0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := m.Distance(tc.live, tc.stored)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestUnionDistanceSymmetric(t *testing.T) {
	m := DefaultMetric()
	a := fingerprint.Signature{"A": -40, "B": -60, "C": -80}
	b := fingerprint.Signature{"B": -55, "D": -70}
	if m.Distance(a, b) != m.Distance(b, a) {
		t.Fatalf("union distance should be symmetric")
	}
}

func TestPenaltyDistance(t *testing.T) {
	m := DefaultMetric()
	m.Policy = PolicyPenalty

	cases := []struct {
		name   string
		live   fingerprint.Signature
		stored fingerprint.Signature
		want   float64
	}{
		{
			name:   "all matched",
			live:   fingerprint.Signature{"A": -42, "B": -58, "X": -30},
			stored: fingerprint.Signature{"A": -40, "B": -60},
			want:   math.Sqrt(8),
		},
		{
			name:   "missing station adds penalty",
			live:   fingerprint.Signature{"A": -42},
			stored: fingerprint.Signature{"A": -40, "B": -60},
			want:   math.Sqrt(4 + 1000),
		},
		{
			name:   "weak live reading ignored",
			live:   fingerprint.Signature{"A": -42, "B": -90},
			stored: fingerprint.Signature{"A": -40, "B": -60},
			want:   2,
		},
		{
			name:   "at floor still compared",
			live:   fingerprint.Signature{"A": -85},
			stored: fingerprint.Signature{"A": -80},
			want:   5,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := m.Distance(tc.live, tc.stored)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestPenaltyDistanceNoMatchesIsInfinite(t *testing.T) {
	m := DefaultMetric()
	m.Policy = PolicyPenalty
	cases := map[string]fingerprint.Signature{
		"disjoint":   {"Z": -40},
		"all weak":   {"A": -95, "B": -99},
		"empty live": {},
	}
	stored := fingerprint.Signature{"A": -40, "B": -60}
	for name, live := range cases {
		if d := m.Distance(live, stored); !math.IsInf(d, 1) {
			t.Fatalf("%s: expected +Inf, got %v", name, d)
		}
	}
}

func TestWeightClampsZeroDistance(t *testing.T) {
	c := mustClassifier(t, DefaultParams())
	if w := c.weight(0); math.IsInf(w, 0) || math.Abs(w-1/Epsilon) > 1e-6 {
		t.Fatalf("expected 1/epsilon, got %v", w)
	}
	if w := c.weight(math.Inf(1)); w != 0 {
		t.Fatalf("expected zero weight for +Inf, got %v", w)
	}
}
