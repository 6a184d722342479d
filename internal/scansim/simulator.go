// v1
// internal/scansim/simulator.go
package scansim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"nrgchamp/locator/internal/fingerprint"
	"nrgchamp/locator/internal/ingest"
)

// Profile maps a station identifier to its mean signal strength in one room.
type Profile map[string]int

// ParseProfile reads "station=rssi" pairs separated by commas, for example
// "aa:bb:cc:dd:ee:01=-42,aa:bb:cc:dd:ee:02=-71".
func ParseProfile(raw string) (Profile, error) {
	p := Profile{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		station, value, ok := strings.Cut(part, "=")
		station = fingerprint.NormalizeStation(station)
		if !ok || station == "" {
			return nil, fmt.Errorf("profile entry %q: expected station=rssi", part)
		}
		rssi, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("profile entry %q: %w", part, err)
		}
		p[station] = rssi
	}
	if len(p) == 0 {
		return nil, errors.New("profile must list at least one station")
	}
	return p, nil
}

// Generator draws noisy snapshots around a profile.
type Generator struct {
	profile  Profile
	stations []string
	jitter   int
	dropRate float64
	rnd      *rand.Rand
}

// NewGenerator returns a generator adding uniform noise in [-jitter, jitter]
// and omitting each station with probability dropRate.
func NewGenerator(profile Profile, jitter int, dropRate float64, seed int64) (*Generator, error) {
	if len(profile) == 0 {
		return nil, errors.New("profile must not be empty")
	}
	if jitter < 0 {
		return nil, fmt.Errorf("jitter must not be negative, got %d", jitter)
	}
	if dropRate < 0 || dropRate >= 1 {
		return nil, fmt.Errorf("drop rate must be in [0,1), got %v", dropRate)
	}
	stations := make([]string, 0, len(profile))
	for s := range profile {
		stations = append(stations, s)
	}
	sort.Strings(stations)
	return &Generator{
		profile:  profile,
		stations: stations,
		jitter:   jitter,
		dropRate: dropRate,
		rnd:      rand.New(rand.NewSource(seed)),
	}, nil
}

// Next returns one synthetic snapshot. Station order is stable.
func (g *Generator) Next() fingerprint.Snapshot {
	snap := make(fingerprint.Snapshot, 0, len(g.stations))
	for _, s := range g.stations {
		if g.dropRate > 0 && g.rnd.Float64() < g.dropRate {
			continue
		}
		rssi := g.profile[s]
		if g.jitter > 0 {
			rssi += g.rnd.Intn(2*g.jitter+1) - g.jitter
		}
		rssi = min(max(rssi, fingerprint.MinValidRSSI), fingerprint.MaxValidRSSI)
		snap = append(snap, fingerprint.Reading{Station: s, RSSI: rssi})
	}
	return snap
}

// Publisher sends one encoded payload.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Simulator publishes synthetic scans for one device at a fixed interval.
type Simulator struct {
	deviceID  string
	gen       *Generator
	encoder   *ingest.Decoder
	publisher Publisher
	interval  time.Duration
	log       *slog.Logger
}

// NewSimulator validates its collaborators.
func NewSimulator(deviceID string, gen *Generator, encoder *ingest.Decoder, pub Publisher, interval time.Duration, log *slog.Logger) (*Simulator, error) {
	if gen == nil || encoder == nil || pub == nil || log == nil {
		return nil, errors.New("generator, encoder, publisher and logger are required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", interval)
	}
	return &Simulator{deviceID: deviceID, gen: gen, encoder: encoder, publisher: pub, interval: interval, log: log}, nil
}

// Tick publishes a single scan.
func (s *Simulator) Tick(ctx context.Context) error {
	payload, err := s.encoder.Encode(ingest.Scan{DeviceID: s.deviceID, Snapshot: s.gen.Next()})
	if err != nil {
		return fmt.Errorf("encode scan: %w", err)
	}
	return s.publisher.Publish(ctx, payload)
}

// Run publishes until ctx is cancelled or count scans were sent. A
// non-positive count never stops on its own.
func (s *Simulator) Run(ctx context.Context, count int) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	sent := 0
	for count <= 0 || sent < count {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Warn("scan_publish_failed", slog.Any("err", err))
				continue
			}
			sent++
			s.log.Debug("scan_published", slog.Int("sent", sent))
		}
	}
	s.log.Info("scan_simulation_complete", slog.Int("sent", sent))
	return nil
}

// MQTTPublisher publishes payloads to a fixed topic.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTPublisher wraps a connected client.
func NewMQTTPublisher(client mqtt.Client, topic string, qos byte) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic, qos: qos}
}

func (p *MQTTPublisher) Publish(ctx context.Context, payload []byte) error {
	token := p.client.Publish(p.topic, p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
