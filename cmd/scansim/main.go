// v0
// cmd/scansim/main.go
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nrgchamp/locator/internal/config"
	"nrgchamp/locator/internal/ingest"
	"nrgchamp/locator/internal/logging"
	"nrgchamp/locator/internal/publish"
	"nrgchamp/locator/internal/scansim"
)

func main() {
	deviceID := flag.String("device", "esp32-sim", "device identifier placed in every scan")
	profileRaw := flag.String("profile", "", "room profile as station=rssi pairs, comma separated")
	interval := flag.Duration("interval", 2*time.Second, "time between scans")
	count := flag.Int("count", 0, "scans to publish before exiting (0 = until interrupted)")
	jitter := flag.Int("jitter", 3, "uniform noise added to every reading, in dBm")
	drop := flag.Float64("drop", 0.1, "probability of omitting a station from a scan")
	flag.Parse()

	logger := logging.NewTee(slog.LevelInfo, os.Stdout)
	if err := run(logger, *deviceID, *profileRaw, *interval, *count, *jitter, *drop); err != nil {
		logger.Error("scan_simulator_failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, deviceID, profileRaw string, interval time.Duration, count, jitter int, drop float64) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	format, err := ingest.ParseFormat(cfg.PayloadFormat)
	if err != nil {
		return err
	}
	profile, err := scansim.ParseProfile(profileRaw)
	if err != nil {
		return err
	}
	gen, err := scansim.NewGenerator(profile, jitter, drop, time.Now().UnixNano())
	if err != nil {
		return err
	}

	client, err := publish.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTClientID+"-"+deviceID, 10*time.Second)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	sim, err := scansim.NewSimulator(deviceID, gen, ingest.NewDecoder(format),
		scansim.NewMQTTPublisher(client, cfg.MQTTScanTopic, byte(cfg.MQTTQoS)), interval, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("scan_simulator_started",
		slog.String("device", deviceID),
		slog.String("broker", cfg.MQTTBroker),
		slog.String("topic", cfg.MQTTScanTopic),
		slog.Int("stations", len(profile)),
	)
	return sim.Run(ctx, count)
}
