// v0
// cmd/calibrate/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"nrgchamp/locator/internal/calibration"
	"nrgchamp/locator/internal/config"
	"nrgchamp/locator/internal/ingest"
	"nrgchamp/locator/internal/logging"
	"nrgchamp/locator/internal/storage"
)

func main() {
	label := flag.String("label", "", "room label to record (stored upper-cased)")
	samples := flag.Int("samples", calibration.DefaultSamples, "number of scans to capture")
	flag.Parse()

	logger := logging.NewTee(slog.LevelInfo, os.Stdout)
	if err := run(logger, *label, *samples); err != nil {
		logger.Error("calibration_failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, label string, samples int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	format, err := ingest.ParseFormat(cfg.PayloadFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := storage.Open(ctx, cfg.DBDriver, cfg.DBDSN, logger.With(slog.String("component", "storage")))
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		return err
	}

	rec, err := calibration.NewRecorder(label, samples, repo, ingest.NewDecoder(format), logger.With(slog.String("component", "calibration")))
	if err != nil {
		return err
	}
	before, err := repo.CountCaptures(ctx, rec.Label())
	if err != nil {
		return err
	}

	source, err := newSource(cfg, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	logger.Info("calibration_started",
		slog.String("label", rec.Label()),
		slog.Int("samples", samples),
		slog.Int("existingCaptures", before),
		slog.String("transport", cfg.Transport),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	queue := make(chan ingest.Message, cfg.QueueSize)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := source.Run(gctx, queue)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer cancel()
		return rec.Run(gctx, queue)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if !rec.Done() {
		return fmt.Errorf("interrupted after %d of %d captures", rec.Collected(), samples)
	}
	return nil
}

func newSource(cfg config.Config, logger *slog.Logger) (ingest.Source, error) {
	log := logger.With(slog.String("component", "scan_subscriber"))
	if cfg.Transport == "kafka" {
		return ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers:     cfg.KafkaBrokers,
			Topic:       cfg.KafkaScanTopic,
			GroupID:     cfg.KafkaGroupID + "-calibration",
			PollTimeout: cfg.KafkaPollTimeout,
		}, nil, log)
	}
	return ingest.NewMQTTSource(ingest.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID + "-calibration",
		Topic:    cfg.MQTTScanTopic,
		QoS:      byte(cfg.MQTTQoS),
	}, log, nil)
}
