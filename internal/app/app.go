// v3
// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"nrgchamp/locator/internal/circuitbreaker"
	"nrgchamp/locator/internal/config"
	httpserver "nrgchamp/locator/internal/http"
	"nrgchamp/locator/internal/ingest"
	"nrgchamp/locator/internal/knn"
	"nrgchamp/locator/internal/locator"
	"nrgchamp/locator/internal/logging"
	"nrgchamp/locator/internal/metrics"
	"nrgchamp/locator/internal/publish"
	"nrgchamp/locator/internal/storage"
)

// Application wires configuration, logging, persistence, transport, the
// locator service and the HTTP surface, and owns their shutdown.
type Application struct {
	cfg     config.Config
	logger  *slog.Logger
	closers []io.Closer
	server  *http.Server
	health  *httpserver.HealthState
	service *locator.Service
	source  ingest.Source
	queue   chan ingest.Message
}

// New prepares a fully wired instance. Nothing is started and no scan is
// consumed until Run.
func New(ctx context.Context, cfg config.Config) (*Application, error) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return nil, errors.New("listen address cannot be empty")
	}
	logger, logCloser, err := logging.New(logging.Options{
		Path:     cfg.LogFilePath,
		Rotation: cfg.LogRotation,
		MaxAge:   cfg.LogMaxAge,
		Level:    slog.LevelInfo,
	}, os.Stdout)
	if err != nil {
		return nil, err
	}
	a := &Application{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) wire(ctx context.Context) error {
	cfg := a.cfg
	m := metrics.New()

	repo, err := storage.Open(ctx, cfg.DBDriver, cfg.DBDSN, a.component("storage"))
	if err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	a.closers = append(a.closers, repo)
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("storage migrate: %w", err)
	}

	params, err := cfg.ClassifierParams()
	if err != nil {
		return err
	}
	classifier, err := knn.NewClassifier(params)
	if err != nil {
		return fmt.Errorf("classifier init: %w", err)
	}
	format, err := ingest.ParseFormat(cfg.PayloadFormat)
	if err != nil {
		return err
	}

	latest := publish.NewLatest()
	sink, err := a.buildSinks(latest, m)
	if err != nil {
		return err
	}

	opts := locator.Options{
		Classifier: classifier,
		Source:     repo,
		Sink:       sink,
		Decoder:    ingest.NewDecoder(format),
		Observer:   m,
		Logger:     a.component("locator"),
	}
	if cfg.ArchiveScans {
		opts.Archiver = repo
	}
	service, err := locator.New(opts)
	if err != nil {
		return fmt.Errorf("locator init: %w", err)
	}
	a.service = service

	source, err := a.buildSource(m)
	if err != nil {
		return err
	}
	a.source = source
	a.queue = make(chan ingest.Message, cfg.QueueSize)

	a.logger.Info("locator_configured",
		slog.Int("k", params.K),
		slog.String("policy", string(params.Metric.Policy)),
		slog.Float64("threshold", params.Threshold),
		slog.Float64("smoothing", params.Smoothing),
		slog.Int("minRssi", params.Metric.MinRSSI),
		slog.String("transport", cfg.Transport),
		slog.String("format", string(format)),
		slog.Any("sinks", cfg.Sinks),
		slog.Bool("archiveScans", cfg.ArchiveScans),
	)

	a.health = httpserver.NewHealthState()
	router := httpserver.NewRouter(httpserver.Deps{
		Logger:   a.component("http"),
		Health:   a.health,
		Locator:  service,
		Latest:   latest,
		Database: repo,
		Metrics:  m.Handler(),
		Requests: m,
	})
	a.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           httpserver.WrapWithLogging(a.component("http"), router),
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPWriteTimeout,
	}
	return nil
}

func (a *Application) component(name string) *slog.Logger {
	return a.logger.With(slog.String("component", name))
}

func (a *Application) breaker(name string, m *metrics.Metrics) (*circuitbreaker.KafkaBreaker, error) {
	kb, err := circuitbreaker.NewKafkaBreaker(name, circuitbreaker.KafkaConfig{
		Enabled:          a.cfg.CBEnabled,
		FailureThreshold: a.cfg.CBFailureThreshold,
		SuccessThreshold: a.cfg.CBSuccessThreshold,
		OpenFor:          a.cfg.CBOpenFor,
		Timeout:          a.cfg.CBTimeout,
		Backoff:          a.cfg.CBBackoff,
	}, a.component("circuit_breaker"), nil)
	if err != nil {
		return nil, fmt.Errorf("circuit breaker %s: %w", name, err)
	}
	if b := kb.Breaker(); b != nil {
		m.RegisterBreaker(name, func() int { return int(b.State()) })
	}
	kb.OnRetry(m.ObserveKafkaRetry)
	return kb, nil
}

func (a *Application) buildSinks(latest *publish.Latest, m *metrics.Metrics) (locator.Sink, error) {
	cfg := a.cfg
	sinks := make([]locator.Sink, 0, len(cfg.Sinks))
	for _, name := range cfg.Sinks {
		switch name {
		case "latest":
			sinks = append(sinks, latest)
		case "file":
			f, err := publish.NewFile(cfg.CurrentLocationPath)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, f)
		case "log":
			sinks = append(sinks, publish.NewLog(a.component("result")))
		case "kafka":
			kb, err := a.breaker("result-producer", m)
			if err != nil {
				return nil, err
			}
			k, err := publish.NewKafka(cfg.KafkaBrokers, cfg.KafkaResultTopic, kb)
			if err != nil {
				return nil, fmt.Errorf("kafka sink: %w", err)
			}
			a.closers = append(a.closers, k)
			sinks = append(sinks, k)
		case "mqtt":
			client, err := publish.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTClientID+"-results", cfg.HTTPWriteTimeout)
			if err != nil {
				return nil, fmt.Errorf("mqtt sink: %w", err)
			}
			a.closers = append(a.closers, closerFunc(func() error { client.Disconnect(250); return nil }))
			s, err := publish.NewMQTT(client, cfg.MQTTResultTopic, byte(cfg.MQTTQoS), true)
			if err != nil {
				return nil, fmt.Errorf("mqtt sink: %w", err)
			}
			sinks = append(sinks, s)
		default:
			return nil, fmt.Errorf("unknown sink %q", name)
		}
	}
	resultLog := a.component("result")
	return publish.NewFanout(func(sink string, err error) {
		m.ObservePublishError(sink)
		resultLog.Warn("sink_publish_failed", slog.String("sink", sink), slog.Any("err", err))
	}, sinks...), nil
}

func (a *Application) buildSource(m *metrics.Metrics) (ingest.Source, error) {
	cfg := a.cfg
	switch cfg.Transport {
	case "kafka":
		kb, err := a.breaker("scan-consumer", m)
		if err != nil {
			return nil, err
		}
		src, err := ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers:     cfg.KafkaBrokers,
			Topic:       cfg.KafkaScanTopic,
			GroupID:     cfg.KafkaGroupID,
			PollTimeout: cfg.KafkaPollTimeout,
		}, kb, a.component("scan_consumer"))
		if err != nil {
			return nil, fmt.Errorf("kafka source: %w", err)
		}
		return src, nil
	default:
		src, err := ingest.NewMQTTSource(ingest.MQTTConfig{
			Broker:         cfg.MQTTBroker,
			ClientID:       cfg.MQTTClientID,
			Topic:          cfg.MQTTScanTopic,
			QoS:            byte(cfg.MQTTQoS),
			ConnectTimeout: cfg.HTTPWriteTimeout,
		}, a.component("scan_subscriber"), m)
		if err != nil {
			return nil, fmt.Errorf("mqtt source: %w", err)
		}
		return src, nil
	}
}

// Logger exposes the configured logger to main.
func (a *Application) Logger() *slog.Logger {
	return a.logger
}

// Run loads the fingerprint store, then serves until ctx is cancelled or a
// component fails. A failed initial load is returned before anything is
// started.
func (a *Application) Run(ctx context.Context) error {
	if err := a.service.Start(ctx); err != nil {
		return fmt.Errorf("initial fingerprint load: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http_server_listen", slog.String("address", a.cfg.ListenAddress))
		a.health.SetReady(true)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown_signal")
		a.health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server_shutdown_failed", slog.Any("err", err))
		}
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(a.source.Run(gctx, a.queue))
	})
	g.Go(func() error {
		return a.service.Run(gctx, a.queue)
	})
	g.Go(func() error {
		return a.service.RunReloader(gctx, a.cfg.ReloadInterval)
	})

	err := g.Wait()
	if err != nil {
		a.logger.Error("application_stopped", slog.Any("err", err))
		return err
	}
	a.logger.Info("shutdown_complete")
	return nil
}

// Close releases every resource in reverse acquisition order.
func (a *Application) Close() error {
	var errs []error
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			errs = append(errs, err)
		}
		a.source = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
