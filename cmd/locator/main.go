// v1
// cmd/locator/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"nrgchamp/locator/internal/app"
	"nrgchamp/locator/internal/config"
)

func main() {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		bootstrap.Error("config_load_failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		bootstrap.Error("app_init_failed", slog.Any("err", err))
		os.Exit(1)
	}

	logger := application.Logger()
	logger.Info("service_boot",
		slog.String("listen_address", cfg.ListenAddress),
		slog.String("log_path", cfg.LogFilePath),
		slog.String("db_driver", cfg.DBDriver),
		slog.String("transport", cfg.Transport),
		slog.String("scan_topic", scanTopic(cfg)),
		slog.String("sinks", strings.Join(cfg.Sinks, ",")),
		slog.String("reload_interval", cfg.ReloadInterval.String()),
	)

	runErr := application.Run(ctx)
	if cerr := application.Close(); cerr != nil {
		bootstrap.Error("app_close_failed", slog.Any("err", cerr))
	}
	if runErr != nil {
		bootstrap.Error("service_terminated", slog.Any("err", runErr))
		os.Exit(1)
	}
	bootstrap.Info("service_stopped")
}

func scanTopic(cfg config.Config) string {
	if cfg.Transport == "kafka" {
		return cfg.KafkaScanTopic
	}
	return cfg.MQTTScanTopic
}
