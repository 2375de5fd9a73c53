// Command restore downloads a selected backup object, decrypts and
// decompresses the stream, and replays it into the configured database.
// The object is chosen explicitly via RESTORE_OBJECT_KEY or implicitly via
// RESTORE_LATEST.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datahub-ops/pgvault/internal/config"
	"github.com/datahub-ops/pgvault/internal/errdefs"
	"github.com/datahub-ops/pgvault/internal/pgexec"
	"github.com/datahub-ops/pgvault/internal/pipeline"
	"github.com/datahub-ops/pgvault/internal/server"
	"github.com/datahub-ops/pgvault/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(config.ModeRestore)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return errdefs.ExitCode(err)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting restore", cfg.LogFields()...)

	store, err := storage.NewStorage(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage initialization failed", "error", err)
		return errdefs.ExitCode(err)
	}

	if cfg.MetricsPort > 0 {
		srv := server.New(cfg.MetricsPort, func(ctx context.Context) error {
			return pgexec.Ping(ctx, cfg)
		}, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("http server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	outcome := pipeline.NewRestore(cfg, store, logger).Run(ctx)
	if outcome.Err != nil {
		logger.Error("restore failed", outcome.LogFields()...)
		return errdefs.ExitCode(outcome.Err)
	}

	logger.Info("restore succeeded", outcome.LogFields()...)
	return 0
}
