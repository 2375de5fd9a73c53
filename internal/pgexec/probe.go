package pgexec

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/datahub-ops/pgvault/internal/config"
)

// ServerInfo describes the database a run is working against.
type ServerInfo struct {
	Name      string
	SizeBytes int64
	Version   string
	Major     int
}

// RetryConfig controls the probe retry loop.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func defaultProbeRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    5,
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Probe queries the server for database name, size, and version with retry.
// A database that is still starting up (common right after a CronJob pod
// lands alongside a restarted instance) is retried; authentication and SQL
// errors are not.
func Probe(ctx context.Context, cfg *config.Config) (*ServerInfo, error) {
	return probeWithRetry(ctx, cfg, defaultProbeRetryConfig())
}

func probeWithRetry(ctx context.Context, cfg *config.Config, retry RetryConfig) (*ServerInfo, error) {
	logger := slog.Default().With("component", "probe")

	var lastErr error
	delay := retry.InitialDelay

	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Info("retrying server probe",
				"attempt", attempt,
				"max_retries", retry.MaxRetries,
				"delay", delay,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("probe cancelled during retry: %w", ctx.Err())
			}
			delay = time.Duration(float64(delay) * retry.BackoffFactor)
			if delay > retry.MaxDelay {
				delay = retry.MaxDelay
			}
		}

		info, err := probeOnce(ctx, cfg)
		if err == nil {
			return info, nil
		}
		if !isRetryableError(err) {
			return nil, fmt.Errorf("non-retryable probe failure: %w", err)
		}
		logger.Warn("retryable probe failure", "error", err)
		lastErr = err
	}

	return nil, fmt.Errorf("probe failed after %d retries: %w", retry.MaxRetries, lastErr)
}

func probeOnce(ctx context.Context, cfg *config.Config) (*ServerInfo, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	db.SetMaxOpenConns(1)

	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	info := &ServerInfo{}
	err = db.QueryRowContext(queryCtx, `
		SELECT current_database(), pg_database_size(current_database()), version()
	`).Scan(&info.Name, &info.SizeBytes, &info.Version)
	if err != nil {
		return nil, fmt.Errorf("querying server info: %w", err)
	}

	if major, err := ParseServerMajor(info.Version); err == nil {
		info.Major = major
	}

	return info, nil
}

// Ping verifies connectivity to the target database with one round trip.
// Used by the health endpoint.
func Ping(ctx context.Context, cfg *config.Config) error {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("opening connection: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()
	return db.PingContext(ctx)
}

// retryablePatterns match transient connection-level failures.
var retryablePatterns = []string{
	"the database system is starting up",
	"the database system is shutting down",
	"57P03", // cannot_connect_now
	"connection refused",
	"connection reset",
	"no such host",
	"timeout expired",
	"i/o timeout",
	"EOF",
}

// isRetryableError reports whether a probe failure is worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
