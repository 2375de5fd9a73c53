package storage

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/datahub-ops/pgvault/internal/errdefs"
)

// RetryableStorage wraps a Storage and retries the idempotent operations on
// transient failures. Upload is passed through untouched: the multipart
// uploader already retries at part granularity, and replaying a consumed
// stream is not possible.
type RetryableStorage struct {
	inner  Storage
	retry  RetryConfig
	logger *slog.Logger
}

func NewRetryableStorage(inner Storage, retry RetryConfig, logger *slog.Logger) *RetryableStorage {
	if retry.MaxAttempts < 1 {
		retry = DefaultRetryConfig()
	}
	return &RetryableStorage{
		inner:  inner,
		retry:  retry,
		logger: logger.With("component", "storage_retry"),
	}
}

func (r *RetryableStorage) Provider() string { return r.inner.Provider() }

func (r *RetryableStorage) Upload(ctx context.Context, key string, reader io.Reader, metadata map[string]string) (*TransferState, error) {
	return r.inner.Upload(ctx, key, reader, metadata)
}

func (r *RetryableStorage) Download(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	var (
		rc   io.ReadCloser
		size int64
	)
	err := r.withRetry(ctx, "download", func() error {
		var err error
		rc, size, err = r.inner.Download(ctx, key)
		return err
	})
	return rc, size, err
}

func (r *RetryableStorage) Delete(ctx context.Context, key string) error {
	return r.withRetry(ctx, "delete", func() error {
		return r.inner.Delete(ctx, key)
	})
}

func (r *RetryableStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := r.withRetry(ctx, "list", func() error {
		var err error
		objects, err = r.inner.List(ctx, prefix)
		return err
	})
	return objects, err
}

func (r *RetryableStorage) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	var info *ObjectInfo
	err := r.withRetry(ctx, "head", func() error {
		var err error
		info, err = r.inner.Head(ctx, key)
		return err
	})
	return info, err
}

// withRetry runs op until it succeeds, fails terminally, or attempts run
// out. A missing object is a definitive answer, never retried.
func (r *RetryableStorage) withRetry(ctx context.Context, operation string, op func() error) error {
	delay := r.retry.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if errdefs.IsKind(lastErr, errdefs.KindObjectNotFound) || !isTransientError(lastErr) {
			return lastErr
		}
		if attempt == r.retry.MaxAttempts {
			break
		}

		r.logger.Warn("storage operation failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return errdefs.Wrap(errdefs.KindTransport, ctx.Err(), operation)
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * r.retry.Multiplier)
		if delay > r.retry.MaxDelay {
			delay = r.retry.MaxDelay
		}
	}
	return lastErr
}
