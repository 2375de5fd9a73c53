package storage

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/datahub-ops/pgvault/internal/config"
	"github.com/datahub-ops/pgvault/internal/errdefs"
)

// NewStorage builds the configured provider and wraps it with retry
// behavior for the idempotent operations.
func NewStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Storage, error) {
	retry := DefaultRetryConfig()
	retry.MaxAttempts = cfg.UploadMaxAttempts

	var (
		backend Storage
		err     error
	)
	switch cfg.StorageProvider {
	case "s3":
		backend, err = NewS3Storage(ctx, S3Config{
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			PartSize:        cfg.PartSize(),
			Retry:           retry,
		}, logger)
	case "gcs":
		if jerr := validateServiceAccountJSON(cfg.GoogleServiceAccountJSON); jerr != nil {
			return nil, jerr
		}
		backend, err = NewGCSStorage(ctx, GCSConfig{
			Bucket:             cfg.GCSBucket,
			ServiceAccountJSON: cfg.GoogleServiceAccountJSON,
			PartSize:           cfg.PartSize(),
		}, logger)
	default:
		return nil, errdefs.New(errdefs.KindConfiguration, "unsupported storage provider: %s", cfg.StorageProvider)
	}
	if err != nil {
		return nil, err
	}

	return NewRetryableStorage(backend, retry, logger), nil
}

// validateServiceAccountJSON rejects malformed key material before the GCS
// client reports it as an opaque auth failure at first use.
func validateServiceAccountJSON(raw string) error {
	var key struct {
		Type       string `json:"type"`
		PrivateKey string `json:"private_key"`
	}
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return errdefs.Wrap(errdefs.KindConfiguration, err, "parsing GOOGLE_SERVICE_ACCOUNT_JSON")
	}
	if key.Type != "service_account" || key.PrivateKey == "" {
		return errdefs.New(errdefs.KindConfiguration, "GOOGLE_SERVICE_ACCOUNT_JSON is not a service account key")
	}
	return nil
}
