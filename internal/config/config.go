// Package config handles run configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/datahub-ops/pgvault/internal/errdefs"
)

// Mode selects which set of required values Load validates.
type Mode int

const (
	// ModeBackup validates the dump/encrypt/upload path.
	ModeBackup Mode = iota
	// ModeRestore validates the download/decrypt/restore path.
	ModeRestore
)

// Conflict policies for restoring into a non-empty database.
const (
	ConflictClean = "clean"
	ConflictFail  = "fail"
)

// Config holds the configuration for exactly one run. It is immutable after
// Load and passed explicitly to every stage; nothing reads the environment
// after pipeline start.
type Config struct {
	// Database connection
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// Run identity; first segment of every object key.
	InstanceID string

	// Encryption secret; key material is derived from it once per run.
	EncryptionKey string

	// Storage provider: "s3" or "gcs"
	StorageProvider string

	// S3-compatible store
	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string

	// GCS
	GCSBucket                string
	GoogleProjectID          string
	GoogleServiceAccountJSON string

	// Transfer tuning
	PartSizeMB        int
	UploadMaxAttempts int

	// Backup options
	RetentionDays int

	// Restore options
	RestoreObjectKey      string
	RestoreLatest         bool
	RestoreConflictPolicy string

	// MetricsPort, when non-zero, serves /metrics and health endpoints
	// for the duration of the run.
	MetricsPort int

	Verbose bool
}

// Load reads configuration from environment variables and validates it for
// the given mode. It fails before any side effect is attempted.
func Load(mode Mode) (*Config, error) {
	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBName:     os.Getenv("DB_NAME"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),

		InstanceID:    os.Getenv("INSTANCE_ID"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		StorageProvider: getEnv("STORAGE_PROVIDER", "s3"),

		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),

		GCSBucket:                os.Getenv("GCS_BUCKET"),
		GoogleProjectID:          os.Getenv("GOOGLE_PROJECT_ID"),
		GoogleServiceAccountJSON: os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"),

		RestoreObjectKey:      os.Getenv("RESTORE_OBJECT_KEY"),
		RestoreConflictPolicy: getEnv("RESTORE_CONFLICT_POLICY", ConflictClean),
	}

	cfg.DBPort = getEnvInt("DB_PORT", 5432)
	cfg.PartSizeMB = getEnvInt("PART_SIZE_MB", 8)
	cfg.UploadMaxAttempts = getEnvInt("UPLOAD_MAX_ATTEMPTS", 3)
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 0)
	cfg.MetricsPort = getEnvInt("METRICS_PORT", 0)
	cfg.RestoreLatest = getEnvBool("RESTORE_LATEST", false)
	cfg.Verbose = getEnvBool("VERBOSE", false)

	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for the given mode. All failures are
// configuration errors.
func (c *Config) Validate(mode Mode) error {
	required := []struct {
		name  string
		value string
	}{
		{"DB_NAME", c.DBName},
		{"DB_USER", c.DBUser},
		{"DB_PASSWORD", c.DBPassword},
		{"INSTANCE_ID", c.InstanceID},
		{"ENCRYPTION_KEY", c.EncryptionKey},
	}
	for _, r := range required {
		if r.value == "" {
			return errdefs.New(errdefs.KindConfiguration, "%s is required", r.name)
		}
	}

	if c.DBPort <= 0 || c.DBPort > 65535 {
		return errdefs.New(errdefs.KindConfiguration, "DB_PORT must be a valid port, got %d", c.DBPort)
	}

	switch c.StorageProvider {
	case "s3":
		if err := c.validateS3(); err != nil {
			return err
		}
	case "gcs":
		if err := c.validateGCS(); err != nil {
			return err
		}
	default:
		return errdefs.New(errdefs.KindConfiguration,
			"invalid STORAGE_PROVIDER: %s (must be 's3' or 'gcs')", c.StorageProvider)
	}

	// S3 rejects parts below 5 MiB (except the last), so smaller settings
	// would fail mid-upload instead of at startup.
	if c.PartSizeMB < 5 {
		return errdefs.New(errdefs.KindConfiguration, "PART_SIZE_MB must be at least 5, got %d", c.PartSizeMB)
	}
	if c.UploadMaxAttempts < 1 {
		return errdefs.New(errdefs.KindConfiguration, "UPLOAD_MAX_ATTEMPTS must be at least 1, got %d", c.UploadMaxAttempts)
	}
	if c.RetentionDays < 0 {
		return errdefs.New(errdefs.KindConfiguration, "RETENTION_DAYS must be non-negative, got %d", c.RetentionDays)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return errdefs.New(errdefs.KindConfiguration, "METRICS_PORT must be a valid port, got %d", c.MetricsPort)
	}

	if mode == ModeRestore {
		if c.RestoreObjectKey == "" && !c.RestoreLatest {
			return errdefs.New(errdefs.KindConfiguration,
				"either RESTORE_OBJECT_KEY or RESTORE_LATEST is required for restore")
		}
		if c.RestoreObjectKey != "" && c.RestoreLatest {
			return errdefs.New(errdefs.KindConfiguration,
				"RESTORE_OBJECT_KEY and RESTORE_LATEST are mutually exclusive")
		}
		if c.RestoreConflictPolicy != ConflictClean && c.RestoreConflictPolicy != ConflictFail {
			return errdefs.New(errdefs.KindConfiguration,
				"invalid RESTORE_CONFLICT_POLICY: %s (must be 'clean' or 'fail')", c.RestoreConflictPolicy)
		}
	}

	return nil
}

func (c *Config) validateS3() error {
	if c.S3AccessKey == "" {
		return errdefs.New(errdefs.KindConfiguration, "S3_ACCESS_KEY is required for s3 storage")
	}
	if c.S3SecretKey == "" {
		return errdefs.New(errdefs.KindConfiguration, "S3_SECRET_KEY is required for s3 storage")
	}
	if c.S3Bucket == "" {
		return errdefs.New(errdefs.KindConfiguration, "S3_BUCKET is required for s3 storage")
	}
	return nil
}

func (c *Config) validateGCS() error {
	if c.GCSBucket == "" {
		return errdefs.New(errdefs.KindConfiguration, "GCS_BUCKET is required for gcs storage")
	}
	if c.GoogleProjectID == "" {
		return errdefs.New(errdefs.KindConfiguration, "GOOGLE_PROJECT_ID is required for gcs storage")
	}
	if c.GoogleServiceAccountJSON == "" {
		return errdefs.New(errdefs.KindConfiguration, "GOOGLE_SERVICE_ACCOUNT_JSON is required for gcs storage")
	}
	return nil
}

// PartSize returns the upload part size in bytes.
func (c *Config) PartSize() int64 {
	return int64(c.PartSizeMB) * 1024 * 1024
}

// DSN returns a lib/pq connection string for the configured database.
// The result contains the password and must never be logged.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=prefer connect_timeout=10",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword)
}

// AdminDSN returns a lib/pq connection string against the maintenance
// database, for operations that must run outside the target database.
func (c *Config) AdminDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=postgres user=%s password=%s sslmode=prefer connect_timeout=10",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword)
}

// LogFields returns the non-sensitive fields for the startup log line.
func (c *Config) LogFields() []any {
	return []any{
		"instance_id", c.InstanceID,
		"db_host", c.DBHost,
		"db_port", c.DBPort,
		"db_name", c.DBName,
		"storage_provider", c.StorageProvider,
		"part_size_mb", c.PartSizeMB,
		"upload_max_attempts", c.UploadMaxAttempts,
		"retention_days", c.RetentionDays,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer from an environment variable with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean from an environment variable with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
