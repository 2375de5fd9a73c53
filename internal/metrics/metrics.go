// Package metrics provides Prometheus metrics for the backup and restore
// pipelines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunTotal tracks pipeline runs by direction and outcome.
	RunTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgvault_runs_total",
		Help: "Total number of backup and restore runs",
	}, []string{"direction", "status"})

	// StageDuration tracks the duration of pipeline stages.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pgvault_stage_duration_seconds",
		Help:    "Duration of pipeline stages in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
	}, []string{"stage"})

	// BackupBytes tracks the plaintext size of the last backup.
	BackupBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgvault_backup_bytes",
		Help: "Plaintext bytes processed by the last backup run",
	})

	// DatabaseSize tracks the probed size of the source database.
	DatabaseSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgvault_database_size_bytes",
		Help: "Size of the source database as reported by the server",
	})

	// PartUploads tracks multipart part uploads by terminal status.
	PartUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgvault_part_uploads_total",
		Help: "Total number of multipart part uploads",
	}, []string{"status"})

	// PartRetries counts part upload attempts beyond the first.
	PartRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgvault_part_retries_total",
		Help: "Total number of part upload retries",
	})

	// StorageOperations tracks non-upload storage operations.
	StorageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgvault_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "provider", "status"})

	// LastSuccessTimestamp tracks when the last successful backup committed.
	LastSuccessTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgvault_last_backup_success_timestamp",
		Help: "Unix timestamp of the last committed backup",
	})

	// BackupsPruned tracks retention deletions.
	BackupsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgvault_backups_pruned_total",
		Help: "Total number of backups removed by retention",
	})
)

// RecordRun records a completed run.
func RecordRun(direction string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	RunTotal.WithLabelValues(direction, status).Inc()
}

// RecordStorageOperation records a non-upload storage operation.
func RecordStorageOperation(operation, provider string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	StorageOperations.WithLabelValues(operation, provider, status).Inc()
}

// RecordPartUpload records the terminal status of one part upload.
func RecordPartUpload(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	PartUploads.WithLabelValues(status).Inc()
}
