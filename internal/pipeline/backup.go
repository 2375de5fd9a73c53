package pipeline

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/datahub-ops/pgvault/internal/config"
	"github.com/datahub-ops/pgvault/internal/crypt"
	"github.com/datahub-ops/pgvault/internal/metrics"
	"github.com/datahub-ops/pgvault/internal/pgexec"
	"github.com/datahub-ops/pgvault/internal/storage"
	"github.com/datahub-ops/pgvault/internal/utils"
)

// dumpProducer yields the database export stream.
type dumpProducer interface {
	Dump(ctx context.Context) (io.ReadCloser, error)
}

// Backup runs the export pipeline: dump, compress, encrypt, upload. All
// stages run concurrently over pipes; memory stays bounded by the pipe and
// part buffers no matter how large the database is.
type Backup struct {
	cfg    *config.Config
	store  storage.Storage
	logger *slog.Logger

	now       func() time.Time
	newDumper func(serverMajor int) dumpProducer
	probe     func(ctx context.Context, cfg *config.Config) (*pgexec.ServerInfo, error)
}

func NewBackup(cfg *config.Config, store storage.Storage, logger *slog.Logger) *Backup {
	return &Backup{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "backup"),
		now:    time.Now,
		newDumper: func(serverMajor int) dumpProducer {
			return pgexec.NewDumper(cfg, serverMajor)
		},
		probe: pgexec.Probe,
	}
}

// Run executes one backup. The returned outcome is never nil; its Err is
// classified for the exit path.
func (b *Backup) Run(ctx context.Context) *RunOutcome {
	start := b.now()
	outcome := &RunOutcome{Direction: directionBackup}
	defer func() {
		outcome.Duration = b.now().Sub(start)
		metrics.RecordRun(directionBackup, outcome.Err == nil)
	}()

	// The probe is advisory: it sizes the run for logs and picks the
	// matching client binary, but a database we cannot introspect can
	// still be dumped.
	serverMajor := 0
	var serverVersion string
	if info, err := b.probe(ctx, b.cfg); err != nil {
		b.logger.Warn("server probe failed, continuing with defaults", "error", err)
	} else {
		serverMajor = info.Major
		serverVersion = info.Version
		metrics.DatabaseSize.Set(float64(info.SizeBytes))
		b.logger.Info("server probed",
			"database", info.Name,
			"size", utils.FormatBytes(info.SizeBytes),
			"server_major", info.Major)
	}

	timestamp := b.now().UTC()
	key := utils.BackupObjectKey(b.cfg.InstanceID, b.cfg.DBName, timestamp)
	outcome.ObjectKey = key

	dump, err := b.newDumper(serverMajor).Dump(ctx)
	if err != nil {
		return outcome.fail(err)
	}

	encKey := crypt.DeriveKey(b.cfg.EncryptionKey)
	metadata := map[string]string{
		"backup-timestamp": timestamp.Format(time.RFC3339),
		"database-name":    b.cfg.DBName,
		"cipher":           "aes-256-gcm",
	}
	if serverVersion != "" {
		metadata["server-version"] = serverVersion
	}

	transferStart := b.now()
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	progress := utils.NewProgressReader(dump, func(bytesRead int64, elapsed time.Duration) {
		b.logger.Info("backup in progress",
			"bytes", utils.FormatBytes(bytesRead),
			"rate", utils.FormatRate(float64(bytesRead)/elapsed.Seconds()))
	})

	// Producer: dump -> gzip -> encrypt -> pipe. Closing the crypt writer
	// seals the final frame; only then is the stream complete.
	g.Go(func() error {
		defer func() {
			_ = dump.Close()
		}()

		cw, err := crypt.NewWriter(pw, encKey)
		if err != nil {
			_ = pw.CloseWithError(err)
			return err
		}
		gz := gzip.NewWriter(cw)

		if _, err := io.Copy(gz, progress); err != nil {
			_ = pw.CloseWithError(err)
			return err
		}
		if err := gz.Close(); err != nil {
			_ = pw.CloseWithError(err)
			return err
		}
		if err := cw.Close(); err != nil {
			_ = pw.CloseWithError(err)
			return err
		}
		return pw.Close()
	})

	// Consumer: pipe -> object store. Upload failure propagates back
	// through the pipe so the producer side unwinds.
	var state *storage.TransferState
	g.Go(func() error {
		var err error
		state, err = b.store.Upload(gctx, key, pr, metadata)
		if err != nil {
			_ = pr.CloseWithError(err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return outcome.fail(err)
	}
	metrics.StageDuration.WithLabelValues(stageTransfer).Observe(b.now().Sub(transferStart).Seconds())

	outcome.Status = StatusSuccess
	outcome.BytesProcessed = progress.BytesRead()
	if state != nil {
		outcome.PartCount = state.PartCount
	}
	metrics.BackupBytes.Set(float64(outcome.BytesProcessed))
	metrics.LastSuccessTimestamp.Set(float64(b.now().Unix()))

	b.logger.Info("backup committed",
		"object_key", key,
		"bytes", utils.FormatBytes(outcome.BytesProcessed),
		"parts", outcome.PartCount)

	// Retention runs after the new backup is committed and never turns a
	// successful run into a failure.
	if b.cfg.RetentionDays > 0 {
		b.prune(ctx, key)
	}

	return outcome
}

// prune deletes backups older than the retention window, skipping the
// object this run just wrote and any key it cannot date.
func (b *Backup) prune(ctx context.Context, currentKey string) {
	pruneStart := b.now()
	cutoff := b.now().UTC().AddDate(0, 0, -b.cfg.RetentionDays)

	objects, err := b.store.List(ctx, utils.HistoryPrefix(b.cfg.InstanceID, b.cfg.DBName))
	if err != nil {
		b.logger.Warn("retention listing failed", "error", err)
		return
	}

	pruned := 0
	for _, obj := range objects {
		if obj.Key == currentKey {
			continue
		}
		ts, err := utils.ParseObjectKeyTime(obj.Key)
		if err != nil {
			b.logger.Warn("skipping undated object during retention", "key", obj.Key)
			continue
		}
		if !ts.Before(cutoff) {
			continue
		}
		if err := b.store.Delete(ctx, obj.Key); err != nil {
			b.logger.Warn("retention delete failed", "key", obj.Key, "error", err)
			continue
		}
		metrics.BackupsPruned.Inc()
		pruned++
		b.logger.Info("pruned expired backup", "key", obj.Key)
	}

	metrics.StageDuration.WithLabelValues(stagePrune).Observe(b.now().Sub(pruneStart).Seconds())
	if pruned > 0 {
		b.logger.Info("retention complete", "pruned", pruned, "retention_days", b.cfg.RetentionDays)
	}
}
