package pipeline

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/datahub-ops/pgvault/internal/config"
	"github.com/datahub-ops/pgvault/internal/crypt"
	"github.com/datahub-ops/pgvault/internal/errdefs"
	"github.com/datahub-ops/pgvault/internal/metrics"
	"github.com/datahub-ops/pgvault/internal/pgexec"
	"github.com/datahub-ops/pgvault/internal/storage"
	"github.com/datahub-ops/pgvault/internal/utils"
)

// sqlApplier replays a plain-SQL stream into the target database.
type sqlApplier interface {
	Apply(ctx context.Context, r io.Reader) error
	EnsureDatabase(ctx context.Context) error
}

// Restore runs the inverse pipeline: download, decrypt, decompress, apply.
type Restore struct {
	cfg    *config.Config
	store  storage.Storage
	logger *slog.Logger

	now        func() time.Time
	newApplier func(serverMajor int) sqlApplier
	probe      func(ctx context.Context, cfg *config.Config) (*pgexec.ServerInfo, error)
}

func NewRestore(cfg *config.Config, store storage.Storage, logger *slog.Logger) *Restore {
	return &Restore{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "restore"),
		now:    time.Now,
		newApplier: func(serverMajor int) sqlApplier {
			return pgexec.NewApplier(cfg, serverMajor)
		},
		probe: pgexec.Probe,
	}
}

// Run executes one restore. No SQL reaches the database unless the
// encrypted stream authenticates frame by frame; a stream that fails
// authentication mid-apply still fails the run.
func (r *Restore) Run(ctx context.Context) *RunOutcome {
	start := r.now()
	outcome := &RunOutcome{Direction: directionRestore}
	defer func() {
		outcome.Duration = r.now().Sub(start)
		metrics.RecordRun(directionRestore, outcome.Err == nil)
	}()

	key, err := r.resolveKey(ctx)
	if err != nil {
		return outcome.fail(err)
	}
	outcome.ObjectKey = key

	body, size, err := r.store.Download(ctx, key)
	if err != nil {
		return outcome.fail(err)
	}
	defer func() {
		_ = body.Close()
	}()

	r.logger.Info("restoring backup",
		"object_key", key,
		"size", utils.FormatBytes(size),
		"conflict_policy", r.cfg.RestoreConflictPolicy)

	decrypter, err := crypt.NewReader(body, crypt.DeriveKey(r.cfg.EncryptionKey))
	if err != nil {
		return outcome.fail(errdefs.Wrap(errdefs.KindTransport, err, "reading backup stream"))
	}
	tracked := &errTrackingReader{r: decrypter}

	gz, err := gzip.NewReader(tracked)
	if err != nil {
		if tracked.err != nil {
			return outcome.fail(errdefs.Wrap(errdefs.KindTransport, tracked.err, "reading backup stream"))
		}
		return outcome.fail(errdefs.Wrap(errdefs.KindIntegrity, err, "decompressing backup"))
	}

	serverMajor := 0
	if info, perr := r.probe(ctx, r.cfg); perr != nil {
		r.logger.Warn("server probe failed, continuing with defaults", "error", perr)
	} else {
		serverMajor = info.Major
	}

	applier := r.newApplier(serverMajor)
	if r.cfg.RestoreConflictPolicy == config.ConflictClean {
		if err := applier.EnsureDatabase(ctx); err != nil {
			return outcome.fail(err)
		}
	}

	applyStart := r.now()
	gzTracked := &errTrackingReader{r: gz}
	progress := utils.NewProgressReader(gzTracked, func(bytesRead int64, elapsed time.Duration) {
		r.logger.Info("restore in progress",
			"bytes", utils.FormatBytes(bytesRead),
			"rate", utils.FormatRate(float64(bytesRead)/elapsed.Seconds()))
	})
	applyErr := applier.Apply(ctx, progress)

	// A decrypt or decompress failure surfaces to the SQL client as a
	// short stream, which it may happily treat as end of input. The
	// stream error is the real cause and wins over the apply result. An
	// authenticated-but-cut-short stream stays an integrity failure; a
	// source read error (a download body dropping mid-stream) keeps its
	// own classification and falls to transport.
	if tracked.err != nil {
		return outcome.fail(errdefs.Wrap(errdefs.KindTransport, tracked.err, "reading backup stream"))
	}
	if gzTracked.err != nil {
		return outcome.fail(errdefs.Wrap(errdefs.KindIntegrity, gzTracked.err, "decompressing backup"))
	}
	if applyErr != nil {
		return outcome.fail(applyErr)
	}
	metrics.StageDuration.WithLabelValues(stageApply).Observe(r.now().Sub(applyStart).Seconds())

	outcome.Status = StatusSuccess
	outcome.BytesProcessed = progress.BytesRead()
	r.logger.Info("restore complete",
		"object_key", key,
		"bytes", utils.FormatBytes(outcome.BytesProcessed))
	return outcome
}

// resolveKey picks the object to restore: the configured key verbatim, or
// the newest dated backup under this instance and database.
func (r *Restore) resolveKey(ctx context.Context) (string, error) {
	if r.cfg.RestoreObjectKey != "" {
		return r.cfg.RestoreObjectKey, nil
	}

	prefix := utils.HistoryPrefix(r.cfg.InstanceID, r.cfg.DBName)
	objects, err := r.store.List(ctx, prefix)
	if err != nil {
		return "", err
	}

	var (
		latestKey  string
		latestTime time.Time
	)
	for _, obj := range objects {
		ts, err := utils.ParseObjectKeyTime(obj.Key)
		if err != nil {
			continue
		}
		if ts.After(latestTime) {
			latestTime = ts
			latestKey = obj.Key
		}
	}
	if latestKey == "" {
		return "", errdefs.New(errdefs.KindObjectNotFound, "no backups found under %s", prefix)
	}

	r.logger.Info("selected latest backup", "object_key", latestKey, "taken_at", latestTime)
	return latestKey, nil
}

// errTrackingReader remembers the first non-EOF error from the wrapped
// reader so it can be inspected after a consumer that swallows short reads.
type errTrackingReader struct {
	r   io.Reader
	err error
}

func (t *errTrackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
