package pgexec

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/lib/pq"

	"github.com/datahub-ops/pgvault/internal/config"
	"github.com/datahub-ops/pgvault/internal/errdefs"
)

// Applier replays a plain-SQL dump stream against the target database.
type Applier struct {
	cfg    *config.Config
	bin    string
	logger *slog.Logger
}

// NewApplier creates a restore applier. serverMajor selects the client
// binary; pass 0 when the server version is unknown.
func NewApplier(cfg *config.Config, serverMajor int) *Applier {
	bin := "psql"
	if serverMajor > 0 {
		bin = findBinary("psql", serverMajor)
	}
	return &Applier{
		cfg:    cfg,
		bin:    bin,
		logger: slog.Default().With("component", "applier"),
	}
}

// applyArgs builds the psql argument list for the configured conflict
// policy. Under the clean policy the dump's own DROP ... IF EXISTS
// statements handle pre-existing objects, so statement errors do not stop
// the replay; under the fail policy the first error aborts.
func (a *Applier) applyArgs() []string {
	args := []string{
		fmt.Sprintf("--host=%s", a.cfg.DBHost),
		fmt.Sprintf("--port=%d", a.cfg.DBPort),
		fmt.Sprintf("--username=%s", a.cfg.DBUser),
		fmt.Sprintf("--dbname=%s", a.cfg.DBName),
		"--no-password",
	}
	if a.cfg.RestoreConflictPolicy == config.ConflictFail {
		args = append(args, "--set=ON_ERROR_STOP=1")
	} else {
		args = append(args, "--set=ON_ERROR_STOP=0")
	}
	if !a.cfg.Verbose {
		args = append(args, "--quiet")
	}
	return args
}

// Apply feeds the decrypted dump stream to psql. A non-zero exit is fatal
// and surfaces the process stderr tail; no partial rollback is attempted
// beyond what the replayed statements themselves provide.
func (a *Applier) Apply(ctx context.Context, r io.Reader) error {
	cmd := exec.CommandContext(ctx, a.bin, a.applyArgs()...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+a.cfg.DBPassword)
	cmd.Stdin = r
	cmd.Stdout = io.Discard

	stderr := &tailBuffer{}
	cmd.Stderr = stderr

	a.logger.Info("restore process starting",
		"binary", a.bin,
		"database", a.cfg.DBName,
		"conflict_policy", a.cfg.RestoreConflictPolicy,
	)

	if err := cmd.Run(); err != nil {
		return errdefs.New(errdefs.KindApply,
			"%s failed: %v, stderr: %s", a.bin, err, stderr.String())
	}
	return nil
}

// EnsureDatabase creates the target database if it does not exist, using a
// maintenance-database connection. Used by the clean conflict policy so a
// restore can stand up a database that was dropped.
func (a *Applier) EnsureDatabase(ctx context.Context) error {
	db, err := sql.Open("postgres", a.cfg.AdminDSN())
	if err != nil {
		return errdefs.Wrap(errdefs.KindApply, err, "opening maintenance connection")
	}
	defer func() {
		_ = db.Close()
	}()

	var exists bool
	err = db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)",
		a.cfg.DBName,
	).Scan(&exists)
	if err != nil {
		return errdefs.Wrap(errdefs.KindApply, err, "checking target database")
	}
	if exists {
		return nil
	}

	a.logger.Info("creating target database", "database", a.cfg.DBName)
	// CREATE DATABASE cannot take bind parameters.
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(a.cfg.DBName)))
	if err != nil {
		return errdefs.Wrap(errdefs.KindApply, err, "creating target database")
	}
	return nil
}
