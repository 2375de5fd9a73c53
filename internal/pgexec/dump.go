package pgexec

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/datahub-ops/pgvault/internal/config"
	"github.com/datahub-ops/pgvault/internal/errdefs"
)

// Dumper produces a logical export of one database as a byte stream.
type Dumper struct {
	cfg    *config.Config
	bin    string
	logger *slog.Logger
}

// NewDumper creates a dump producer. serverMajor selects the client binary;
// pass 0 when the server version is unknown.
func NewDumper(cfg *config.Config, serverMajor int) *Dumper {
	bin := "pg_dump"
	if serverMajor > 0 {
		bin = findBinary("pg_dump", serverMajor)
	}
	return &Dumper{
		cfg:    cfg,
		bin:    bin,
		logger: slog.Default().With("component", "dumper"),
	}
}

// dumpArgs builds the pg_dump argument list. The dump is plain SQL with
// clean statements so a restore drops conflicting objects before recreating
// them.
func (d *Dumper) dumpArgs() []string {
	args := []string{
		fmt.Sprintf("--host=%s", d.cfg.DBHost),
		fmt.Sprintf("--port=%d", d.cfg.DBPort),
		fmt.Sprintf("--username=%s", d.cfg.DBUser),
		"--no-password",
		"--format=plain",
		"--clean",
		"--if-exists",
	}
	if d.cfg.Verbose {
		args = append(args, "--verbose")
	}
	return append(args, d.cfg.DBName)
}

// Dump starts pg_dump and returns its stdout as a stream. The process runs
// concurrently with downstream consumption, so back-pressure on the returned
// reader paces the export. If the process exits non-zero the stream is
// closed with an export error carrying the stderr tail; cancelling ctx kills
// the process.
func (d *Dumper) Dump(ctx context.Context) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, d.bin, d.dumpArgs()...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+d.cfg.DBPassword)

	stderr := &tailBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindExport, err, "creating stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindExport, err, "starting "+d.bin)
	}

	d.logger.Info("dump process started", "binary", d.bin, "database", d.cfg.DBName)

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := io.Copy(pw, stdout)
		waitErr := cmd.Wait()

		switch {
		case waitErr != nil:
			_ = pw.CloseWithError(errdefs.New(errdefs.KindExport,
				"%s failed: %v, stderr: %s", d.bin, waitErr, stderr.String()))
		case copyErr != nil:
			_ = pw.CloseWithError(errdefs.Wrap(errdefs.KindExport, copyErr, "reading dump output"))
		default:
			_ = pw.Close()
		}
	}()

	return pr, nil
}
