package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/datahub-ops/pgvault/internal/config"
	"github.com/datahub-ops/pgvault/internal/errdefs"
	"github.com/datahub-ops/pgvault/internal/utils"
)

// fakeApplier records what reaches the database. Like psql without
// ON_ERROR_STOP, it does not treat a short input stream as its own failure.
type fakeApplier struct {
	applied   bytes.Buffer
	applyErr  error
	ensureErr error
	ensured   bool
}

func (f *fakeApplier) Apply(ctx context.Context, r io.Reader) error {
	_, _ = io.Copy(&f.applied, r)
	return f.applyErr
}

func (f *fakeApplier) EnsureDatabase(ctx context.Context) error {
	f.ensured = true
	return f.ensureErr
}

func testRestore(cfg *config.Config, store *memStorage, applier *fakeApplier) *Restore {
	r := NewRestore(cfg, store, testLogger())
	r.probe = noProbe
	r.newApplier = func(int) sqlApplier { return applier }
	return r
}

func storeBackup(t *testing.T, store *memStorage, instance, db string, ts time.Time, sql []byte) string {
	t.Helper()
	key := utils.BackupObjectKey(instance, db, ts)
	store.objects[key] = memObject{data: encryptedPayload(t, "test-secret", sql), modified: ts}
	return key
}

func TestRestoreRoundTrip(t *testing.T) {
	sql := []byte("DROP TABLE IF EXISTS orders;\nCREATE TABLE orders (id int);\n")
	store := newMemStorage()
	key := storeBackup(t, store, "prod-1", "orders_db", time.Now().UTC(), sql)

	cfg := testConfig()
	cfg.RestoreObjectKey = key
	applier := &fakeApplier{}

	outcome := testRestore(cfg, store, applier).Run(context.Background())
	if outcome.Err != nil {
		t.Fatalf("Run: %v", outcome.Err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %q, want success", outcome.Status)
	}
	if outcome.ObjectKey != key {
		t.Errorf("ObjectKey = %q, want %q", outcome.ObjectKey, key)
	}
	if !bytes.Equal(applier.applied.Bytes(), sql) {
		t.Error("applied SQL differs from original dump")
	}
	if !applier.ensured {
		t.Error("EnsureDatabase not called under clean policy")
	}
}

func TestRestoreFailPolicySkipsEnsureDatabase(t *testing.T) {
	sql := []byte("SELECT 1;\n")
	store := newMemStorage()
	key := storeBackup(t, store, "prod-1", "orders_db", time.Now().UTC(), sql)

	cfg := testConfig()
	cfg.RestoreObjectKey = key
	cfg.RestoreConflictPolicy = config.ConflictFail
	applier := &fakeApplier{}

	outcome := testRestore(cfg, store, applier).Run(context.Background())
	if outcome.Err != nil {
		t.Fatalf("Run: %v", outcome.Err)
	}
	if applier.ensured {
		t.Error("EnsureDatabase called under fail policy")
	}
}

func TestRestoreSelectsLatestBackup(t *testing.T) {
	store := newMemStorage()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	storeBackup(t, store, "prod-1", "orders_db", base, []byte("OLD;"))
	latest := storeBackup(t, store, "prod-1", "orders_db", base.Add(48*time.Hour), []byte("NEW;"))
	storeBackup(t, store, "prod-1", "orders_db", base.Add(24*time.Hour), []byte("MID;"))
	store.objects["prod-1/orders_db/manual-snapshot.sql.gz.enc"] = memObject{data: []byte("junk")}

	cfg := testConfig()
	cfg.RestoreLatest = true
	applier := &fakeApplier{}

	outcome := testRestore(cfg, store, applier).Run(context.Background())
	if outcome.Err != nil {
		t.Fatalf("Run: %v", outcome.Err)
	}
	if outcome.ObjectKey != latest {
		t.Errorf("ObjectKey = %q, want latest %q", outcome.ObjectKey, latest)
	}
	if got := applier.applied.String(); got != "NEW;" {
		t.Errorf("applied %q, want NEW;", got)
	}
}

func TestRestoreNoBackupsFound(t *testing.T) {
	cfg := testConfig()
	cfg.RestoreLatest = true

	outcome := testRestore(cfg, newMemStorage(), &fakeApplier{}).Run(context.Background())
	if !errdefs.IsKind(outcome.Err, errdefs.KindObjectNotFound) {
		t.Errorf("error kind = %v, want object-not-found", errdefs.KindOf(outcome.Err))
	}
}

func TestRestoreMissingObjectKey(t *testing.T) {
	cfg := testConfig()
	cfg.RestoreObjectKey = "prod-1/orders_db/2026-01-01T00-00-00-000Z.sql.gz.enc"

	outcome := testRestore(cfg, newMemStorage(), &fakeApplier{}).Run(context.Background())
	if !errdefs.IsKind(outcome.Err, errdefs.KindObjectNotFound) {
		t.Errorf("error kind = %v, want object-not-found", errdefs.KindOf(outcome.Err))
	}
}

func TestRestoreTamperedObjectFailsEvenWhenApplySucceeds(t *testing.T) {
	sql := bytes.Repeat([]byte("INSERT INTO t VALUES (42);\n"), 8000)
	store := newMemStorage()
	key := storeBackup(t, store, "prod-1", "orders_db", time.Now().UTC(), sql)

	// Flip one ciphertext byte past the header.
	obj := store.objects[key]
	tampered := bytes.Clone(obj.data)
	tampered[len(tampered)/2] ^= 0x01
	store.objects[key] = memObject{data: tampered, modified: obj.modified}

	cfg := testConfig()
	cfg.RestoreObjectKey = key
	applier := &fakeApplier{}

	outcome := testRestore(cfg, store, applier).Run(context.Background())
	if outcome.Err == nil {
		t.Fatal("tampered backup restored without error")
	}
	if !errdefs.IsKind(outcome.Err, errdefs.KindIntegrity) {
		t.Errorf("error kind = %v, want integrity", errdefs.KindOf(outcome.Err))
	}
	if outcome.Status != StatusFailure {
		t.Errorf("Status = %q, want failure", outcome.Status)
	}
}

func TestRestoreDownloadBodyFailureIsTransport(t *testing.T) {
	sql := bytes.Repeat([]byte("INSERT INTO t VALUES (1);\n"), 8000)
	store := newMemStorage()
	key := storeBackup(t, store, "prod-1", "orders_db", time.Now().UTC(), sql)

	// The connection drops partway through the body: the stream is intact
	// up to the cut, so this is a transfer failure, not corruption.
	store.bodyErr = &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
	store.bodyErrAt = len(store.objects[key].data) / 2

	cfg := testConfig()
	cfg.RestoreObjectKey = key

	outcome := testRestore(cfg, store, &fakeApplier{}).Run(context.Background())
	if outcome.Err == nil {
		t.Fatal("expected failure")
	}
	if !errdefs.IsKind(outcome.Err, errdefs.KindTransport) {
		t.Errorf("error kind = %v, want transport", errdefs.KindOf(outcome.Err))
	}
	var opErr *net.OpError
	if !errors.As(outcome.Err, &opErr) {
		t.Errorf("network error chain lost: %v", outcome.Err)
	}
}

func TestRestoreTruncatedObjectFails(t *testing.T) {
	sql := bytes.Repeat([]byte("x"), 200_000)
	store := newMemStorage()
	key := storeBackup(t, store, "prod-1", "orders_db", time.Now().UTC(), sql)

	obj := store.objects[key]
	store.objects[key] = memObject{data: obj.data[:len(obj.data)-10], modified: obj.modified}

	cfg := testConfig()
	cfg.RestoreObjectKey = key

	outcome := testRestore(cfg, store, &fakeApplier{}).Run(context.Background())
	if !errdefs.IsKind(outcome.Err, errdefs.KindIntegrity) {
		t.Errorf("error kind = %v, want integrity", errdefs.KindOf(outcome.Err))
	}
}

func TestRestoreWrongKeyFails(t *testing.T) {
	store := newMemStorage()
	key := storeBackup(t, store, "prod-1", "orders_db", time.Now().UTC(), []byte("SELECT 1;"))

	cfg := testConfig()
	cfg.RestoreObjectKey = key
	cfg.EncryptionKey = "a-different-secret"

	outcome := testRestore(cfg, store, &fakeApplier{}).Run(context.Background())
	if !errdefs.IsKind(outcome.Err, errdefs.KindIntegrity) {
		t.Errorf("error kind = %v, want integrity", errdefs.KindOf(outcome.Err))
	}
}

func TestRestoreApplyFailure(t *testing.T) {
	store := newMemStorage()
	key := storeBackup(t, store, "prod-1", "orders_db", time.Now().UTC(), []byte("SELECT 1;"))

	cfg := testConfig()
	cfg.RestoreObjectKey = key
	applier := &fakeApplier{applyErr: errdefs.New(errdefs.KindApply, "psql failed: exit status 3")}

	outcome := testRestore(cfg, store, applier).Run(context.Background())
	if !errdefs.IsKind(outcome.Err, errdefs.KindApply) {
		t.Errorf("error kind = %v, want apply", errdefs.KindOf(outcome.Err))
	}
}

func TestRestoreEnsureDatabaseFailure(t *testing.T) {
	store := newMemStorage()
	key := storeBackup(t, store, "prod-1", "orders_db", time.Now().UTC(), []byte("SELECT 1;"))

	cfg := testConfig()
	cfg.RestoreObjectKey = key
	applier := &fakeApplier{ensureErr: errdefs.New(errdefs.KindApply, "permission denied to create database")}

	outcome := testRestore(cfg, store, applier).Run(context.Background())
	if !errdefs.IsKind(outcome.Err, errdefs.KindApply) {
		t.Errorf("error kind = %v, want apply", errdefs.KindOf(outcome.Err))
	}
	if applier.applied.Len() != 0 {
		t.Error("SQL applied after EnsureDatabase failure")
	}
}
