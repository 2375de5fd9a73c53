package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/datahub-ops/pgvault/internal/config"
	"github.com/datahub-ops/pgvault/internal/crypt"
	"github.com/datahub-ops/pgvault/internal/errdefs"
	"github.com/datahub-ops/pgvault/internal/pgexec"
	"github.com/datahub-ops/pgvault/internal/storage"
)

func notFoundErr(key string) error {
	return errdefs.New(errdefs.KindObjectNotFound, "object %s not found", key)
}

func testConfig() *config.Config {
	return &config.Config{
		DBHost:                "localhost",
		DBPort:                5432,
		DBName:                "orders_db",
		DBUser:                "postgres",
		DBPassword:            "hunter2",
		InstanceID:            "prod-1",
		EncryptionKey:         "test-secret",
		StorageProvider:       "s3",
		PartSizeMB:            8,
		UploadMaxAttempts:     3,
		RestoreConflictPolicy: config.ConflictClean,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noProbe(ctx context.Context, cfg *config.Config) (*pgexec.ServerInfo, error) {
	return nil, errors.New("probe unavailable in tests")
}

type memObject struct {
	data     []byte
	metadata map[string]string
	modified time.Time
}

// memStorage is an in-memory Storage with commit-or-nothing uploads.
type memStorage struct {
	objects map[string]memObject

	uploadErr error
	listErr   error
	deleted   []string

	// When bodyErr is set, Download succeeds but the returned body yields
	// only bodyErrAt bytes before failing with bodyErr.
	bodyErr   error
	bodyErrAt int
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string]memObject)}
}

func (m *memStorage) Provider() string { return "mem" }

func (m *memStorage) Upload(ctx context.Context, key string, reader io.Reader, metadata map[string]string) (*storage.TransferState, error) {
	state := &storage.TransferState{PartAttempts: make(map[int32]int)}
	if m.uploadErr != nil {
		state.LastErr = m.uploadErr
		return state, m.uploadErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		state.LastErr = err
		return state, err
	}
	m.objects[key] = memObject{data: data, metadata: metadata, modified: time.Now()}
	state.BytesTransferred = int64(len(data))
	state.PartCount = 1
	return state, nil
}

func (m *memStorage) Download(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj, ok := m.objects[key]
	if !ok {
		return nil, 0, notFoundErr(key)
	}
	if m.bodyErr != nil {
		body := io.MultiReader(bytes.NewReader(obj.data[:m.bodyErrAt]), &errReader{err: m.bodyErr})
		return io.NopCloser(body), int64(len(obj.data)), nil
	}
	return io.NopCloser(bytes.NewReader(obj.data)), int64(len(obj.data)), nil
}

func (m *memStorage) Delete(ctx context.Context, key string) error {
	if _, ok := m.objects[key]; !ok {
		return notFoundErr(key)
	}
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memStorage) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []storage.ObjectInfo
	for key, obj := range m.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, storage.ObjectInfo{
				Key:          key,
				Size:         int64(len(obj.data)),
				LastModified: obj.modified,
			})
		}
	}
	return out, nil
}

func (m *memStorage) Head(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	obj, ok := m.objects[key]
	if !ok {
		return nil, notFoundErr(key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: obj.modified,
		Metadata:     obj.metadata,
	}, nil
}

// encryptedPayload builds an object body the way the backup pipeline does.
func encryptedPayload(t *testing.T, secret string, plaintext []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	cw, err := crypt.NewWriter(&buf, crypt.DeriveKey(secret))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	gz := gzip.NewWriter(cw)
	if _, err := gz.Write(plaintext); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := cw.Close(); err != nil {
		t.Fatalf("crypt close: %v", err)
	}
	return buf.Bytes()
}

// decryptPayload inverts encryptedPayload.
func decryptPayload(t *testing.T, secret string, body []byte) []byte {
	t.Helper()
	cr, err := crypt.NewReader(bytes.NewReader(body), crypt.DeriveKey(secret))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	gz, err := gzip.NewReader(cr)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plaintext, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	return plaintext
}
