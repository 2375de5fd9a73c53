package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/datahub-ops/pgvault/internal/errdefs"
	"github.com/datahub-ops/pgvault/internal/metrics"
)

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket string
	// ServiceAccountJSON holds the key file contents. Required; config
	// validation rejects a GCS run without one.
	ServiceAccountJSON string
	PartSize           int64
}

// GCSStorage implements Storage over Google Cloud Storage. GCS has no
// multipart API; the resumable upload protocol provides the same staged,
// commit-on-close semantics.
type GCSStorage struct {
	client   *gcstorage.Client
	bucket   string
	partSize int64
	logger   *slog.Logger
}

func NewGCSStorage(ctx context.Context, cfg GCSConfig, logger *slog.Logger) (*GCSStorage, error) {
	var opts []option.ClientOption
	if cfg.ServiceAccountJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)))
	}
	client, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfiguration, err, "creating GCS client")
	}
	return &GCSStorage{
		client:   client,
		bucket:   cfg.Bucket,
		partSize: cfg.PartSize,
		logger:   logger.With("component", "storage", "provider", "gcs"),
	}, nil
}

func (g *GCSStorage) Provider() string { return "gcs" }

func (g *GCSStorage) Upload(ctx context.Context, key string, reader io.Reader, metadata map[string]string) (*TransferState, error) {
	state := &TransferState{PartAttempts: make(map[int32]int)}

	// Cancelling the writer's context abandons the resumable session, so
	// a failed copy never commits a partial object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(wctx)
	w.ChunkSize = int(g.partSize)
	w.Metadata = metadata

	g.logger.Info("starting upload", "bucket", g.bucket, "key", key, "chunk_size", w.ChunkSize)

	n, err := io.Copy(w, reader)
	state.BytesTransferred = n
	if err != nil {
		state.LastErr = err
		cancel()
		metrics.RecordStorageOperation("upload", "gcs", false)
		return state, errdefs.Wrap(errdefs.KindTransport, err, fmt.Sprintf("uploading %s", key))
	}
	if err := w.Close(); err != nil {
		state.LastErr = err
		metrics.RecordStorageOperation("upload", "gcs", false)
		return state, errdefs.Wrap(errdefs.KindTransport, err, fmt.Sprintf("committing %s", key))
	}

	state.PartCount = int32((n + g.partSize - 1) / g.partSize)
	metrics.RecordStorageOperation("upload", "gcs", true)
	g.logger.Info("upload complete", "key", key, "bytes", n)
	return state, nil
}

func (g *GCSStorage) Download(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		metrics.RecordStorageOperation("download", "gcs", false)
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return nil, 0, errdefs.New(errdefs.KindObjectNotFound, "object %s not found in bucket %s", key, g.bucket)
		}
		return nil, 0, errdefs.Wrap(errdefs.KindTransport, err, fmt.Sprintf("downloading %s", key))
	}
	metrics.RecordStorageOperation("download", "gcs", true)
	return r, r.Attrs.Size, nil
}

func (g *GCSStorage) Delete(ctx context.Context, key string) error {
	if err := g.client.Bucket(g.bucket).Object(key).Delete(ctx); err != nil {
		metrics.RecordStorageOperation("delete", "gcs", false)
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return errdefs.New(errdefs.KindObjectNotFound, "object %s not found in bucket %s", key, g.bucket)
		}
		return errdefs.Wrap(errdefs.KindTransport, err, fmt.Sprintf("deleting %s", key))
	}
	metrics.RecordStorageOperation("delete", "gcs", true)
	return nil
}

func (g *GCSStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	it := g.client.Bucket(g.bucket).Objects(ctx, &gcstorage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			metrics.RecordStorageOperation("list", "gcs", false)
			return nil, errdefs.Wrap(errdefs.KindTransport, err, fmt.Sprintf("listing prefix %s", prefix))
		}
		objects = append(objects, ObjectInfo{
			Key:          attrs.Name,
			Size:         attrs.Size,
			LastModified: attrs.Updated,
			Metadata:     attrs.Metadata,
		})
	}

	metrics.RecordStorageOperation("list", "gcs", true)
	return objects, nil
}

func (g *GCSStorage) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := g.client.Bucket(g.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return nil, errdefs.New(errdefs.KindObjectNotFound, "object %s not found in bucket %s", key, g.bucket)
		}
		return nil, errdefs.Wrap(errdefs.KindTransport, err, fmt.Sprintf("heading %s", key))
	}
	return &ObjectInfo{
		Key:          attrs.Name,
		Size:         attrs.Size,
		LastModified: attrs.Updated,
		Metadata:     attrs.Metadata,
	}, nil
}
