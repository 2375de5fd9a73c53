// Package storage moves backup streams to and from object stores. Uploads
// are staged (multipart or equivalent) and only become visible under their
// final key on commit, so an interrupted run never leaves a half-written
// object that could be mistaken for a valid backup.
package storage

import (
	"context"
	"io"
	"time"
)

// Storage is the transport contract shared by all providers.
type Storage interface {
	// Upload streams a payload of unknown length to key. The object is
	// committed atomically on success; on failure all staged state is
	// cleaned up and the key remains absent. The returned TransferState
	// is valid even on failure.
	Upload(ctx context.Context, key string, reader io.Reader, metadata map[string]string) (*TransferState, error)

	// Download streams the object at key and reports its size. A missing
	// object is an object-not-found error, distinct from transient
	// transport failures.
	Download(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error

	// List returns objects under prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Head returns metadata for the object at key without fetching it.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Provider names the backend for logs and metrics.
	Provider() string
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

// TransferState tracks one multipart operation. It is mutated only by the
// transport and discarded when the operation completes or is abandoned.
type TransferState struct {
	BytesTransferred int64
	PartCount        int32
	// PartAttempts records, per part number, how many attempts that part
	// took to reach its terminal state.
	PartAttempts map[int32]int
	LastErr      error
}
