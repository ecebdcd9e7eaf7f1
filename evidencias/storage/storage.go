package storage

import (
	"context"
	"io"
)

// BlobStore is the document backend for evidence files. Upload returns the
// URL that is persisted alongside the evidence record, and ResolvePath
// recovers the object path from a stored URL so the blob can be located
// again when the record is deleted.
type BlobStore interface {
	Upload(ctx context.Context, path string, data io.Reader, contentType string) (string, error)

	Exists(ctx context.Context, path string) (bool, error)

	Delete(ctx context.Context, path string) error

	ResolvePath(url string) (string, error)

	Location() string
}

type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// UsageReporter is implemented by backends that can report capacity.
type UsageReporter interface {
	Usage() (UsageStats, error)
}
