package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader answers whether an object already exists.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver exports one UTC day of rows to cold storage. A day that is
// already archived is skipped and reported as zero rows.
type Archiver interface {
	ArchiveTrades(ctx context.Context, day time.Time) (int, error)
	ArchiveAudit(ctx context.Context, day time.Time) (int, error)
}
