package storage

import (
	"context"
	"io"
)

// ObjectStorage is the read side of object storage used to fetch problem fixtures.
type ObjectStorage interface {
	// GetObject opens a reader for an object. Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
