// Package blobstore abstracts the object store that holds machine snapshot
// images. The production backend is Cloudflare R2 through the S3 API; every
// payload byte moves over presigned URLs so the data path never needs the
// store credentials.
package blobstore

import (
	"context"
	"io"
	"time"
)

// Store is the object-store surface the snapshot service consumes.
type Store interface {
	// Put uploads one object. size is advisory (-1 when unknown).
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get streams one object. Missing keys return a NOT_FOUND error.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes one object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys under prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// PresignPut returns a URL that accepts a single HTTP PUT of the
	// object until expiry.
	PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error)

	// PresignGet returns a URL that serves the object until expiry.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}
