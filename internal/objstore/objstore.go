// Package objstore abstracts transcript blob storage.
//
// Production uses S3 (or any S3-compatible endpoint such as MinIO); tests use
// an in-memory implementation.
package objstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the blob storage contract.
type ObjectStore interface {
	// Put writes body under key, overwriting any existing object.
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// Get reads the full object at key. Returns ErrNotFound when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether key is present without fetching the body.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping verifies the bucket is reachable.
	Ping(ctx context.Context) error
}
