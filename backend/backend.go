// Package backend stores framed media blobs.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend is a flat key/value blob store. Keys use "/" as the separator.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores r at key, replacing any existing value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read opens the value at key. Returns ErrNotFound if it is missing.
	// The caller closes the returned reader.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// List returns every key under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend reports stored sizes without reading the value.
type SizeAwareBackend interface {
	Backend

	// Size returns the stored size of key in bytes, or ErrNotFound.
	Size(ctx context.Context, key string) (int64, error)
}
