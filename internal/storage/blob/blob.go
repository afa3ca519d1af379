// Package blob abstracts where render artifacts land: a local directory
// for development, a GCS bucket in production.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound indicates the named object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a flat keyed byte store. Keys may contain slashes; backends
// treat them as opaque names.
type Store interface {
	// Put writes data under key, overwriting any existing object, and
	// returns a URL for the stored object.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get returns the object's bytes, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
