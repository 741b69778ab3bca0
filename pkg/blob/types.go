// Package blob stores opaque objects under slash separated keys. The
// daemon archives analysis runs into it before they are deleted from the
// run history.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned for a key that holds no blob.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidKey is returned for keys that are empty or leave the store.
var ErrInvalidKey = errors.New("invalid blob key")

type BlobStore interface {
	// Put stores the content of reader under key, replacing any previous
	// blob.
	Put(ctx context.Context, key string, reader io.Reader) error

	// Get opens the blob stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes a blob.
	Delete(ctx context.Context, key string) error
}
