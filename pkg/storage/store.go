// Package storage persists snapshot blobs in a local directory or an S3
// bucket behind one Store interface.
package storage

import (
	"context"
	"io"

	"github.com/lob-engine/console/pkg/errors"
)

// ErrNotFound is returned for keys that hold no object.
var ErrNotFound = errors.New("object not found")

// Backend names
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// PutResult contains upload metadata
type PutResult struct {
	Key    string
	SHA256 string
	Size   int64
}

// Store is a flat key/value blob store.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (*PutResult, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

var (
	_ Store = (*LocalStore)(nil)
	_ Store = (*Client)(nil)
)
