// Package blobstore abstracts storage of immutable index artifacts.
//
// Index generations are written once under UUID-derived names and never
// modified afterwards, so the contract is deliberately small: atomic whole
// writes, random-access reads, prefix listing and deletion. Local storage
// serves reads through memory mapping; object storage backends live in the
// s3 and minio subpackages.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error satisfying errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// Store provides access to immutable index artifacts.
type Store interface {
	// Open opens a blob for reading. The returned Blob remains valid
	// until closed, even if the blob is deleted meanwhile.
	Open(ctx context.Context, name string) (Blob, error)

	// Put writes a blob atomically. Readers never observe partial writes.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle on a stored artifact.
type Blob interface {
	io.Closer

	// Size returns the blob size in bytes.
	Size() int64

	// ReadAt reads len(p) bytes starting at off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
}

// Mappable is an optional interface for blobs whose full contents are
// addressable without copying. The slice is valid until the blob is closed.
type Mappable interface {
	Bytes() ([]byte, error)
}

// ReadAll reads the entire blob, using the zero-copy path when available.
// The caller must not retain the returned slice past blob.Close unless it
// copies it.
func ReadAll(ctx context.Context, blob Blob) ([]byte, error) {
	if m, ok := blob.(Mappable); ok {
		return m.Bytes()
	}
	buf := make([]byte, blob.Size())
	if len(buf) == 0 {
		return buf, nil
	}
	n, err := blob.ReadAt(ctx, buf, 0)
	if err == io.EOF && int64(n) == blob.Size() {
		err = nil
	}
	return buf[:n], err
}
