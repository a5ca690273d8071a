// Package storage provides uniform access to HDF5 container objects held
// in an S3-compatible bucket or a local directory.
//
// Every object carries a freshness token (S3 ETag, or size plus mtime for
// local files). Handles returned by Open are pinned to the token observed
// at open time: when the underlying object changes, reads fail with
// ErrStale instead of returning mixed bytes.
package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"
)

var (
	// ErrNotFound indicates the key does not exist in the store.
	ErrNotFound = errors.New("storage: object not found")

	// ErrStale indicates the object changed after its handle was opened.
	ErrStale = errors.New("storage: object changed")

	// ErrInvalidKey indicates a key that fails validation (empty, absolute,
	// or containing "." / ".." elements).
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrUnavailable indicates the store could not be reached.
	ErrUnavailable = errors.New("storage: store unavailable")
)

// Object describes a stored container without opening it.
type Object struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Entry is a single file in a listing.
type Entry struct {
	Key          string
	Name         string
	Size         int64
	LastModified time.Time
}

// Listing is one level (or subtree) of the store namespace.
type Listing struct {
	Prefix    string
	Folders   []string
	Files     []Entry
	Truncated bool
}

// Handle provides random access to an object pinned to one freshness token.
// Handles are safe for concurrent use; ReadAt never mutates shared state.
type Handle interface {
	io.ReaderAt

	// Size returns the object size observed at open time.
	Size() int64

	// Token returns the freshness token observed at open time.
	Token() string

	// SourceID returns a stable identifier unique per (object, token).
	SourceID() string

	// Close releases the handle. After Close, ReadAt behavior is undefined.
	Close() error
}

// Store is the object store surface the rest of the service depends on.
type Store interface {
	// Name identifies the adapter ("s3" or "local") for logs.
	Name() string

	// Probe verifies the store is reachable (bucket exists, directory
	// readable). Used by eager startup checks.
	Probe(ctx context.Context) error

	// List returns one level of the namespace under prefix when delimiter
	// is "/", or the full subtree when delimiter is "". At most maxItems
	// entries (files plus folders) are returned; Truncated reports whether
	// the cap was hit.
	List(ctx context.Context, prefix, delimiter string, maxItems int) (*Listing, error)

	// Stat returns object metadata including its current freshness token.
	Stat(ctx context.Context, key string) (*Object, error)

	// Open returns a read handle pinned to the object's current token.
	Open(ctx context.Context, key string) (Handle, error)
}

// ValidKey reports whether key is a well-formed object key. Keys use "/"
// separators and must not be empty, absolute, or contain "." or ".."
// elements.
func ValidKey(key string) error {
	if key == "" || key == "." || !fs.ValidPath(key) {
		return ErrInvalidKey
	}
	return nil
}

// clampRange bounds a ReadAt request against the object size, mirroring
// io.ReaderAt semantics. It returns the number of bytes that can be
// served and io.EOF when the request extends past the end.
func clampRange(off int64, want int, size int64) (int, error) {
	if off >= size {
		return 0, io.EOF
	}
	if off+int64(want) > size {
		return int(size - off), io.EOF
	}
	return want, nil
}
