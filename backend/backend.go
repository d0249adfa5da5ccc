// Package backend abstracts the pluggable object/file store the columnar
// reader loads partitions from. Concrete backends (local, s3, gcs, azure)
// satisfy the Backend interface; the Registry composes an ordered set of
// them with retry and fallback per role.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by a backend when a path does not exist. The
// registry treats it as a permanent error and falls through to the next
// backend in order. If every backend reports not-found, Registry.Open
// returns ErrNotFound itself (which the columnar reader treats as an empty
// partition), while Registry.List and Registry.Exists return an empty
// result with no error.
var ErrNotFound = errors.New("backend: not found")

// ReadableBlob is an open handle to a partition file.
type ReadableBlob interface {
	io.ReadSeekCloser
}

// HealthResult reports a backend's liveness.
type HealthResult struct {
	OK     bool
	Issues []string
}

// Backend is the minimal capability set every storage backend exposes.
type Backend interface {
	Name() string
	Open(ctx context.Context, path string) (ReadableBlob, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
	Health(ctx context.Context) HealthResult
}

// TransientClassifier reports whether an error returned by a backend
// operation is transient (network error, 5xx, timeout) as opposed to
// permanent (not-found). Backends that don't need special classification
// can rely on DefaultIsTransient.
type TransientClassifier interface {
	IsTransient(err error) bool
}

// DefaultIsTransient treats anything other than ErrNotFound as transient.
// This is deliberately conservative: an unclassified error is retried
// rather than silently absorbed as empty.
func DefaultIsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}

func isTransient(b Backend, err error) bool {
	if err == nil {
		return false
	}
	if tc, ok := b.(TransientClassifier); ok {
		return tc.IsTransient(err)
	}
	return DefaultIsTransient(err)
}
