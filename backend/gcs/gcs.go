// Package gcs implements backend.Backend over a Google Cloud Storage
// bucket.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/sensorgrid/smartquery/backend"
)

// Config configures a GCS-backed backend.
type Config struct {
	Bucket string `yaml:"bucket"`
}

// Backend reads and lists objects in one GCS bucket.
type Backend struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// New builds a Backend from an already-constructed *storage.Client (the
// client carries credentials and connection pooling; callers typically
// build it once at process startup with storage.NewClient(ctx)).
func New(cfg Config, client *storage.Client) *Backend {
	return &Backend{client: client, bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket}
}

func (b *Backend) Name() string { return "gcs" }

func (b *Backend) Open(ctx context.Context, path string) (backend.ReadableBlob, error) {
	r, err := b.bucket.Object(path).NewReader(ctx)
	if err != nil {
		return nil, classifyErr(err)
	}
	content, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, err
	}
	return nopSeekCloser{bytes.NewReader(content)}, nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.bucket.Object(path).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *Backend) Health(ctx context.Context) backend.HealthResult {
	_, err := b.bucket.Attrs(ctx)
	if err != nil {
		return backend.HealthResult{OK: false, Issues: []string{err.Error()}}
	}
	return backend.HealthResult{OK: true}
}

// IsTransient treats ErrObjectNotExist as permanent and everything else
// (network, quota, 5xx) as worth retrying.
func (b *Backend) IsTransient(err error) bool {
	if err == backend.ErrNotFound {
		return false
	}
	return !errors.Is(err, storage.ErrObjectNotExist)
}

func classifyErr(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return backend.ErrNotFound
	}
	return err
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }
