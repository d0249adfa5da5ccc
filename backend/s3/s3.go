// Package s3 implements backend.Backend over an S3-compatible object
// store using the MinIO client, covering AWS S3 and on-prem MinIO alike.
package s3

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sensorgrid/smartquery/backend"
)

// Config configures an S3-compatible backend.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Insecure  bool   `yaml:"insecure"`
}

// Backend reads and lists objects in one S3 bucket.
type Backend struct {
	client *minio.Client
	bucket string
}

// New dials cfg.Endpoint and returns a ready Backend.
func New(cfg Config) (*Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: new client: %w", err)
	}
	return &Backend{client: client, bucket: cfg.Bucket}, nil
}

func (b *Backend) Name() string { return "s3" }

func (b *Backend) Open(ctx context.Context, path string) (backend.ReadableBlob, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyErr(err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classifyErr(err)
	}
	return obj, nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, classifyErr(obj.Err)
		}
		out = append(out, obj.Key)
	}
	return out, nil
}

func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classifyErr(err)
	}
	return true, nil
}

func (b *Backend) Health(ctx context.Context) backend.HealthResult {
	ok, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return backend.HealthResult{OK: false, Issues: []string{err.Error()}}
	}
	if !ok {
		return backend.HealthResult{OK: false, Issues: []string{fmt.Sprintf("bucket %s not found", b.bucket)}}
	}
	return backend.HealthResult{OK: true}
}

// IsTransient classifies MinIO errors: not-found is permanent, everything
// else (network errors, 5xx, throttling) is retried by the registry.
func (b *Backend) IsTransient(err error) bool {
	if err == backend.ErrNotFound {
		return false
	}
	return !isNotFound(err)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound" || resp.StatusCode == 404
}

func classifyErr(err error) error {
	if isNotFound(err) {
		return backend.ErrNotFound
	}
	return err
}
