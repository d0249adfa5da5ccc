// Package azure implements backend.Backend over an Azure Blob Storage
// container.
package azure

import (
	"bytes"
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/sensorgrid/smartquery/backend"
)

// Config configures an Azure Blob Storage backend.
type Config struct {
	Container   string `yaml:"container"`
	AccountName string `yaml:"account_name"`
	AccountKey  string `yaml:"account_key"`
}

// Backend reads and lists blobs in one Azure container.
type Backend struct {
	client    *container.Client
	container string
}

// New builds a Backend from an already-authenticated container client.
// Callers construct the client once at process startup (shared-key or
// managed-identity credential, per azblob's usual patterns).
func New(cfg Config, client *container.Client) *Backend {
	return &Backend{client: client, container: cfg.Container}
}

func (b *Backend) Name() string { return "azure" }

func (b *Backend) Open(ctx context.Context, path string) (backend.ReadableBlob, error) {
	blob := b.client.NewBlobClient(path)
	resp, err := blob.DownloadStream(ctx, nil)
	if err != nil {
		return nil, classifyErr(err)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return nopSeekCloser{bytes.NewReader(content)}, nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	pager := b.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				out = append(out, *item.Name)
			}
		}
	}
	return out, nil
}

func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	blob := b.client.NewBlobClient(path)
	_, err := blob.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *Backend) Health(ctx context.Context) backend.HealthResult {
	_, err := b.client.GetProperties(ctx, nil)
	if err != nil {
		return backend.HealthResult{OK: false, Issues: []string{err.Error()}}
	}
	return backend.HealthResult{OK: true}
}

// IsTransient treats blob-not-found as permanent; everything else
// (throttling, network errors) is retried.
func (b *Backend) IsTransient(err error) bool {
	if err == backend.ErrNotFound {
		return false
	}
	return !bloberror.HasCode(err, bloberror.BlobNotFound)
}

func classifyErr(err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return backend.ErrNotFound
	}
	return err
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }
