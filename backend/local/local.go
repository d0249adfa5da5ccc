// Package local implements backend.Backend over a filesystem tree, useful
// for development and for the memtest-free unit tests in other packages.
package local

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sensorgrid/smartquery/backend"
)

// Config configures a filesystem-rooted backend.
type Config struct {
	Path string `yaml:"path"`
}

// Backend reads and lists partition files under a root directory. Paths
// passed to Open/List/Exists are always interpreted relative to Path and
// forward-slash separated regardless of OS.
type Backend struct {
	root string
}

// New creates a filesystem backend rooted at cfg.Path, creating the
// directory if it does not already exist.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("local: empty root path")
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("local: create root: %w", err)
	}
	return &Backend{root: cfg.Path}, nil
}

func (b *Backend) Name() string { return "local" }

func (b *Backend) resolve(p string) string {
	return filepath.Join(b.root, filepath.FromSlash(p))
}

func (b *Backend) Open(_ context.Context, path string) (backend.ReadableBlob, error) {
	f, err := os.Open(b.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, backend.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	root := b.resolve(prefix)
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, nil
	}

	var out []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(b.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *Backend) Health(_ context.Context) backend.HealthResult {
	info, err := os.Stat(b.root)
	if err != nil {
		return backend.HealthResult{OK: false, Issues: []string{err.Error()}}
	}
	if !info.IsDir() {
		return backend.HealthResult{OK: false, Issues: []string{fmt.Sprintf("%s is not a directory", b.root)}}
	}
	return backend.HealthResult{OK: true}
}

// IsTransient classifies filesystem errors: permission and I/O errors are
// transient (worth retrying against this same mount); a missing file is
// permanent and is represented via backend.ErrNotFound before this is
// ever consulted, so this mainly covers wrapped os.PathError cases.
func (b *Backend) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if err == backend.ErrNotFound {
		return false
	}
	return !strings.Contains(err.Error(), "not found")
}
