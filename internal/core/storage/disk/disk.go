// Package disk stores records as files in a single directory.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeusync/paintsync/internal/core/storage/interfaces"
)

const tempSuffix = ".tmp"

var ErrInvalidKey = errors.New("invalid record key")

// Dir is a Backend keeping one file per key under a root directory.
type Dir struct {
	root string
	perm fs.FileMode
}

var _ interfaces.ListableBackend = (*Dir)(nil)

// New creates root if needed and returns a backend rooted there.
func New(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", root, err)
	}
	return &Dir{root: root, perm: 0o644}, nil
}

// Root returns the directory holding the records.
func (d *Dir) Root() string {
	return d.root
}

func (d *Dir) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." || strings.HasSuffix(key, tempSuffix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(d.root, key), nil
}

// Load reads the record for key. A missing file yields interfaces.ErrNotFound.
func (d *Dir) Load(_ context.Context, key string) ([]byte, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

// Store replaces the record for key. The data is written to a temporary file
// and renamed into place so a crash never leaves a torn record behind.
func (d *Dir) Store(_ context.Context, key string, data []byte) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	tmp := p + tempSuffix
	if err = os.WriteFile(tmp, data, d.perm); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Exists reports whether a record is present for key.
func (d *Dir) Exists(_ context.Context, key string) (bool, error) {
	p, err := d.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return info.Mode().IsRegular(), nil
}

// Keys lists the record keys, skipping temporary files.
func (d *Dir) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.root, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), tempSuffix) {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys, nil
}
