package objstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirStore is a Store over a local directory tree. Keys are slash-separated
// paths relative to the root. Storage classes are accepted and ignored.
type DirStore struct {
	root string
}

var _ Store = (*DirStore)(nil)

// NewDirStore returns a store rooted at root. The directory is created on
// the first Put.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

func (d *DirStore) Name() string { return "file://" + filepath.ToSlash(d.root) }

func (d *DirStore) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

func (d *DirStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(d.root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == d.root {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, &TransportError{Op: "list", Store: d.Name(), Key: prefix, Err: err}
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *DirStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(d.path(key))
	if err != nil {
		return nil, d.fail("get", key, err)
	}
	return f, nil
}

// Put writes to a temporary file in the target directory and renames it
// into place.
func (d *DirStore) Put(_ context.Context, key string, body io.ReadSeeker, _ StorageClass) error {
	path := d.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return d.fail("put", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return d.fail("put", key, err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return d.fail("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return d.fail("put", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return d.fail("put", key, err)
	}
	return nil
}

func (d *DirStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(d.path(key)); err != nil {
		return d.fail("delete", key, err)
	}
	return nil
}

func (d *DirStore) fail(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		err = ErrNotFound
	}
	return &TransportError{Op: op, Store: d.Name(), Key: key, Err: err}
}
