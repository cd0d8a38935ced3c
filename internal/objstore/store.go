// Package objstore defines the narrow object-store capability used by the
// pipeline (list, get, put with a storage class, delete) and its S3,
// directory and in-memory backends.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is wrapped by Get and Delete when the key does not exist.
var ErrNotFound = errors.New("object not found")

// StorageClass is the tier an object is written to.
type StorageClass string

const (
	Standard    StorageClass = "STANDARD"
	StandardIA  StorageClass = "STANDARD_IA"
	Glacier     StorageClass = "GLACIER"
	DeepArchive StorageClass = "DEEP_ARCHIVE"
)

// DefaultStorageClass is used when a destination names no class.
const DefaultStorageClass = Standard

// ParseStorageClass accepts a storage class name in any case. An empty
// string yields DefaultStorageClass.
func ParseStorageClass(s string) (StorageClass, error) {
	switch c := StorageClass(strings.ToUpper(strings.TrimSpace(s))); c {
	case "":
		return DefaultStorageClass, nil
	case Standard, StandardIA, Glacier, DeepArchive:
		return c, nil
	default:
		return "", fmt.Errorf("unknown storage class %q", s)
	}
}

// Store is a flat key/value object store.
type Store interface {
	// Name identifies the store in logs and errors, e.g. "s3://bucket".
	Name() string

	// List returns every key beginning with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Get opens the object at key. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put writes body to key with the given storage class, replacing any
	// existing object.
	Put(ctx context.Context, key string, body io.ReadSeeker, class StorageClass) error

	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error
}

// TransportError reports a failed remote operation.
type TransportError struct {
	Op    string // list, get, put, delete
	Store string
	Key   string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("objstore: %s %s: %v", e.Op, e.Store, e.Err)
	}
	return fmt.Sprintf("objstore: %s %s/%s: %v", e.Op, e.Store, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsNotFound reports whether err indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Base returns the last slash-separated element of key.
func Base(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}
