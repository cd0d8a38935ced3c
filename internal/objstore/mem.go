package objstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
)

// PutCall records one successful MemStore.Put.
type PutCall struct {
	Key   string
	Class StorageClass
	Size  int
}

// MemStore is an in-memory Store for tests and dry runs. The Fail hooks,
// when set, are consulted before each operation; a non-nil result is
// returned as the cause of a TransportError.
type MemStore struct {
	name string

	mu      sync.Mutex
	objects map[string][]byte
	classes map[string]StorageClass
	puts    []PutCall

	FailList   func(prefix string) error
	FailGet    func(key string) error
	FailPut    func(key string) error
	FailDelete func(key string) error
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty store with the given name.
func NewMemStore(name string) *MemStore {
	return &MemStore{
		name:    name,
		objects: make(map[string][]byte),
		classes: make(map[string]StorageClass),
	}
}

func (m *MemStore) Name() string { return "mem://" + m.name }

func (m *MemStore) List(_ context.Context, prefix string) ([]string, error) {
	if m.FailList != nil {
		if err := m.FailList(prefix); err != nil {
			return nil, &TransportError{Op: "list", Store: m.Name(), Key: prefix, Err: err}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if m.FailGet != nil {
		if err := m.FailGet(key); err != nil {
			return nil, &TransportError{Op: "get", Store: m.Name(), Key: key, Err: err}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, &TransportError{Op: "get", Store: m.Name(), Key: key, Err: ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemStore) Put(_ context.Context, key string, body io.ReadSeeker, class StorageClass) error {
	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return &TransportError{Op: "put", Store: m.Name(), Key: key, Err: err}
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return &TransportError{Op: "put", Store: m.Name(), Key: key, Err: err}
	}
	if class == "" {
		class = DefaultStorageClass
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.classes[key] = class
	m.puts = append(m.puts, PutCall{Key: key, Class: class, Size: len(data)})
	return nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	if m.FailDelete != nil {
		if err := m.FailDelete(key); err != nil {
			return &TransportError{Op: "delete", Store: m.Name(), Key: key, Err: err}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return &TransportError{Op: "delete", Store: m.Name(), Key: key, Err: ErrNotFound}
	}
	delete(m.objects, key)
	delete(m.classes, key)
	return nil
}

// Set stores data at key without recording a Put.
func (m *MemStore) Set(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = bytes.Clone(data)
	m.classes[key] = DefaultStorageClass
}

// Object returns the stored bytes and storage class for key.
func (m *MemStore) Object(key string) ([]byte, StorageClass, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, m.classes[key], ok
}

// Puts returns the recorded Put calls in order.
func (m *MemStore) Puts() []PutCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PutCall(nil), m.puts...)
}
