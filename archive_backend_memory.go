package tracehist

import (
	"context"
	"os"
	"strings"
	"sync"
)

// MemoryArchiveBackend implements ArchiveBackend in memory. Useful for tests.
type MemoryArchiveBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryArchiveBackend creates an empty in-memory archive.
func NewMemoryArchiveBackend() *MemoryArchiveBackend {
	return &MemoryArchiveBackend{data: make(map[string][]byte)}
}

func (m *MemoryArchiveBackend) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *MemoryArchiveBackend) Write(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryArchiveBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryArchiveBackend) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryArchiveBackend) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.data[key]
	return ok, nil
}

func (m *MemoryArchiveBackend) Close() error {
	return nil
}

// Size returns the number of archived blobs.
func (m *MemoryArchiveBackend) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
