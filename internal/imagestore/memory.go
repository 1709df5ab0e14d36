package imagestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"dwarf-go/internal/dwarf"
)

// MemoryStore keeps payloads in memory. LocalPath materializes a payload
// into cacheDir because disk provisioning needs a real file.
// Safe for concurrent use.
type MemoryStore struct {
	cacheDir string

	mu   sync.RWMutex
	data map[string][]byte // location -> payload
}

func NewMemoryStore(cacheDir string) *MemoryStore {
	return &MemoryStore{
		cacheDir: cacheDir,
		data:     make(map[string][]byte),
	}
}

func memoryLocation(id string) string { return "memory://" + id }

func (m *MemoryStore) Put(ctx context.Context, id string, r io.Reader) (string, error) {
	data, err := io.ReadAll(&ctxReader{ctx: ctx, r: r})
	if err != nil {
		return "", fmt.Errorf("failed to read image data: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	loc := memoryLocation(id)
	m.data[loc] = data
	return loc, nil
}

func (m *MemoryStore) LocalPath(ctx context.Context, id, location string) (string, error) {
	if location == "" {
		location = memoryLocation(id)
	}
	m.mu.RLock()
	data, ok := m.data[location]
	m.mu.RUnlock()
	if !ok {
		return "", dwarf.NotFound("image data %s not found", id)
	}

	if err := os.MkdirAll(m.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	dest := filepath.Join(m.cacheDir, id)
	if err := writeFile(dest, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return dest, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id, location string) error {
	if location == "" {
		location = memoryLocation(id)
	}
	m.mu.Lock()
	delete(m.data, location)
	m.mu.Unlock()

	if m.cacheDir != "" {
		os.Remove(filepath.Join(m.cacheDir, id))
	}
	return nil
}

// Len reports the number of stored payloads.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

var _ dwarf.ImageStore = (*MemoryStore)(nil)
