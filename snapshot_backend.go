package outpost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// SnapshotBackend stores collection snapshots in a side channel separate
// from the live replica: a local directory, an object store bucket, or
// memory for tests.
type SnapshotBackend interface {
	// Read reads a snapshot blob.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write writes a snapshot blob.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes a snapshot blob.
	Delete(ctx context.Context, key string) error

	// List returns all snapshot keys matching a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources.
	Close() error
}

// MemorySnapshotBackend keeps snapshots in memory; useful for tests.
type MemorySnapshotBackend struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemorySnapshotBackend creates an empty in-memory snapshot backend.
func NewMemorySnapshotBackend() *MemorySnapshotBackend {
	return &MemorySnapshotBackend{data: make(map[string][]byte)}
}

func (m *MemorySnapshotBackend) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (m *MemorySnapshotBackend) Write(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemorySnapshotBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemorySnapshotBackend) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemorySnapshotBackend) Close() error { return nil }

// FileSnapshotBackend stores snapshots under a local directory.
type FileSnapshotBackend struct {
	baseDir string
}

// NewFileSnapshotBackend creates a file-based snapshot backend rooted at
// baseDir, creating the directory if needed.
func NewFileSnapshotBackend(baseDir string) (*FileSnapshotBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve snapshot directory: %w", err)
	}
	return &FileSnapshotBackend{baseDir: filepath.Clean(absDir)}, nil
}

// safePath ensures a key resolves inside the base directory.
func (f *FileSnapshotBackend) safePath(key string) (string, error) {
	resolved := filepath.Clean(filepath.Join(f.baseDir, filepath.Clean(key)))
	if resolved != f.baseDir && !strings.HasPrefix(resolved, f.baseDir+string(os.PathSeparator)) {
		return "", errors.New("invalid key: path traversal attempt detected")
	}
	return resolved, nil
}

func (f *FileSnapshotBackend) Read(ctx context.Context, key string) ([]byte, error) {
	path, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (f *FileSnapshotBackend) Write(ctx context.Context, key string, data []byte) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (f *FileSnapshotBackend) Delete(ctx context.Context, key string) error {
	path, err := f.safePath(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileSnapshotBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(f.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(f.baseDir, path)
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
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileSnapshotBackend) Close() error { return nil }
