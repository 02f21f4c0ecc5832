package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"scribe/internal/scribe"
)

// MemoryVault is an in-memory implementation of scribe.ImageVault.
// It is useful for testing and safe for concurrent use.
type MemoryVault struct {
	images map[string][]byte // key -> payload
	mu     sync.RWMutex
}

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{images: make(map[string][]byte)}
}

// PutImage stores an image under key, replacing any previous payload.
func (m *MemoryVault) PutImage(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[key] = data
	return nil
}

// GetImage writes the payload stored under key to w.
func (m *MemoryVault) GetImage(ctx context.Context, key string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	data, ok := m.images[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", scribe.ErrImageNotFound, key)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}

// DeleteImage removes the payload under key. Missing keys are ignored.
func (m *MemoryVault) DeleteImage(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.images, key)
	return nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

// Keys returns the stored keys in sorted order.
func (m *MemoryVault) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.images))
	for k := range m.images {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Compile-time check that MemoryVault implements scribe.ImageVault
var _ scribe.ImageVault = (*MemoryVault)(nil)
