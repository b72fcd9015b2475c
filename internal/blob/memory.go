package blob

import (
	"context"
	"fmt"
	"sync"
)

// Memory keeps blobs in a map. Used by tests and the standalone demo mode.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	// PutErr, when set, makes every Put fail with ErrWriteFailed.
	PutErr error
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, m.PutErr)
	}

	id := NewID()
	m.blobs[id] = append([]byte(nil), data...)
	return id, nil
}

func (m *Memory) Get(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.blobs[id]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", id, ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.blobs, id)
	m.mu.Unlock()
	return nil
}

// Len reports how many blobs are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
