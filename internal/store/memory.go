package store

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process KV used when no persistence backend is
// configured, and by tests.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, bucket, key string, val []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), val...)
	return nil
}

func (m *Memory) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.buckets[bucket]; ok {
		if v, ok := b[key]; ok {
			return append([]byte(nil), v...), nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, bucket, key)
}

func (m *Memory) List(_ context.Context, bucket string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range m.buckets[bucket] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[bucket]; ok {
		delete(b, key)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
