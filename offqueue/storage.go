// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"context"
	"sync"
)

// Storage is the durable key-value capability the queue persists into.
// Get reports ok=false when the key has never been written. Implementations
// must make Set atomic per key; the queue stores the whole pending
// collection under a single key, so last-write-wins on the blob is the only
// isolation level assumed.
type Storage interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// MemStorage is an in-memory Storage for tests and embedded use.
type MemStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemStorage creates an empty in-memory storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{values: make(map[string]string)}
}

func (m *MemStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemStorage) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
