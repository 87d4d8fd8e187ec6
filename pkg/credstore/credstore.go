// Copyright 2024-2026 Aiku AI

// Package credstore persists opaque session credential blobs keyed by
// connection name.
package credstore

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Load when no credentials are stored.
var ErrNotFound = errors.New("credentials not found")

// Store loads, saves and clears the credential blob of one connection.
type Store interface {
	Load(ctx context.Context, connectionID string) ([]byte, error)
	Save(ctx context.Context, connectionID string, blob []byte) error
	Clear(ctx context.Context, connectionID string) error
}

// MemoryStore keeps credentials in process memory. It is used when no
// database is configured and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Load(ctx context.Context, connectionID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

func (m *MemoryStore) Save(ctx context.Context, connectionID string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[connectionID] = append([]byte(nil), blob...)
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, connectionID)
	return nil
}
