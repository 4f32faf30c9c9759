// Package cachingservice implements the shared key-value cache used by
// gateway instances, its HTTP API and the client the gateway calls it with.
package cachingservice

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=storage.go Storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stacklok/apigw/pkg/apiml"
)

// KeyValue is one cache entry.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Storage keeps entries partitioned by the id of the service that owns them.
//
// Create fails with apiml.ErrConflict for an existing key. Read, Update and
// Delete fail with apiml.ErrNotFound for a missing one.
type Storage interface {
	Create(ctx context.Context, serviceID string, kv KeyValue) error
	Read(ctx context.Context, serviceID, key string) (KeyValue, error)
	Update(ctx context.Context, serviceID string, kv KeyValue) error
	Delete(ctx context.Context, serviceID, key string) error
	ReadAll(ctx context.Context, serviceID string) ([]KeyValue, error)
	DeleteAll(ctx context.Context, serviceID string) error
}

// MemoryStorage is a Storage held in process memory.
type MemoryStorage struct {
	mu       sync.RWMutex
	services map[string]map[string]string
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{services: make(map[string]map[string]string)}
}

// Create implements Storage.
func (s *MemoryStorage) Create(_ context.Context, serviceID string, kv KeyValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.services[serviceID]
	if !ok {
		entries = make(map[string]string)
		s.services[serviceID] = entries
	}
	if _, exists := entries[kv.Key]; exists {
		return fmt.Errorf("%w: key %q", apiml.ErrConflict, kv.Key)
	}
	entries[kv.Key] = kv.Value
	return nil
}

// Read implements Storage.
func (s *MemoryStorage) Read(_ context.Context, serviceID, key string) (KeyValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.services[serviceID][key]
	if !ok {
		return KeyValue{}, fmt.Errorf("%w: key %q", apiml.ErrNotFound, key)
	}
	return KeyValue{Key: key, Value: value}, nil
}

// Update implements Storage.
func (s *MemoryStorage) Update(_ context.Context, serviceID string, kv KeyValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.services[serviceID]
	if _, ok := entries[kv.Key]; !ok {
		return fmt.Errorf("%w: key %q", apiml.ErrNotFound, kv.Key)
	}
	entries[kv.Key] = kv.Value
	return nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(_ context.Context, serviceID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.services[serviceID]
	if _, ok := entries[key]; !ok {
		return fmt.Errorf("%w: key %q", apiml.ErrNotFound, key)
	}
	delete(entries, key)
	return nil
}

// ReadAll implements Storage. Entries are ordered by key.
func (s *MemoryStorage) ReadAll(_ context.Context, serviceID string) ([]KeyValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.services[serviceID]
	out := make([]KeyValue, 0, len(entries))
	for k, v := range entries {
		out = append(out, KeyValue{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteAll implements Storage.
func (s *MemoryStorage) DeleteAll(_ context.Context, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services, serviceID)
	return nil
}
