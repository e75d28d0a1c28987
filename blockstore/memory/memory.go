package memory

import (
	"context"
	"sync"
)

// Store keeps archived blocks in process memory. Implements blockstore.Store;
// the default backend for memory-resident nodes and tests.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty in-memory Store
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Put stores a key-value pair
func (s *Store) Put(ctx context.Context, key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = value
	return nil
}

// Get retrieves a value by key, or nil if the key is absent
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[string(key)], nil
}

// Delete removes a key-value pair
func (s *Store) Delete(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

// Close releases any resources
func (s *Store) Close() error {
	return nil
}
