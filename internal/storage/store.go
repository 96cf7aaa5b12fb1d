package storage

import (
	"errors"
	"sync"
)

// ErrKeyNotFound is returned for a document id the store does not hold.
var ErrKeyNotFound = errors.New("key not found")

// Store holds the encoded documents of one shard keyed by document id.
// Implementations are safe for concurrent use.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	// PutIfAbsent stores value unless key is taken and reports whether it did.
	// It is the insert path of duplicate-key detection.
	PutIfAbsent(key string, value []byte) (bool, error)
	Delete(key string) error
	// List returns the stored ids in no particular order.
	List() []string
	Stats() StoreStats
	Close() error
}

// StoreStats describes the documents held by a store.
type StoreStats struct {
	Keys  int `json:"keys"`
	Bytes int `json:"bytes"`
}

// MemoryStore is a Store kept in a map. Values are copied on the way in and
// out so callers may reuse their buffers.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string][]byte
	bytes int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return clone(doc), nil
}

func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes += len(value) - len(m.docs[key])
	m.docs[key] = clone(value)
	return nil
}

func (m *MemoryStore) PutIfAbsent(key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[key]; ok {
		return false, nil
	}
	m.bytes += len(value)
	m.docs[key] = clone(value)
	return true, nil
}

// Delete is a no-op for unknown ids.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes -= len(m.docs[key])
	delete(m.docs, key)
	return nil
}

func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	return ids
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StoreStats{Keys: len(m.docs), Bytes: m.bytes}
}

func (m *MemoryStore) Close() error { return nil }

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
