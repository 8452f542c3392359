package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

// Reader is the read side of a store or transaction
type Reader interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// List returns all keys starting with prefix, sorted
	// An empty prefix lists every key
	List(prefix string) ([]string, error)
}

// Txn is a read-write view used inside Update
type Txn interface {
	Reader

	// Put stores a value with the given key
	// Overwrites any existing value for the key
	Put(key string, value []byte) error

	// Delete removes a key-value pair
	// No error if key doesn't exist
	Delete(key string) error
}

// Store is the shared record store all cluster instances read and write.
// Single operations are atomic on their own; Update groups several
// operations into one all-or-nothing read-modify-write.
// All implementations must be thread-safe for concurrent access
type Store interface {
	Txn

	// View runs fn against a consistent snapshot
	View(fn func(r Reader) error) error

	// Update runs fn atomically. Writes made by fn are discarded when fn
	// returns an error.
	Update(fn func(tx Txn) error) error

	// Stats returns storage statistics, zero for a closed store
	Stats() StoreStats

	// Close releases the resources held by the store
	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int // Number of keys
	Bytes int // Total size of all values in bytes
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu     sync.RWMutex      // Protects concurrent access
	data   map[string][]byte // Key-value storage
	closed bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.get(key)
}

func (m *MemoryStore) get(key string) ([]byte, error) {
	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	return clone(value), nil
}

// Put stores a value with the given key
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = clone(value)
	return nil
}

// Delete removes a key-value pair
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// List returns the keys with the given prefix in lexicographic order
func (m *MemoryStore) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.list(prefix), nil
}

func (m *MemoryStore) list(prefix string) []string {
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// View runs fn under the read lock
func (m *MemoryStore) View(fn func(r Reader) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(&memTxn{store: m})
}

// Update runs fn under the write lock. Writes are staged in the
// transaction and only applied to the map when fn succeeds.
func (m *MemoryStore) Update(fn func(tx Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	tx := &memTxn{
		store:   m,
		puts:    make(map[string][]byte),
		deletes: make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for key := range tx.deletes {
		delete(m.data, key)
	}
	for key, value := range tx.puts {
		m.data[key] = value
	}
	return nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return StoreStats{}
	}

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}
}

// Close marks the store closed; later operations return ErrClosed
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memTxn is a transaction over a locked MemoryStore. puts and deletes
// are nil for read-only transactions.
type memTxn struct {
	store   *MemoryStore
	puts    map[string][]byte
	deletes map[string]bool
}

func (t *memTxn) Get(key string) ([]byte, error) {
	if t.deletes[key] {
		return nil, ErrKeyNotFound
	}
	if value, ok := t.puts[key]; ok {
		return clone(value), nil
	}
	return t.store.get(key)
}

func (t *memTxn) List(prefix string) ([]string, error) {
	seen := make(map[string]bool)
	var keys []string
	for _, key := range t.store.list(prefix) {
		if !t.deletes[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for key := range t.puts {
		if strings.HasPrefix(key, prefix) && !seen[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (t *memTxn) Put(key string, value []byte) error {
	if t.puts == nil {
		return errors.New("put in read-only transaction")
	}
	delete(t.deletes, key)
	t.puts[key] = clone(value)
	return nil
}

func (t *memTxn) Delete(key string) error {
	if t.deletes == nil {
		return errors.New("delete in read-only transaction")
	}
	delete(t.puts, key)
	t.deletes[key] = true
	return nil
}

// clone copies value so callers never share the backing array;
// nil becomes an empty slice
func clone(value []byte) []byte {
	result := make([]byte, len(value))
	copy(result, value)
	return result
}
