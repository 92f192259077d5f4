package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zde37/overlay/pkg"
	"github.com/zde37/overlay/pkg/keyspace"
)

// MemoryStore implements Service with an in-memory map.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]Item
	closed atomic.Bool

	// Metrics for monitoring
	hits    atomic.Int64
	misses  atomic.Int64
	puts    atomic.Int64
	removes atomic.Int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Item)}
}

// Get retrieves the value stored under key.
// Returns pkg.ErrKeyNotFound if the key doesn't exist.
func (ms *MemoryStore) Get(ctx context.Context, key keyspace.Key) ([]byte, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	item, exists := ms.data[key.String()]
	ms.mu.RUnlock()

	if !exists {
		ms.misses.Add(1)
		return nil, pkg.ErrKeyNotFound
	}

	ms.hits.Add(1)
	return cloneBytes(item.Value), nil
}

// Put stores a copy of value under key.
func (ms *MemoryStore) Put(ctx context.Context, key keyspace.Key, value []byte) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	ms.data[key.String()] = Item{Key: key, Value: cloneBytes(value)}
	ms.mu.Unlock()

	ms.puts.Add(1)
	return nil
}

// PutAll stores every item in one critical section.
func (ms *MemoryStore) PutAll(ctx context.Context, items []Item) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, item := range items {
		ms.data[item.Key.String()] = Item{Key: item.Key, Value: cloneBytes(item.Value)}
		ms.puts.Add(1)
	}
	return nil
}

// Filter returns the items inside r in key order.
func (ms *MemoryStore) Filter(ctx context.Context, r keyspace.Range, remove bool) ([]Item, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	var out []Item
	for id, item := range ms.data {
		if !r.Contains(item.Key) {
			continue
		}
		out = append(out, Item{Key: item.Key, Value: cloneBytes(item.Value)})
		if remove {
			delete(ms.data, id)
			ms.removes.Add(1)
		}
	}
	sortItems(out)
	return out, nil
}

// Keys returns every stored key in order.
func (ms *MemoryStore) Keys(ctx context.Context) ([]keyspace.Key, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	keys := make([]keyspace.Key, 0, len(ms.data))
	for _, item := range ms.data {
		keys = append(keys, item.Key)
	}
	ms.mu.RUnlock()

	sortKeys(keys)
	return keys, nil
}

// Contains reports whether key is stored.
func (ms *MemoryStore) Contains(ctx context.Context, key keyspace.Key) bool {
	if ms.check(ctx) != nil {
		return false
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()
	_, ok := ms.data[key.String()]
	return ok
}

// EntryCount returns the number of stored items.
func (ms *MemoryStore) EntryCount() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.data)
}

// Close releases the data. Later calls fail with pkg.ErrStorageUnavailable.
func (ms *MemoryStore) Close() error {
	if !ms.closed.CompareAndSwap(false, true) {
		return nil
	}

	ms.mu.Lock()
	ms.data = make(map[string]Item)
	ms.mu.Unlock()
	return nil
}

// MemoryStats holds operation counters.
type MemoryStats struct {
	Entries int
	Hits    int64
	Misses  int64
	Puts    int64
	Removes int64
}

// Stats returns current storage statistics.
func (ms *MemoryStore) Stats() MemoryStats {
	return MemoryStats{
		Entries: ms.EntryCount(),
		Hits:    ms.hits.Load(),
		Misses:  ms.misses.Load(),
		Puts:    ms.puts.Load(),
		Removes: ms.removes.Load(),
	}
}

func (ms *MemoryStore) check(ctx context.Context) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if ms.closed.Load() {
		return pkg.ErrStorageUnavailable
	}
	return nil
}
