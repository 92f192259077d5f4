package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"

	"github.com/zde37/overlay/pkg"
	"github.com/zde37/overlay/pkg/keyspace"
)

// BadgerDB is a badger database shared by every node of a run. Each node
// stores its items in its own key prefix.
type BadgerDB struct {
	db *badger.DB
}

// OpenBadger opens a database in dir. An empty dir keeps everything in memory.
func OpenBadger(dir string) (*BadgerDB, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &BadgerDB{db: db}, nil
}

// DB exposes the underlying handle for other persistence users.
func (b *BadgerDB) DB() *badger.DB {
	return b.db
}

// Close closes the database.
func (b *BadgerDB) Close() error {
	return b.db.Close()
}

// Namespace returns the store of one node.
func (b *BadgerDB) Namespace(name string, space keyspace.Space) *BadgerStore {
	return &BadgerStore{
		db:     b.db,
		space:  space,
		prefix: []byte("node/" + name + "/"),
	}
}

// BadgerStore implements Service on a prefix of a BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	space  keyspace.Space
	prefix []byte
	count  atomic.Int64
	closed atomic.Bool
}

func (s *BadgerStore) dbKey(key keyspace.Key) []byte {
	return append(append([]byte{}, s.prefix...), key.String()...)
}

func (s *BadgerStore) check(ctx context.Context) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if s.closed.Load() {
		return pkg.ErrStorageUnavailable
	}
	return nil
}

// Get retrieves the value stored under key.
func (s *BadgerStore) Get(ctx context.Context, key keyspace.Key) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.dbKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, pkg.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

// Put stores value under key.
func (s *BadgerStore) Put(ctx context.Context, key keyspace.Key, value []byte) error {
	return s.PutAll(ctx, []Item{{Key: key, Value: value}})
}

// PutAll writes the items in one batch.
func (s *BadgerStore) PutAll(ctx context.Context, items []Item) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	var added int64
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, item := range items {
			k := s.dbKey(item.Key)
			if _, err := txn.Get(k); errors.Is(err, badger.ErrKeyNotFound) {
				added++
			} else if err != nil {
				return err
			}
			if err := txn.Set(k, cloneBytes(item.Value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %d items: %w", len(items), err)
	}
	s.count.Add(added)
	return nil
}

// Filter returns the items inside r in key order, deleting them when remove is set.
func (s *BadgerStore) Filter(ctx context.Context, r keyspace.Range, remove bool) ([]Item, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []Item
	err := s.scan(func(key keyspace.Key, value []byte) {
		if r.Contains(key) {
			out = append(out, Item{Key: key, Value: value})
		}
	})
	if err != nil {
		return nil, err
	}

	if remove && len(out) > 0 {
		err = s.db.Update(func(txn *badger.Txn) error {
			for _, item := range out {
				if err := txn.Delete(s.dbKey(item.Key)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to remove filtered items: %w", err)
		}
		s.count.Add(-int64(len(out)))
	}

	sortItems(out)
	return out, nil
}

// Keys returns every key of the namespace in order.
func (s *BadgerStore) Keys(ctx context.Context) ([]keyspace.Key, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var keys []keyspace.Key
	if err := s.scan(func(key keyspace.Key, _ []byte) { keys = append(keys, key) }); err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}

// Contains reports whether key is stored.
func (s *BadgerStore) Contains(ctx context.Context, key keyspace.Key) bool {
	_, err := s.Get(ctx, key)
	return err == nil
}

// EntryCount returns the number of items in the namespace.
func (s *BadgerStore) EntryCount() int {
	return int(s.count.Load())
}

// Drop deletes the whole namespace.
func (s *BadgerStore) Drop() error {
	if err := s.db.DropPrefix(s.prefix); err != nil {
		return fmt.Errorf("failed to drop namespace %s: %w", s.prefix, err)
	}
	s.count.Store(0)
	return nil
}

// Close detaches the store. The shared database stays open.
func (s *BadgerStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *BadgerStore) scan(fn func(key keyspace.Key, value []byte)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
			item := it.Item()
			key, err := s.space.Parse(string(item.Key()[len(s.prefix):]))
			if err != nil {
				return fmt.Errorf("corrupt key %q: %w", item.Key(), err)
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			fn(key, value)
		}
		return nil
	})
}
