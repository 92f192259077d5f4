// Package storage holds the key/value data a node is responsible for.
package storage

import (
	"context"
	"sort"

	"github.com/zde37/overlay/pkg"
	"github.com/zde37/overlay/pkg/keyspace"
)

// Item is one stored key/value pair.
type Item struct {
	Key   keyspace.Key
	Value []byte
}

// Service is the per-node data store used by the overlay protocols.
type Service interface {
	Get(ctx context.Context, key keyspace.Key) ([]byte, error)
	Put(ctx context.Context, key keyspace.Key, value []byte) error
	PutAll(ctx context.Context, items []Item) error
	// Filter returns the items whose keys fall inside r, deleting them when remove is set.
	Filter(ctx context.Context, r keyspace.Range, remove bool) ([]Item, error)
	Keys(ctx context.Context) ([]keyspace.Key, error)
	Contains(ctx context.Context, key keyspace.Key) bool
	EntryCount() int
	Close() error
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return pkg.ErrContextCanceled
	default:
		return nil
	}
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].Key.Cmp(items[j].Key) < 0 })
}

func sortKeys(keys []keyspace.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Cmp(keys[j]) < 0 })
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
