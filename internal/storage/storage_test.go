package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/overlay/pkg"
	"github.com/zde37/overlay/pkg/keyspace"
)

var space = keyspace.NewSpace(8)

// stores runs every test against both implementations.
func stores(t *testing.T) map[string]Service {
	t.Helper()

	db, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]Service{
		"memory": NewMemoryStore(),
		"badger": db.Namespace("n1", space),
	}
}

func TestGetPut(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, space.Key(1))
			assert.ErrorIs(t, err, pkg.ErrKeyNotFound)

			require.NoError(t, s.Put(ctx, space.Key(1), []byte("one")))
			got, err := s.Get(ctx, space.Key(1))
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), got)

			require.NoError(t, s.Put(ctx, space.Key(1), []byte("uno")))
			got, _ = s.Get(ctx, space.Key(1))
			assert.Equal(t, []byte("uno"), got)
			assert.Equal(t, 1, s.EntryCount())
			assert.True(t, s.Contains(ctx, space.Key(1)))
			assert.False(t, s.Contains(ctx, space.Key(2)))
		})
	}
}

func TestFilter(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var items []Item
			for _, v := range []uint64{5, 50, 100, 150, 250} {
				items = append(items, Item{Key: space.Key(v), Value: []byte{byte(v)}})
			}
			require.NoError(t, s.PutAll(ctx, items))
			assert.Equal(t, 5, s.EntryCount())

			wrap := keyspace.IntervalRange(space.Key(200), space.Key(50))
			got, err := s.Filter(ctx, wrap, false)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, uint64(5), got[0].Key.Uint64())
			assert.Equal(t, uint64(50), got[1].Key.Uint64())
			assert.Equal(t, uint64(250), got[2].Key.Uint64())
			assert.Equal(t, 5, s.EntryCount(), "filter without remove keeps items")

			prefix := keyspace.PrefixRange(space.Key(0), 1) // keys below 128
			got, err = s.Filter(ctx, prefix, true)
			require.NoError(t, err)
			assert.Len(t, got, 3)
			assert.Equal(t, 2, s.EntryCount())

			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			require.Len(t, keys, 2)
			assert.Equal(t, uint64(150), keys[0].Uint64())
			assert.Equal(t, uint64(250), keys[1].Uint64())
		})
	}
}

func TestClosedAndCanceled(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			assert.ErrorIs(t, s.Put(ctx, space.Key(1), nil), pkg.ErrContextCanceled)

			require.NoError(t, s.Close())
			_, err := s.Get(context.Background(), space.Key(1))
			assert.ErrorIs(t, err, pkg.ErrStorageUnavailable)
		})
	}
}

func TestBadgerNamespaces(t *testing.T) {
	ctx := context.Background()
	db, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	a := db.Namespace("a", space)
	b := db.Namespace("ab", space)

	require.NoError(t, a.Put(ctx, space.Key(7), []byte("x")))
	assert.False(t, b.Contains(ctx, space.Key(7)))

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, a.Drop())
	assert.False(t, a.Contains(ctx, space.Key(7)))
	assert.Equal(t, 0, a.EntryCount())
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, space.Key(1), []byte("a")))
	_, _ = s.Get(ctx, space.Key(1))
	_, _ = s.Get(ctx, space.Key(2))

	stats := s.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Puts)
}
