package routing

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/overlay/pkg/keyspace"
)

var space = keyspace.NewSpace(8)

func ringEntry(id uint64) Entry {
	k := space.Key(id)
	return NewEntry(k, Address(k.String()), keyspace.IntervalRange(k, k), 0)
}

func prefixEntry(id uint64, path uint64, depth int) Entry {
	return NewEntry(space.Key(id), Address(space.Key(id).String()), keyspace.PrefixRange(space.Key(path), depth), 0)
}

func TestEntry(t *testing.T) {
	e := ringEntry(10)

	assert.True(t, e.Same(e.WithEntryCount(5)))
	assert.Equal(t, 5, e.WithEntryCount(5).EntryCount)
	assert.Equal(t, 0, e.EntryCount, "WithEntryCount returns a copy")
	assert.False(t, e.Same(ringEntry(11)))
	assert.True(t, Entry{}.IsZero())
	assert.Contains(t, e.String(), "0a")

	assert.Panics(t, func() { NewEntry(keyspace.Key{}, "a", keyspace.Range{}, 0) })
	assert.Panics(t, func() { NewEntry(space.Key(1), "", keyspace.Range{}, 0) })
}

func TestChordFingerBucket(t *testing.T) {
	own := ringEntry(0)
	v := View{Own: own, Successor: own, Predecessor: own}
	p := Chord()

	tests := []struct {
		id     uint64
		bucket int
	}{
		{1, 0},
		{2, 1},
		{3, 1},
		{4, 2},
		{100, 6},
		{128, 7},
		{255, 7},
	}

	for _, tt := range tests {
		f := p.Flavorize(v, ringEntry(tt.id))
		assert.Equal(t, KindFinger, f.Kind)
		assert.Equal(t, tt.bucket, f.Bucket, "distance %d", tt.id)
	}

	// distance is measured clockwise from own
	v2 := View{Own: ringEntry(250), Successor: ringEntry(250), Predecessor: ringEntry(250)}
	assert.Equal(t, Flavor{Kind: KindFinger, Bucket: 3}, p.Flavorize(v2, ringEntry(4)))
}

func TestRingFlavorize(t *testing.T) {
	own, succ, pred := ringEntry(50), ringEntry(80), ringEntry(20)
	v := View{Own: own, Successor: succ, Predecessor: pred}

	for _, p := range []Policy{Ring(), Chord()} {
		assert.Equal(t, KindOwner, p.Flavorize(v, own).Kind)
		assert.Equal(t, KindSuccessor, p.Flavorize(v, succ).Kind)
		assert.Equal(t, KindPredecessor, p.Flavorize(v, pred).Kind)
	}
	assert.Equal(t, KindExtra, Ring().Flavorize(v, ringEntry(200)).Kind)
}

func TestRingResponsible(t *testing.T) {
	own := ringEntry(50)
	p := Ring()

	alone := View{Own: own, Successor: own, Predecessor: own}
	assert.Equal(t, Responsible, p.Responsible(alone, space.Key(3)))

	linked := View{Own: own, Successor: ringEntry(80), Predecessor: ringEntry(20)}
	assert.Equal(t, Responsible, p.Responsible(linked, space.Key(21)))
	assert.Equal(t, Responsible, p.Responsible(linked, space.Key(50)))
	assert.Equal(t, NotResponsible, p.Responsible(linked, space.Key(20)))

	nopred := View{Own: own, Successor: ringEntry(80), Predecessor: own}
	assert.Equal(t, Undecided, p.Responsible(nopred, space.Key(60)))
}

func TestRingDistance(t *testing.T) {
	own, succ := ringEntry(50), ringEntry(80)
	v := View{Own: own, Successor: succ, Predecessor: ringEntry(20)}
	p := Ring()

	assert.Equal(t, int64(0), p.Distance(v, succ, space.Key(70)).Int64(), "successor owns (own, succ]")
	assert.Equal(t, int64(10), p.Distance(v, ringEntry(100), space.Key(110)).Int64())
	assert.Equal(t, int64(20), p.ReplicaDistance(v, succ, space.Key(60)).Int64())
}

func TestPGridFlavorize(t *testing.T) {
	own := prefixEntry(1, 0b10100000, 3) // 101
	v := View{Own: own, Successor: own, Predecessor: own}
	p := PGrid()

	tests := []struct {
		name  string
		entry Entry
		want  Flavor
	}{
		{"replica", prefixEntry(2, 0b10100000, 3), Flavor{Kind: KindReplica}},
		{"specialized", prefixEntry(3, 0b10110000, 4), Flavor{Kind: KindSpecialized}},
		{"generalized", prefixEntry(4, 0b10000000, 2), Flavor{Kind: KindGeneralized}},
		{"root is generalized", prefixEntry(5, 0, 0), Flavor{Kind: KindGeneralized}},
		{"complement level 0", prefixEntry(6, 0b00000000, 1), Flavor{Kind: KindComplement, Bucket: 0}},
		{"complement level 2", prefixEntry(7, 0b10000000, 3), Flavor{Kind: KindComplement, Bucket: 2}},
		{"no range", ringEntry(9).WithRange(keyspace.Range{}), Flavor{Kind: KindExtra}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Flavorize(v, tt.entry))
		})
	}
}

func TestPGridDistance(t *testing.T) {
	p := PGrid()
	e := prefixEntry(1, 0b10100000, 3)
	v := View{Own: e, Successor: e, Predecessor: e}

	assert.Equal(t, int64(0), p.Distance(v, e, space.Key(0b10111111)).Int64())
	// shares "10" with the key: 2^(8-2)-1
	assert.Equal(t, int64(63), p.Distance(v, e, space.Key(0b10011111)).Int64())
	assert.Equal(t, int64(255), p.Distance(v, e, space.Key(0b00000000)).Int64())

	far := p.Distance(v, ringEntry(3).WithRange(keyspace.Range{}), space.Key(1))
	require.NotNil(t, far)
	assert.Equal(t, 0, far.Cmp(big.NewInt(256)))

	assert.Equal(t, Responsible, p.Responsible(v, space.Key(0b10100001)))
	assert.Equal(t, NotResponsible, p.Responsible(v, space.Key(0b00100001)))
}
