package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/overlay/pkg/keyspace"
)

func newRingTable(t *testing.T, policy Policy, own uint64, redundancy int) *Table {
	t.Helper()
	tbl := NewTable(policy, redundancy, Recency)
	k := space.Key(own)
	tbl.Init(k, Address(k.String()), 0)
	return tbl
}

func TestTableInit(t *testing.T) {
	tbl := newRingTable(t, Ring(), 50, 3)

	own := tbl.Own()
	assert.True(t, tbl.Successor().Same(own))
	assert.True(t, tbl.Predecessor().Same(own))
	assert.True(t, own.Range.IsInterval())
	assert.True(t, tbl.IsResponsible(space.Key(200)), "a lone node owns everything")

	pg := NewTable(PGrid(), 2, Recency)
	e := pg.Init(space.Key(9), "p", 0)
	assert.Equal(t, 0, e.Range.Depth())
	assert.True(t, pg.IsResponsible(space.Key(200)))

	assert.Panics(t, func() { NewTable(nil, 1, Recency) })
	assert.Panics(t, func() { NewTable(Ring(), 0, Recency) })
	assert.Panics(t, func() { NewTable(Ring(), 1, Recency).Own() })
}

func TestTableUpdateBounded(t *testing.T) {
	tbl := newRingTable(t, Chord(), 0, 2)

	// all of these land in finger bucket 6 (distance 64..127)
	for _, id := range []uint64{64, 70, 80, 90, 100} {
		tbl.Update(EventDiscovered, ringEntry(id))
	}

	fingers := tbl.EntriesOf(KindFinger)
	require.Len(t, fingers, 2)
	// recency keeps the two most recently seen
	assert.Equal(t, uint64(90), fingers[0].NodeID.Uint64())
	assert.Equal(t, uint64(100), fingers[1].NodeID.Uint64())

	f, ok := tbl.FlavorOf(ringEntry(100).Address)
	require.True(t, ok)
	assert.Equal(t, Flavor{Kind: KindFinger, Bucket: 6}, f)
}

func TestTableProximityPreference(t *testing.T) {
	tbl := NewTable(Ring(), 2, Proximity)
	tbl.Init(space.Key(0), "own", 0)

	for _, id := range []uint64{200, 30, 90, 10} {
		tbl.Update(EventDiscovered, ringEntry(id))
	}

	extras := tbl.EntriesOf(KindExtra)
	require.Len(t, extras, 2)
	assert.Equal(t, uint64(10), extras[0].NodeID.Uint64())
	assert.Equal(t, uint64(30), extras[1].NodeID.Uint64())
}

func TestTableNeverEvictsNeighbors(t *testing.T) {
	tbl := newRingTable(t, Ring(), 0, 1)
	succ := ringEntry(10)
	pred := ringEntry(250)
	tbl.SetSuccessor(succ)
	tbl.SetPredecessor(pred)

	for _, id := range []uint64{20, 30, 40} {
		tbl.Update(EventDiscovered, ringEntry(id))
	}

	assert.True(t, tbl.Successor().Same(succ))
	assert.True(t, tbl.Predecessor().Same(pred))
	assert.Len(t, tbl.EntriesOf(KindExtra), 1)
	assert.Equal(t, 3, tbl.Len())

	// own range follows the predecessor
	assert.True(t, tbl.Own().Range.Equal(keyspace.IntervalRange(space.Key(250), space.Key(0))))
	assert.True(t, tbl.IsResponsible(space.Key(255)))
	assert.False(t, tbl.IsResponsible(space.Key(5)))
}

func TestTableSetSuccessorDemotesPrevious(t *testing.T) {
	tbl := newRingTable(t, Ring(), 0, 3)
	tbl.SetSuccessor(ringEntry(40))
	tbl.SetSuccessor(ringEntry(20))

	assert.Equal(t, uint64(20), tbl.Successor().NodeID.Uint64())
	f, ok := tbl.FlavorOf(ringEntry(40).Address)
	require.True(t, ok)
	assert.Equal(t, KindExtra, f.Kind)
}

func TestTableLocalLookup(t *testing.T) {
	tbl := newRingTable(t, Chord(), 0, 3)
	for _, id := range []uint64{16, 32, 64, 128} {
		tbl.Update(EventDiscovered, ringEntry(id))
	}

	got := tbl.LocalLookup(space.Key(70), 2, false)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(64), got[0].NodeID.Uint64())
	assert.Equal(t, uint64(32), got[1].NodeID.Uint64())

	tbl.RegisterCommunicationFailure(ringEntry(64).Address, false)
	safe := tbl.LocalLookup(space.Key(70), 2, true)
	require.Len(t, safe, 2)
	assert.Equal(t, uint64(32), safe[0].NodeID.Uint64())
	assert.False(t, tbl.IsReliable(ringEntry(64).Address))

	tbl.Update(EventDiscovered, ringEntry(64))
	assert.False(t, tbl.IsReliable(ringEntry(64).Address), "discovery does not clear failures")
	tbl.Update(EventContacted, ringEntry(64))
	assert.True(t, tbl.IsReliable(ringEntry(64).Address))
}

func TestTableReplicaSet(t *testing.T) {
	tbl := newRingTable(t, Ring(), 100, 3)
	tbl.SetSuccessor(ringEntry(150))
	for _, id := range []uint64{10, 200} {
		tbl.Update(EventDiscovered, ringEntry(id))
	}

	rs := tbl.ReplicaSet(space.Key(120), 3)
	require.Len(t, rs, 3)
	assert.Equal(t, uint64(150), rs[0].NodeID.Uint64())
	assert.Equal(t, uint64(200), rs[1].NodeID.Uint64())
	assert.Equal(t, uint64(10), rs[2].NodeID.Uint64())

	assert.False(t, tbl.IsResponsible(space.Key(120)))
	assert.True(t, tbl.IsResponsible(space.Key(90)))
}

func TestRegisterCommunicationFailure(t *testing.T) {
	tests := []struct {
		name     string
		hard     bool
		failAddr func() Address
		wantSucc uint64
		wantOK   bool
	}{
		{
			name:     "successor replaced by next clockwise",
			hard:     true,
			failAddr: func() Address { return ringEntry(10).Address },
			wantSucc: 30,
			wantOK:   true,
		},
		{
			name:     "soft failure also replaces successor",
			hard:     false,
			failAddr: func() Address { return ringEntry(10).Address },
			wantSucc: 30,
			wantOK:   true,
		},
		{
			name:     "unrelated entry",
			hard:     true,
			failAddr: func() Address { return ringEntry(30).Address },
			wantSucc: 10,
			wantOK:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := newRingTable(t, Ring(), 0, 3)
			tbl.SetSuccessor(ringEntry(10))
			tbl.SetPredecessor(ringEntry(200))
			tbl.Update(EventDiscovered, ringEntry(30))

			_, ok := tbl.RegisterCommunicationFailure(tt.failAddr(), tt.hard)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantSucc, tbl.Successor().NodeID.Uint64())
		})
	}

	t.Run("no substitute", func(t *testing.T) {
		tbl := newRingTable(t, Ring(), 0, 3)
		tbl.SetSuccessor(ringEntry(10))

		_, ok := tbl.RegisterCommunicationFailure(ringEntry(10).Address, true)
		assert.False(t, ok)
		assert.True(t, tbl.Successor().Same(tbl.Own()))
	})

	t.Run("predecessor replaced counter-clockwise", func(t *testing.T) {
		tbl := newRingTable(t, Ring(), 100, 3)
		tbl.SetPredecessor(ringEntry(90))
		tbl.Update(EventDiscovered, ringEntry(50))
		tbl.Update(EventDiscovered, ringEntry(150))

		repl, ok := tbl.RegisterCommunicationFailure(ringEntry(90).Address, true)
		require.True(t, ok)
		assert.Equal(t, uint64(50), repl.NodeID.Uint64())
		assert.Equal(t, uint64(50), tbl.Predecessor().NodeID.Uint64())
	})

	t.Run("own address panics", func(t *testing.T) {
		tbl := newRingTable(t, Ring(), 0, 3)
		assert.Panics(t, func() { tbl.RegisterCommunicationFailure(tbl.Own().Address, true) })
	})
}

func TestTablePGridReclassify(t *testing.T) {
	tbl := NewTable(PGrid(), 3, Recency)
	tbl.Init(space.Key(1), "own", 0)

	peer := prefixEntry(2, 0, 0)
	tbl.Update(EventDiscovered, peer)
	assert.Len(t, tbl.EntriesOf(KindReplica), 1)

	// own specializes to 1, the peer to 0
	tbl.SetOwnRange(keyspace.PrefixRange(space.Key(0b10000000), 1))
	tbl.Update(EventDiscovered, peer.WithRange(keyspace.PrefixRange(space.Key(0), 1)))

	comps := tbl.EntriesOf(KindComplement)
	require.Len(t, comps, 1)
	f, _ := tbl.FlavorOf(peer.Address)
	assert.Equal(t, Flavor{Kind: KindComplement, Bucket: 0}, f)
	assert.Len(t, tbl.Neighbors(), 0)
}

func TestTableStats(t *testing.T) {
	tbl := newRingTable(t, Ring(), 0, 2)
	assert.Equal(t, Stats{}, tbl.Stats())

	tbl.Update(EventDiscovered, ringEntry(10))
	s := tbl.Stats()
	assert.Equal(t, 1, s.RouteCount)
	assert.InDelta(t, 0.5, s.Redundancy, 1e-9)
	assert.InDelta(t, 0.5, s.RedundancyDelta, 1e-9)

	s = tbl.Stats()
	assert.InDelta(t, 0, s.RedundancyDelta, 1e-9)
}

func TestParsePreference(t *testing.T) {
	p, err := ParsePreference("proximity")
	require.NoError(t, err)
	assert.Equal(t, Proximity, p)

	_, err = ParsePreference("random")
	assert.Error(t, err)
}
