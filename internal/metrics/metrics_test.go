package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/overlay/internal/routing"
	"github.com/zde37/overlay/pkg/keyspace"
)

func TestCollector(t *testing.T) {
	space := keyspace.NewSpace(8)
	c := NewCollector()
	path := make([]routing.Entry, 3)

	c.RegisterLookupSuccess("lookup", 0, path, space.Key(1), "a", LookupStats{Elapsed: 4, Failed: 1}, true)
	c.RegisterLookupSuccess("lookup", 0, path[:1], space.Key(2), "b", LookupStats{Elapsed: 2}, true)
	c.RegisterLookupSuccess("lookup", 0, nil, space.Key(3), "", LookupStats{Elapsed: 6}, false)
	c.RegisterRoutingStats("lookup", routing.Stats{RouteCount: 7, Redundancy: 0.5})
	c.RegisterRPCCallResult("a", "b", true)
	c.RegisterRPCCallResult("a", "c", false)

	s := c.Snapshot()
	require.Contains(t, s.Modes, "lookup")

	m := s.Modes["lookup"]
	assert.Equal(t, 3, m.Attempts)
	assert.Equal(t, 2, m.Successes)
	assert.Equal(t, 4, m.TotalHops)
	assert.Equal(t, 3, m.MaxHops)
	assert.Equal(t, uint64(12), m.TotalElapsed)
	assert.Equal(t, 1, m.TotalFailed)
	assert.Equal(t, 7, m.RouteCount)
	assert.InDelta(t, 2.0, m.MeanHops(), 1e-9)
	assert.InDelta(t, 2.0/3.0, m.SuccessRate(), 1e-9)

	assert.Equal(t, 2, s.RPCCalls)
	assert.Equal(t, 1, s.RPCFailures)
	assert.Equal(t, []string{"lookup"}, s.ModeNames())
}

func TestSnapshotIsCopy(t *testing.T) {
	c := NewCollector()
	c.RegisterRoutingStats("join", routing.Stats{RouteCount: 1})
	s := c.Snapshot()

	c.RegisterRoutingStats("join", routing.Stats{RouteCount: 9})
	assert.Equal(t, 1, s.Modes["join"].RouteCount)
}

func TestEmptyModeSummary(t *testing.T) {
	var m ModeSummary
	assert.Equal(t, 0.0, m.MeanHops())
	assert.Equal(t, 0.0, m.SuccessRate())
}
