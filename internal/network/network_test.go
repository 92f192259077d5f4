package network_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/overlay/internal/config"
	"github.com/zde37/overlay/internal/metrics"
	"github.com/zde37/overlay/internal/network"
	"github.com/zde37/overlay/internal/routing"
	"github.com/zde37/overlay/internal/storage"
	"github.com/zde37/overlay/pkg"
	"github.com/zde37/overlay/pkg/entropy"
	"github.com/zde37/overlay/pkg/keyspace"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []network.RingUpdateEvent
}

func (b *recordingBroadcaster) BroadcastRingUpdate(update any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, update.(network.RingUpdateEvent))
	return nil
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Protocol = config.ProtocolRing
	cfg.M = 8
	return cfg
}

func newNetwork(t *testing.T, interceptor metrics.Interceptor, opts ...network.Option) *network.Network {
	t.Helper()
	n, err := network.New(testConfig(), pkg.Nop(), entropy.New(11), interceptor, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func addRing(t *testing.T, n *network.Network, ids ...uint64) []*network.Node {
	t.Helper()
	ctx := context.Background()
	var nodes []*network.Node
	for i, id := range ids {
		var (
			node *network.Node
			err  error
		)
		if i == 0 {
			node, err = n.AddNodeWithKey(ctx, n.Space().Key(id), "", false)
		} else {
			node, err = n.AddNodeWithKey(ctx, n.Space().Key(id), nodes[0].Address(), true)
		}
		require.NoError(t, err)
		nodes = append(nodes, node)
	}
	return nodes
}

func settle(t *testing.T, n *network.Network) {
	t.Helper()
	for i := 0; i < 12; i++ {
		_, err := n.StabilizeRound(context.Background(), 1)
		require.NoError(t, err)
		if n.CheckRing() == nil {
			return
		}
	}
	require.NoError(t, n.CheckRing())
}

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		cfg    *config.Config
		logger *pkg.Logger
		src    entropy.Source
	}{
		{name: "nil config", logger: pkg.Nop(), src: entropy.New(1)},
		{name: "nil logger", cfg: testConfig(), src: entropy.New(1)},
		{name: "nil source", cfg: testConfig(), logger: pkg.Nop()},
		{
			name: "unknown protocol",
			cfg: func() *config.Config {
				c := testConfig()
				c.Protocol = "kademlia"
				return c
			}(),
			logger: pkg.Nop(),
			src:    entropy.New(1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := network.New(tt.cfg, tt.logger, tt.src, nil)
			assert.Error(t, err)
		})
	}
}

func TestAddNode(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t, nil)

	for i := 0; i < 4; i++ {
		_, err := n.AddNode(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, n.Len())

	addrs := n.Addresses()
	require.Len(t, addrs, 4)
	assert.ElementsMatch(t, []routing.Address{"node-0001", "node-0002", "node-0003", "node-0004"}, addrs)

	nodes := n.Nodes()
	for i := 1; i < len(nodes); i++ {
		assert.Negative(t, nodes[i-1].Entry().NodeID.Cmp(nodes[i].Entry().NodeID))
	}
}

func TestAddNodeWithKeyRejects(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t, nil)
	first := addRing(t, n, 42)[0]

	_, err := n.AddNodeWithKey(ctx, n.Space().Key(42), first.Address(), true)
	assert.Error(t, err, "duplicate id")

	_, err = n.AddNodeWithKey(ctx, keyspace.NewSpace(16).Key(7), first.Address(), true)
	assert.Error(t, err, "wrong width")

	_, err = n.AddNodeWithKey(ctx, n.Space().Key(7), "node-9999", true)
	assert.Error(t, err, "absent introducer")
	assert.Equal(t, 1, n.Len())
}

func TestLedgerAndClock(t *testing.T) {
	n := newNetwork(t, nil)
	addRing(t, n, 10, 100, 200)
	settle(t, n)

	var total uint64
	for _, count := range n.Ledger() {
		total += count
	}
	assert.Equal(t, n.Elapsed(), total)
	assert.Positive(t, total)
}

func TestResolve(t *testing.T) {
	n := newNetwork(t, nil)
	node := addRing(t, n, 10)[0]

	ep, ok := n.Resolve(node.Address())
	require.True(t, ok)
	assert.Equal(t, node.Address(), ep.Address())

	_, ok = n.Resolve("node-9999")
	assert.False(t, ok)
}

func TestRemoveNode(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t, nil)
	nodes := addRing(t, n, 10, 100, 200)
	settle(t, n)

	err := n.RemoveNode(ctx, "node-9999", true)
	assert.ErrorIs(t, err, pkg.ErrNodeAbsent)

	require.NoError(t, n.RemoveNode(ctx, nodes[1].Address(), true))
	_, ok := n.Node(nodes[1].Address())
	assert.False(t, ok)
	assert.Equal(t, 2, n.Len())
	require.NoError(t, n.CheckRing())
}

func TestCheckRingDetectsSplitOverlays(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t, nil)

	_, err := n.AddNodeWithKey(ctx, n.Space().Key(10), "", false)
	require.NoError(t, err)
	_, err = n.AddNodeWithKey(ctx, n.Space().Key(100), "", false)
	require.NoError(t, err)

	assert.ErrorIs(t, n.CheckRing(), network.ErrInconsistent)
}

func TestStabilizeRound(t *testing.T) {
	n := newNetwork(t, nil)
	addRing(t, n, 10, 100, 200)

	res, err := n.StabilizeRound(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stabilized)
	assert.Zero(t, res.Failed)
}

func TestStabilizeRoundCanceled(t *testing.T) {
	n := newNetwork(t, nil)
	addRing(t, n, 10, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := n.StabilizeRound(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPutGetLookup(t *testing.T) {
	ctx := context.Background()
	collector := metrics.NewCollector()
	n := newNetwork(t, collector)
	nodes := addRing(t, n, 10, 100, 200)
	settle(t, n)

	key := n.Space().Key(150)
	owner, err := n.Put(ctx, key, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, nodes[2].Address(), owner)

	for _, node := range nodes {
		value, holder, err := n.Get(ctx, node.Address(), key)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), value)
		assert.Equal(t, owner, holder)

		found, err := n.Lookup(ctx, node.Address(), key, true)
		require.NoError(t, err)
		assert.Equal(t, owner, found)
	}

	_, _, err = n.Get(ctx, nodes[0].Address(), n.Space().Key(151))
	assert.Error(t, err)

	_, _, err = n.Get(ctx, "node-9999", key)
	assert.ErrorIs(t, err, pkg.ErrNodeAbsent)

	summary := collector.Snapshot()
	assert.Equal(t, int(n.Elapsed()), summary.RPCCalls)
	assert.Contains(t, summary.ModeNames(), "get")
}

func TestPutOnEmptyNetwork(t *testing.T) {
	n := newNetwork(t, nil)
	_, err := n.Put(context.Background(), n.Space().Key(1), []byte("x"))
	assert.ErrorIs(t, err, pkg.ErrNodeAbsent)
}

func TestBroadcasterReceivesEvents(t *testing.T) {
	ctx := context.Background()
	b := &recordingBroadcaster{}
	n := newNetwork(t, nil, network.WithBroadcaster(b))
	nodes := addRing(t, n, 10, 100)

	_, err := n.StabilizeRound(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, n.RemoveNode(ctx, nodes[1].Address(), false))
	require.NoError(t, n.RemoveNode(ctx, nodes[0].Address(), true))

	assert.Equal(t, []string{
		network.EventNodeJoin,
		network.EventNodeJoin,
		network.EventStabilization,
		network.EventNodeCrash,
		network.EventNodeLeave,
	}, b.types())

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, string(nodes[1].Address()), b.events[3].Address)
	assert.Equal(t, 1, b.events[3].Nodes)
	assert.Zero(t, b.events[4].Nodes)
}

func TestBadgerStores(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	n := newNetwork(t, nil, network.WithStores(network.BadgerStores(db)))
	nodes := addRing(t, n, 10, 100, 200)
	settle(t, n)

	for _, k := range []uint64{5, 50, 150, 250} {
		_, err := n.Put(ctx, n.Space().Key(k), []byte{byte(k)})
		require.NoError(t, err)
	}

	// a crash discards the namespace of the node
	require.NoError(t, n.RemoveNode(ctx, nodes[1].Address(), false))
	settle(t, n)

	stored, err := n.StoredKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	value, _, err := n.Get(ctx, nodes[0].Address(), n.Space().Key(150))
	require.NoError(t, err)
	assert.Equal(t, []byte{150}, value)
}
