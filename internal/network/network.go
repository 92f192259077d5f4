// Package network hosts the simulated nodes of one overlay. It resolves
// addresses for the rpc layer, keeps the call ledger and the logical clock,
// and drives joins, leaves, crashes and stabilization rounds.
package network

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zde37/overlay/internal/config"
	"github.com/zde37/overlay/internal/lookup"
	"github.com/zde37/overlay/internal/metrics"
	"github.com/zde37/overlay/internal/overlay"
	"github.com/zde37/overlay/internal/routing"
	"github.com/zde37/overlay/internal/rpc"
	"github.com/zde37/overlay/internal/storage"
	"github.com/zde37/overlay/pkg"
	"github.com/zde37/overlay/pkg/entropy"
	"github.com/zde37/overlay/pkg/keyspace"
)

// ErrInconsistent is wrapped by CheckRing failures.
var ErrInconsistent = errors.New("overlay inconsistent")

// Call is one entry of the call ledger.
type Call struct {
	Source routing.Address
	Target routing.Address
}

// StoreFactory creates the store of a new node.
type StoreFactory func(addr routing.Address, space keyspace.Space) (storage.Service, error)

// MemoryStores is the default StoreFactory.
func MemoryStores(routing.Address, keyspace.Space) (storage.Service, error) {
	return storage.NewMemoryStore(), nil
}

// BadgerStores gives every node its own namespace of db.
func BadgerStores(db *storage.BadgerDB) StoreFactory {
	return func(addr routing.Address, space keyspace.Space) (storage.Service, error) {
		return db.Namespace(string(addr), space), nil
	}
}

// Option configures a Network.
type Option func(*Network)

// WithStores sets how node stores are created.
func WithStores(f StoreFactory) Option {
	return func(n *Network) { n.stores = f }
}

// WithBroadcaster sets the receiver of ring updates.
func WithBroadcaster(b RingUpdateBroadcaster) Option {
	return func(n *Network) { n.broadcaster = b }
}

// Network is the registry of all nodes of a simulation.
type Network struct {
	cfg         *config.Config
	space       keyspace.Space
	policy      routing.Policy
	preference  routing.Preference
	logger      *pkg.Logger
	src         entropy.Source
	observer    metrics.Interceptor
	stores      StoreFactory
	broadcaster RingUpdateBroadcaster

	mu    sync.RWMutex
	nodes map[routing.Address]*Node
	seq   int

	callMu sync.Mutex
	ticks  uint64
	ledger map[Call]uint64
}

// New creates an empty network. interceptor may be nil.
func New(cfg *config.Config, logger *pkg.Logger, src entropy.Source, interceptor metrics.Interceptor, opts ...Option) (*Network, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if src == nil {
		return nil, fmt.Errorf("entropy source cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	policy, err := overlay.Policy(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	pref, err := routing.ParsePreference(cfg.Preference)
	if err != nil {
		return nil, err
	}
	if interceptor == nil {
		interceptor = metrics.Nop{}
	}

	n := &Network{
		cfg:        cfg,
		space:      keyspace.NewSpace(cfg.M),
		policy:     policy,
		preference: pref,
		logger:     logger,
		src:        src,
		observer:   interceptor,
		stores:     MemoryStores,
		nodes:      make(map[routing.Address]*Node),
		ledger:     make(map[Call]uint64),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Space returns the key space of the network.
func (n *Network) Space() keyspace.Space { return n.space }

// Protocol returns the name of the overlay protocol.
func (n *Network) Protocol() string { return n.cfg.Protocol }

// Source returns the entropy source shared by the run.
func (n *Network) Source() entropy.Source { return n.src }

// Resolve returns the node at addr if it is present.
func (n *Network) Resolve(addr routing.Address) (rpc.Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	node, ok := n.nodes[addr]
	if !ok {
		return nil, false
	}
	return node, true
}

// RecordCall advances the clock and books the call.
func (n *Network) RecordCall(source, target routing.Address, success bool) {
	n.callMu.Lock()
	n.ticks++
	n.ledger[Call{Source: source, Target: target}]++
	n.callMu.Unlock()

	n.observer.RegisterRPCCallResult(source, target, success)
}

// Elapsed returns the number of calls made so far.
func (n *Network) Elapsed() uint64 {
	n.callMu.Lock()
	defer n.callMu.Unlock()
	return n.ticks
}

// Ledger returns a copy of the call counts.
func (n *Network) Ledger() map[Call]uint64 {
	n.callMu.Lock()
	defer n.callMu.Unlock()
	out := make(map[Call]uint64, len(n.ledger))
	for k, v := range n.ledger {
		out[k] = v
	}
	return out
}

// Len returns the number of present nodes.
func (n *Network) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.nodes)
}

// Nodes returns the present nodes ordered by node id.
func (n *Network) Nodes() []*Node {
	n.mu.RLock()
	nodes := make([]*Node, 0, len(n.nodes))
	for _, node := range n.nodes {
		nodes = append(nodes, node)
	}
	n.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i].Entry(), nodes[j].Entry()
		if c := a.NodeID.Cmp(b.NodeID); c != 0 {
			return c < 0
		}
		return a.Address < b.Address
	})
	return nodes
}

// Node returns the node at addr.
func (n *Network) Node(addr routing.Address) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	node, ok := n.nodes[addr]
	return node, ok
}

// RandomNode draws a present node from the entropy source.
func (n *Network) RandomNode() (*Node, bool) {
	return entropy.Pick(n.src, n.Nodes())
}

// AddNode creates a node with a random key and joins it through a random
// present node. The first node starts the overlay.
func (n *Network) AddNode(ctx context.Context) (*Node, error) {
	key := n.freshKey()
	intro, ok := n.RandomNode()
	if !ok {
		return n.AddNodeWithKey(ctx, key, "", false)
	}
	return n.AddNodeWithKey(ctx, key, intro.Address(), true)
}

// AddNodeWithKey creates a node with the given key and joins it.
func (n *Network) AddNodeWithKey(ctx context.Context, key keyspace.Key, introducer routing.Address, hasIntroducer bool) (*Node, error) {
	if key.Bits() != n.space.Bits() {
		return nil, fmt.Errorf("key has %d bits, network uses %d", key.Bits(), n.space.Bits())
	}
	if n.hasKey(key) {
		return nil, fmt.Errorf("node id %s already present", key.Short())
	}

	node, err := n.newNode(key)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.nodes[node.addr] = node
	n.mu.Unlock()

	if err := node.protocol.Join(ctx, introducer, hasIntroducer); err != nil {
		n.drop(node)
		return nil, fmt.Errorf("node %s failed to join: %w", node.addr, err)
	}

	node.logger.Info().
		Str("node_id", key.Short()).
		Str("introducer", string(introducer)).
		Msg("Node joined")
	n.broadcast(RingUpdateEvent{
		Type:    EventNodeJoin,
		NodeID:  key.String(),
		Address: string(node.addr),
		Message: fmt.Sprintf("Node %s joined", key.Short()),
	})
	return node, nil
}

// RemoveNode takes a node out. A graceful removal runs the protocol's
// leave first; otherwise the node crashes and its keys are lost.
func (n *Network) RemoveNode(ctx context.Context, addr routing.Address, graceful bool) error {
	node, ok := n.Node(addr)
	if !ok {
		return fmt.Errorf("%w: %s", pkg.ErrNodeAbsent, addr)
	}

	evType := EventNodeCrash
	if graceful {
		if err := node.protocol.Leave(ctx); err != nil {
			return fmt.Errorf("node %s failed to leave: %w", addr, err)
		}
		evType = EventNodeLeave
	}
	n.drop(node)

	node.logger.Info().Bool("graceful", graceful).Msg("Node removed")
	n.broadcast(RingUpdateEvent{
		Type:    evType,
		NodeID:  node.Entry().NodeID.String(),
		Address: string(addr),
		Message: fmt.Sprintf("Node %s left (graceful=%t)", node.Entry().NodeID.Short(), graceful),
	})
	return nil
}

// RoundResult summarizes a stabilization round.
type RoundResult struct {
	Stabilized int
	Failed     int
}

// StabilizeRound stabilizes every node once in node id order. With more
// than one worker the probes of phased protocols run concurrently first;
// the settle steps always run in order. Per node failures are counted, not
// returned.
func (n *Network) StabilizeRound(ctx context.Context, workers int) (RoundResult, error) {
	nodes := n.Nodes()
	var res RoundResult

	probed := make(map[routing.Address]bool, len(nodes))
	if workers > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, node := range nodes {
			ph, ok := node.protocol.(overlay.Phased)
			if !ok || node.protocol.State() != overlay.Stable {
				continue
			}
			probed[node.addr] = true
			g.Go(func() error {
				return ph.Probe(gctx)
			})
		}
		if err := g.Wait(); err != nil {
			return res, fmt.Errorf("probe phase failed: %w", err)
		}
	}

	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, present := n.Node(node.addr); !present || node.protocol.State() != overlay.Stable {
			continue
		}

		var err error
		if probed[node.addr] {
			err = node.protocol.(overlay.Phased).Settle(ctx)
		} else {
			err = node.protocol.Stabilize(ctx)
		}
		if err != nil {
			if !rpc.IsCommunication(err) {
				return res, fmt.Errorf("node %s failed to stabilize: %w", node.addr, err)
			}
			res.Failed++
			node.logger.Warn().Err(err).Msg("Stabilization failed")
			continue
		}
		res.Stabilized++
	}

	n.broadcast(RingUpdateEvent{
		Type:    EventStabilization,
		Message: fmt.Sprintf("Stabilized %d nodes, %d failed", res.Stabilized, res.Failed),
	})
	return res, nil
}

// Put stores value at the node responsible for key, starting the lookup at
// a random node.
func (n *Network) Put(ctx context.Context, key keyspace.Key, value []byte) (routing.Address, error) {
	origin, ok := n.RandomNode()
	if !ok {
		return "", fmt.Errorf("%w: network is empty", pkg.ErrNodeAbsent)
	}
	owner, err := origin.lookup.Resolve(ctx, key, false, lookup.ModePut)
	if err != nil {
		return "", fmt.Errorf("failed to resolve owner of %s: %w", key.Short(), err)
	}
	err = rpc.Call(origin.rpc, owner.Address, rpc.KindStorage, func(s storage.Service) error {
		return s.Put(ctx, key, value)
	})
	if err != nil {
		return "", fmt.Errorf("failed to store %s at %s: %w", key.Short(), owner.Address, err)
	}
	return owner.Address, nil
}

// Get looks key up from the node at from and reads it.
func (n *Network) Get(ctx context.Context, from routing.Address, key keyspace.Key) ([]byte, routing.Address, error) {
	origin, ok := n.Node(from)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", pkg.ErrNodeAbsent, from)
	}
	holder, err := origin.lookup.Lookup(ctx, key, true, lookup.ModeGet)
	if err != nil {
		return nil, "", err
	}
	var value []byte
	err = rpc.Call(origin.rpc, holder, rpc.KindStorage, func(s storage.Service) error {
		var err error
		value, err = s.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, holder, err
	}
	return value, holder, nil
}

// Lookup resolves key from the node at from.
func (n *Network) Lookup(ctx context.Context, from routing.Address, key keyspace.Key, mustExist bool) (routing.Address, error) {
	origin, ok := n.Node(from)
	if !ok {
		return "", fmt.Errorf("%w: %s", pkg.ErrNodeAbsent, from)
	}
	return origin.lookup.Lookup(ctx, key, mustExist, lookup.ModeLookup)
}

// Close closes the stores of all present nodes.
func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	for addr, node := range n.nodes {
		if err := node.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store of %s: %w", addr, err))
		}
	}
	n.nodes = make(map[routing.Address]*Node)
	return errors.Join(errs...)
}

func (n *Network) newNode(key keyspace.Key) (*Node, error) {
	n.mu.Lock()
	n.seq++
	addr := routing.Address(fmt.Sprintf("node-%04d", n.seq))
	n.mu.Unlock()

	store, err := n.stores(addr, n.space)
	if err != nil {
		return nil, fmt.Errorf("failed to create store for %s: %w", addr, err)
	}

	logger := n.logger.WithFields(pkg.Fields{"node": string(addr)})
	table := routing.NewTable(n.policy, n.cfg.Redundancy, n.preference)
	table.Init(key, addr, 0)
	rpcCtx := rpc.NewContext(addr, n)

	svc, err := lookup.NewService(lookup.Config{
		HopLimit:   n.cfg.HopLimit,
		Redundancy: n.cfg.Redundancy,
	}, table, store, rpcCtx, n.observer, n, logger)
	if err != nil {
		return nil, err
	}

	proto, err := overlay.New(n.cfg.Protocol, overlay.Config{
		HopLimit:       n.cfg.HopLimit,
		SplitThreshold: n.cfg.SplitThreshold,
		SuccessorList:  n.cfg.Redundancy,
	}, overlay.Deps{
		Table:  table,
		Lookup: svc,
		Store:  store,
		RPC:    rpcCtx,
		Source: n.src,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &Node{
		addr:     addr,
		table:    table,
		store:    store,
		lookup:   svc,
		protocol: proto,
		rpc:      rpcCtx,
		logger:   logger,
	}, nil
}

// drop removes node from the registry and discards its keys.
func (n *Network) drop(node *Node) {
	n.mu.Lock()
	delete(n.nodes, node.addr)
	n.mu.Unlock()

	if d, ok := node.store.(interface{ Drop() error }); ok {
		if err := d.Drop(); err != nil {
			node.logger.Warn().Err(err).Msg("Failed to drop node keys")
		}
	}
	if err := node.store.Close(); err != nil {
		node.logger.Warn().Err(err).Msg("Failed to close node store")
	}
}

func (n *Network) hasKey(key keyspace.Key) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, node := range n.nodes {
		if node.Entry().NodeID.Equal(key) {
			return true
		}
	}
	return false
}

// freshKey draws random keys until one is unused.
func (n *Network) freshKey() keyspace.Key {
	for {
		k := n.space.Random(n.src)
		if !n.hasKey(k) {
			return k
		}
	}
}

// coverage adds 2^(bits-depth) for every distinct prefix.
func coverage(bits int, ranges []keyspace.Range) *big.Int {
	sum := new(big.Int)
	for _, r := range ranges {
		sum.Add(sum, new(big.Int).Lsh(big.NewInt(1), uint(bits-r.Depth())))
	}
	return sum
}
