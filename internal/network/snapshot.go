package network

import (
	"context"
	"fmt"
	"sort"

	"github.com/zde37/overlay/internal/config"
	"github.com/zde37/overlay/internal/overlay"
	"github.com/zde37/overlay/internal/routing"
	"github.com/zde37/overlay/pkg/keyspace"
)

// NodeView is the externally visible state of one node.
type NodeView struct {
	Address     string `json:"address"`
	NodeID      string `json:"node_id"`
	Range       string `json:"range"`
	Successor   string `json:"successor"`
	Predecessor string `json:"predecessor"`
	Keys        int    `json:"keys"`
	Routes      int    `json:"routes"`
	State       string `json:"state"`
}

// RingSnapshot describes every present node in node id order.
func (n *Network) RingSnapshot() []NodeView {
	nodes := n.Nodes()
	out := make([]NodeView, 0, len(nodes))
	for _, node := range nodes {
		v := node.table.View()
		out = append(out, NodeView{
			Address:     string(node.addr),
			NodeID:      v.Own.NodeID.String(),
			Range:       v.Own.Range.String(),
			Successor:   string(v.Successor.Address),
			Predecessor: string(v.Predecessor.Address),
			Keys:        node.store.EntryCount(),
			Routes:      node.table.Len(),
			State:       node.protocol.State().String(),
		})
	}
	return out
}

// CheckRing verifies the topology. On rings every node must point at its
// neighbors in id order; on tries the paths must partition the key space.
func (n *Network) CheckRing() error {
	if n.cfg.Protocol == config.ProtocolPGrid {
		return n.checkTrie()
	}

	nodes := n.Nodes()
	for i, node := range nodes {
		if node.protocol.State() != overlay.Stable {
			return fmt.Errorf("%w: %s is %s", ErrInconsistent, node.addr, node.protocol.State())
		}
		succ := nodes[(i+1)%len(nodes)]
		pred := nodes[(i+len(nodes)-1)%len(nodes)]
		v := node.table.View()
		if v.Successor.Address != succ.addr {
			return fmt.Errorf("%w: successor of %s is %s, want %s", ErrInconsistent, node.addr, v.Successor.Address, succ.addr)
		}
		if v.Predecessor.Address != pred.addr {
			return fmt.Errorf("%w: predecessor of %s is %s, want %s", ErrInconsistent, node.addr, v.Predecessor.Address, pred.addr)
		}
	}
	return nil
}

func (n *Network) checkTrie() error {
	nodes := n.Nodes()
	if len(nodes) == 0 {
		return nil
	}

	var paths []keyspace.Range
	for _, node := range nodes {
		r := node.Entry().Range
		dup := false
		for _, p := range paths {
			switch {
			case p.Equal(r):
				dup = true
			case p.IsPrefixOf(r) || r.IsPrefixOf(p):
				return fmt.Errorf("%w: paths %s and %s overlap", ErrInconsistent, p, r)
			}
		}
		if !dup {
			paths = append(paths, r)
		}
	}

	bits := n.space.Bits()
	if got := coverage(bits, paths); got.Cmp(n.space.Size()) != 0 {
		return fmt.Errorf("%w: paths cover %s of %s keys", ErrInconsistent, got, n.space.Size())
	}
	return nil
}

// Misplaced counts stored keys that lie outside the range of the node
// holding them.
func (n *Network) Misplaced(ctx context.Context) (int, error) {
	count := 0
	for _, node := range n.Nodes() {
		keys, err := node.store.Keys(ctx)
		if err != nil {
			return 0, err
		}
		rng := node.Entry().Range
		for _, k := range keys {
			if !rng.Contains(k) {
				count++
			}
		}
	}
	return count, nil
}

// StoredKeys returns every key held anywhere, sorted and deduplicated.
func (n *Network) StoredKeys(ctx context.Context) ([]keyspace.Key, error) {
	seen := make(map[string]keyspace.Key)
	for _, node := range n.Nodes() {
		keys, err := node.store.Keys(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k.String()] = k
		}
	}
	out := make([]keyspace.Key, 0, len(seen))
	for _, k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out, nil
}

// Addresses returns the addresses of the present nodes in node id order.
func (n *Network) Addresses() []routing.Address {
	nodes := n.Nodes()
	out := make([]routing.Address, len(nodes))
	for i, node := range nodes {
		out[i] = node.addr
	}
	return out
}
