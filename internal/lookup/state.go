package lookup

import (
	"math/big"
	"sort"

	"github.com/zde37/overlay/internal/routing"
)

// Traversal records one node seen by a lookup. HopCalled is -1 until the
// node is called.
type Traversal struct {
	Entry     routing.Entry
	HopAdded  int
	HopCalled int
	Failed    bool
}

// Called reports whether the node has been called.
func (t Traversal) Called() bool {
	return t.HopCalled >= 0
}

// State is an immutable snapshot of an in-flight lookup. Every method that
// changes something returns a new State.
type State struct {
	replica     routing.Entry
	resolved    bool
	resolvedHop int
	replicaPath []routing.Entry
	traversed   map[routing.Address]Traversal
	failed      map[routing.Address]Traversal
	pending     map[routing.Address]Traversal
	hopCount    int
	hopDistance *big.Int
}

// NewState starts a lookup at origin, which counts as traversed.
func NewState(origin routing.Entry) State {
	return State{
		traversed: map[routing.Address]Traversal{
			origin.Address: {Entry: origin, HopAdded: 0, HopCalled: 0},
		},
		failed:  make(map[routing.Address]Traversal),
		pending: make(map[routing.Address]Traversal),
	}
}

// Replica returns the resolved address.
func (s State) Replica() (routing.Address, bool) {
	return s.replica.Address, s.resolved
}

// ReplicaEntry returns the entry of the resolved node.
func (s State) ReplicaEntry() (routing.Entry, bool) {
	return s.replica, s.resolved
}

// ResolvedHop is the hop count at which the key was resolved.
func (s State) ResolvedHop() int {
	return s.resolvedHop
}

// ReplicaPath returns the hops taken to the replica, or to the current node.
func (s State) ReplicaPath() []routing.Entry {
	return append([]routing.Entry(nil), s.replicaPath...)
}

// HopCount returns the depth of the node holding this state.
func (s State) HopCount() int {
	return s.hopCount
}

// HopDistance returns the routing distance to the key of the latest hop,
// nil at the origin.
func (s State) HopDistance() *big.Int {
	if s.hopDistance == nil {
		return nil
	}
	return new(big.Int).Set(s.hopDistance)
}

// Traversed returns a copy of the traversed set.
func (s State) Traversed() map[routing.Address]Traversal {
	return copyMap(s.traversed)
}

// Failed returns a copy of the failed set.
func (s State) Failed() map[routing.Address]Traversal {
	return copyMap(s.failed)
}

// Pending returns a copy of the pending set.
func (s State) Pending() map[routing.Address]Traversal {
	return copyMap(s.pending)
}

// IsTraversed reports whether addr was called or marked failed.
func (s State) IsTraversed(addr routing.Address) bool {
	_, ok := s.traversed[addr]
	return ok
}

// IsPending reports whether addr waits to be called.
func (s State) IsPending(addr routing.Address) bool {
	_, ok := s.pending[addr]
	return ok
}

func (s State) clone() State {
	n := s
	n.traversed = copyMap(s.traversed)
	n.failed = copyMap(s.failed)
	n.pending = copyMap(s.pending)
	n.replicaPath = append([]routing.Entry(nil), s.replicaPath...)
	return n
}

// visit marks e traversed at hop, removing it from pending.
func (s State) visit(e routing.Entry, hop int, failed bool) State {
	n := s.clone()
	t := Traversal{Entry: e, HopAdded: hop, HopCalled: hop, Failed: failed}
	if p, ok := n.pending[e.Address]; ok {
		t.HopAdded = p.HopAdded
	}
	delete(n.pending, e.Address)
	n.traversed[e.Address] = t
	if failed {
		n.failed[e.Address] = t
	}
	return n
}

// enqueue adds entries that are neither traversed nor pending.
func (s State) enqueue(entries []routing.Entry, hop int) State {
	n := s.clone()
	for _, e := range entries {
		if _, ok := n.traversed[e.Address]; ok {
			continue
		}
		if _, ok := n.pending[e.Address]; ok {
			continue
		}
		n.pending[e.Address] = Traversal{Entry: e, HopAdded: hop, HopCalled: -1}
	}
	return n
}

// descend is the state handed to the next hop e.
func (s State) descend(e routing.Entry, distance *big.Int) State {
	n := s.clone()
	n.hopCount++
	n.replicaPath = append(n.replicaPath, e)
	n.hopDistance = distance
	return n
}

// resolve records own as the replica.
func (s State) resolve(own routing.Entry) State {
	n := s.clone()
	n.replica = own
	n.resolved = true
	n.resolvedHop = s.hopCount
	return n
}

// merge folds the state returned by a child into s. Traversed and failed
// sets are joined, pending is replaced since the child may have consumed
// part of it. Hop count, path and distance stay those of s unless the
// child resolved the key.
func (s State) merge(child State) State {
	n := s.clone()
	for addr, t := range child.traversed {
		n.traversed[addr] = t
	}
	for addr, t := range child.failed {
		n.failed[addr] = t
	}
	n.pending = make(map[routing.Address]Traversal, len(child.pending))
	for addr, t := range child.pending {
		if _, ok := n.traversed[addr]; !ok {
			n.pending[addr] = t
		}
	}
	if child.resolved {
		n.replica = child.replica
		n.resolved = true
		n.resolvedHop = child.resolvedHop
		n.replicaPath = append([]routing.Entry(nil), child.replicaPath...)
	}
	return n
}

// sortedPending returns the pending traversals in a stable order.
func (s State) sortedPending() []Traversal {
	out := make([]Traversal, 0, len(s.pending))
	for _, t := range s.pending {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.Address < out[j].Entry.Address })
	return out
}

func copyMap(m map[routing.Address]Traversal) map[routing.Address]Traversal {
	out := make(map[routing.Address]Traversal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
