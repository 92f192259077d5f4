package routing

import (
	"fmt"
	"math/big"

	"github.com/zde37/overlay/pkg/keyspace"
)

// Kind is the coarse classification of a routing entry.
type Kind uint8

const (
	KindOwner Kind = iota
	KindPredecessor
	KindSuccessor
	KindFinger
	KindExtra
	KindReplica
	KindGeneralized
	KindSpecialized
	KindComplement
)

var kindNames = [...]string{
	KindOwner:       "owner",
	KindPredecessor: "predecessor",
	KindSuccessor:   "successor",
	KindFinger:      "finger",
	KindExtra:       "extra",
	KindReplica:     "replica",
	KindGeneralized: "generalized",
	KindSpecialized: "specialized",
	KindComplement:  "complement",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Flavor is the bucket an entry is stored in. Bucket is the finger power
// for KindFinger and the prefix level for KindComplement.
type Flavor struct {
	Kind   Kind
	Bucket int
}

func (f Flavor) String() string {
	switch f.Kind {
	case KindFinger, KindComplement:
		return fmt.Sprintf("%s[%d]", f.Kind, f.Bucket)
	default:
		return f.Kind.String()
	}
}

// bounded reports whether the flavor is capped by the table redundancy.
func (f Flavor) bounded() bool {
	switch f.Kind {
	case KindOwner, KindPredecessor, KindSuccessor:
		return false
	default:
		return true
	}
}

// View is the part of a table a policy needs to classify entries.
type View struct {
	Own         Entry
	Successor   Entry
	Predecessor Entry
}

// Alone reports whether the node only knows itself as neighbor.
func (v View) Alone() bool {
	return v.Successor.Same(v.Own) && v.Predecessor.Same(v.Own)
}

// Responsibility is a policy's answer to "does own store this key".
type Responsibility uint8

const (
	Undecided Responsibility = iota
	Responsible
	NotResponsible
)

// Policy carries everything protocol specific about a routing table.
type Policy interface {
	Name() string
	// OwnRange is the range a freshly initialised node claims.
	OwnRange(own keyspace.Key) keyspace.Range
	Flavorize(v View, e Entry) Flavor
	// Distance is the routing distance from e to key. Zero means e claims key.
	Distance(v View, e Entry, key keyspace.Key) *big.Int
	// ReplicaDistance orders entries by how soon they would take over key.
	ReplicaDistance(v View, e Entry, key keyspace.Key) *big.Int
	Responsible(v View, key keyspace.Key) Responsibility
}

// Ring returns the policy of a plain successor/predecessor ring.
func Ring() Policy { return ringPolicy{} }

// Chord returns the ring policy with extra entries bucketed into fingers.
func Chord() Policy { return chordPolicy{} }

// PGrid returns the binary trie policy.
func PGrid() Policy { return pgridPolicy{} }

type ringPolicy struct{}

func (ringPolicy) Name() string { return "ring" }

func (ringPolicy) OwnRange(own keyspace.Key) keyspace.Range {
	return keyspace.IntervalRange(own, own)
}

func (ringPolicy) Flavorize(v View, e Entry) Flavor {
	switch {
	case e.Address == v.Own.Address:
		return Flavor{Kind: KindOwner}
	case e.Address == v.Successor.Address:
		return Flavor{Kind: KindSuccessor}
	case e.Address == v.Predecessor.Address:
		return Flavor{Kind: KindPredecessor}
	default:
		return Flavor{Kind: KindExtra}
	}
}

func (ringPolicy) Distance(v View, e Entry, key keyspace.Key) *big.Int {
	if e.Address == v.Successor.Address && !v.Successor.Same(v.Own) &&
		keyspace.InRange(key, v.Own.NodeID, e.NodeID) {
		return new(big.Int)
	}
	return keyspace.Distance(e.NodeID, key)
}

func (ringPolicy) ReplicaDistance(_ View, e Entry, key keyspace.Key) *big.Int {
	return keyspace.Distance(key, e.NodeID)
}

func (ringPolicy) Responsible(v View, key keyspace.Key) Responsibility {
	if v.Alone() {
		return Responsible
	}
	if !v.Predecessor.Same(v.Own) {
		if keyspace.InRange(key, v.Predecessor.NodeID, v.Own.NodeID) {
			return Responsible
		}
		return NotResponsible
	}
	return Undecided
}

type chordPolicy struct {
	ringPolicy
}

func (chordPolicy) Name() string { return "chord" }

func (p chordPolicy) Flavorize(v View, e Entry) Flavor {
	f := p.ringPolicy.Flavorize(v, e)
	if f.Kind != KindExtra {
		return f
	}
	d := keyspace.Distance(v.Own.NodeID, e.NodeID)
	if d.Sign() == 0 {
		return f
	}
	return Flavor{Kind: KindFinger, Bucket: keyspace.Log2Floor(d)}
}

type pgridPolicy struct{}

func (pgridPolicy) Name() string { return "pgrid" }

func (pgridPolicy) OwnRange(own keyspace.Key) keyspace.Range {
	return keyspace.PrefixRange(own, 0)
}

func (pgridPolicy) Flavorize(v View, e Entry) Flavor {
	if e.Address == v.Own.Address {
		return Flavor{Kind: KindOwner}
	}
	own, other := v.Own.Range, e.Range
	if !own.IsPrefix() || !other.IsPrefix() {
		return Flavor{Kind: KindExtra}
	}
	switch {
	case own.Equal(other):
		return Flavor{Kind: KindReplica}
	case own.IsPrefixOf(other):
		return Flavor{Kind: KindSpecialized}
	case other.IsPrefixOf(own):
		return Flavor{Kind: KindGeneralized}
	default:
		return Flavor{Kind: KindComplement, Bucket: own.CommonPrefixLen(other)}
	}
}

func (pgridPolicy) Distance(_ View, e Entry, key keyspace.Key) *big.Int {
	return prefixDistance(e.Range, key)
}

func (pgridPolicy) ReplicaDistance(_ View, e Entry, key keyspace.Key) *big.Int {
	return prefixDistance(e.Range, key)
}

func (pgridPolicy) Responsible(v View, key keyspace.Key) Responsibility {
	if v.Own.Range.Contains(key) {
		return Responsible
	}
	return NotResponsible
}

// prefixDistance is 2^(bits-cpl)-1 where cpl is the number of leading path
// bits r shares with key. It is zero when r contains key.
func prefixDistance(r keyspace.Range, key keyspace.Key) *big.Int {
	bits := key.Bits()
	if !r.IsPrefix() {
		return new(big.Int).Lsh(big.NewInt(1), uint(bits))
	}
	cpl := min(keyspace.CommonPrefixLen(r.Path(), key), r.Depth())
	if cpl == r.Depth() {
		return new(big.Int)
	}
	d := new(big.Int).Lsh(big.NewInt(1), uint(bits-cpl))
	return d.Sub(d, big.NewInt(1))
}
