package routing

import (
	"fmt"

	"github.com/zde37/overlay/pkg/keyspace"
)

// Address identifies a node inside the simulated network.
type Address string

// Entry describes a known node: its identifier, address, the part of the
// key space it claims and a hint of how many keys it stores.
// Entries are values. Updates return a new Entry.
type Entry struct {
	NodeID     keyspace.Key
	Address    Address
	Range      keyspace.Range
	EntryCount int
}

// NewEntry creates an entry. A node needs both an identifier and an address.
func NewEntry(id keyspace.Key, addr Address, rng keyspace.Range, entryCount int) Entry {
	e := Entry{NodeID: id, Address: addr, Range: rng, EntryCount: entryCount}
	mustEntry(e)
	return e
}

// WithRange returns a copy of e claiming r.
func (e Entry) WithRange(r keyspace.Range) Entry {
	e.Range = r
	return e
}

// WithEntryCount returns a copy of e with a refreshed entry count.
func (e Entry) WithEntryCount(n int) Entry {
	e.EntryCount = n
	return e
}

// Same reports whether both entries describe the same node.
func (e Entry) Same(o Entry) bool {
	return e.Address == o.Address && e.NodeID.Equal(o.NodeID)
}

// IsZero reports whether e is unset.
func (e Entry) IsZero() bool {
	return e.Address == "" && e.NodeID.IsZero()
}

// String returns a human-readable representation of the entry.
func (e Entry) String() string {
	if e.IsZero() {
		return "Entry{nil}"
	}
	return fmt.Sprintf("Entry{ID: %s, Addr: %s, Range: %s, Count: %d}",
		e.NodeID.Short(), e.Address, e.Range, e.EntryCount)
}

func mustEntry(e Entry) {
	if e.NodeID.IsZero() || e.Address == "" {
		panic(fmt.Sprintf("routing: incomplete entry %s", e))
	}
}
