package routing

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/zde37/overlay/pkg/keyspace"
)

// Event tells the table how an entry was learned.
type Event uint8

const (
	// EventDiscovered means another node mentioned the entry.
	EventDiscovered Event = iota
	// EventContacted means the entry answered a call, clearing earlier failures.
	EventContacted
)

// Preference decides which entry leaves a full bucket.
type Preference uint8

const (
	// Recency keeps reliable entries, then the most recently seen.
	Recency Preference = iota
	// Proximity keeps reliable entries, then the closest clockwise from own.
	Proximity
)

// ParsePreference maps a configuration name to a Preference.
func ParsePreference(name string) (Preference, error) {
	switch name {
	case "recency", "":
		return Recency, nil
	case "proximity":
		return Proximity, nil
	default:
		return Recency, fmt.Errorf("unknown routing preference %q", name)
	}
}

// Stats summarises the table for metrics.
type Stats struct {
	RouteCount      int
	Redundancy      float64
	RedundancyDelta float64
}

type record struct {
	entry      Entry
	flavor     Flavor
	seen       uint64
	failures   int
	unreliable bool
}

// Table is the routing state of one node. All methods are safe for
// concurrent use.
type Table struct {
	mu         sync.RWMutex
	policy     Policy
	redundancy int
	preference Preference

	own  Entry
	succ Entry
	pred Entry

	records        map[Address]*record
	clock          uint64
	lastRedundancy float64
}

// NewTable creates an uninitialised table. Call Init before use.
func NewTable(policy Policy, redundancy int, preference Preference) *Table {
	if policy == nil {
		panic("routing: nil policy")
	}
	if redundancy < 1 {
		panic(fmt.Sprintf("routing: redundancy must be positive, got %d", redundancy))
	}
	return &Table{
		policy:     policy,
		redundancy: redundancy,
		preference: preference,
		records:    make(map[Address]*record),
	}
}

// Init sets the own entry and forgets everything else. Successor and
// predecessor start out as the own entry.
func (t *Table) Init(owner keyspace.Key, addr Address, entryCount int) Entry {
	own := NewEntry(owner, addr, t.policy.OwnRange(owner), entryCount)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.own = own
	t.succ = own
	t.pred = own
	t.records = make(map[Address]*record)
	t.lastRedundancy = 0
	return own
}

// Policy returns the protocol policy of the table.
func (t *Table) Policy() Policy {
	return t.policy
}

// Redundancy returns the per flavor bound.
func (t *Table) Redundancy() int {
	return t.redundancy
}

// Own returns the node's own entry.
func (t *Table) Own() Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.mustInit()
	return t.own
}

// Successor returns the current successor, the own entry when alone.
func (t *Table) Successor() Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.mustInit()
	return t.succ
}

// Predecessor returns the current predecessor, the own entry when unknown.
func (t *Table) Predecessor() Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.mustInit()
	return t.pred
}

// View returns the own, successor and predecessor entries.
func (t *Table) View() View {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.mustInit()
	return t.view()
}

// Update inserts or refreshes an entry under the flavor the policy assigns
// and evicts the least preferred entry when the bucket overflows.
func (t *Table) Update(ev Event, e Entry) {
	mustEntry(e)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustInit()

	if e.Address == t.own.Address {
		return
	}

	t.clock++
	rec, ok := t.records[e.Address]
	if !ok || !rec.entry.NodeID.Equal(e.NodeID) {
		rec = &record{}
		t.records[e.Address] = rec
	}
	rec.entry = e
	rec.seen = t.clock
	if ev == EventContacted {
		rec.unreliable = false
		rec.failures = 0
	}

	if e.Address == t.succ.Address {
		t.succ = e
	}
	if e.Address == t.pred.Address {
		t.pred = e
	}

	rec.flavor = t.policy.Flavorize(t.view(), e)
	t.enforce(rec.flavor)
}

// LocalLookup returns up to limit known entries ordered by routing distance
// to target. With safe set, entries flagged unreliable are skipped.
func (t *Table) LocalLookup(target keyspace.Key, limit int, safe bool) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.mustInit()

	v := t.view()
	entries := make([]Entry, 0, len(t.records))
	for _, rec := range t.records {
		if safe && rec.unreliable {
			continue
		}
		entries = append(entries, rec.entry)
	}
	sortBy(entries, func(e Entry) *big.Int { return t.policy.Distance(v, e, target) })
	if limit >= 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// ReplicaSet returns own and the reliable known entries ordered by the rank
// at which they would become responsible for target. At most maxRank
// entries are returned; the first is the current responsible node as far
// as this table knows.
func (t *Table) ReplicaSet(target keyspace.Key, maxRank int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.mustInit()
	return t.replicaSet(target, maxRank)
}

// IsResponsible reports whether own is the rank 0 replica for target.
func (t *Table) IsResponsible(target keyspace.Key) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.mustInit()

	switch t.policy.Responsible(t.view(), target) {
	case Responsible:
		return true
	case NotResponsible:
		return false
	}
	rs := t.replicaSet(target, 1)
	return len(rs) > 0 && rs[0].Same(t.own)
}

// Neighbors returns the immediate neighbor set: successor and predecessor
// on rings, replicas on tries.
func (t *Table) Neighbors() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.mustInit()

	var out []Entry
	for _, rec := range t.sortedRecords() {
		switch rec.flavor.Kind {
		case KindSuccessor, KindPredecessor, KindReplica:
			out = append(out, rec.entry)
		}
	}
	return out
}

// RegisterCommunicationFailure marks the entry at addr unreliable, removing
// it on a hard failure. When it was the successor or predecessor the next
// closest known entry in that direction takes its place and is returned.
func (t *Table) RegisterCommunicationFailure(addr Address, hard bool) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustInit()

	if addr == t.own.Address {
		panic("routing: communication failure reported for own address")
	}

	if rec, ok := t.records[addr]; ok {
		rec.failures++
		rec.unreliable = true
		if hard {
			delete(t.records, addr)
		}
	}

	var (
		replacement Entry
		found       bool
	)
	if t.succ.Address == addr {
		replacement, found = t.closest(addr, func(e Entry) *big.Int {
			return keyspace.Distance(t.own.NodeID, e.NodeID)
		})
		t.succ = t.own
		if found {
			t.succ = replacement
		}
	}
	if t.pred.Address == addr {
		next, ok := t.closest(addr, func(e Entry) *big.Int {
			return keyspace.Distance(e.NodeID, t.own.NodeID)
		})
		t.setPred(t.own)
		if ok {
			t.setPred(next)
			if !found {
				replacement, found = next, true
			}
		}
	}
	t.reclassify()
	return replacement, found
}

// SetSuccessor replaces the successor. The previous successor stays in the
// table as an ordinary entry.
func (t *Table) SetSuccessor(e Entry) {
	mustEntry(e)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustInit()

	if e.Address == t.own.Address {
		t.succ = t.own
	} else {
		t.succ = e
		t.remember(e)
	}
	t.reclassify()
}

// SetPredecessor replaces the predecessor. On rings the own range becomes
// (predecessor, own].
func (t *Table) SetPredecessor(e Entry) {
	mustEntry(e)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustInit()

	if e.Address == t.own.Address {
		t.setPred(t.own)
	} else {
		t.setPred(e)
		t.remember(e)
	}
	t.reclassify()
}

// SetOwnRange changes the range claimed by own and reclassifies every entry.
func (t *Table) SetOwnRange(r keyspace.Range) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustInit()

	t.setOwn(t.own.WithRange(r))
	t.reclassify()
	return t.own
}

// SetOwnEntryCount refreshes the own entry count hint.
func (t *Table) SetOwnEntryCount(n int) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustInit()

	t.setOwn(t.own.WithEntryCount(n))
	return t.own
}

// Remove forgets addr. A removed successor or predecessor falls back to own.
func (t *Table) Remove(addr Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustInit()

	delete(t.records, addr)
	if t.succ.Address == addr {
		t.succ = t.own
	}
	if t.pred.Address == addr {
		t.setPred(t.own)
	}
	t.reclassify()
}

// Entries returns every known entry except own in a stable order.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.mustInit()

	recs := t.sortedRecords()
	out := make([]Entry, len(recs))
	for i, rec := range recs {
		out[i] = rec.entry
	}
	return out
}

// EntriesOf returns the entries currently classified as kind.
func (t *Table) EntriesOf(kind Kind) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.mustInit()

	var out []Entry
	for _, rec := range t.sortedRecords() {
		if rec.flavor.Kind == kind {
			out = append(out, rec.entry)
		}
	}
	return out
}

// FlavorOf returns the flavor of the entry at addr.
func (t *Table) FlavorOf(addr Address) (Flavor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if addr == t.own.Address {
		return Flavor{Kind: KindOwner}, true
	}
	rec, ok := t.records[addr]
	if !ok {
		return Flavor{}, false
	}
	return rec.flavor, true
}

// Successors returns up to limit reliable entries ordered clockwise from own.
func (t *Table) Successors(limit int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.mustInit()

	var entries []Entry
	for _, rec := range t.records {
		if !rec.unreliable {
			entries = append(entries, rec.entry)
		}
	}
	sortBy(entries, func(e Entry) *big.Int { return keyspace.Distance(t.own.NodeID, e.NodeID) })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// IsReliable reports whether addr is known and has no pending failures.
func (t *Table) IsReliable(addr Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if addr == t.own.Address {
		return true
	}
	rec, ok := t.records[addr]
	return ok && !rec.unreliable
}

// IsFlagged reports whether addr is known and flagged unreliable. Unknown
// addresses are not flagged.
func (t *Table) IsFlagged(addr Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[addr]
	return ok && rec.unreliable
}

// Len returns the number of known entries excluding own.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Stats reports the route count and the mean bucket fill relative to the
// redundancy bound. The delta is relative to the previous call.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustInit()

	buckets := make(map[Flavor]int)
	for _, rec := range t.records {
		buckets[rec.flavor]++
	}

	var redundancy float64
	if len(buckets) > 0 {
		redundancy = float64(len(t.records)) / float64(len(buckets)*t.redundancy)
	}
	delta := redundancy - t.lastRedundancy
	t.lastRedundancy = redundancy

	return Stats{
		RouteCount:      len(t.records),
		Redundancy:      redundancy,
		RedundancyDelta: delta,
	}
}

func (t *Table) mustInit() {
	if t.own.IsZero() {
		panic("routing: table used before Init")
	}
}

func (t *Table) view() View {
	return View{Own: t.own, Successor: t.succ, Predecessor: t.pred}
}

func (t *Table) setOwn(own Entry) {
	if t.succ.Address == own.Address {
		t.succ = own
	}
	if t.pred.Address == own.Address {
		t.pred = own
	}
	t.own = own
}

func (t *Table) setPred(e Entry) {
	t.pred = e
	if t.own.Range.IsInterval() {
		t.setOwn(t.own.WithRange(keyspace.IntervalRange(e.NodeID, t.own.NodeID)))
	}
}

// remember makes sure a successor or predecessor also has a record so its
// liveness is tracked.
func (t *Table) remember(e Entry) {
	t.clock++
	rec, ok := t.records[e.Address]
	if !ok || !rec.entry.NodeID.Equal(e.NodeID) {
		rec = &record{}
		t.records[e.Address] = rec
	}
	rec.entry = e
	rec.seen = t.clock
}

func (t *Table) reclassify() {
	v := t.view()
	touched := make(map[Flavor]struct{})
	for _, rec := range t.records {
		rec.flavor = t.policy.Flavorize(v, rec.entry)
		touched[rec.flavor] = struct{}{}
	}
	for f := range touched {
		t.enforce(f)
	}
}

// enforce evicts from bucket f until it fits the redundancy bound.
func (t *Table) enforce(f Flavor) {
	if !f.bounded() {
		return
	}
	for {
		var members []*record
		for _, rec := range t.records {
			if rec.flavor == f && rec.entry.Address != t.succ.Address && rec.entry.Address != t.pred.Address {
				members = append(members, rec)
			}
		}
		if len(members) <= t.redundancy {
			return
		}
		delete(t.records, t.worst(members).entry.Address)
	}
}

// worst picks the least preferred record.
func (t *Table) worst(members []*record) *record {
	sort.Slice(members, func(i, j int) bool {
		return t.prefer(members[i], members[j])
	})
	return members[len(members)-1]
}

// prefer reports whether a ranks strictly before b.
func (t *Table) prefer(a, b *record) bool {
	if a.unreliable != b.unreliable {
		return !a.unreliable
	}
	switch t.preference {
	case Proximity:
		da := keyspace.Distance(t.own.NodeID, a.entry.NodeID)
		db := keyspace.Distance(t.own.NodeID, b.entry.NodeID)
		if c := da.Cmp(db); c != 0 {
			return c < 0
		}
	default:
		if a.seen != b.seen {
			return a.seen > b.seen
		}
	}
	return entryLess(a.entry, b.entry)
}

// closest returns the reliable entry other than skip with the smallest metric.
func (t *Table) closest(skip Address, metric func(Entry) *big.Int) (Entry, bool) {
	var candidates []Entry
	for addr, rec := range t.records {
		if addr != skip && !rec.unreliable {
			candidates = append(candidates, rec.entry)
		}
	}
	if len(candidates) == 0 {
		return Entry{}, false
	}
	sortBy(candidates, metric)
	return candidates[0], true
}

func (t *Table) replicaSet(target keyspace.Key, maxRank int) []Entry {
	v := t.view()
	entries := []Entry{t.own}
	for _, rec := range t.records {
		if !rec.unreliable {
			entries = append(entries, rec.entry)
		}
	}
	sortBy(entries, func(e Entry) *big.Int { return t.policy.ReplicaDistance(v, e, target) })
	if maxRank >= 0 && len(entries) > maxRank {
		entries = entries[:maxRank]
	}
	return entries
}

func (t *Table) sortedRecords() []*record {
	recs := make([]*record, 0, len(t.records))
	for _, rec := range t.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return entryLess(recs[i].entry, recs[j].entry) })
	return recs
}

// sortBy orders entries by metric, breaking ties by node id then address so
// results never depend on map iteration order.
func sortBy(entries []Entry, metric func(Entry) *big.Int) {
	keys := make([]*big.Int, len(entries))
	for i, e := range entries {
		keys[i] = metric(e)
	}
	idx := make([]int, len(entries))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if c := keys[idx[a]].Cmp(keys[idx[b]]); c != 0 {
			return c < 0
		}
		return entryLess(entries[idx[a]], entries[idx[b]])
	})
	sorted := make([]Entry, len(entries))
	for i, j := range idx {
		sorted[i] = entries[j]
	}
	copy(entries, sorted)
}

func entryLess(a, b Entry) bool {
	if c := a.NodeID.Cmp(b.NodeID); c != 0 {
		return c < 0
	}
	return a.Address < b.Address
}
