package overlay

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/zde37/overlay/internal/config"
	"github.com/zde37/overlay/internal/lookup"
	"github.com/zde37/overlay/internal/routing"
	"github.com/zde37/overlay/internal/rpc"
	"github.com/zde37/overlay/internal/storage"
	"github.com/zde37/overlay/pkg"
	"github.com/zde37/overlay/pkg/entropy"
	"github.com/zde37/overlay/pkg/keyspace"
)

// ErrNoMergeTarget is returned by a P-Grid leave that found nobody to take
// over its keys.
var ErrNoMergeTarget = errors.New("no node to merge into")

// Outcome is the answer to an invitation.
type Outcome uint8

const (
	// OutcomeNone means the peer neither matched nor knew anybody closer.
	OutcomeNone Outcome = iota
	// OutcomeCensus means both paths are identical; Keys holds the peer's keys.
	OutcomeCensus
	// OutcomeSpecialized means the peer was shallower and moved to the
	// complement of the inviter's branch. Orphans holds the keys it dropped.
	OutcomeSpecialized
	// OutcomeDeeper means the inviter is shallower and has to specialize.
	OutcomeDeeper
	// OutcomeRedirect points at an entry sharing a longer prefix with the inviter.
	OutcomeRedirect
)

// InviteReply is returned by Invite.
type InviteReply struct {
	Self     routing.Entry
	Outcome  Outcome
	Keys     []keyspace.Key
	Orphans  []storage.Item
	Redirect routing.Entry
	Routes   []routing.Entry
}

// SplitRequest is the second phase of a split: the initiator already moved
// to its half and ships the keys and routes of the other one.
type SplitRequest struct {
	Initiator routing.Entry
	Path      keyspace.Range
	Share     []storage.Item
	Routes    []routing.Entry
}

// SplitReply mirrors SplitRequest.
type SplitReply struct {
	Self   routing.Entry
	Share  []storage.Item
	Routes []routing.Entry
}

// ExchangeRequest carries the keys of a replica.
type ExchangeRequest struct {
	From  routing.Entry
	Items []storage.Item
}

// ExchangeReply carries the keys and routes of the other replica.
type ExchangeReply struct {
	Self   routing.Entry
	Items  []storage.Item
	Routes []routing.Entry
}

// MergeRequest hands the keys of a leaving node over. Moved is set when
// the node does not leave the trie but takes over another path. Chain lists
// the nodes already giving up their keys in this handoff.
type MergeRequest struct {
	Leaving routing.Entry
	Moved   routing.Entry
	Chain   []routing.Address
	Items   []storage.Item
	Routes  []routing.Entry
}

// PGridHandler is the P-Grid protocol as seen through rpc.
type PGridHandler interface {
	Invite(ctx context.Context, from routing.Entry) (InviteReply, error)
	AcceptSplit(ctx context.Context, req SplitRequest) (SplitReply, error)
	Exchange(ctx context.Context, req ExchangeRequest) (ExchangeReply, error)
	Merge(ctx context.Context, req MergeRequest) (routing.Entry, error)
}

// PGrid is the binary trie protocol. Nodes start at the root path and
// refine it by meeting each other.
type PGrid struct {
	membership
	cfg    Config
	table  *routing.Table
	lookup *lookup.Service
	store  storage.Service
	rpc    *rpc.Context
	src    entropy.Source
	logger *pkg.Logger
}

// NewPGrid creates a P-Grid protocol instance.
func NewPGrid(cfg Config, deps Deps) (*PGrid, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("pgrid needs an entropy source")
	}
	if cfg.HopLimit < 1 {
		return nil, fmt.Errorf("hop limit must be positive, got %d", cfg.HopLimit)
	}
	if cfg.SplitThreshold < 1 {
		return nil, fmt.Errorf("split threshold must be positive, got %d", cfg.SplitThreshold)
	}
	return &PGrid{
		cfg:    cfg,
		table:  deps.Table,
		lookup: deps.Lookup,
		store:  deps.Store,
		rpc:    deps.RPC,
		src:    deps.Source,
		logger: deps.Logger,
	}, nil
}

func (p *PGrid) Name() string { return config.ProtocolPGrid }

// Join starts at the root path and invites the introducer.
func (p *PGrid) Join(ctx context.Context, introducer routing.Address, hasIntroducer bool) error {
	own := p.table.Own()
	if !hasIntroducer {
		p.setState(Stable)
		p.logger.Info().Str("node", own.NodeID.Short()).Msg("Created new trie")
		return nil
	}
	if err := p.invite(ctx, introducer); err != nil {
		return fmt.Errorf("failed to join via introducer: %w", err)
	}
	p.setState(Stable)
	p.logger.Info().
		Str("path", p.table.Own().Range.String()).
		Msg("Joined trie")
	return nil
}

// Stabilize invites a randomly drawn known node. Failures are logged only.
func (p *PGrid) Stabilize(ctx context.Context) error {
	if err := p.mustBeJoined(); err != nil {
		return err
	}
	peer, ok := entropy.Pick(p.src, p.table.Entries())
	if !ok {
		return nil
	}
	if err := p.invite(ctx, peer.Address); err != nil {
		p.logger.Debug().
			Err(err).
			Str("peer", peer.NodeID.Short()).
			Msg("Invitation failed")
	}
	p.table.SetOwnEntryCount(p.store.EntryCount())
	return nil
}

// Leave merges the local keys into a replica, or else into the sibling
// subtree, and leaves the trie.
func (p *PGrid) Leave(ctx context.Context) error {
	if err := p.mustBeJoined(); err != nil {
		return err
	}
	if len(p.mergeTargets()) == 0 {
		if n := p.store.EntryCount(); n > 0 {
			p.logger.Warn().Int("key_count", n).Msg("Last node left, dropping keys")
		}
		p.setState(Unjoined)
		return nil
	}

	if _, err := p.vacate(ctx, keyspace.Range{}, nil); err != nil {
		return err
	}
	p.setState(Unjoined)
	p.logger.Info().Msg("Left trie")
	return nil
}

// Invite compares the inviter's path with the own one.
func (p *PGrid) Invite(ctx context.Context, from routing.Entry) (InviteReply, error) {
	p.table.Update(routing.EventContacted, from)
	self := p.table.SetOwnEntryCount(p.store.EntryCount())
	mine, theirs := self.Range, from.Range

	switch {
	case mine.Equal(theirs):
		keys, err := p.store.Keys(ctx)
		if err != nil {
			return InviteReply{}, err
		}
		return InviteReply{Self: self, Outcome: OutcomeCensus, Keys: within(keys, mine), Routes: p.table.Entries()}, nil

	case mine.IsPrefixOf(theirs):
		orphans, err := p.specialize(ctx, theirs)
		if err != nil {
			return InviteReply{}, err
		}
		self = p.table.Own()
		p.logger.Debug().
			Str("path", self.Range.String()).
			Str("inviter_path", theirs.String()).
			Msg("Specialized on invitation")
		return InviteReply{Self: self, Outcome: OutcomeSpecialized, Orphans: orphans, Routes: p.table.Entries()}, nil

	case theirs.IsPrefixOf(mine):
		return InviteReply{Self: self, Outcome: OutcomeDeeper, Routes: p.table.Entries()}, nil
	}

	if next, ok := p.closerTo(from); ok {
		return InviteReply{Self: self, Outcome: OutcomeRedirect, Redirect: next}, nil
	}
	return InviteReply{Self: self, Outcome: OutcomeNone}, nil
}

// AcceptSplit takes the path offered by the initiator, stores its share and
// returns the keys that belong to the initiator's half.
func (p *PGrid) AcceptSplit(ctx context.Context, req SplitRequest) (SplitReply, error) {
	own := p.table.Own()
	if req.Path.Depth() == 0 || !req.Path.Parent().Equal(own.Range) {
		return SplitReply{}, fmt.Errorf("split into %s does not extend path %s", req.Path, own.Range)
	}

	p.table.SetOwnRange(req.Path)
	if err := p.store.PutAll(ctx, req.Share); err != nil {
		p.table.SetOwnRange(own.Range)
		return SplitReply{}, fmt.Errorf("failed to store split share: %w", err)
	}
	share, err := p.store.Filter(ctx, req.Initiator.Range, true)
	if err != nil {
		return SplitReply{}, fmt.Errorf("failed to collect split share: %w", err)
	}

	p.table.Update(routing.EventContacted, req.Initiator)
	p.learn(req.Routes)
	self := p.table.SetOwnEntryCount(p.store.EntryCount())

	p.logger.Debug().
		Str("path", self.Range.String()).
		Int("received", len(req.Share)).
		Int("returned", len(share)).
		Msg("Accepted split")
	return SplitReply{Self: self, Share: share, Routes: p.table.Entries()}, nil
}

// Exchange stores the keys of a replica and returns the own keys.
func (p *PGrid) Exchange(ctx context.Context, req ExchangeRequest) (ExchangeReply, error) {
	own := p.table.Own()
	items, err := p.store.Filter(ctx, own.Range, false)
	if err != nil {
		return ExchangeReply{}, err
	}
	if err := p.store.PutAll(ctx, withinItems(req.Items, own.Range)); err != nil {
		return ExchangeReply{}, fmt.Errorf("failed to store exchanged keys: %w", err)
	}
	p.table.Update(routing.EventContacted, req.From)
	self := p.table.SetOwnEntryCount(p.store.EntryCount())
	return ExchangeReply{Self: self, Items: items, Routes: p.table.Entries()}, nil
}

// Merge takes over the keys of a leaving node. A replica or an ancestor
// path already covers them. The sibling generalizes to the parent when it
// has no replica. Any other node vacates its own path and moves onto the
// leaving one.
func (p *PGrid) Merge(ctx context.Context, req MergeRequest) (routing.Entry, error) {
	own := p.table.Own()
	leaving := req.Leaving.Range

	switch {
	case own.Range.IsPrefixOf(leaving):
	case leaving.Depth() > 0 && own.Range.Equal(leaving.Complement()) && len(p.replicas(req.Leaving.Address)) == 0:
		p.table.SetOwnRange(leaving.Parent())
	case leaving.IsPrefixOf(own.Range):
		p.table.SetOwnRange(leaving)
	default:
		if _, err := p.vacate(ctx, leaving, req.Chain); err != nil {
			return routing.Entry{}, fmt.Errorf("failed to free path %s: %w", own.Range, err)
		}
		p.table.SetOwnRange(leaving)
	}
	if !p.table.Own().Range.Equal(own.Range) {
		p.logger.Debug().
			Str("from", own.Range.String()).
			Str("to", p.table.Own().Range.String()).
			Msg("Path changed after merge")
	}

	if err := p.store.PutAll(ctx, req.Items); err != nil {
		return routing.Entry{}, fmt.Errorf("failed to store merged keys: %w", err)
	}
	p.table.Remove(req.Leaving.Address)
	if !req.Moved.IsZero() {
		p.table.Update(routing.EventContacted, req.Moved)
	}
	for _, e := range req.Routes {
		if e.Address != req.Leaving.Address && e.Address != own.Address {
			p.table.Update(routing.EventDiscovered, e)
		}
	}
	return p.table.SetOwnEntryCount(p.store.EntryCount()), nil
}

// vacate hands every local key to the first merge target that accepts
// them. Nodes in chain are never chosen. A non-zero next is the path this
// node moves to afterwards.
func (p *PGrid) vacate(ctx context.Context, next keyspace.Range, chain []routing.Address) (routing.Entry, error) {
	own := p.table.Own()
	chain = append(append([]routing.Address(nil), chain...), own.Address)
	skip := func(addr routing.Address) bool {
		for _, a := range chain {
			if a == addr {
				return true
			}
		}
		return false
	}

	items, err := p.store.Filter(ctx, keyspace.PrefixRange(own.NodeID, 0), true)
	if err != nil {
		return routing.Entry{}, fmt.Errorf("failed to collect keys: %w", err)
	}

	req := MergeRequest{Leaving: own, Chain: chain, Items: items}
	if !next.IsZero() {
		req.Moved = own.WithRange(next).WithEntryCount(0)
	}
	for _, e := range p.table.Entries() {
		if !skip(e.Address) {
			req.Routes = append(req.Routes, e)
		}
	}

	for _, t := range p.mergeTargets() {
		if skip(t.Address) {
			continue
		}
		var merged routing.Entry
		err := rpc.Call(p.rpc, t.Address, rpc.KindOverlay, func(h PGridHandler) error {
			var err error
			merged, err = h.Merge(ctx, req)
			return err
		})
		if err == nil {
			p.table.Update(routing.EventContacted, merged)
			p.logger.Info().
				Int("key_count", len(items)).
				Str("target", merged.NodeID.Short()).
				Str("target_path", merged.Range.String()).
				Msg("Merged keys into peer")
			return merged, nil
		}
		if unreachable(err) {
			p.table.RegisterCommunicationFailure(t.Address, true)
		}
		p.logger.Debug().Err(err).Str("target", t.NodeID.Short()).Msg("Merge failed")
	}

	if err := p.store.PutAll(ctx, items); err != nil {
		p.logger.Error().Err(err).Msg("Failed to restore keys after merge failure")
	}
	return routing.Entry{}, ErrNoMergeTarget
}

// invite follows redirects from addr until a node answers with a decision
// or the hop limit is reached.
func (p *PGrid) invite(ctx context.Context, addr routing.Address) error {
	for hop := 0; hop < p.cfg.HopLimit; hop++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		own := p.table.SetOwnEntryCount(p.store.EntryCount())

		var reply InviteReply
		err := rpc.Call(p.rpc, addr, rpc.KindOverlay, func(h PGridHandler) error {
			var err error
			reply, err = h.Invite(ctx, own)
			return err
		})
		if err != nil {
			if unreachable(err) && addr != own.Address {
				p.table.RegisterCommunicationFailure(addr, true)
			}
			return err
		}
		p.table.Update(routing.EventContacted, reply.Self)
		p.learn(reply.Routes)

		switch reply.Outcome {
		case OutcomeCensus:
			return p.meet(ctx, reply)
		case OutcomeSpecialized:
			return p.rehome(ctx, reply.Orphans)
		case OutcomeDeeper:
			orphans, err := p.specialize(ctx, reply.Self.Range)
			if err != nil {
				return err
			}
			p.logger.Debug().
				Str("path", p.table.Own().Range.String()).
				Str("peer_path", reply.Self.Range.String()).
				Msg("Specialized after invitation")
			return p.rehome(ctx, orphans)
		case OutcomeRedirect:
			addr = reply.Redirect.Address
		default:
			return nil
		}
	}
	return &rpc.RoutingError{At: addr, Hops: p.cfg.HopLimit}
}

// meet handles two nodes on the same path: split when they hold more keys
// than the threshold, exchange otherwise.
func (p *PGrid) meet(ctx context.Context, census InviteReply) error {
	own := p.table.Own()
	keys, err := p.store.Keys(ctx)
	if err != nil {
		return err
	}
	keys = within(keys, own.Range)

	if own.Range.Depth() < own.NodeID.Bits() && distinct(keys, census.Keys) > p.cfg.SplitThreshold {
		return p.split(ctx, census.Self, keys, census.Keys)
	}
	return p.exchange(ctx, census.Self)
}

// split moves this node to one child of the shared path and the peer to the
// other. The side that moves fewer keys wins; on a tie the lower node id
// takes bit 0.
func (p *PGrid) split(ctx context.Context, peer routing.Entry, mine, theirs []keyspace.Key) error {
	own := p.table.Own()
	rng := own.Range
	bit := chooseSplitBit(rng.Depth(), own.NodeID, peer.NodeID, mine, theirs)
	half, other := rng.Child(bit), rng.Child(1-bit)

	p.table.SetOwnRange(half)
	share, err := p.store.Filter(ctx, other, true)
	if err != nil {
		p.table.SetOwnRange(rng)
		return fmt.Errorf("failed to collect split share: %w", err)
	}

	req := SplitRequest{Initiator: p.table.Own(), Path: other, Share: share, Routes: p.table.Entries()}
	var reply SplitReply
	err = rpc.Call(p.rpc, peer.Address, rpc.KindOverlay, func(h PGridHandler) error {
		var err error
		reply, err = h.AcceptSplit(ctx, req)
		return err
	})
	if err != nil {
		p.table.SetOwnRange(rng)
		if perr := p.store.PutAll(ctx, share); perr != nil {
			p.logger.Error().Err(perr).Msg("Failed to restore keys after split failure")
		}
		if unreachable(err) {
			p.table.RegisterCommunicationFailure(peer.Address, true)
		}
		return fmt.Errorf("split with %s failed: %w", peer.NodeID.Short(), err)
	}

	if err := p.store.PutAll(ctx, reply.Share); err != nil {
		return fmt.Errorf("failed to store split share: %w", err)
	}
	p.table.Update(routing.EventContacted, reply.Self)
	p.learn(reply.Routes)
	p.table.SetOwnEntryCount(p.store.EntryCount())

	p.logger.Info().
		Str("from", rng.String()).
		Str("path", half.String()).
		Str("peer_path", other.String()).
		Int("sent", len(share)).
		Int("received", len(reply.Share)).
		Msg("Split path")
	return nil
}

// exchange merges the keys of two replicas.
func (p *PGrid) exchange(ctx context.Context, peer routing.Entry) error {
	own := p.table.Own()
	items, err := p.store.Filter(ctx, own.Range, false)
	if err != nil {
		return err
	}
	var reply ExchangeReply
	err = rpc.Call(p.rpc, peer.Address, rpc.KindOverlay, func(h PGridHandler) error {
		var err error
		reply, err = h.Exchange(ctx, ExchangeRequest{From: own, Items: items})
		return err
	})
	if err != nil {
		if unreachable(err) {
			p.table.RegisterCommunicationFailure(peer.Address, true)
		}
		return err
	}
	if err := p.store.PutAll(ctx, withinItems(reply.Items, own.Range)); err != nil {
		return fmt.Errorf("failed to store exchanged keys: %w", err)
	}
	p.table.Update(routing.EventContacted, reply.Self)
	p.learn(reply.Routes)
	p.table.SetOwnEntryCount(p.store.EntryCount())
	return nil
}

// specialize moves the own path one level down, away from the branch of
// deeper, and returns the keys that no longer belong here.
func (p *PGrid) specialize(ctx context.Context, deeper keyspace.Range) ([]storage.Item, error) {
	rng := p.table.Own().Range
	bit := deeper.Path().Bit(rng.Depth())
	p.table.SetOwnRange(rng.Child(1 - bit))

	orphans, err := p.store.Filter(ctx, rng.Child(bit), true)
	if err != nil {
		return nil, fmt.Errorf("failed to collect orphaned keys: %w", err)
	}
	p.table.SetOwnEntryCount(p.store.EntryCount())
	return orphans, nil
}

// rehome places keys outside the own path at their responsible node. Keys
// without a reachable owner stay local.
func (p *PGrid) rehome(ctx context.Context, items []storage.Item) error {
	own := p.table.Own()
	byTarget := make(map[routing.Address][]storage.Item)
	var targets []routing.Address
	var local []storage.Item

	for _, it := range items {
		if own.Range.Contains(it.Key) {
			local = append(local, it)
			continue
		}
		e, err := p.lookup.Resolve(ctx, it.Key, false, lookup.ModePut)
		if err != nil || e.Address == own.Address {
			local = append(local, it)
			continue
		}
		if _, ok := byTarget[e.Address]; !ok {
			targets = append(targets, e.Address)
		}
		byTarget[e.Address] = append(byTarget[e.Address], it)
	}

	for _, addr := range targets {
		batch := byTarget[addr]
		err := rpc.Call(p.rpc, addr, rpc.KindStorage, func(s storage.Service) error {
			return s.PutAll(ctx, batch)
		})
		if err != nil {
			p.logger.Debug().Err(err).Str("target", string(addr)).Msg("Failed to rehome keys")
			local = append(local, batch...)
		}
	}

	if len(local) > 0 {
		if err := p.store.PutAll(ctx, local); err != nil {
			return fmt.Errorf("failed to keep unplaced keys: %w", err)
		}
	}
	p.table.SetOwnEntryCount(p.store.EntryCount())
	return nil
}

// closerTo returns the reliable entry sharing the longest prefix with from,
// if it shares more than the own path does.
func (p *PGrid) closerTo(from routing.Entry) (routing.Entry, bool) {
	best := p.table.Own().Range.CommonPrefixLen(from.Range)
	var next routing.Entry
	found := false
	for _, e := range p.table.Entries() {
		if e.Address == from.Address || !e.Range.IsPrefix() || p.table.IsFlagged(e.Address) {
			continue
		}
		if cpl := e.Range.CommonPrefixLen(from.Range); cpl > best {
			best, next, found = cpl, e, true
		}
	}
	return next, found
}

// mergeTargets lists replicas first, then the sibling path, then the
// rest of the sibling subtree from the deepest path up, then the other
// complements from the deepest level up.
func (p *PGrid) mergeTargets() []routing.Entry {
	own := p.table.Own()
	targets := p.replicas("")

	var sibling, subtree, rest []routing.Entry
	if own.Range.Depth() > 0 {
		comp := own.Range.Complement()
		for _, e := range p.table.EntriesOf(routing.KindComplement) {
			switch {
			case e.Range.Equal(comp):
				sibling = append(sibling, e)
			case comp.IsPrefixOf(e.Range):
				subtree = append(subtree, e)
			default:
				rest = append(rest, e)
			}
		}
	}
	sort.SliceStable(subtree, func(i, j int) bool { return subtree[i].Range.Depth() > subtree[j].Range.Depth() })
	level := func(e routing.Entry) int {
		f, _ := p.table.FlavorOf(e.Address)
		return f.Bucket
	}
	sort.SliceStable(rest, func(i, j int) bool { return level(rest[i]) > level(rest[j]) })

	targets = append(targets, sibling...)
	targets = append(targets, subtree...)
	targets = append(targets, rest...)
	targets = append(targets, p.table.EntriesOf(routing.KindGeneralized)...)
	return append(targets, p.table.EntriesOf(routing.KindSpecialized)...)
}

// replicas lists the known replicas except skip.
func (p *PGrid) replicas(skip routing.Address) []routing.Entry {
	var out []routing.Entry
	for _, e := range p.table.EntriesOf(routing.KindReplica) {
		if e.Address != skip {
			out = append(out, e)
		}
	}
	return out
}

func (p *PGrid) learn(routes []routing.Entry) {
	own := p.table.Own()
	for _, e := range routes {
		if e.Address != own.Address {
			p.table.Update(routing.EventDiscovered, e)
		}
	}
}

// chooseSplitBit returns the child the initiator takes at depth.
func chooseSplitBit(depth int, self, peer keyspace.Key, mine, theirs []keyspace.Key) uint {
	moved := func(bit uint) int {
		n := 0
		for _, k := range mine {
			if k.Bit(depth) != bit {
				n++
			}
		}
		for _, k := range theirs {
			if k.Bit(depth) == bit {
				n++
			}
		}
		return n
	}
	m0, m1 := moved(0), moved(1)
	switch {
	case m0 < m1:
		return 0
	case m1 < m0:
		return 1
	case self.Cmp(peer) < 0:
		return 0
	default:
		return 1
	}
}

func within(keys []keyspace.Key, r keyspace.Range) []keyspace.Key {
	out := make([]keyspace.Key, 0, len(keys))
	for _, k := range keys {
		if r.Contains(k) {
			out = append(out, k)
		}
	}
	return out
}

func withinItems(items []storage.Item, r keyspace.Range) []storage.Item {
	out := make([]storage.Item, 0, len(items))
	for _, it := range items {
		if r.Contains(it.Key) {
			out = append(out, it)
		}
	}
	return out
}

// distinct counts the keys of the union of a and b.
func distinct(a, b []keyspace.Key) int {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, k := range a {
		seen[k.String()] = struct{}{}
	}
	for _, k := range b {
		seen[k.String()] = struct{}{}
	}
	return len(seen)
}
