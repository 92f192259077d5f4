package overlay

import (
	"context"
	"fmt"

	"github.com/zde37/overlay/internal/config"
	"github.com/zde37/overlay/internal/lookup"
	"github.com/zde37/overlay/internal/routing"
	"github.com/zde37/overlay/internal/rpc"
	"github.com/zde37/overlay/internal/storage"
	"github.com/zde37/overlay/pkg"
	"github.com/zde37/overlay/pkg/keyspace"
)

const defaultSuccessorList = 4

// Neighborhood is what a ring node reports about itself.
type Neighborhood struct {
	Self        routing.Entry
	Predecessor routing.Entry
	Successors  []routing.Entry
}

// RingHandler is the ring protocol as seen through rpc.
type RingHandler interface {
	Neighborhood(limit int) Neighborhood
	// Notify reports whether e became the predecessor and which
	// predecessor e displaced.
	Notify(e routing.Entry) (bool, routing.Entry)
	// AdoptSuccessor reports whether e became the successor.
	AdoptSuccessor(e routing.Entry) bool
	// Bypass replaces every neighbor pointer to leaving with replacement.
	Bypass(leaving, replacement routing.Entry)
}

// ringProbe is the remote state gathered by Probe. failed lists the
// successor candidates that did not answer.
type ringProbe struct {
	hood   Neighborhood
	ok     bool
	failed []routing.Entry
}

// Ring is the successor/predecessor ring protocol.
type Ring struct {
	membership
	cfg    Config
	table  *routing.Table
	lookup *lookup.Service
	store  storage.Service
	rpc    *rpc.Context
	logger *pkg.Logger

	probe *ringProbe
}

// NewRing creates a ring protocol instance.
func NewRing(cfg Config, deps Deps) (*Ring, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.SuccessorList < 1 {
		cfg.SuccessorList = defaultSuccessorList
	}
	return &Ring{
		cfg:    cfg,
		table:  deps.Table,
		lookup: deps.Lookup,
		store:  deps.Store,
		rpc:    deps.RPC,
		logger: deps.Logger,
	}, nil
}

func (r *Ring) Name() string { return config.ProtocolRing }

// Join finds the successor of the own key through introducer and
// stabilizes once.
func (r *Ring) Join(ctx context.Context, introducer routing.Address, hasIntroducer bool) error {
	own := r.table.Own()
	if !hasIntroducer {
		r.table.SetSuccessor(own)
		r.table.SetPredecessor(own)
		r.setState(Stable)
		r.logger.Info().Str("node", own.NodeID.Short()).Msg("Created new ring")
		return nil
	}

	r.logger.Debug().
		Str("introducer", string(introducer)).
		Msg("Joining ring")

	succ, err := r.lookup.LookupVia(ctx, introducer, own.NodeID, false, lookup.ModeJoin)
	if err != nil {
		return fmt.Errorf("failed to find successor via introducer: %w", err)
	}
	r.table.SetSuccessor(succ)
	r.setState(Stable)

	r.logger.Info().
		Str("successor", succ.NodeID.Short()).
		Msg("Found successor")

	if err := r.Stabilize(ctx); err != nil {
		return fmt.Errorf("initial stabilization failed: %w", err)
	}
	return nil
}

// Stabilize probes the successor and applies what it reported.
func (r *Ring) Stabilize(ctx context.Context) error {
	if err := r.Probe(ctx); err != nil {
		return err
	}
	return r.Settle(ctx)
}

// Probe asks the successor for its neighborhood. When it does not answer
// the next known successors are tried in clockwise order. Probe never
// changes the own table, so probes of different nodes can run together.
func (r *Ring) Probe(ctx context.Context) error {
	if err := r.mustBeJoined(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p := &ringProbe{}
	for _, c := range r.successorCandidates() {
		var hood Neighborhood
		err := rpc.Call(r.rpc, c.Address, rpc.KindOverlay, func(h RingHandler) error {
			hood = h.Neighborhood(r.cfg.SuccessorList)
			return nil
		})
		if err == nil {
			p.hood, p.ok = hood, true
			break
		}
		if !unreachable(err) {
			return err
		}
		p.failed = append(p.failed, c)
	}
	r.setProbe(p)
	return nil
}

// Settle applies the last probe: it drops dead successors, adopts a closer
// successor, notifies the successor, pulls the keys that now belong here
// and learns the successor list.
func (r *Ring) Settle(ctx context.Context) error {
	if err := r.mustBeJoined(); err != nil {
		return err
	}
	p := r.takeProbe()
	if p == nil {
		return nil
	}

	own := r.table.Own()
	r.checkPredecessor()
	for _, f := range p.failed {
		r.table.RegisterCommunicationFailure(f.Address, true)
	}
	if !p.ok {
		if len(p.failed) == 0 {
			return nil
		}
		r.logger.Warn().
			Str("successor", p.failed[0].NodeID.Short()).
			Msg("Successor unreachable and no substitute known")
		return &rpc.CommunicationError{Source: own.Address, Target: p.failed[0].Address, Err: rpc.ErrNotAlive}
	}

	succ := p.hood.Self
	if !r.table.Successor().Same(succ) {
		r.logger.Debug().
			Str("old", r.table.Successor().NodeID.Short()).
			Str("new", succ.NodeID.Short()).
			Msg("Successor replaced")
	}
	r.table.SetSuccessor(succ)
	r.table.Update(routing.EventContacted, succ)

	if x := p.hood.Predecessor; !x.IsZero() && x.Address != own.Address &&
		keyspace.Between(x.NodeID, own.NodeID, succ.NodeID) {
		r.logger.Debug().
			Str("old", succ.NodeID.Short()).
			Str("new", x.NodeID.Short()).
			Msg("Adopting closer successor")
		r.table.SetSuccessor(x)
		succ = x
	}

	var (
		accepted bool
		previous routing.Entry
	)
	err := rpc.Call(r.rpc, succ.Address, rpc.KindOverlay, func(h RingHandler) error {
		accepted, previous = h.Notify(own)
		return nil
	})
	if err != nil {
		if !unreachable(err) {
			return err
		}
		return r.successorFailed(succ)
	}

	if accepted {
		r.splice(succ, previous)
		if err := r.pullKeys(ctx, succ); err != nil {
			r.logger.Warn().
				Err(err).
				Str("successor", succ.NodeID.Short()).
				Msg("Failed to pull keys from successor")
		}
	}

	for _, e := range p.hood.Successors {
		if e.Address != own.Address {
			r.table.Update(routing.EventDiscovered, e)
		}
	}
	r.table.SetOwnEntryCount(r.store.EntryCount())

	r.logger.Debug().
		Str("successor", succ.NodeID.Short()).
		Str("predecessor", r.table.Predecessor().NodeID.Short()).
		Msg("Stabilize completed")
	return nil
}

// Leave hands all keys to the successor and splices the neighbors together.
func (r *Ring) Leave(ctx context.Context) error {
	if err := r.mustBeJoined(); err != nil {
		return err
	}

	own := r.table.Own()
	succ := r.table.Successor()
	pred := r.table.Predecessor()
	if succ.Same(own) {
		r.setState(Unjoined)
		return nil
	}

	items, err := r.store.Filter(ctx, keyspace.IntervalRange(own.NodeID, own.NodeID), true)
	if err != nil {
		return fmt.Errorf("failed to collect keys: %w", err)
	}
	if len(items) > 0 {
		err := rpc.Call(r.rpc, succ.Address, rpc.KindStorage, func(s storage.Service) error {
			return s.PutAll(ctx, items)
		})
		if err != nil {
			if perr := r.store.PutAll(ctx, items); perr != nil {
				r.logger.Error().Err(perr).Msg("Failed to restore keys after handoff failure")
			}
			return fmt.Errorf("failed to hand keys to successor: %w", err)
		}
		r.logger.Info().
			Int("key_count", len(items)).
			Str("successor", succ.NodeID.Short()).
			Msg("Transferred keys to successor")
	}

	if pred.Same(own) {
		r.bypass(succ, own, succ)
	} else {
		r.bypass(succ, own, pred)
	}
	if !pred.Same(own) && pred.Address != succ.Address {
		r.bypass(pred, own, succ)
	}

	r.setState(Unjoined)
	r.logger.Info().Msg("Left ring")
	return nil
}

// Neighborhood reports the own entry, the predecessor and up to limit
// successors.
func (r *Ring) Neighborhood(limit int) Neighborhood {
	own := r.table.SetOwnEntryCount(r.store.EntryCount())
	hood := Neighborhood{
		Self:        own,
		Predecessor: r.table.Predecessor(),
	}
	if limit > 0 {
		hood.Successors = r.table.Successors(limit)
	}
	return hood
}

// Notify adopts e as predecessor when none is known or e lies between the
// current predecessor and this node. A node that is alone also takes e as
// successor. The displaced predecessor is returned; it is this node when it
// was alone and zero when no predecessor was known.
func (r *Ring) Notify(e routing.Entry) (bool, routing.Entry) {
	own := r.table.Own()
	pred := r.table.Predecessor()

	if e.Same(pred) {
		r.table.Update(routing.EventContacted, e)
		return true, pred
	}
	if pred.Same(own) || keyspace.Between(e.NodeID, pred.NodeID, own.NodeID) {
		var previous routing.Entry
		switch {
		case r.table.Successor().Same(own):
			r.table.SetSuccessor(e)
			previous = own
		case !pred.Same(own):
			previous = pred
		}
		r.table.SetPredecessor(e)
		r.table.Update(routing.EventContacted, e)
		r.logger.Debug().
			Str("new_predecessor", e.NodeID.Short()).
			Msg("Predecessor updated via notify")
		return true, previous
	}
	r.table.Update(routing.EventDiscovered, e)
	return false, routing.Entry{}
}

// AdoptSuccessor takes e as successor when none is known or e lies between
// this node and the current successor.
func (r *Ring) AdoptSuccessor(e routing.Entry) bool {
	own := r.table.Own()
	succ := r.table.Successor()

	if e.Same(succ) {
		r.table.Update(routing.EventContacted, e)
		return true
	}
	if succ.Same(own) || keyspace.Between(e.NodeID, own.NodeID, succ.NodeID) {
		r.table.SetSuccessor(e)
		r.table.Update(routing.EventContacted, e)
		r.logger.Debug().
			Str("new_successor", e.NodeID.Short()).
			Msg("Successor updated by predecessor")
		return true
	}
	r.table.Update(routing.EventDiscovered, e)
	return false
}

// splice links this node behind previous, the predecessor succ gave up for
// it. previous is asked to take this node as successor first and becomes
// the own predecessor only when it agrees.
func (r *Ring) splice(succ, previous routing.Entry) {
	own := r.table.Own()
	if previous.IsZero() || previous.Address == own.Address {
		return
	}
	pred := r.table.Predecessor()
	if !pred.Same(own) && !keyspace.Between(previous.NodeID, pred.NodeID, own.NodeID) {
		return
	}

	if previous.Address != succ.Address {
		var adopted bool
		err := rpc.Call(r.rpc, previous.Address, rpc.KindOverlay, func(h RingHandler) error {
			adopted = h.AdoptSuccessor(own)
			return nil
		})
		if err != nil || !adopted {
			r.logger.Debug().
				Err(err).
				Str("previous", previous.NodeID.Short()).
				Msg("Displaced predecessor did not link")
			return
		}
	}
	r.table.SetPredecessor(previous)
	r.table.Update(routing.EventContacted, previous)
}

// Bypass points the neighbors at replacement when leaving departs.
func (r *Ring) Bypass(leaving, replacement routing.Entry) {
	if r.table.Successor().Same(leaving) {
		r.table.SetSuccessor(replacement)
	}
	if r.table.Predecessor().Same(leaving) {
		r.table.SetPredecessor(replacement)
	}
	r.table.Remove(leaving.Address)
	if replacement.Address != r.table.Own().Address {
		r.table.Update(routing.EventDiscovered, replacement)
	}
}

// pullKeys moves the keys in (predecessor, own] from the successor. While
// no predecessor is known every key outside the successor's range
// (own, successor] is taken.
func (r *Ring) pullKeys(ctx context.Context, succ routing.Entry) error {
	own := r.table.Own()
	pred := r.table.Predecessor()

	var items []storage.Item
	rng := keyspace.IntervalRange(succ.NodeID, own.NodeID)
	if !pred.Same(own) {
		rng = keyspace.IntervalRange(pred.NodeID, own.NodeID)
	}
	err := rpc.Call(r.rpc, succ.Address, rpc.KindStorage, func(s storage.Service) error {
		var err error
		items, err = s.Filter(ctx, rng, true)
		return err
	})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if err := r.store.PutAll(ctx, items); err != nil {
		return fmt.Errorf("failed to store transferred keys: %w", err)
	}
	r.table.SetOwnEntryCount(r.store.EntryCount())

	r.logger.Debug().
		Int("key_count", len(items)).
		Str("range", rng.String()).
		Msg("Received keys from successor")
	return nil
}

// checkPredecessor drops a predecessor that no longer answers.
func (r *Ring) checkPredecessor() {
	own := r.table.Own()
	pred := r.table.Predecessor()
	if pred.Same(own) {
		return
	}
	err := rpc.Call(r.rpc, pred.Address, rpc.KindOverlay, func(h RingHandler) error {
		r.table.Update(routing.EventContacted, h.Neighborhood(0).Self)
		return nil
	})
	if err != nil {
		r.logger.Debug().
			Err(err).
			Str("predecessor", pred.NodeID.Short()).
			Msg("Predecessor check failed")
		r.table.RegisterCommunicationFailure(pred.Address, unreachable(err))
	}
}

// successorCandidates lists the successor followed by the other known
// successors. A node whose successor is itself but knows a predecessor
// starts with the predecessor.
func (r *Ring) successorCandidates() []routing.Entry {
	own := r.table.Own()
	succ := r.table.Successor()
	if succ.Same(own) {
		succ = r.table.Predecessor()
		if succ.Same(own) {
			return nil
		}
	}
	out := []routing.Entry{succ}
	for _, e := range r.table.Successors(r.cfg.SuccessorList) {
		if e.Address != succ.Address {
			out = append(out, e)
		}
	}
	return out
}

// successorFailed drops an unreachable successor. It fails when no
// substitute is left.
func (r *Ring) successorFailed(succ routing.Entry) error {
	own := r.table.Own()
	r.table.RegisterCommunicationFailure(succ.Address, true)
	if next := r.table.Successor(); !next.Same(own) {
		r.logger.Debug().
			Str("failed", succ.NodeID.Short()).
			Str("substitute", next.NodeID.Short()).
			Msg("Successor replaced")
		return nil
	}
	return &rpc.CommunicationError{Source: own.Address, Target: succ.Address, Err: rpc.ErrNotAlive}
}

func (r *Ring) bypass(target, leaving, replacement routing.Entry) {
	err := rpc.Call(r.rpc, target.Address, rpc.KindOverlay, func(h RingHandler) error {
		h.Bypass(leaving, replacement)
		return nil
	})
	if err != nil {
		r.logger.Debug().
			Err(err).
			Str("target", target.NodeID.Short()).
			Msg("Failed to splice neighbor")
	}
}

func (r *Ring) setProbe(p *ringProbe) {
	r.mu.Lock()
	r.probe = p
	r.mu.Unlock()
}

func (r *Ring) takeProbe() *ringProbe {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.probe
	r.probe = nil
	return p
}
