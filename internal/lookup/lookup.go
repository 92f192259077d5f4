// Package lookup resolves keys to the nodes storing or owning them by
// recursively hopping across routing entries.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/zde37/overlay/internal/metrics"
	"github.com/zde37/overlay/internal/routing"
	"github.com/zde37/overlay/internal/rpc"
	"github.com/zde37/overlay/internal/storage"
	"github.com/zde37/overlay/pkg"
	"github.com/zde37/overlay/pkg/keyspace"
)

// Lookup modes used as metric keys.
const (
	ModeLookup = "lookup"
	ModeJoin   = "join"
	ModeFinger = "finger"
	ModePut    = "put"
	ModeGet    = "get"
)

// Lift tuning: a pending entry from the caller is lifted when it is closer
// than hopDistance/liftDivisor, and lifted entries stay within
// 1/liftShare of the candidates.
const (
	liftDivisor = 2
	liftShare   = 8
)

// ErrNoRoute is wrapped by NotFoundError.
var ErrNoRoute = errors.New("no route")

// NotFoundError is returned when every candidate was exhausted.
type NotFoundError struct {
	Key        keyspace.Key
	PathLength int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v to %s after traversing %d nodes", ErrNoRoute, e.Key.Short(), e.PathLength)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNoRoute
}

// Handler is the lookup service as seen through rpc.
type Handler interface {
	RecursiveLookup(ctx context.Context, key keyspace.Key, mustExist bool, mode string, state State) (State, error)
}

// Clock supplies simulated time.
type Clock interface {
	Elapsed() uint64
}

// Config holds lookup parameters.
type Config struct {
	HopLimit   int
	Redundancy int
}

// Service runs lookups on behalf of one node.
type Service struct {
	cfg      Config
	table    *routing.Table
	store    storage.Service
	rpc      *rpc.Context
	observer metrics.Interceptor
	clock    Clock
	logger   *pkg.Logger
}

// NewService wires a lookup service. interceptor may be nil.
func NewService(cfg Config, table *routing.Table, store storage.Service, rpcCtx *rpc.Context,
	interceptor metrics.Interceptor, clock Clock, logger *pkg.Logger) (*Service, error) {
	if table == nil || store == nil || rpcCtx == nil || clock == nil {
		return nil, fmt.Errorf("lookup service needs a table, a store, an rpc context and a clock")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.HopLimit < 1 {
		return nil, fmt.Errorf("hop limit must be positive, got %d", cfg.HopLimit)
	}
	if cfg.Redundancy < 1 {
		cfg.Redundancy = 1
	}
	if interceptor == nil {
		interceptor = metrics.Nop{}
	}
	return &Service{
		cfg:      cfg,
		table:    table,
		store:    store,
		rpc:      rpcCtx,
		observer: interceptor,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Lookup resolves key starting at this node.
func (s *Service) Lookup(ctx context.Context, key keyspace.Key, mustExist bool, mode string) (routing.Address, error) {
	e, err := s.Resolve(ctx, key, mustExist, mode)
	if err != nil {
		return "", err
	}
	return e.Address, nil
}

// Resolve is Lookup returning the full entry of the resolved node.
func (s *Service) Resolve(ctx context.Context, key keyspace.Key, mustExist bool, mode string) (routing.Entry, error) {
	state, err := s.Run(ctx, key, mustExist, mode)
	if err != nil {
		return routing.Entry{}, err
	}
	e, _ := state.ReplicaEntry()
	return e, nil
}

// Run performs a lookup from this node and returns the final state. The
// outcome is reported to the interceptor.
func (s *Service) Run(ctx context.Context, key keyspace.Key, mustExist bool, mode string) (State, error) {
	return s.run(ctx, key, mustExist, mode, NewState(s.table.Own()), func(st State) (State, error) {
		return s.RecursiveLookup(ctx, key, mustExist, mode, st)
	})
}

// LookupVia resolves key through introducer. The calling node is seeded as
// traversed so the introducer never calls it back.
func (s *Service) LookupVia(ctx context.Context, introducer routing.Address, key keyspace.Key, mustExist bool, mode string) (routing.Entry, error) {
	state, err := s.run(ctx, key, mustExist, mode, NewState(s.table.Own()), func(st State) (State, error) {
		var res State
		err := rpc.Call(s.rpc, introducer, rpc.KindLookup, func(h Handler) error {
			var err error
			res, err = h.RecursiveLookup(ctx, key, mustExist, mode, st)
			return err
		})
		if err != nil {
			return st, err
		}
		merged := st.merge(res)
		s.learn(mode, merged)
		return merged, nil
	})
	if err != nil {
		return routing.Entry{}, err
	}
	e, _ := state.ReplicaEntry()
	return e, nil
}

func (s *Service) run(ctx context.Context, key keyspace.Key, mustExist bool, mode string, start State,
	fn func(State) (State, error)) (State, error) {
	began := s.clock.Elapsed()

	state, err := fn(start)

	stats := metrics.LookupStats{
		Traversed: len(state.traversed),
		Failed:    len(state.failed),
		Pending:   len(state.pending),
		Elapsed:   s.clock.Elapsed() - began,
	}
	_, resolved := state.Replica()
	s.observer.RegisterLookupSuccess(mode, began, state.replicaPath, key, state.replica.Address, stats, err == nil && resolved)

	if err != nil {
		s.logger.Debug().
			Str("key", key.Short()).
			Str("mode", mode).
			Err(err).
			Msg("Lookup failed")
		return state, err
	}
	if !resolved {
		return state, &NotFoundError{Key: key, PathLength: len(state.traversed)}
	}
	return state, nil
}

// RecursiveLookup handles one hop of a lookup at this node.
func (s *Service) RecursiveLookup(ctx context.Context, key keyspace.Key, mustExist bool, mode string, state State) (State, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}

	own := s.table.Own()
	hop := state.hopCount

	if hop >= s.cfg.HopLimit {
		return state, &rpc.RoutingError{At: own.Address, Hops: hop}
	}
	if !state.IsTraversed(own.Address) {
		state = state.visit(own, hop, false)
	}

	if s.store.Contains(ctx, key) || (!mustExist && s.table.IsResponsible(key)) {
		state = state.resolve(own.WithEntryCount(s.store.EntryCount()))
		s.learn(mode, state)
		return state, nil
	}

	view := s.table.View()
	policy := s.table.Policy()
	distance := func(e routing.Entry) *big.Int { return policy.Distance(view, e, key) }

	// caller supplied pending entries, before our own are queued
	inherited := state.sortedPending()

	local := s.gather(key, state)
	state = state.enqueue(local, hop)

	candidates := append([]routing.Entry(nil), local...)
	if threshold := state.hopDistance; threshold != nil {
		half := new(big.Int).Quo(threshold, big.NewInt(liftDivisor))
		lifted := 0
		for _, p := range inherited {
			if (lifted+1)*liftShare > len(local)+lifted+1 {
				break
			}
			if distance(p.Entry).Cmp(half) < 0 {
				candidates = append(candidates, p.Entry)
				lifted++
			}
		}
	}

	s.order(candidates, distance)

	for _, c := range candidates {
		if state.IsTraversed(c.Address) {
			continue
		}
		state = state.visit(c, hop, false)

		next := state.descend(c, distance(c))
		var res State
		err := rpc.Call(s.rpc, c.Address, rpc.KindLookup, func(h Handler) error {
			var err error
			res, err = h.RecursiveLookup(ctx, key, mustExist, mode, next)
			return err
		})

		if errors.Is(err, rpc.ErrUnreachable) {
			s.logger.Debug().
				Str("candidate", string(c.Address)).
				Str("key", key.Short()).
				Msg("Lookup candidate unreachable")
			state = state.visit(c, hop, true)
			s.table.RegisterCommunicationFailure(c.Address, true)
			continue
		}
		if err != nil {
			s.learn(mode, state)
			return state, err
		}

		s.table.Update(routing.EventContacted, c)
		state = state.merge(res)
		if state.resolved {
			break
		}
	}

	s.learn(mode, state)
	return state, nil
}

// gather collects replica set, nearest and neighbor entries that the
// lookup has not seen yet.
func (s *Service) gather(key keyspace.Key, state State) []routing.Entry {
	own := s.table.Own()
	seen := map[routing.Address]bool{own.Address: true}

	var out []routing.Entry
	add := func(entries []routing.Entry) {
		for _, e := range entries {
			if seen[e.Address] || state.IsTraversed(e.Address) || state.IsPending(e.Address) {
				continue
			}
			seen[e.Address] = true
			out = append(out, e)
		}
	}

	add(s.table.ReplicaSet(key, s.cfg.Redundancy))
	add(s.table.LocalLookup(key, s.cfg.Redundancy, false))
	add(s.table.Neighbors())
	return out
}

// order sorts reliable entries before flagged ones, then by distance.
func (s *Service) order(candidates []routing.Entry, distance func(routing.Entry) *big.Int) {
	flagged := make(map[routing.Address]bool, len(candidates))
	dist := make(map[routing.Address]*big.Int, len(candidates))
	for _, c := range candidates {
		flagged[c.Address] = s.table.IsFlagged(c.Address)
		dist[c.Address] = distance(c)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].Address, candidates[j].Address
		if flagged[a] != flagged[b] {
			return !flagged[a]
		}
		return dist[a].Cmp(dist[b]) < 0
	})
}

// learn feeds everything the lookup saw back into the routing table.
func (s *Service) learn(mode string, state State) {
	own := s.table.Own()
	seen := make([]Traversal, 0, len(state.traversed)+len(state.pending))
	for _, t := range state.traversed {
		if !t.Failed {
			seen = append(seen, t)
		}
	}
	for _, t := range state.pending {
		seen = append(seen, t)
	}
	sort.Slice(seen, func(i, j int) bool { return seen[i].Entry.Address < seen[j].Entry.Address })

	for _, t := range seen {
		if t.Entry.Address != own.Address {
			s.table.Update(routing.EventDiscovered, t.Entry)
		}
	}
	s.observer.RegisterRoutingStats(mode, s.table.Stats())
}
