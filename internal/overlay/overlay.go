// Package overlay implements the join, leave and stabilize state machines of
// the Ring, Chord and P-Grid protocols on top of a routing table, a lookup
// service and a node local store.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zde37/overlay/internal/config"
	"github.com/zde37/overlay/internal/lookup"
	"github.com/zde37/overlay/internal/routing"
	"github.com/zde37/overlay/internal/rpc"
	"github.com/zde37/overlay/internal/storage"
	"github.com/zde37/overlay/pkg"
	"github.com/zde37/overlay/pkg/entropy"
)

// ErrNotJoined is returned by operations that need a joined node.
var ErrNotJoined = errors.New("node has not joined the overlay")

// State is the membership state of a node.
type State uint8

const (
	Unjoined State = iota
	Stable
)

func (s State) String() string {
	if s == Stable {
		return "stable"
	}
	return "unjoined"
}

// Protocol is the membership state machine of one node.
type Protocol interface {
	Name() string
	// Join enters the overlay through introducer. Without an introducer the
	// node starts a new overlay on its own.
	Join(ctx context.Context, introducer routing.Address, hasIntroducer bool) error
	Leave(ctx context.Context) error
	Stabilize(ctx context.Context) error
	State() State
}

// Phased is implemented by protocols whose stabilization splits into a
// probe that only reads remote state and a settle step that applies it.
// Probes of different nodes may run concurrently.
type Phased interface {
	Probe(ctx context.Context) error
	Settle(ctx context.Context) error
}

// Config holds protocol parameters.
type Config struct {
	HopLimit       int
	SplitThreshold int
	// SuccessorList is how many successors a ring node hands out.
	SuccessorList int
}

// Deps is what a protocol needs from its node.
type Deps struct {
	Table  *routing.Table
	Lookup *lookup.Service
	Store  storage.Service
	RPC    *rpc.Context
	Source entropy.Source
	Logger *pkg.Logger
}

func (d Deps) validate() error {
	if d.Table == nil || d.Lookup == nil || d.Store == nil || d.RPC == nil {
		return fmt.Errorf("protocol needs a table, a lookup service, a store and an rpc context")
	}
	if d.Logger == nil {
		return fmt.Errorf("logger cannot be nil")
	}
	return nil
}

// Policy returns the routing policy of the named protocol.
func Policy(name string) (routing.Policy, error) {
	switch name {
	case config.ProtocolRing:
		return routing.Ring(), nil
	case config.ProtocolChord:
		return routing.Chord(), nil
	case config.ProtocolPGrid:
		return routing.PGrid(), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", name)
	}
}

// New builds the named protocol.
func New(name string, cfg Config, deps Deps) (Protocol, error) {
	switch name {
	case config.ProtocolRing:
		return NewRing(cfg, deps)
	case config.ProtocolChord:
		return NewChord(cfg, deps)
	case config.ProtocolPGrid:
		return NewPGrid(cfg, deps)
	default:
		return nil, fmt.Errorf("unknown protocol %q", name)
	}
}

// membership guards the state shared by every protocol.
type membership struct {
	mu    sync.Mutex
	state State
}

func (m *membership) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *membership) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *membership) mustBeJoined() error {
	if m.State() != Stable {
		return ErrNotJoined
	}
	return nil
}

func unreachable(err error) bool {
	return errors.Is(err, rpc.ErrUnreachable)
}
