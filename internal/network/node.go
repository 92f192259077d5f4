package network

import (
	"sync"

	"github.com/zde37/overlay/internal/lookup"
	"github.com/zde37/overlay/internal/overlay"
	"github.com/zde37/overlay/internal/routing"
	"github.com/zde37/overlay/internal/rpc"
	"github.com/zde37/overlay/internal/storage"
	"github.com/zde37/overlay/pkg"
)

// Node bundles the services of one simulated node. The embedded mutex
// serializes incoming calls.
type Node struct {
	sync.Mutex
	addr     routing.Address
	table    *routing.Table
	store    storage.Service
	lookup   *lookup.Service
	protocol overlay.Protocol
	rpc      *rpc.Context
	logger   *pkg.Logger
}

// Address returns the node's address.
func (n *Node) Address() routing.Address { return n.addr }

// Service returns the service of the given kind.
func (n *Node) Service(kind rpc.Kind) any {
	switch kind {
	case rpc.KindRouting:
		return n.table
	case rpc.KindLookup:
		return n.lookup
	case rpc.KindOverlay:
		return n.protocol
	case rpc.KindStorage:
		return n.store
	default:
		return nil
	}
}

// Entry returns the node's own routing entry.
func (n *Node) Entry() routing.Entry { return n.table.Own() }

func (n *Node) Table() *routing.Table { return n.table }

func (n *Node) Store() storage.Service { return n.store }

func (n *Node) Lookup() *lookup.Service { return n.lookup }

func (n *Node) Protocol() overlay.Protocol { return n.protocol }

// RPC returns the node's outgoing call context.
func (n *Node) RPC() *rpc.Context { return n.rpc }
