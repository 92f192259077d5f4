// Package rpc simulates remote calls between nodes of one process.
//
// A Context belongs to one node and allows a single outstanding call:
// To resolves the target and returns a Proxy, Invoke runs exactly one
// method of one service on it. Calls into the same node are serialized.
package rpc

import (
	"fmt"
	"sync"

	"github.com/zde37/overlay/internal/routing"
)

// Kind selects a service of the target node.
type Kind uint8

const (
	KindRouting Kind = iota
	KindLookup
	KindOverlay
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindRouting:
		return "routing"
	case KindLookup:
		return "lookup"
	case KindOverlay:
		return "overlay"
	case KindStorage:
		return "storage"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Endpoint is a node as seen by callers.
type Endpoint interface {
	sync.Locker
	Address() routing.Address
	Service(kind Kind) any
}

// Registry resolves addresses and observes finished calls.
type Registry interface {
	Resolve(addr routing.Address) (Endpoint, bool)
	RecordCall(source, target routing.Address, success bool)
}

// Context is the outgoing call state of one node.
type Context struct {
	mu       sync.Mutex
	source   routing.Address
	registry Registry
	active   *Proxy
}

// NewContext creates the call context of source.
func NewContext(source routing.Address, registry Registry) *Context {
	if registry == nil {
		panic("rpc: nil registry")
	}
	return &Context{source: source, registry: registry}
}

// Source returns the calling node's address.
func (c *Context) Source() routing.Address {
	return c.source
}

// Busy reports whether a proxy is outstanding.
func (c *Context) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// To prepares a call to target. It returns false when target is not
// present in the network. Requesting a proxy while another one has not
// been invoked panics with an InvariantError.
func (c *Context) To(target routing.Address) (*Proxy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		panic(&InvariantError{Msg: fmt.Sprintf("%s requested a proxy to %s while a call to %s is outstanding",
			c.source, target, c.active.target.Address())})
	}

	ep, ok := c.registry.Resolve(target)
	if !ok {
		return nil, false
	}
	p := &Proxy{ctx: c, target: ep}
	c.active = p
	return p, true
}

func (c *Context) release(p *Proxy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == p {
		c.active = nil
	}
}

// Proxy is a single use handle to a remote node.
type Proxy struct {
	ctx    *Context
	target Endpoint
	used   bool
}

// Target returns the address the proxy points at.
func (p *Proxy) Target() routing.Address {
	return p.target.Address()
}

// Invoke runs fn against the target's service of the given kind. A proxy
// can be invoked once; a second call, or a service that is not an S,
// panics with an InvariantError. The context is released even if fn panics.
func Invoke[S any](p *Proxy, kind Kind, fn func(S) error) (err error) {
	c := p.ctx

	c.mu.Lock()
	if p.used {
		c.mu.Unlock()
		panic(&InvariantError{Msg: fmt.Sprintf("proxy from %s to %s invoked twice", c.source, p.target.Address())})
	}
	p.used = true
	c.mu.Unlock()
	defer c.release(p)

	svc, ok := p.target.Service(kind).(S)
	if !ok {
		panic(&InvariantError{Msg: fmt.Sprintf("%s has no %s service of type %T", p.target.Address(), kind, (*S)(nil))})
	}

	target := p.target.Address()
	if target != c.source {
		p.target.Lock()
		defer p.target.Unlock()
	}

	completed := false
	defer func() {
		c.registry.RecordCall(c.source, target, completed && err == nil)
	}()

	err = fn(svc)
	completed = true
	return err
}

// Call resolves target and invokes fn once. An absent target yields a
// CommunicationError wrapping ErrUnreachable.
func Call[S any](c *Context, target routing.Address, kind Kind, fn func(S) error) error {
	p, ok := c.To(target)
	if !ok {
		c.registry.RecordCall(c.source, target, false)
		return &CommunicationError{Source: c.source, Target: target, Err: ErrUnreachable}
	}
	return Invoke(p, kind, fn)
}
