// Package metrics collects lookup, routing and RPC outcomes of a run.
package metrics

import (
	"sort"
	"sync"

	"github.com/zde37/overlay/internal/routing"
	"github.com/zde37/overlay/pkg/keyspace"
)

// LookupStats describes the traversal of one lookup.
type LookupStats struct {
	Traversed int
	Failed    int
	Pending   int
	Elapsed   uint64
}

// Interceptor is notified by lookups, routing tables and RPC calls.
type Interceptor interface {
	RegisterLookupSuccess(mode string, start uint64, path []routing.Entry, key keyspace.Key, target routing.Address, stats LookupStats, success bool)
	RegisterRoutingStats(mode string, stats routing.Stats)
	RegisterRPCCallResult(source, target routing.Address, success bool)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RegisterLookupSuccess(string, uint64, []routing.Entry, keyspace.Key, routing.Address, LookupStats, bool) {
}
func (Nop) RegisterRoutingStats(string, routing.Stats)                   {}
func (Nop) RegisterRPCCallResult(routing.Address, routing.Address, bool) {}

// ModeSummary aggregates lookups of one mode.
type ModeSummary struct {
	Attempts       int     `json:"attempts" cbor:"1,keyasint"`
	Successes      int     `json:"successes" cbor:"2,keyasint"`
	TotalHops      int     `json:"total_hops" cbor:"3,keyasint"`
	MaxHops        int     `json:"max_hops" cbor:"4,keyasint"`
	TotalElapsed   uint64  `json:"total_elapsed" cbor:"5,keyasint"`
	TotalFailed    int     `json:"total_failed" cbor:"6,keyasint"`
	RouteCount     int     `json:"route_count" cbor:"7,keyasint"`
	Redundancy     float64 `json:"redundancy" cbor:"8,keyasint"`
	RoutingReports int     `json:"routing_reports" cbor:"9,keyasint"`
}

// MeanHops returns the average path length of successful lookups.
func (m ModeSummary) MeanHops() float64 {
	if m.Successes == 0 {
		return 0
	}
	return float64(m.TotalHops) / float64(m.Successes)
}

// SuccessRate returns successes over attempts.
func (m ModeSummary) SuccessRate() float64 {
	if m.Attempts == 0 {
		return 0
	}
	return float64(m.Successes) / float64(m.Attempts)
}

// Summary is a point in time copy of a Collector.
type Summary struct {
	Modes       map[string]ModeSummary `json:"modes" cbor:"1,keyasint"`
	RPCCalls    int                    `json:"rpc_calls" cbor:"2,keyasint"`
	RPCFailures int                    `json:"rpc_failures" cbor:"3,keyasint"`
}

// ModeNames returns the recorded modes in order.
func (s Summary) ModeNames() []string {
	names := make([]string, 0, len(s.Modes))
	for name := range s.Modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collector is an Interceptor that keeps running totals.
type Collector struct {
	mu          sync.Mutex
	modes       map[string]*ModeSummary
	rpcCalls    int
	rpcFailures int
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{modes: make(map[string]*ModeSummary)}
}

func (c *Collector) mode(name string) *ModeSummary {
	m, ok := c.modes[name]
	if !ok {
		m = &ModeSummary{}
		c.modes[name] = m
	}
	return m
}

// RegisterLookupSuccess records the outcome of a lookup.
func (c *Collector) RegisterLookupSuccess(mode string, _ uint64, path []routing.Entry, _ keyspace.Key, _ routing.Address, stats LookupStats, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.mode(mode)
	m.Attempts++
	m.TotalElapsed += stats.Elapsed
	m.TotalFailed += stats.Failed
	if !success {
		return
	}
	m.Successes++
	m.TotalHops += len(path)
	m.MaxHops = max(m.MaxHops, len(path))
}

// RegisterRoutingStats keeps the latest route count and redundancy per mode.
func (c *Collector) RegisterRoutingStats(mode string, stats routing.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.mode(mode)
	m.RouteCount = stats.RouteCount
	m.Redundancy = stats.Redundancy
	m.RoutingReports++
}

// RegisterRPCCallResult counts simulated calls.
func (c *Collector) RegisterRPCCallResult(_, _ routing.Address, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rpcCalls++
	if !success {
		c.rpcFailures++
	}
}

// Snapshot copies the current totals.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	modes := make(map[string]ModeSummary, len(c.modes))
	for name, m := range c.modes {
		modes[name] = *m
	}
	return Summary{
		Modes:       modes,
		RPCCalls:    c.rpcCalls,
		RPCFailures: c.rpcFailures,
	}
}
