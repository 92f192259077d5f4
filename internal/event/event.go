// Package event describes simulation workloads as trees of events. Leaves
// fire an action with some probability; composites run their children in
// order or pick one at random.
package event

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/zde37/overlay/internal/network"
	"github.com/zde37/overlay/pkg/entropy"
)

// ErrPassive is returned by actions that had nothing to do.
var ErrPassive = errors.New("nothing to do")

// Result is the outcome of executing an event.
type Result uint8

const (
	Passive Result = iota
	Success
	Failure
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "passive"
	}
}

// Event is one step of a workload.
type Event interface {
	Execute(ctx context.Context, net *network.Network, src entropy.Source) Result
}

// Action does the work of a Leaf.
type Action func(ctx context.Context, net *network.Network, src entropy.Source) error

// Observer is told about every executed leaf.
type Observer interface {
	Observe(name string, result Result, err error)
}

// Leaf runs Action with the given probability.
type Leaf struct {
	Name        string
	Probability float64
	Action      Action
	Observer    Observer
}

func (l Leaf) Execute(ctx context.Context, net *network.Network, src entropy.Source) Result {
	if !entropy.ShouldIDoThis(src, l.Probability) {
		return Passive
	}

	err := l.Action(ctx, net, src)
	res := Success
	switch {
	case errors.Is(err, ErrPassive):
		res, err = Passive, nil
	case err != nil:
		res = Failure
	}
	if l.Observer != nil {
		l.Observer.Observe(l.Name, res, err)
	}
	return res
}

// Sequence runs its events in order. The result is Failure if any child
// failed, Success if any succeeded and Passive otherwise.
type Sequence struct {
	Events        []Event
	StopOnFailure bool
}

func (s Sequence) Execute(ctx context.Context, net *network.Network, src entropy.Source) Result {
	res := Passive
	for _, ev := range s.Events {
		if ctx.Err() != nil {
			return Failure
		}
		switch ev.Execute(ctx, net, src) {
		case Failure:
			res = Failure
			if s.StopOnFailure {
				return res
			}
		case Success:
			if res == Passive {
				res = Success
			}
		}
	}
	return res
}

// RandomPick executes one of its events chosen from the source.
type RandomPick struct {
	Events []Event
}

func (r RandomPick) Execute(ctx context.Context, net *network.Network, src entropy.Source) Result {
	ev, ok := entropy.Pick(src, r.Events)
	if !ok {
		return Passive
	}
	return ev.Execute(ctx, net, src)
}

// Counts holds the results of one leaf.
type Counts struct {
	Success   int    `json:"success"`
	Failure   int    `json:"failure"`
	Passive   int    `json:"passive"`
	LastError string `json:"last_error,omitempty"`
}

// Tally is an Observer that counts results per leaf name.
type Tally struct {
	mu     sync.Mutex
	counts map[string]*Counts
}

func NewTally() *Tally {
	return &Tally{counts: make(map[string]*Counts)}
}

func (t *Tally) Observe(name string, result Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.counts[name]
	if !ok {
		c = &Counts{}
		t.counts[name] = c
	}
	switch result {
	case Success:
		c.Success++
	case Failure:
		c.Failure++
		if err != nil {
			c.LastError = err.Error()
		}
	default:
		c.Passive++
	}
}

// Names returns the observed leaf names in order.
func (t *Tally) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.counts))
	for name := range t.counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the counts of name.
func (t *Tally) Get(name string) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counts[name]; ok {
		return *c
	}
	return Counts{}
}
