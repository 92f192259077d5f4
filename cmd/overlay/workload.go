package main

import (
	"github.com/zde37/overlay/internal/config"
	"github.com/zde37/overlay/internal/event"
)

// buildWorkload grows the overlay, settles it, stores the keys and then
// alternates lookups with churn and stabilization.
func buildWorkload(cfg *config.Config, tally *event.Tally) event.Event {
	leaf := func(name string, p float64, a event.Action) event.Event {
		return event.Leaf{Name: name, Probability: p, Action: a, Observer: tally}
	}
	stabilize := leaf("stabilize", 1, event.StabilizeAction(cfg.Workers))

	growth := make([]event.Event, 0, 2*cfg.Nodes)
	for i := 0; i < cfg.Nodes; i++ {
		growth = append(growth, leaf("join", 1, event.JoinAction()), stabilize)
	}

	settle := make([]event.Event, 0, cfg.StabilizeRounds)
	for i := 0; i < cfg.StabilizeRounds; i++ {
		settle = append(settle, stabilize)
	}

	load := make([]event.Event, 0, cfg.Keys)
	for i := 0; i < cfg.Keys; i++ {
		load = append(load, leaf("put", 1, event.PutAction()))
	}

	lookup := event.RandomPick{Events: []event.Event{
		leaf("get", 1, event.LookupAction(true)),
		leaf("route", 1, event.LookupAction(false)),
	}}
	churn := event.RandomPick{Events: []event.Event{
		leaf("churn_join", cfg.ChurnRate, event.JoinAction()),
		leaf("churn_leave", cfg.ChurnRate, event.LeaveAction(true)),
		leaf("churn_crash", cfg.ChurnRate, event.LeaveAction(false)),
	}}

	steps := make([]event.Event, 0, cfg.Lookups)
	for i := 0; i < cfg.Lookups; i++ {
		steps = append(steps, event.Sequence{Events: []event.Event{lookup, churn, stabilize}})
	}

	return event.Sequence{Events: []event.Event{
		event.Sequence{Events: growth, StopOnFailure: true},
		event.Sequence{Events: settle},
		event.Sequence{Events: load},
		event.Sequence{Events: steps},
	}}
}
