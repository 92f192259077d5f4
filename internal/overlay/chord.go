package overlay

import (
	"context"

	"github.com/zde37/overlay/internal/config"
	"github.com/zde37/overlay/internal/lookup"
	"github.com/zde37/overlay/internal/routing"
	"github.com/zde37/overlay/pkg/keyspace"
)

// Chord is the ring protocol with finger maintenance.
type Chord struct {
	*Ring
}

// NewChord creates a chord protocol instance.
func NewChord(cfg Config, deps Deps) (*Chord, error) {
	r, err := NewRing(cfg, deps)
	if err != nil {
		return nil, err
	}
	return &Chord{Ring: r}, nil
}

func (c *Chord) Name() string { return config.ProtocolChord }

// Join joins the ring and fills the fingers once.
func (c *Chord) Join(ctx context.Context, introducer routing.Address, hasIntroducer bool) error {
	if err := c.Ring.Join(ctx, introducer, hasIntroducer); err != nil {
		return err
	}
	if hasIntroducer {
		n := c.FixFingers(ctx)
		c.logger.Debug().Int("fingers", n).Msg("Initial fingers fixed")
	}
	return nil
}

// Stabilize runs the ring stabilization followed by FixFingers.
func (c *Chord) Stabilize(ctx context.Context) error {
	if err := c.Probe(ctx); err != nil {
		return err
	}
	return c.Settle(ctx)
}

// Settle applies the ring probe, then refreshes the fingers. Finger
// lookups recurse through other nodes and never run in a probe.
func (c *Chord) Settle(ctx context.Context) error {
	if err := c.Ring.Settle(ctx); err != nil {
		return err
	}
	c.FixFingers(ctx)
	return nil
}

// FixFingers looks up the owner of own+2^i for every power i and registers
// it. Offsets already covered by the previous finger are skipped. Failed
// probes are logged and skipped.
func (c *Chord) FixFingers(ctx context.Context) int {
	own := c.table.Own()
	covered := c.table.Successor()
	fixed := 0

	for i := 0; i < own.NodeID.Bits(); i++ {
		if ctx.Err() != nil {
			break
		}
		target := own.NodeID.Next(i)
		if keyspace.InRange(target, own.NodeID, covered.NodeID) {
			continue
		}

		finger, err := c.lookup.Resolve(ctx, target, false, lookup.ModeFinger)
		if err != nil {
			c.logger.Debug().
				Err(err).
				Int("finger_index", i).
				Msg("Failed to fix finger")
			continue
		}
		if finger.Address == own.Address {
			// everything beyond wraps back to this node
			break
		}
		c.table.Update(routing.EventContacted, finger)
		covered = finger
		fixed++
	}
	return fixed
}
