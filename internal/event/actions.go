package event

import (
	"context"
	"fmt"

	"github.com/zde37/overlay/internal/network"
	"github.com/zde37/overlay/pkg/entropy"
)

// JoinAction adds a node with a random id through a random introducer.
func JoinAction() Action {
	return func(ctx context.Context, net *network.Network, _ entropy.Source) error {
		_, err := net.AddNode(ctx)
		return err
	}
}

// LeaveAction removes a random node. Without graceful the node crashes.
func LeaveAction(graceful bool) Action {
	return func(ctx context.Context, net *network.Network, src entropy.Source) error {
		node, ok := entropy.Pick(src, net.Nodes())
		if !ok {
			return ErrPassive
		}
		return net.RemoveNode(ctx, node.Address(), graceful)
	}
}

// LookupAction looks a key up from a random node. With mustExist the key
// is drawn from the stored keys and has to be found.
func LookupAction(mustExist bool) Action {
	return func(ctx context.Context, net *network.Network, src entropy.Source) error {
		from, ok := entropy.Pick(src, net.Nodes())
		if !ok {
			return ErrPassive
		}

		key := net.Space().Random(src)
		if mustExist {
			keys, err := net.StoredKeys(ctx)
			if err != nil {
				return err
			}
			k, ok := entropy.Pick(src, keys)
			if !ok {
				return ErrPassive
			}
			key = k
		}

		if _, err := net.Lookup(ctx, from.Address(), key, mustExist); err != nil {
			return fmt.Errorf("lookup of %s from %s: %w", key.Short(), from.Address(), err)
		}
		return nil
	}
}

// PutAction stores a random key. The value is the key's text.
func PutAction() Action {
	return func(ctx context.Context, net *network.Network, src entropy.Source) error {
		if net.Len() == 0 {
			return ErrPassive
		}
		key := net.Space().Random(src)
		_, err := net.Put(ctx, key, []byte(key.String()))
		return err
	}
}

// StabilizeAction runs one stabilization round.
func StabilizeAction(workers int) Action {
	return func(ctx context.Context, net *network.Network, _ entropy.Source) error {
		if net.Len() == 0 {
			return ErrPassive
		}
		_, err := net.StabilizeRound(ctx, workers)
		return err
	}
}
