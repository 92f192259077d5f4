package rpc

import (
	"errors"
	"fmt"

	"github.com/zde37/overlay/internal/routing"
)

var (
	// ErrUnreachable is returned when the target is not present in the network
	ErrUnreachable = errors.New("target unreachable")

	// ErrNotAlive is returned when a successor or predecessor cannot be replaced
	ErrNotAlive = errors.New("neighbor not alive")

	// ErrHopLimit is returned when a lookup exceeds the hop limit
	ErrHopLimit = errors.New("hop limit exceeded")
)

// CommunicationError is an expected failure talking to another node.
type CommunicationError struct {
	Source routing.Address
	Target routing.Address
	Err    error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s -> %s: %v", e.Source, e.Target, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// RoutingError is a CommunicationError raised when a lookup runs out of hops.
type RoutingError struct {
	At   routing.Address
	Hops int
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("lookup at %s: %v after %d hops", e.At, ErrHopLimit, e.Hops)
}

// Unwrap exposes the CommunicationError so errors.As matches both types.
func (e *RoutingError) Unwrap() error {
	return &CommunicationError{Source: e.At, Target: e.At, Err: ErrHopLimit}
}

// InvariantError is the panic value for misuse of the call discipline.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "rpc invariant violated: " + e.Msg
}

// IsCommunication reports whether err is an expected communication failure.
func IsCommunication(err error) bool {
	var ce *CommunicationError
	return errors.As(err, &ce)
}
