package network

// Ring update event types
const (
	EventNodeJoin      = "node_join"
	EventNodeLeave     = "node_leave"
	EventNodeCrash     = "node_crash"
	EventStabilization = "stabilization"
)

// RingUpdateBroadcaster is notified when the overlay topology changes.
// It lets the network feed external systems (like WebSocket clients)
// without depending on them.
type RingUpdateBroadcaster interface {
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a topology change.
type RingUpdateEvent struct {
	Type      string `json:"type"`      // "node_join", "node_leave", "node_crash", "stabilization"
	NodeID    string `json:"node_id"`   // node that triggered the event, empty for rounds
	Address   string `json:"address"`
	Timestamp uint64 `json:"timestamp"` // logical clock of the network
	Message   string `json:"message"`
	Nodes     int    `json:"nodes"`
}

func (n *Network) broadcast(ev RingUpdateEvent) {
	if n.broadcaster == nil {
		return
	}
	ev.Timestamp = n.Elapsed()
	ev.Nodes = n.Len()
	if err := n.broadcaster.BroadcastRingUpdate(ev); err != nil {
		n.logger.Debug().Err(err).Str("type", ev.Type).Msg("Failed to broadcast ring update")
	}
}
