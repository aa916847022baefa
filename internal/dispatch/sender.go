package dispatch

import "context"

// AdapterStatus is an adapter's read-only introspection snapshot.
type AdapterStatus struct {
	Configured bool
	Extra      map[string]interface{}
}

// Sender is the channel adapter contract. Every adapter must classify
// its own failures into Transient/Permanent/Misconfigured; the
// classification is part of the contract, not a dispatcher heuristic.
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, n *Notification) (*SendResult, *SendError)
	Verify(ctx context.Context) bool
	Status() AdapterStatus
}
