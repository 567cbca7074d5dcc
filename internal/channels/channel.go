package channels

import "context"

// Channel is an inbound messaging integration with its own receive loop.
// Outbound delivery goes through the Adapter contract in dispatch.go; a
// type usually implements both.
type Channel interface {
	// Name is the unique channel type, e.g. "telegram".
	Name() string

	// Start runs the receive loop, blocking until the context is canceled
	// or the transport fails fatally.
	Start(ctx context.Context) error
}
