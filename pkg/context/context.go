package context

import (
	"context"
	"time"

	"peercall/pkg/constants"
)

// Timeouts for the operations the agent and the relay bound
const (
	// SignalTimeout bounds handing one signaling event to the relay link
	SignalTimeout = constants.WebSocketWriteWait

	// StoreTimeout is for single Redis lookups (presence, revocation, health)
	StoreTimeout = 2 * time.Second

	// ShutdownTimeout bounds graceful HTTP shutdown
	ShutdownTimeout = constants.GracefulShutdownTimeout
)

// WithSignalTimeout creates a context for sending one signaling event
func WithSignalTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, SignalTimeout)
}

// WithStoreTimeout creates a context for one Redis round trip
func WithStoreTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, StoreTimeout)
}

// WithShutdownTimeout creates a context for graceful shutdown. It does not
// derive from a parent because shutdown starts after the root context ended.
func WithShutdownTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), ShutdownTimeout)
}
