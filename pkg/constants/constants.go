// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 30 * time.Second

	// WebSocketPongWait is how long a peer may stay silent before the connection is dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait bounds a single WebSocket write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize caps inbound signaling frames (SDP with many candidates fits easily)
	WebSocketMaxMessageSize = 64 * 1024

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 15 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// TokenIssuer is the issuer written into relay tokens
	TokenIssuer = "peercall-relay"

	// TokenAudience is the audience the relay accepts
	TokenAudience = "peercall-signaling"
)

// Call-related constants
const (
	// DefaultRingTimeout is how long an unanswered call rings before it is missed
	DefaultRingTimeout = 45 * time.Second

	// DefaultRingInterval is the period of the repeating ring signal
	DefaultRingInterval = 2 * time.Second

	// MaxParkedCandidates bounds remote ICE candidates held for one call before they can be applied
	MaxParkedCandidates = 64

	// DefaultICEServer is the STUN server used when none is configured
	DefaultICEServer = "stun:stun.l.google.com:19302"
)

// ICE timeouts handed to the pion setting engine
const (
	// ICEDisconnectedTimeout is generous so brief relay/NAT hiccups do not drop the call
	ICEDisconnectedTimeout = 30 * time.Second

	// ICEFailedTimeout is when a disconnected connection is declared failed
	ICEFailedTimeout = 120 * time.Second

	// ICEKeepaliveInterval is the STUN keepalive period
	ICEKeepaliveInterval = 2 * time.Second
)

// Relay constants
const (
	// DefaultMaxRelayConnections is the maximum number of concurrent relay WebSocket connections
	DefaultMaxRelayConnections = 1000

	// PresenceTTL is how long a relay presence key survives without a refresh
	PresenceTTL = 2 * time.Minute
)
