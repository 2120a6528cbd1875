// Package peer wraps one pion PeerConnection per call behind the small
// surface the call session drives.
package peer

import (
	"context"

	"github.com/pion/webrtc/v4"

	"peercall/internal/domain"
	"peercall/internal/media"
)

// State is the connection state surfaced to the session
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

func stateFromPion(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// Observer receives adapter callbacks. Callbacks arrive on pion goroutines.
// The adapter drains remote RTP itself; OnTrack only describes the track.
type Observer interface {
	OnTrack(track media.RemoteTrack)
	OnICECandidate(candidate webrtc.ICECandidateInit)
	OnConnectionStateChange(state State)
}

// Adapter is the negotiation engine of one call.
//
// Description failures are NEGOTIATION_REJECTED AppErrors. Malformed remote
// candidates are logged, counted and dropped; AddICECandidate still returns nil.
type Adapter interface {
	AddLocalStream(stream *media.LocalStream) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SetTrackEnabled(trackID string, enabled bool) error
	// Subscribe registers obs and returns its unsubscribe func.
	// Callbacks after unsubscribe are discarded.
	Subscribe(obs Observer) func()
	// Close releases native resources; safe to call repeatedly
	Close() error
}

// Config describes the adapter for one call
type Config struct {
	CallID     string
	ICEServers []webrtc.ICEServer
	MediaKind  domain.MediaKind
}

// Factory creates one adapter per call
type Factory interface {
	NewAdapter(cfg Config) (Adapter, error)
}
