package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteTrack describes one track the remote peer is sending
type RemoteTrack struct {
	ID       string              `json:"id"`
	StreamID string              `json:"stream_id"`
	Kind     webrtc.RTPCodecType `json:"kind"`
	Codec    string              `json:"codec,omitempty"`
}

// RemoteTrackFromPion describes a pion remote track
func RemoteTrackFromPion(track *webrtc.TrackRemote) RemoteTrack {
	return RemoteTrack{
		ID:       track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind(),
		Codec:    track.Codec().MimeType,
	}
}

// RemoteStream collects the tracks the peer connection delivers for one call.
// The peer adapter owns reading the underlying RTP; this only records what arrived.
type RemoteStream struct {
	mu      sync.Mutex
	tracks  []RemoteTrack
	stopped bool
}

// NewRemoteStream returns an empty stream
func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

// Add records a remote track. It returns false once the stream is stopped.
func (s *RemoteStream) Add(info RemoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.tracks = append(s.tracks, info)
	return true
}

// Tracks returns the tracks seen so far
func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RemoteTrack(nil), s.tracks...)
}

// HasKind reports whether a track of kind has arrived
func (s *RemoteStream) HasKind(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

// Stopped reports whether Stop has run
func (s *RemoteStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop refuses further tracks; safe to call repeatedly
func (s *RemoteStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
