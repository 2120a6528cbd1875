// Package media acquires local capture tracks for a call and tracks the
// remote tracks a peer connection delivers.
package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"peercall/internal/domain"
)

// Gateway acquires local media. AUDIO requests a microphone; VIDEO requests
// microphone and camera. Refusal or a missing device yields a
// MEDIA_ACQUISITION_DENIED AppError.
//
// If ctx is cancelled while capture is pending, Acquire returns ctx.Err()
// promptly and a stream that is captured afterwards is stopped at once.
type Gateway interface {
	Acquire(ctx context.Context, kind domain.MediaKind) (*LocalStream, error)
}

// CodecConfigurer is implemented by gateways whose tracks need specific codecs
// registered on the peer connection's media engine.
type CodecConfigurer interface {
	ConfigureCodecs(m *webrtc.MediaEngine) error
}

// LocalTrack is one captured track. It is owned by exactly one LocalStream.
type LocalTrack struct {
	id    string
	kind  webrtc.RTPCodecType
	local webrtc.TrackLocal

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stopFn   func()
}

// NewLocalTrack wraps a pion track. stop releases the capture device and may be nil.
func NewLocalTrack(local webrtc.TrackLocal, stop func()) *LocalTrack {
	t := &LocalTrack{
		id:     local.ID(),
		kind:   local.Kind(),
		local:  local,
		stopFn: stop,
	}
	t.enabled.Store(true)
	return t
}

// ID returns the track id
func (t *LocalTrack) ID() string { return t.id }

// Kind returns audio or video
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.kind }

// Local is what the peer connection attaches
func (t *LocalTrack) Local() webrtc.TrackLocal { return t.local }

// Enabled reports whether the track is sending
func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

// SetEnabled flips the sending flag
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Stopped reports whether Stop has run
func (t *LocalTrack) Stopped() bool { return t.stopped.Load() }

// Stop releases the capture device exactly once
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.stopFn != nil {
			t.stopFn()
		}
	})
}

// LocalStream exclusively owns the tracks of one acquisition
type LocalStream struct {
	id       string
	tracks   []*LocalTrack
	stopOnce sync.Once
}

// NewLocalStream groups tracks under a fresh stream id
func NewLocalStream(tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{id: uuid.New().String(), tracks: tracks}
}

// ID returns the stream id
func (s *LocalStream) ID() string { return s.id }

// Tracks returns every track in the stream
func (s *LocalStream) Tracks() []*LocalTrack {
	return append([]*LocalTrack(nil), s.tracks...)
}

// TracksOfKind returns the tracks of one kind
func (s *LocalStream) TracksOfKind(kind webrtc.RTPCodecType) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track exactly once; safe to call repeatedly
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}

// TrackInfo is the observable view of a local track
type TrackInfo struct {
	ID      string              `json:"id"`
	Kind    webrtc.RTPCodecType `json:"kind"`
	Enabled bool                `json:"enabled"`
}

// StreamInfo is the observable view of a local stream
type StreamInfo struct {
	ID     string      `json:"id"`
	Tracks []TrackInfo `json:"tracks"`
}

// Info snapshots the stream for observers
func (s *LocalStream) Info() *StreamInfo {
	info := &StreamInfo{ID: s.id, Tracks: make([]TrackInfo, 0, len(s.tracks))}
	for _, t := range s.tracks {
		info.Tracks = append(info.Tracks, TrackInfo{ID: t.id, Kind: t.kind, Enabled: t.Enabled()})
	}
	return info
}

type captureResult struct {
	stream *LocalStream
	err    error
}

// acquireAsync runs capture off the caller's goroutine so a cancelled ctx
// returns immediately. A stream that arrives after cancellation is stopped.
func acquireAsync(ctx context.Context, capture func() (*LocalStream, error)) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan captureResult, 1)
	go func() {
		stream, err := capture()
		done <- captureResult{stream: stream, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && ctx.Err() != nil {
			res.stream.Stop()
			return nil, ctx.Err()
		}
		return res.stream, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.stream != nil {
				res.stream.Stop()
			}
		}()
		return nil, ctx.Err()
	}
}
