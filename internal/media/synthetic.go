package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"peercall/internal/domain"
	"peercall/pkg/errors"
)

// Compile-time interface checks.
var (
	_ Gateway         = (*SyntheticGateway)(nil)
	_ CodecConfigurer = (*SyntheticGateway)(nil)
)

// opusSilence is a single 20ms Opus frame of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrame = 20 * time.Millisecond

// SyntheticGateway produces static-sample tracks without touching devices.
// Headless agents use it to take part in calls, and tests use it to control
// acquisition timing and failure.
type SyntheticGateway struct {
	mu    sync.Mutex
	delay time.Duration
	deny  error
	hold  <-chan struct{}
	feed  bool

	acquisitions atomic.Int64
	live         atomic.Int64
}

// NewSyntheticGateway returns a gateway that succeeds immediately
func NewSyntheticGateway() *SyntheticGateway {
	return &SyntheticGateway{}
}

// WithSilenceFeed makes audio tracks emit Opus silence while enabled
func (g *SyntheticGateway) WithSilenceFeed() *SyntheticGateway {
	g.mu.Lock()
	g.feed = true
	g.mu.Unlock()
	return g
}

// SetDelay makes every acquisition take d
func (g *SyntheticGateway) SetDelay(d time.Duration) {
	g.mu.Lock()
	g.delay = d
	g.mu.Unlock()
}

// Deny makes acquisitions fail as if permission was refused; nil allows them again
func (g *SyntheticGateway) Deny(err error) {
	g.mu.Lock()
	g.deny = err
	g.mu.Unlock()
}

// HoldUntil blocks acquisitions until ch is closed
func (g *SyntheticGateway) HoldUntil(ch <-chan struct{}) {
	g.mu.Lock()
	g.hold = ch
	g.mu.Unlock()
}

// Acquisitions counts Acquire calls that reached capture
func (g *SyntheticGateway) Acquisitions() int {
	return int(g.acquisitions.Load())
}

// LiveTracks counts tracks captured and not yet stopped
func (g *SyntheticGateway) LiveTracks() int {
	return int(g.live.Load())
}

// ConfigureCodecs registers the default pion codecs (Opus, VP8 among them)
func (g *SyntheticGateway) ConfigureCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// Acquire builds one Opus track, plus a VP8 track for VIDEO
func (g *SyntheticGateway) Acquire(ctx context.Context, kind domain.MediaKind) (*LocalStream, error) {
	if !kind.Valid() {
		return nil, errors.ValidationError(fmt.Sprintf("unknown media kind %q", kind))
	}

	g.mu.Lock()
	delay, deny, hold, feed := g.delay, g.deny, g.hold, g.feed
	g.mu.Unlock()

	return acquireAsync(ctx, func() (*LocalStream, error) {
		g.acquisitions.Add(1)
		if hold != nil {
			<-hold
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if deny != nil {
			return nil, errors.MediaAcquisitionDeniedError(deny)
		}
		return g.build(kind, feed)
	})
}

func (g *SyntheticGateway) build(kind domain.MediaKind, feed bool) (*LocalStream, error) {
	streamID := "synthetic-" + uuid.New().String()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+uuid.New().String(), streamID)
	if err != nil {
		return nil, errors.MediaAcquisitionDeniedError(err)
	}
	tracks := []*LocalTrack{g.newTrack(audio, feed)}

	if kind.HasVideo() {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video-"+uuid.New().String(), streamID)
		if err != nil {
			tracks[0].Stop()
			return nil, errors.MediaAcquisitionDeniedError(err)
		}
		tracks = append(tracks, g.newTrack(video, false))
	}

	return NewLocalStream(tracks...), nil
}

func (g *SyntheticGateway) newTrack(local *webrtc.TrackLocalStaticSample, feed bool) *LocalTrack {
	g.live.Add(1)
	stop := make(chan struct{})
	track := NewLocalTrack(local, func() {
		close(stop)
		g.live.Add(-1)
	})

	if feed && local.Kind() == webrtc.RTPCodecTypeAudio {
		go func() {
			ticker := time.NewTicker(silenceFrame)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					if track.Enabled() {
						_ = local.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: silenceFrame})
					}
				}
			}
		}()
	}
	return track
}
