package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/media"
	"peercall/pkg/constants"
	"peercall/pkg/errors"
	"peercall/pkg/logger"
	"peercall/pkg/metrics"
)

// Compile-time interface checks.
var (
	_ Adapter = (*PionAdapter)(nil)
	_ Factory = (*PionFactory)(nil)
)

// FactoryConfig holds the engine settings shared by every adapter
type FactoryConfig struct {
	// Codecs registers the codecs the media gateway produces; nil means pion defaults
	Codecs              media.CodecConfigurer
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration
	Metrics             *metrics.Metrics
}

// PionFactory builds pion-backed adapters
type PionFactory struct {
	cfg FactoryConfig
}

// NewPionFactory fills unset ICE timeouts with the package defaults
func NewPionFactory(cfg FactoryConfig) *PionFactory {
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = constants.ICEDisconnectedTimeout
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = constants.ICEFailedTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = constants.ICEKeepaliveInterval
	}
	return &PionFactory{cfg: cfg}
}

// NewAdapter creates a PeerConnection for one call
func (f *PionFactory) NewAdapter(cfg Config) (Adapter, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if f.cfg.Codecs != nil {
		if err := f.cfg.Codecs.ConfigureCodecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("failed to register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	// Generous timeouts so a brief relay or NAT hiccup does not end the call
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(f.cfg.DisconnectedTimeout, f.cfg.FailedTimeout, f.cfg.KeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	return newPionAdapter(pc, cfg, f.cfg.Metrics), nil
}

type senderEntry struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
	kind   webrtc.RTPCodecType
}

// PionAdapter drives one *webrtc.PeerConnection
type PionAdapter struct {
	pc      *webrtc.PeerConnection
	kind    domain.MediaKind
	metrics *metrics.Metrics
	log     *zap.Logger

	mu          sync.Mutex
	senders     map[string]*senderEntry
	recvOnly    map[webrtc.RTPCodecType]bool
	observers   map[int]Observer
	nextObserve int
	closed      bool

	closeOnce sync.Once
	closeErr  error
}

func newPionAdapter(pc *webrtc.PeerConnection, cfg Config, m *metrics.Metrics) *PionAdapter {
	a := &PionAdapter{
		pc:        pc,
		kind:      cfg.MediaKind,
		metrics:   m,
		log:       logger.ForCall(cfg.CallID, "", zap.String("component", "peer")),
		senders:   make(map[string]*senderEntry),
		recvOnly:  make(map[webrtc.RTPCodecType]bool),
		observers: make(map[int]Observer),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		init := c.ToJSON()
		for _, obs := range a.snapshotObservers() {
			obs.OnICECandidate(init)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		info := media.RemoteTrackFromPion(track)
		a.log.Info("Remote track received",
			zap.String("kind", info.Kind.String()),
			zap.String("codec", info.Codec))

		// Reading ends when the peer connection closes
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()

		for _, obs := range a.snapshotObservers() {
			obs.OnTrack(info)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		state := stateFromPion(s)
		a.metrics.RecordPeerState(string(state))
		a.log.Info("Peer connection state changed", zap.String("state", string(state)))
		for _, obs := range a.snapshotObservers() {
			obs.OnConnectionStateChange(state)
		}
	})

	return a
}

func (a *PionAdapter) snapshotObservers() []Observer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	out := make([]Observer, 0, len(a.observers))
	for _, obs := range a.observers {
		out = append(out, obs)
	}
	return out
}

// Subscribe registers obs
func (a *PionAdapter) Subscribe(obs Observer) func() {
	a.mu.Lock()
	id := a.nextObserve
	a.nextObserve++
	a.observers[id] = obs
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.observers, id)
			a.mu.Unlock()
		})
	}
}

// AddLocalStream attaches every track of stream; tracks already attached are skipped
func (a *PionAdapter) AddLocalStream(stream *media.LocalStream) error {
	for _, t := range stream.Tracks() {
		if err := a.addLocalTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (a *PionAdapter) addLocalTrack(t *media.LocalTrack) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errors.InvalidStateError("add track", "closed")
	}
	if _, ok := a.senders[t.ID()]; ok {
		return nil
	}

	sender, err := a.pc.AddTrack(t.Local())
	if err != nil {
		return fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
	}
	a.senders[t.ID()] = &senderEntry{sender: sender, track: t.Local(), kind: t.Kind()}

	// Read RTCP so interceptors (NACK, reports) keep working
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// ensureReceivers adds recvonly transceivers for kinds with no local track so
// the offer always carries an audio m-line, and a video m-line for VIDEO calls.
func (a *PionAdapter) ensureReceivers() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	want := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if a.kind.HasVideo() {
		want = append(want, webrtc.RTPCodecTypeVideo)
	}

	for _, kind := range want {
		if a.recvOnly[kind] {
			continue
		}
		hasSender := false
		for _, s := range a.senders {
			if s.kind == kind {
				hasSender = true
				break
			}
		}
		if hasSender {
			continue
		}
		if _, err := a.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("failed to add recvonly %s transceiver: %w", kind, err)
		}
		a.recvOnly[kind] = true
	}
	return nil
}

// CreateOffer produces an offer reflecting the attached tracks
func (a *PionAdapter) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := a.ensureReceivers(); err != nil {
		return webrtc.SessionDescription{}, errors.NegotiationRejectedError("create_offer", err)
	}
	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.NegotiationRejectedError("create_offer", err)
	}
	return offer, ctx.Err()
}

// CreateAnswer answers the applied remote offer
func (a *PionAdapter) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.NegotiationRejectedError("create_answer", err)
	}
	return answer, ctx.Err()
}

// SetLocalDescription applies desc and starts candidate gathering
func (a *PionAdapter) SetLocalDescription(desc webrtc.SessionDescription) error {
	if err := a.pc.SetLocalDescription(desc); err != nil {
		return errors.NegotiationRejectedError("set_local_description", err)
	}
	return nil
}

// SetRemoteDescription applies the peer's offer or answer
func (a *PionAdapter) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if desc.SDP == "" {
		return errors.NegotiationRejectedError("set_remote_description", fmt.Errorf("empty %s SDP", desc.Type))
	}
	if err := a.pc.SetRemoteDescription(desc); err != nil {
		return errors.NegotiationRejectedError("set_remote_description", err)
	}
	return nil
}

// AddICECandidate applies a remote candidate; rejected candidates are dropped
func (a *PionAdapter) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if candidate.Candidate == "" {
		// end-of-candidates marker
		return nil
	}
	if err := a.pc.AddICECandidate(candidate); err != nil {
		a.metrics.RecordICECandidate("dropped")
		a.log.Warn("Dropping malformed ICE candidate",
			zap.String("candidate", candidate.Candidate),
			zap.Error(errors.MalformedICECandidateError(err)))
		return nil
	}
	a.metrics.RecordICECandidate("applied")
	return nil
}

// SetTrackEnabled mutes a sender by detaching its track and restores it on enable
func (a *PionAdapter) SetTrackEnabled(trackID string, enabled bool) error {
	a.mu.Lock()
	entry, ok := a.senders[trackID]
	closed := a.closed
	a.mu.Unlock()

	if closed {
		return errors.InvalidStateError("toggle track", "closed")
	}
	if !ok {
		return errors.ValidationError(fmt.Sprintf("track %s is not attached", trackID))
	}

	var track webrtc.TrackLocal
	if enabled {
		track = entry.track
	}
	if err := entry.sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("failed to replace track: %w", err)
	}
	return nil
}

// Close closes the PeerConnection once
func (a *PionAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.observers = make(map[int]Observer)
		a.mu.Unlock()

		a.closeErr = a.pc.Close()
	})
	return a.closeErr
}
