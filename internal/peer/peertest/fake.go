// Package peertest provides an in-memory peer.Adapter for tests of the call
// core. It records every negotiation step and lets tests raise the callbacks
// a real peer connection would.
package peertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"peercall/internal/domain"
	"peercall/internal/media"
	"peercall/internal/peer"
	"peercall/pkg/errors"
)

// Compile-time interface checks.
var (
	_ peer.Adapter = (*Adapter)(nil)
	_ peer.Factory = (*Factory)(nil)
)

// Factory hands out fake adapters
type Factory struct {
	// AutoConnect makes an adapter report a remote track per media kind and
	// then Connected once both descriptions are applied.
	AutoConnect bool
	// SetRemoteErr is returned by SetRemoteDescription of new adapters
	SetRemoteErr error

	mu       sync.Mutex
	err      error
	adapters []*Adapter
}

// NewFactory returns a factory whose adapters never connect on their own
func NewFactory() *Factory {
	return &Factory{}
}

// Fail makes NewAdapter return err; nil allows it again
func (f *Factory) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// NewAdapter implements peer.Factory
func (f *Factory) NewAdapter(cfg peer.Config) (peer.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a := &Adapter{
		cfg:          cfg,
		autoConnect:  f.AutoConnect,
		setRemoteErr: f.SetRemoteErr,
		senders:      make(map[string]bool),
		observers:    make(map[int]peer.Observer),
	}
	f.adapters = append(f.adapters, a)
	return a, nil
}

// Created counts adapters handed out
func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

// Adapters returns every adapter handed out, oldest first
func (f *Factory) Adapters() []*Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Adapter(nil), f.adapters...)
}

// Last returns the newest adapter or nil
func (f *Factory) Last() *Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.adapters) == 0 {
		return nil
	}
	return f.adapters[len(f.adapters)-1]
}

// Adapter is a scriptable peer.Adapter
type Adapter struct {
	cfg          peer.Config
	autoConnect  bool
	setRemoteErr error

	mu            sync.Mutex
	senders       map[string]bool
	trackOrder    []string
	disabled      []string
	local         *webrtc.SessionDescription
	remote        *webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	observers     map[int]peer.Observer
	nextObserver  int
	subscribes    int
	unsubscribes  int
	closes        int
	connectRaised bool
}

// Config returns what the adapter was created with
func (a *Adapter) Config() peer.Config { return a.cfg }

// AddLocalStream implements peer.Adapter
func (a *Adapter) AddLocalStream(stream *media.LocalStream) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closes > 0 {
		return errors.InvalidStateError("add track", "closed")
	}
	for _, t := range stream.Tracks() {
		if a.senders[t.ID()] {
			continue
		}
		a.senders[t.ID()] = true
		a.trackOrder = append(a.trackOrder, t.ID())
	}
	return nil
}

// CreateOffer implements peer.Adapter
func (a *Adapter) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP("offer", a.cfg)}, nil
}

// CreateAnswer implements peer.Adapter
func (a *Adapter) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.remote == nil {
		return webrtc.SessionDescription{}, errors.NegotiationRejectedError("create_answer", fmt.Errorf("no remote offer"))
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP("answer", a.cfg)}, nil
}

// SetLocalDescription implements peer.Adapter
func (a *Adapter) SetLocalDescription(desc webrtc.SessionDescription) error {
	a.mu.Lock()
	a.local = &desc
	a.mu.Unlock()
	a.maybeConnect()
	return nil
}

// SetRemoteDescription implements peer.Adapter
func (a *Adapter) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if a.setRemoteErr != nil {
		return errors.NegotiationRejectedError("set_remote_description", a.setRemoteErr)
	}
	if desc.SDP == "" {
		return errors.NegotiationRejectedError("set_remote_description", fmt.Errorf("empty SDP"))
	}
	a.mu.Lock()
	a.remote = &desc
	a.mu.Unlock()
	a.maybeConnect()
	return nil
}

// AddICECandidate implements peer.Adapter. Candidates are only recorded once
// a remote description exists, mirroring a real engine.
func (a *Adapter) AddICECandidate(c webrtc.ICECandidateInit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.remote == nil || a.closes > 0 {
		return nil
	}
	a.candidates = append(a.candidates, c)
	return nil
}

// SetTrackEnabled implements peer.Adapter
func (a *Adapter) SetTrackEnabled(trackID string, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.senders[trackID] {
		return errors.ValidationError("track " + trackID + " is not attached")
	}
	if !enabled {
		a.disabled = append(a.disabled, trackID)
	}
	return nil
}

// Subscribe implements peer.Adapter
func (a *Adapter) Subscribe(obs peer.Observer) func() {
	a.mu.Lock()
	id := a.nextObserver
	a.nextObserver++
	a.observers[id] = obs
	a.subscribes++
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.observers, id)
			a.unsubscribes++
			a.mu.Unlock()
		})
	}
}

// Close implements peer.Adapter; every call is counted
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closes++
	a.mu.Unlock()
	return nil
}

// EmitState raises OnConnectionStateChange on current subscribers
func (a *Adapter) EmitState(state peer.State) {
	for _, obs := range a.subscribers() {
		obs.OnConnectionStateChange(state)
	}
}

// EmitCandidate raises OnICECandidate on current subscribers
func (a *Adapter) EmitCandidate(c webrtc.ICECandidateInit) {
	for _, obs := range a.subscribers() {
		obs.OnICECandidate(c)
	}
}

// EmitTrack raises OnTrack on current subscribers
func (a *Adapter) EmitTrack(track media.RemoteTrack) {
	for _, obs := range a.subscribers() {
		obs.OnTrack(track)
	}
}

func (a *Adapter) subscribers() []peer.Observer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]peer.Observer, 0, len(a.observers))
	for _, obs := range a.observers {
		out = append(out, obs)
	}
	return out
}

func (a *Adapter) maybeConnect() {
	a.mu.Lock()
	ready := a.autoConnect && !a.connectRaised && a.local != nil && a.remote != nil
	if ready {
		a.connectRaised = true
	}
	a.mu.Unlock()
	if !ready {
		return
	}

	go func() {
		a.EmitTrack(media.RemoteTrack{ID: "remote-audio", StreamID: "remote", Kind: webrtc.RTPCodecTypeAudio, Codec: webrtc.MimeTypeOpus})
		if a.cfg.MediaKind == domain.MediaVideo {
			a.EmitTrack(media.RemoteTrack{ID: "remote-video", StreamID: "remote", Kind: webrtc.RTPCodecTypeVideo, Codec: webrtc.MimeTypeVP8})
		}
		a.EmitState(peer.StateConnecting)
		a.EmitState(peer.StateConnected)
	}()
}

// Tracks returns attached local track ids in attach order
func (a *Adapter) Tracks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.trackOrder...)
}

// Disabled returns track ids muted through SetTrackEnabled(false)
func (a *Adapter) Disabled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.disabled...)
}

// Candidates returns applied remote candidates in order
func (a *Adapter) Candidates() []webrtc.ICECandidateInit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), a.candidates...)
}

// LocalDescription returns the applied local description or nil
func (a *Adapter) LocalDescription() *webrtc.SessionDescription {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local
}

// RemoteDescription returns the applied remote description or nil
func (a *Adapter) RemoteDescription() *webrtc.SessionDescription {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remote
}

// Closes counts Close calls
func (a *Adapter) Closes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closes
}

// Subscriptions returns how often Subscribe and its unsubscribe func ran
func (a *Adapter) Subscriptions() (subscribed, unsubscribed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subscribes, a.unsubscribes
}

func fakeSDP(kind string, cfg peer.Config) string {
	return fmt.Sprintf("v=0\r\ns=fake-%s %s %s\r\n", kind, cfg.CallID, cfg.MediaKind)
}
