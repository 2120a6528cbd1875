package session

import (
	"context"
	stderrors "errors"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/media"
	"peercall/internal/peer"
	"peercall/internal/signaling"
	"peercall/pkg/constants"
	pkgctx "peercall/pkg/context"
	"peercall/pkg/errors"
)

// StartOutgoing acquires local media, sends call:initiate followed by the
// offer, and moves to OFFER_PENDING. If media cannot be acquired the session
// fails without creating an adapter or touching the transport.
func (s *Session) StartOutgoing(ctx context.Context) error {
	const op = "start outgoing"

	acquireCtx, err := s.beginAcquire(ctx, StateIdle, op)
	if err != nil {
		return err
	}
	stream, err := s.gateway.Acquire(acquireCtx, s.cfg.MediaKind)

	s.mu.Lock()
	if ok, rerr := s.finishAcquireLocked(op, stream, err); !ok {
		return rerr
	}

	if err := s.attachAdapterLocked(stream); err != nil {
		return s.failAndUnlock(err)
	}

	offer, err := s.adapter.CreateOffer(ctx)
	if err == nil {
		err = s.adapter.SetLocalDescription(offer)
	}
	if err != nil {
		return s.failAndUnlock(err)
	}
	s.localDescSet = true

	if err := s.sendLocked(ctx, signaling.EventCallInitiate, signaling.InitiatePayload{
		CallID:    s.cfg.CallID,
		ChatID:    s.cfg.ChatID,
		MediaKind: s.cfg.MediaKind,
	}); err != nil {
		return s.failAndUnlock(err)
	}
	if err := s.sendLocked(ctx, signaling.EventOffer, signaling.OfferPayload{
		CallID: s.cfg.CallID,
		To:     s.cfg.RemotePeerID,
		Offer:  offer,
	}); err != nil {
		return s.failAndUnlock(err)
	}

	s.setStateLocked(StateOfferPending)
	s.mu.Unlock()
	return nil
}

// HandleIncomingOffer stores the remote offer and waits for the user.
// Local media is not requested until AcceptIncoming.
func (s *Session) HandleIncomingOffer(offer webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle || s.acquiring {
		return errors.InvalidStateError("handle offer", string(s.state))
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return errors.ValidationError("remote description is not an offer")
	}

	s.pendingOffer = &offer
	s.setStateLocked(StateAnswerPending)
	return nil
}

// AcceptIncoming acquires local media, applies the stored offer, sends
// call:answer followed by the SDP answer, and moves to NEGOTIATING.
func (s *Session) AcceptIncoming(ctx context.Context) error {
	const op = "accept incoming"

	acquireCtx, err := s.beginAcquire(ctx, StateAnswerPending, op)
	if err != nil {
		return err
	}
	stream, err := s.gateway.Acquire(acquireCtx, s.cfg.MediaKind)

	s.mu.Lock()
	if ok, rerr := s.finishAcquireLocked(op, stream, err); !ok {
		return rerr
	}

	if err := s.attachAdapterLocked(stream); err != nil {
		return s.failAndUnlock(err)
	}

	if err := s.applyRemoteLocked(*s.pendingOffer); err != nil {
		return s.failAndUnlock(err)
	}
	s.pendingOffer = nil

	answer, err := s.adapter.CreateAnswer(ctx)
	if err == nil {
		err = s.adapter.SetLocalDescription(answer)
	}
	if err != nil {
		return s.failAndUnlock(err)
	}
	s.localDescSet = true

	if err := s.sendLocked(ctx, signaling.EventCallAnswer, signaling.CallRefPayload{
		CallID: s.cfg.CallID,
	}); err != nil {
		return s.failAndUnlock(err)
	}
	if err := s.sendLocked(ctx, signaling.EventAnswer, signaling.AnswerPayload{
		CallID: s.cfg.CallID,
		To:     s.cfg.RemotePeerID,
		Answer: answer,
	}); err != nil {
		return s.failAndUnlock(err)
	}

	s.setStateLocked(StateNegotiating)
	s.mu.Unlock()
	return nil
}

// HandleAnswer applies the responder's answer. Outside OFFER_PENDING the
// answer is a protocol violation and is ignored.
func (s *Session) HandleAnswer(answer webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.state != StateOfferPending {
		s.log.Warn("Ignoring answer outside OFFER_PENDING", zap.String("state", string(s.state)))
		s.mu.Unlock()
		return nil
	}

	if err := s.applyRemoteLocked(answer); err != nil {
		return s.failAndUnlock(err)
	}

	s.setStateLocked(StateNegotiating)
	s.mu.Unlock()
	return nil
}

// HandleRemoteICECandidate applies c, or queues it until the remote
// description is applied.
func (s *Session) HandleRemoteICECandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return
	}
	if s.adapter == nil || !s.remoteDescSet {
		if len(s.pending) >= constants.MaxParkedCandidates {
			s.metrics.RecordICECandidate("dropped")
			return
		}
		s.pending = append(s.pending, c)
		s.metrics.RecordICECandidate("queued")
		s.publishLocked()
		return
	}
	_ = s.adapter.AddICECandidate(c)
}

// End closes the session. It returns false if the session had already terminated.
func (s *Session) End(reason domain.EndReason) bool {
	return s.terminate(StateClosed, reason, nil)
}

// Fail moves the session to FAILED. It returns false if the session had already terminated.
func (s *Session) Fail(reason domain.EndReason, err error) bool {
	return s.terminate(StateFailed, reason, err)
}

// ToggleAudio flips the microphone tracks and returns the new enabled state.
// Without local media it does nothing and returns false.
func (s *Session) ToggleAudio() bool {
	return s.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the camera tracks and returns the new enabled state.
// Without local video it does nothing and returns false.
func (s *Session) ToggleVideo() bool {
	return s.toggle(webrtc.RTPCodecTypeVideo)
}

func (s *Session) toggle(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.localStream == nil || s.state.IsTerminal() {
		return false
	}
	tracks := s.localStream.TracksOfKind(kind)
	if len(tracks) == 0 {
		return false
	}

	enabled := !s.audioEnabled
	if kind == webrtc.RTPCodecTypeVideo {
		enabled = !s.videoEnabled
	}

	for _, t := range tracks {
		t.SetEnabled(enabled)
		if s.adapter == nil {
			continue
		}
		if err := s.adapter.SetTrackEnabled(t.ID(), enabled); err != nil {
			s.log.Warn("Failed to toggle track",
				zap.String("track_id", t.ID()),
				zap.Bool("enabled", enabled),
				zap.Error(err))
		}
	}

	if kind == webrtc.RTPCodecTypeVideo {
		s.videoEnabled = enabled
	} else {
		s.audioEnabled = enabled
	}
	s.publishLocked()
	return enabled
}

// beginAcquire marks an acquisition in flight. The gateway runs without the
// session lock held; End cancels the returned context.
func (s *Session) beginAcquire(ctx context.Context, from State, op string) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != from || s.acquiring {
		return nil, errors.InvalidStateError(op, string(s.state))
	}
	acquireCtx, cancel := context.WithCancel(ctx)
	s.acquiring = true
	s.cancelAcquire = cancel
	return acquireCtx, nil
}

// finishAcquireLocked re-validates the session after acquisition. When it
// returns false the lock has been released and err is what the caller returns.
func (s *Session) finishAcquireLocked(op string, stream *media.LocalStream, err error) (bool, error) {
	if s.cancelAcquire != nil {
		s.cancelAcquire()
	}
	s.acquiring = false
	s.cancelAcquire = nil
	kind := string(s.cfg.MediaKind)

	if s.state.IsTerminal() {
		state := s.state
		s.mu.Unlock()
		if stream != nil {
			stream.Stop()
		}
		s.metrics.RecordMediaAcquisition(kind, "canceled")
		return false, errors.InvalidStateError(op, string(state))
	}

	if err != nil {
		if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
			s.metrics.RecordMediaAcquisition(kind, "canceled")
			out := s.terminateLocked(StateClosed, domain.ReasonLocalHangup, err)
			s.mu.Unlock()
			s.teardown(out)
			return false, err
		}
		s.metrics.RecordMediaAcquisition(kind, "denied")
		s.log.Warn("Local media acquisition failed", zap.Error(err))
		out := s.terminateLocked(StateFailed, domain.ReasonMediaDenied, err)
		s.mu.Unlock()
		s.teardown(out)
		return false, err
	}

	s.metrics.RecordMediaAcquisition(kind, "ok")
	return true, nil
}

func (s *Session) attachAdapterLocked(stream *media.LocalStream) error {
	// owned from here on so teardown stops it whatever fails next
	s.localStream = stream
	s.audioEnabled = len(stream.TracksOfKind(webrtc.RTPCodecTypeAudio)) > 0
	s.videoEnabled = len(stream.TracksOfKind(webrtc.RTPCodecTypeVideo)) > 0

	adapter, err := s.factory.NewAdapter(peer.Config{
		CallID:     s.cfg.CallID,
		ICEServers: s.cfg.ICEServers,
		MediaKind:  s.cfg.MediaKind,
	})
	if err != nil {
		return errors.NegotiationRejectedError("create_peer_connection", err)
	}
	s.adapter = adapter
	s.unsubscribe = adapter.Subscribe(&adapterObserver{s: s})

	if err := adapter.AddLocalStream(stream); err != nil {
		return errors.NegotiationRejectedError("add_local_stream", err)
	}
	s.publishLocked()
	return nil
}

// applyRemoteLocked sets the remote description and flushes queued candidates in arrival order
func (s *Session) applyRemoteLocked(desc webrtc.SessionDescription) error {
	if err := s.adapter.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.remoteDescSet = true

	queued := s.pending
	s.pending = nil
	for _, c := range queued {
		_ = s.adapter.AddICECandidate(c)
	}
	if len(queued) > 0 {
		s.log.Debug("Flushed queued ICE candidates", zap.Int("count", len(queued)))
	}
	s.publishLocked()
	return nil
}

func (s *Session) sendLocked(ctx context.Context, event signaling.Event, payload any) error {
	if err := s.transport.Send(ctx, s.cfg.RemotePeerID, event, payload); err != nil {
		if errors.IsAppError(err) {
			return err
		}
		return errors.TransportDisconnectedError(err)
	}
	return nil
}

// failAndUnlock fails the session with a reason derived from err, releases
// the lock, tears down and returns err.
func (s *Session) failAndUnlock(err error) error {
	reason := domain.ReasonNegotiationFailed
	if errors.HasCode(err, errors.ErrCodeTransportDisconnected) {
		reason = domain.ReasonTransportDisconnected
	}
	s.log.Error("Negotiation failed", zap.String("reason", string(reason)), zap.Error(err))
	out := s.terminateLocked(StateFailed, reason, err)
	s.mu.Unlock()
	s.teardown(out)
	return err
}

func (s *Session) onLocalICECandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() || s.adapter == nil {
		return
	}

	ctx, cancel := pkgctx.WithSignalTimeout(s.ctx)
	defer cancel()
	if err := s.sendLocked(ctx, signaling.EventICECandidate, signaling.ICECandidatePayload{
		CallID:    s.cfg.CallID,
		To:        s.cfg.RemotePeerID,
		Candidate: c,
	}); err != nil {
		s.log.Warn("Failed to send local ICE candidate", zap.Error(err))
	}
}

func (s *Session) onRemoteTrack(info media.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return
	}
	if s.remoteStream.Add(info) {
		s.publishLocked()
	}
}

func (s *Session) onConnectionStateChange(state peer.State) {
	s.mu.Lock()

	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}

	switch state {
	case peer.StateConnected:
		if s.state != StateNegotiating {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(StateActive)
		first := !s.established
		s.established = true
		s.mu.Unlock()
		if first && s.hooks.OnEstablished != nil {
			s.hooks.OnEstablished()
		}

	case peer.StateFailed:
		out := s.terminateLocked(StateFailed, domain.ReasonConnectionLost, errors.New(errors.ErrCodeInternal, "peer connection failed"))
		s.mu.Unlock()
		s.teardown(out)

	case peer.StateDisconnected:
		// transient; ICE may recover before the failed timeout
		s.log.Warn("Peer connection disconnected")
		s.mu.Unlock()

	default:
		s.mu.Unlock()
	}
}
