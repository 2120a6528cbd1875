package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/signaling"
	"peercall/pkg/sanitize"
)

// run consumes the transport on one goroutine, so events for a call are
// handled in the order they arrived.
func (s *Service) run(ctx context.Context, inbound <-chan *signaling.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case env, ok := <-inbound:
			if !ok {
				return
			}
			s.dispatch(env)
		}
	}
}

func (s *Service) dispatch(env *signaling.Envelope) {
	var err error
	switch env.Event {
	case signaling.EventCallInitiate:
		err = s.handleInitiate(env)
	case signaling.EventOffer:
		err = s.handleOffer(env)
	case signaling.EventCallAnswer:
		err = s.handleCallAnswered(env)
	case signaling.EventAnswer:
		err = s.handleAnswer(env)
	case signaling.EventICECandidate:
		err = s.handleICECandidate(env)
	case signaling.EventCallReject:
		err = s.handleReject(env)
	case signaling.EventCallEnd, signaling.EventCallCancel:
		err = s.handleRemoteEnd(env)
	case signaling.EventUndeliverable:
		err = s.handleUndeliverable(env)
	default:
		s.log.Warn("Ignoring unknown signaling event", zap.String("event", string(env.Event)))
	}

	if err != nil {
		s.log.Warn("Failed to handle signaling event",
			zap.String("event", string(env.Event)),
			zap.String("from", env.From),
			zap.Error(err))
	}
}

// lookup returns the live call matching callID and its remote peer
func (s *Service) lookup(callID, from string) *activeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac := s.current
	if ac == nil || ac.call.CallID != callID || ac.call.RemotePeerID != from || ac.call.Status.IsTerminal() {
		return nil
	}
	return ac
}

func (s *Service) handleInitiate(env *signaling.Envelope) error {
	p, err := signaling.DecodePayload[signaling.InitiatePayload](env)
	if err != nil {
		return err
	}
	chatID, ok := sanitize.SanitizeID(p.ChatID)
	if p.CallID == "" || env.From == "" || !p.MediaKind.Valid() || !ok {
		s.log.Warn("Dropping incomplete call:initiate", zap.String("from", env.From))
		return nil
	}

	s.mu.Lock()
	if ac := s.current; ac != nil {
		glare := ac.call.Role == domain.RoleInitiator &&
			ac.call.Status == domain.StatusRinging &&
			ac.call.RemotePeerID == env.From &&
			ac.call.ChatID == chatID
		s.mu.Unlock()

		if !glare {
			// busy: decline without ringing, without a session, without media
			s.log.Info("Declining call while busy",
				zap.String("call_id", p.CallID),
				zap.String("from", env.From))
			s.metrics.RecordCall(string(p.MediaKind), "busy")
			s.send(env.From, rejectSignal(p.CallID, signaling.RejectBusy))
			return nil
		}

		// both sides called each other: the smaller call id survives
		if ac.call.CallID < p.CallID {
			s.log.Info("Glare: keeping own call", zap.String("call_id", ac.call.CallID))
			return nil
		}
		s.log.Info("Glare: yielding to remote call",
			zap.String("call_id", ac.call.CallID),
			zap.String("remote_call_id", p.CallID))
		s.finish(ac, domain.StatusEnded, domain.ReasonGlare, cancelSignal(ac.call.CallID))

		s.mu.Lock()
		if s.current != nil {
			s.mu.Unlock()
			s.send(env.From, rejectSignal(p.CallID, signaling.RejectBusy))
			return nil
		}
	}

	call := domain.Call{
		CallID:       p.CallID,
		ChatID:       chatID,
		Role:         domain.RoleResponder,
		MediaKind:    p.MediaKind,
		Status:       domain.StatusRinging,
		RemotePeerID: env.From,
		CreatedAt:    time.Now(),
	}
	sess, err := s.newSession(call)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	ac := &activeCall{call: call, session: sess}
	s.current = ac
	parked := s.takeParkedLocked(call.CallID, env.From)
	for _, c := range parked {
		sess.HandleRemoteICECandidate(c)
	}
	s.startRingingLocked(ac)
	s.mu.Unlock()

	s.log.Info("Incoming call",
		zap.String("call_id", call.CallID),
		zap.String("from", call.RemotePeerID),
		zap.String("media_kind", string(call.MediaKind)),
		zap.Int("parked_candidates", len(parked)))
	s.metrics.SetActiveCalls(1)
	s.watch(ac)
	s.report(call)
	return nil
}

func (s *Service) handleOffer(env *signaling.Envelope) error {
	p, err := signaling.DecodePayload[signaling.OfferPayload](env)
	if err != nil {
		return err
	}
	ac := s.lookup(p.CallID, env.From)
	if ac == nil || ac.call.Role != domain.RoleResponder {
		s.log.Debug("Ignoring offer for unknown call", zap.String("call_id", p.CallID))
		return nil
	}
	return ac.session.HandleIncomingOffer(p.Offer)
}

// handleCallAnswered moves the caller to NEGOTIATING when the callee picks up
func (s *Service) handleCallAnswered(env *signaling.Envelope) error {
	p, err := signaling.DecodePayload[signaling.CallRefPayload](env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	ac := s.current
	if ac == nil || ac.call.CallID != p.CallID || ac.call.RemotePeerID != env.From ||
		ac.call.Role != domain.RoleInitiator || ac.call.Status != domain.StatusRinging {
		s.mu.Unlock()
		return nil
	}
	ac.stopRinging()
	_ = ac.call.Transition(domain.StatusNegotiating, "", time.Now())
	call := ac.call
	s.mu.Unlock()

	s.report(call)
	return nil
}

func (s *Service) handleAnswer(env *signaling.Envelope) error {
	p, err := signaling.DecodePayload[signaling.AnswerPayload](env)
	if err != nil {
		return err
	}
	ac := s.lookup(p.CallID, env.From)
	if ac == nil || ac.call.Role != domain.RoleInitiator {
		return nil
	}
	return ac.session.HandleAnswer(p.Answer)
}

func (s *Service) handleICECandidate(env *signaling.Envelope) error {
	p, err := signaling.DecodePayload[signaling.ICECandidatePayload](env)
	if err != nil {
		return err
	}
	if p.CallID == "" {
		return nil
	}

	s.mu.Lock()
	ac := s.current
	if ac != nil && ac.call.CallID == p.CallID {
		s.mu.Unlock()
		if ac.call.RemotePeerID == env.From {
			ac.session.HandleRemoteICECandidate(p.Candidate)
		}
		return nil
	}
	if s.last != nil && s.last.CallID == p.CallID {
		// trailing candidate of a finished call
		s.mu.Unlock()
		return nil
	}
	s.parkLocked(p.CallID, env.From, p.Candidate)
	s.mu.Unlock()
	return nil
}

func (s *Service) handleReject(env *signaling.Envelope) error {
	p, err := signaling.DecodePayload[signaling.RejectPayload](env)
	if err != nil {
		return err
	}
	ac := s.lookup(p.CallID, env.From)
	if ac == nil || ac.call.Role != domain.RoleInitiator {
		return nil
	}

	reason := domain.ReasonRemoteRejected
	if p.Reason == signaling.RejectBusy {
		reason = domain.ReasonBusy
	}

	s.mu.Lock()
	status := domain.StatusDeclined
	if ac.call.Status != domain.StatusRinging {
		status = domain.StatusEnded
	}
	s.mu.Unlock()

	s.finish(ac, status, reason, nil)
	return nil
}

// handleRemoteEnd covers call:end and call:cancel; an unanswered call is missed
func (s *Service) handleRemoteEnd(env *signaling.Envelope) error {
	p, err := signaling.DecodePayload[signaling.CallRefPayload](env)
	if err != nil {
		return err
	}
	ac := s.lookup(p.CallID, env.From)
	if ac == nil {
		return nil
	}

	reason := domain.ReasonRemoteHangup
	if env.Event == signaling.EventCallCancel {
		reason = domain.ReasonRemoteCanceled
	}

	s.mu.Lock()
	status := domain.StatusEnded
	if ac.call.Status == domain.StatusRinging {
		status = domain.StatusMissed
	}
	s.mu.Unlock()

	s.finish(ac, status, reason, nil)
	return nil
}

// handleUndeliverable fails the call when the relay cannot reach its peer
func (s *Service) handleUndeliverable(env *signaling.Envelope) error {
	p, err := signaling.DecodePayload[signaling.UndeliverablePayload](env)
	if err != nil {
		return err
	}
	s.metrics.RecordUndeliverable(string(p.Event))

	s.mu.Lock()
	ac := s.current
	if ac == nil || ac.call.RemotePeerID != p.To || (p.CallID != "" && p.CallID != ac.call.CallID) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.log.Warn("Remote peer unreachable",
		zap.String("call_id", ac.call.CallID),
		zap.String("peer_id", p.To),
		zap.String("event", string(p.Event)))
	s.finish(ac, domain.StatusFailed, domain.ReasonUndeliverable, nil)
	return nil
}
