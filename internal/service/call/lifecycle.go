package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/session"
	"peercall/internal/signaling"
	"peercall/pkg/constants"
	pkgctx "peercall/pkg/context"
)

// maxParkedCalls bounds how many unknown call ids may hold parked candidates
const maxParkedCalls = 8

type outbound struct {
	event   signaling.Event
	payload any
}

func endSignal(callID string) *outbound {
	return &outbound{event: signaling.EventCallEnd, payload: signaling.CallRefPayload{CallID: callID}}
}

func cancelSignal(callID string) *outbound {
	return &outbound{event: signaling.EventCallCancel, payload: signaling.CallRefPayload{CallID: callID}}
}

func rejectSignal(callID, reason string) *outbound {
	return &outbound{event: signaling.EventCallReject, payload: signaling.RejectPayload{CallID: callID, Reason: reason}}
}

func (s *Service) send(to string, msg *outbound) {
	ctx, cancel := pkgctx.WithSignalTimeout(context.Background())
	defer cancel()

	if err := s.transport.Send(ctx, to, msg.event, msg.payload); err != nil {
		s.log.Warn("Failed to send signal",
			zap.String("event", string(msg.event)),
			zap.String("to", to),
			zap.Error(err))
		return
	}
}

func (s *Service) newSession(call domain.Call) (*session.Session, error) {
	callID := call.CallID
	return session.New(session.Config{
		CallID:       call.CallID,
		ChatID:       call.ChatID,
		Role:         call.Role,
		MediaKind:    call.MediaKind,
		RemotePeerID: call.RemotePeerID,
		ICEServers:   s.cfg.ICEServers,
	}, session.Dependencies{
		Transport: s.transport,
		Gateway:   s.gateway,
		Factory:   s.factory,
		Metrics:   s.metrics,
		Hooks: session.Hooks{
			OnEstablished: func() { s.onSessionEstablished(callID) },
			OnTerminated:  s.onSessionTerminated,
		},
	})
}

// watch republishes the controller snapshot whenever the session changes.
// The session closes the channel at teardown.
func (s *Service) watch(ac *activeCall) {
	updates, _ := ac.session.Observe()
	go func() {
		for range updates {
			s.publish()
		}
	}()
}

// startRingingLocked arms the ring timeout, and for incoming calls the repeating ring
func (s *Service) startRingingLocked(ac *activeCall) {
	callID := ac.call.CallID
	ac.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() { s.onRingTimeout(callID) })

	if ac.call.Role != domain.RoleResponder {
		return
	}

	stop := make(chan struct{})
	ac.ringStop = stop
	call := ac.call
	interval := s.cfg.RingInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.notifier.Ring(call)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case <-stop:
					return
				default:
				}
				s.notifier.Ring(call)
			}
		}
	}()
}

func (s *Service) onRingTimeout(callID string) {
	s.mu.Lock()
	ac := s.current
	if ac == nil || ac.call.CallID != callID || ac.call.Status != domain.StatusRinging {
		s.mu.Unlock()
		return
	}

	s.log.Info("Call not answered in time", zap.String("call_id", callID))
	s.finishLocked(ac, domain.StatusMissed, domain.ReasonRingTimeout, endSignal(callID))
}

// finish moves ac to a terminal status. Only the first caller wins: it stops
// ringing, sends signal, ends the session and reports the status. Later
// callers get false and do nothing.
func (s *Service) finish(ac *activeCall, status domain.CallStatus, reason domain.EndReason, signal *outbound) bool {
	s.mu.Lock()
	return s.finishLocked(ac, status, reason, signal)
}

// finishLocked is finish for callers that checked ac's status under s.mu and
// must not let another transition in between. It releases s.mu.
func (s *Service) finishLocked(ac *activeCall, status domain.CallStatus, reason domain.EndReason, signal *outbound) bool {
	if ac.call.Status.IsTerminal() {
		s.mu.Unlock()
		return false
	}

	ac.stopRinging()
	now := time.Now()
	if err := ac.call.Transition(status, reason, now); err != nil {
		s.log.Error("Unexpected call transition, failing call",
			zap.String("call_id", ac.call.CallID),
			zap.Error(err))
		status = domain.StatusFailed
		_ = ac.call.Transition(status, reason, now)
	}

	call := ac.call
	if s.current == ac {
		s.current = nil
	}
	s.last = &call
	delete(s.parked, call.CallID)
	s.mu.Unlock()

	if signal != nil {
		s.send(call.RemotePeerID, signal)
	}

	if status == domain.StatusFailed {
		ac.session.Fail(reason, nil)
	} else {
		ac.session.End(reason)
	}

	kind := string(call.MediaKind)
	if call.Answered() {
		s.metrics.RecordCallDuration(kind, call.Duration())
	}
	if status == domain.StatusFailed {
		s.metrics.RecordCallFailure(kind, string(reason))
	}
	s.metrics.SetActiveCalls(0)

	s.report(call)
	return true
}

// report tells the notifier and the observers about a status the call entered
func (s *Service) report(call domain.Call) {
	s.metrics.RecordCall(string(call.MediaKind), string(call.Status))
	s.notifier.StatusChanged(call)
	s.publish()
}

func (s *Service) onSessionEstablished(callID string) {
	s.mu.Lock()
	ac := s.current
	if ac == nil || ac.call.CallID != callID || ac.call.Status != domain.StatusNegotiating {
		s.mu.Unlock()
		return
	}
	if err := ac.call.Transition(domain.StatusActive, "", time.Now()); err != nil {
		s.mu.Unlock()
		return
	}
	call := ac.call
	s.mu.Unlock()

	s.log.Info("Call established", zap.String("call_id", callID))
	s.report(call)
}

// onSessionTerminated handles sessions that ended on their own: media
// refused, negotiation rejected, connection lost or a failed send.
func (s *Service) onSessionTerminated(out session.Outcome) {
	s.mu.Lock()
	ac := s.current
	if ac == nil || ac.call.CallID != out.CallID || ac.call.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	role := ac.call.Role
	s.mu.Unlock()

	status := domain.StatusFailed
	var signal *outbound
	switch {
	case out.Reason == domain.ReasonTransportDisconnected:
		// nothing can reach the peer
	case out.Reason == domain.ReasonMediaDenied:
		// an outgoing call never touched the transport; an incoming one
		// must not leave the caller ringing
		if role == domain.RoleResponder {
			signal = rejectSignal(out.CallID, signaling.RejectMediaDenied)
		}
	case out.State == session.StateClosed:
		// acquisition abandoned before anything was negotiated
		status = domain.StatusEnded
		if role == domain.RoleResponder {
			signal = rejectSignal(out.CallID, signaling.RejectDeclined)
		}
	default:
		signal = endSignal(out.CallID)
	}

	s.finish(ac, status, out.Reason, signal)
}

func (s *Service) onConnectionChange(connected bool) {
	if connected {
		s.log.Info("Signaling transport connected")
		return
	}

	s.metrics.RecordTransportDisconnect()
	s.log.Warn("Signaling transport disconnected")

	s.mu.Lock()
	ac := s.current
	s.mu.Unlock()
	if ac != nil {
		s.finish(ac, domain.StatusFailed, domain.ReasonTransportDisconnected, nil)
	}
}

// parkLocked holds a candidate for a call id not seen yet
func (s *Service) parkLocked(callID, from string, c webrtc.ICECandidateInit) {
	now := time.Now()
	for id, p := range s.parked {
		if now.After(p.expires) {
			delete(s.parked, id)
		}
	}

	p := s.parked[callID]
	if p == nil {
		if len(s.parked) >= maxParkedCalls {
			s.metrics.RecordICECandidate("dropped")
			return
		}
		p = &parkedCandidates{from: from, expires: now.Add(s.cfg.RingTimeout)}
		s.parked[callID] = p
	}
	if p.from != from || len(p.candidates) >= constants.MaxParkedCandidates {
		s.metrics.RecordICECandidate("dropped")
		return
	}
	p.candidates = append(p.candidates, c)
	s.metrics.RecordICECandidate("queued")
}

// takeParkedLocked removes and returns the candidates parked for callID from "from"
func (s *Service) takeParkedLocked(callID, from string) []webrtc.ICECandidateInit {
	p := s.parked[callID]
	delete(s.parked, callID)
	if p == nil || p.from != from || time.Now().After(p.expires) {
		return nil
	}
	return p.candidates
}
