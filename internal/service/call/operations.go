package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/session"
	"peercall/internal/signaling"
	"peercall/pkg/errors"
	"peercall/pkg/sanitize"
)

// StartCallInput contains call initiation data
type StartCallInput struct {
	ChatID       string
	RemotePeerID string
	MediaKind    domain.MediaKind
}

// StartOutgoing places a call. It returns once the offer is on its way; the
// call then rings until answered, rejected or timed out.
func (s *Service) StartOutgoing(ctx context.Context, input *StartCallInput) (*domain.Call, error) {
	if !sanitize.ValidatePeerID(input.RemotePeerID) {
		return nil, errors.ValidationError("remote_peer_id is missing or malformed")
	}
	chatID, ok := sanitize.SanitizeID(input.ChatID)
	if !ok {
		return nil, errors.ValidationError("chat_id is too long")
	}
	if input.RemotePeerID == s.transport.LocalID() {
		return nil, errors.ValidationError("cannot call yourself")
	}
	if !input.MediaKind.Valid() {
		return nil, errors.ValidationError(fmt.Sprintf("unknown media kind %q", input.MediaKind))
	}

	s.mu.Lock()
	if s.current != nil {
		busyWith := s.current.call.CallID
		s.mu.Unlock()
		return nil, errors.CallBusyError().WithDetails(map[string]string{"call_id": busyWith})
	}

	call := domain.Call{
		CallID:       uuid.New().String(),
		ChatID:       chatID,
		Role:         domain.RoleInitiator,
		MediaKind:    input.MediaKind,
		Status:       domain.StatusRinging,
		RemotePeerID: input.RemotePeerID,
		CreatedAt:    time.Now(),
	}
	sess, err := s.newSession(call)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ac := &activeCall{call: call, session: sess}
	s.current = ac
	s.mu.Unlock()

	s.log.Info("Placing call",
		zap.String("call_id", call.CallID),
		zap.String("remote_peer_id", call.RemotePeerID),
		zap.String("media_kind", string(call.MediaKind)))
	s.metrics.SetActiveCalls(1)
	s.watch(ac)
	s.report(call)

	if err := sess.StartOutgoing(ctx); err != nil {
		// the session has normally reported through OnTerminated already
		s.finish(ac, domain.StatusFailed, domain.ReasonNegotiationFailed, nil)
		return nil, err
	}

	s.mu.Lock()
	if ac.call.Status == domain.StatusRinging {
		s.startRingingLocked(ac)
	}
	call = ac.call
	s.mu.Unlock()
	return &call, nil
}

// Answer accepts the ringing incoming call
func (s *Service) Answer(ctx context.Context, callID string) error {
	s.mu.Lock()
	ac, err := s.ringingIncomingLocked(callID, "answer")
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if state := ac.session.State(); state != session.StateAnswerPending {
		// the offer has not arrived yet
		s.mu.Unlock()
		return errors.InvalidStateError("answer", string(state))
	}

	ac.stopRinging()
	_ = ac.call.Transition(domain.StatusNegotiating, "", time.Now())
	call := ac.call
	s.mu.Unlock()

	s.report(call)

	if err := ac.session.AcceptIncoming(ctx); err != nil {
		s.finish(ac, domain.StatusFailed, domain.ReasonNegotiationFailed, endSignal(callID))
		return err
	}
	return nil
}

// Reject declines the ringing incoming call
func (s *Service) Reject(callID string) error {
	s.mu.Lock()
	ac, err := s.ringingIncomingLocked(callID, "reject")
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.declineLocked(ac)
	return nil
}

// declineLocked ends a ringing incoming call as DECLINED. The caller holds
// s.mu and has seen the call RINGING, so the ring timeout cannot win.
func (s *Service) declineLocked(ac *activeCall) {
	s.finishLocked(ac, domain.StatusDeclined, domain.ReasonRejected, rejectSignal(ac.call.CallID, signaling.RejectDeclined))
}

// End hangs up. An unanswered outgoing call ends MISSED; a ringing incoming call is rejected.
func (s *Service) End(callID string) error {
	s.mu.Lock()
	ac, err := s.currentLocked(callID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	role, status := ac.call.Role, ac.call.Status

	if role == domain.RoleResponder && status == domain.StatusRinging {
		s.declineLocked(ac)
		return nil
	}

	next := domain.StatusEnded
	if role == domain.RoleInitiator && status == domain.StatusRinging {
		next = domain.StatusMissed
	}
	if !s.finishLocked(ac, next, domain.ReasonLocalHangup, endSignal(callID)) {
		return errors.InvalidStateError("end", "terminated")
	}
	return nil
}

// ToggleAudio mutes or unmutes the microphone and returns the new state
func (s *Service) ToggleAudio(callID string) (bool, error) {
	s.mu.Lock()
	ac, err := s.currentLocked(callID)
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	enabled := ac.session.ToggleAudio()
	s.publish()
	return enabled, nil
}

// ToggleVideo turns the camera off or on and returns the new state
func (s *Service) ToggleVideo(callID string) (bool, error) {
	s.mu.Lock()
	ac, err := s.currentLocked(callID)
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	enabled := ac.session.ToggleVideo()
	s.publish()
	return enabled, nil
}

func (s *Service) currentLocked(callID string) (*activeCall, error) {
	ac := s.current
	if ac == nil || ac.call.CallID != callID {
		return nil, errors.CallNotFoundError()
	}
	return ac, nil
}

func (s *Service) ringingIncomingLocked(callID, op string) (*activeCall, error) {
	ac, err := s.currentLocked(callID)
	if err != nil {
		return nil, err
	}
	if ac.call.Role != domain.RoleResponder || ac.call.Status != domain.StatusRinging {
		return nil, errors.InvalidStateError(op, string(ac.call.Status))
	}
	return ac, nil
}
