package session

import (
	"go.uber.org/zap"

	"peercall/internal/domain"
)

func (s *Session) terminate(state State, reason domain.EndReason, err error) bool {
	s.mu.Lock()
	out := s.terminateLocked(state, reason, err)
	s.mu.Unlock()
	s.teardown(out)
	return out != nil
}

// terminateLocked moves the session to a terminal state. It returns nil when
// the session was already terminal, so only the first terminating path tears down.
func (s *Session) terminateLocked(state State, reason domain.EndReason, err error) *Outcome {
	if s.state.IsTerminal() {
		return nil
	}
	if s.cancelAcquire != nil {
		// a late stream is stopped by finishAcquireLocked
		s.cancelAcquire()
		s.cancelAcquire = nil
	}

	fields := []zap.Field{zap.String("reason", string(reason))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.log.Info("Session terminating", fields...)

	s.setStateLocked(state)
	return &Outcome{CallID: s.cfg.CallID, State: state, Reason: reason, Err: err}
}

// teardown releases everything the session owns, exactly once
func (s *Session) teardown(out *Outcome) {
	if out == nil {
		return
	}
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		unsubscribe := s.unsubscribe
		adapter := s.adapter
		local := s.localStream
		observers := s.observers
		s.unsubscribe = nil
		s.adapter = nil
		s.localStream = nil
		s.pending = nil
		s.pendingOffer = nil
		s.audioEnabled = false
		s.videoEnabled = false
		s.observers = make(map[int]chan Snapshot)
		s.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		s.events.close()
		s.cancel()

		if adapter != nil {
			if err := adapter.Close(); err != nil {
				s.log.Warn("Failed to close peer connection", zap.Error(err))
			}
		}
		if local != nil {
			local.Stop()
		}
		s.remoteStream.Stop()
		s.metrics.RecordTeardown()

		for _, ch := range observers {
			close(ch)
		}

		if s.hooks.OnTerminated != nil {
			s.hooks.OnTerminated(*out)
		}
	})
}
