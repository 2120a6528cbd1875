// Package session runs the negotiation state machine of a single call. A
// Session owns the call's local and remote media and its peer adapter, and
// releases all of them exactly once when it reaches CLOSED or FAILED.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/media"
	"peercall/internal/peer"
	"peercall/internal/signaling"
	"peercall/pkg/errors"
	"peercall/pkg/logger"
	"peercall/pkg/metrics"
)

// State is the negotiation state of a session
type State string

const (
	StateIdle          State = "IDLE"
	StateOfferPending  State = "OFFER_PENDING"
	StateAnswerPending State = "ANSWER_PENDING"
	StateNegotiating   State = "NEGOTIATING"
	StateActive        State = "ACTIVE"
	StateClosed        State = "CLOSED"
	StateFailed        State = "FAILED"
)

// IsTerminal reports whether the session has been torn down
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

// Config identifies the call a session negotiates
type Config struct {
	CallID       string
	ChatID       string
	Role         domain.Role
	MediaKind    domain.MediaKind
	RemotePeerID string
	ICEServers   []webrtc.ICEServer
}

// Outcome is reported once when the session terminates
type Outcome struct {
	CallID string
	State  State
	Reason domain.EndReason
	Err    error
}

// Hooks report milestones to the owner. OnEstablished fires at most once and
// OnTerminated exactly once. Both run without the session lock held.
type Hooks struct {
	OnEstablished func()
	OnTerminated  func(Outcome)
}

// Dependencies are the collaborators a session drives
type Dependencies struct {
	Transport signaling.Transport
	Gateway   media.Gateway
	Factory   peer.Factory
	Metrics   *metrics.Metrics
	Hooks     Hooks
}

// Snapshot is the observable state of a session
type Snapshot struct {
	CallID               string              `json:"call_id"`
	Role                 domain.Role         `json:"role"`
	MediaKind            domain.MediaKind    `json:"media_kind"`
	State                State               `json:"state"`
	LocalStream          *media.StreamInfo   `json:"local_stream,omitempty"`
	RemoteStream         []media.RemoteTrack `json:"remote_stream,omitempty"`
	AudioEnabled         bool                `json:"is_audio_enabled"`
	VideoEnabled         bool                `json:"is_video_enabled"`
	LocalDescriptionSet  bool                `json:"local_description_set"`
	RemoteDescriptionSet bool                `json:"remote_description_set"`
	PendingCandidates    int                 `json:"pending_candidates"`
}

const observerBuffer = 16

// Session negotiates one call. All state changes are serialised by mu;
// adapter callbacks are queued and re-enter through the same lock.
type Session struct {
	cfg       Config
	transport signaling.Transport
	gateway   media.Gateway
	factory   peer.Factory
	metrics   *metrics.Metrics
	hooks     Hooks
	log       *zap.Logger

	// ctx bounds sends made from adapter callbacks; cancelled at teardown
	ctx    context.Context
	cancel context.CancelFunc
	events *callbackQueue

	mu            sync.Mutex
	state         State
	acquiring     bool
	cancelAcquire context.CancelFunc
	adapter       peer.Adapter
	unsubscribe   func()
	localStream   *media.LocalStream
	remoteStream  *media.RemoteStream
	pendingOffer  *webrtc.SessionDescription
	pending       []webrtc.ICECandidateInit
	localDescSet  bool
	remoteDescSet bool
	audioEnabled  bool
	videoEnabled  bool
	established   bool
	observers     map[int]chan Snapshot
	nextObserver  int

	teardownOnce sync.Once
}

// New creates an IDLE session
func New(cfg Config, deps Dependencies) (*Session, error) {
	if cfg.CallID == "" {
		return nil, errors.ValidationError("call id is required")
	}
	if cfg.RemotePeerID == "" {
		return nil, errors.ValidationError("remote peer id is required")
	}
	if !cfg.MediaKind.Valid() {
		return nil, errors.ValidationError(fmt.Sprintf("unknown media kind %q", cfg.MediaKind))
	}
	if deps.Transport == nil || deps.Gateway == nil || deps.Factory == nil {
		return nil, errors.ValidationError("transport, gateway and peer factory are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:          cfg,
		transport:    deps.Transport,
		gateway:      deps.Gateway,
		factory:      deps.Factory,
		metrics:      deps.Metrics,
		hooks:        deps.Hooks,
		log:          logger.ForCall(cfg.CallID, cfg.RemotePeerID, zap.String("role", string(cfg.Role))),
		ctx:          ctx,
		cancel:       cancel,
		events:       newCallbackQueue(),
		state:        StateIdle,
		remoteStream: media.NewRemoteStream(),
		observers:    make(map[int]chan Snapshot),
	}, nil
}

// CallID returns the id of the negotiated call
func (s *Session) CallID() string { return s.cfg.CallID }

// State returns the current negotiation state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the observable state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		CallID:               s.cfg.CallID,
		Role:                 s.cfg.Role,
		MediaKind:            s.cfg.MediaKind,
		State:                s.state,
		AudioEnabled:         s.audioEnabled,
		VideoEnabled:         s.videoEnabled,
		LocalDescriptionSet:  s.localDescSet,
		RemoteDescriptionSet: s.remoteDescSet,
		PendingCandidates:    len(s.pending),
	}
	if s.localStream != nil {
		snap.LocalStream = s.localStream.Info()
	}
	if tracks := s.remoteStream.Tracks(); len(tracks) > 0 {
		snap.RemoteStream = tracks
	}
	return snap
}

// Observe streams a snapshot after every change. Slow readers only miss
// intermediate snapshots, never the latest one. The channel is closed after
// the terminal snapshot.
func (s *Session) Observe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Snapshot, observerBuffer)
	if s.state.IsTerminal() {
		ch <- s.snapshotLocked()
		close(ch)
		return ch, func() {}
	}

	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = ch
	ch <- s.snapshotLocked()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.observers[id]; ok {
			delete(s.observers, id)
			close(c)
		}
	}
}

func (s *Session) publishLocked() {
	if len(s.observers) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.observers {
		select {
		case ch <- snap:
		default:
			// drop the oldest so the latest state always lands
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.log.Info("Session state changed",
		zap.String("from", string(s.state)),
		zap.String("state", string(next)))
	s.state = next
	s.publishLocked()
}
