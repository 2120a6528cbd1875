// Package call owns the lifecycle of calls on one agent: it creates a
// session per call, rings, applies the busy and glare policies, and reports
// every status change exactly once.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/media"
	"peercall/internal/peer"
	"peercall/internal/session"
	"peercall/internal/signaling"
	"peercall/pkg/constants"
	"peercall/pkg/logger"
	"peercall/pkg/metrics"
)

// Notifier is the external collaborator told about ringing and status changes
type Notifier interface {
	// Ring is invoked once per ring period while an incoming call rings
	Ring(call domain.Call)
	// StatusChanged is invoked once for every status the call enters
	StatusChanged(call domain.Call)
}

// Config holds call timing and negotiation settings
type Config struct {
	RingTimeout  time.Duration
	RingInterval time.Duration
	ICEServers   []webrtc.ICEServer
}

// Dependencies are the collaborators of the service
type Dependencies struct {
	Transport signaling.Transport
	Gateway   media.Gateway
	Factory   peer.Factory
	Notifier  Notifier
	Metrics   *metrics.Metrics
}

// Snapshot is what the UI renders
type Snapshot struct {
	Call           *domain.Call        `json:"call,omitempty"`
	Status         domain.CallStatus   `json:"status,omitempty"`
	SessionState   session.State       `json:"session_state,omitempty"`
	LocalStream    *media.StreamInfo   `json:"local_stream,omitempty"`
	RemoteStream   []media.RemoteTrack `json:"remote_stream,omitempty"`
	IsAudioEnabled bool                `json:"is_audio_enabled"`
	IsVideoEnabled bool                `json:"is_video_enabled"`
}

type activeCall struct {
	call    domain.Call
	session *session.Session

	ringTimer *time.Timer
	ringStop  chan struct{}
	stopOnce  sync.Once
}

// stopRinging cancels the ring timeout and the ring ticker
func (ac *activeCall) stopRinging() {
	if ac.ringTimer != nil {
		ac.ringTimer.Stop()
	}
	if ac.ringStop != nil {
		ac.stopOnce.Do(func() { close(ac.ringStop) })
	}
}

type parkedCandidates struct {
	from       string
	candidates []webrtc.ICECandidateInit
	expires    time.Time
}

// Service is the call lifecycle controller. At most one non-terminal call exists at a time.
type Service struct {
	cfg       Config
	transport signaling.Transport
	gateway   media.Gateway
	factory   peer.Factory
	notifier  Notifier
	metrics   *metrics.Metrics
	log       *zap.Logger

	mu        sync.Mutex
	current   *activeCall
	last      *domain.Call
	parked    map[string]*parkedCandidates
	observers map[int]chan Snapshot
	nextObs   int

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a call service; Start begins consuming the transport
func NewService(cfg Config, deps Dependencies) *Service {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = constants.DefaultRingTimeout
	}
	if cfg.RingInterval <= 0 {
		cfg.RingInterval = constants.DefaultRingInterval
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewLogNotifier()
	}

	return &Service{
		cfg:       cfg,
		transport: deps.Transport,
		gateway:   deps.Gateway,
		factory:   deps.Factory,
		notifier:  notifier,
		metrics:   deps.Metrics,
		log:       logger.ForComponent("calls", zap.String("peer_id", deps.Transport.LocalID())),
		parked:    make(map[string]*parkedCandidates),
		observers: make(map[int]chan Snapshot),
		done:      make(chan struct{}),
	}
}

// Start subscribes to the transport and runs the dispatch loop until ctx is
// done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	inbound, unsubscribe := s.transport.Subscribe()
	s.transport.OnConnectionChange(s.onConnectionChange)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.run(ctx, inbound)
	}()
}

// Stop ends the current call and waits for the dispatch loop
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		ac := s.current
		s.mu.Unlock()
		if ac != nil {
			s.finish(ac, domain.StatusEnded, domain.ReasonShutdown, endSignal(ac.call.CallID))
		}
	})
	s.wg.Wait()
}

// Current returns the current call, or the last finished one with its final status
func (s *Service) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() Snapshot {
	if s.current == nil {
		if s.last == nil {
			return Snapshot{}
		}
		call := *s.last
		return Snapshot{Call: &call, Status: call.Status}
	}

	call := s.current.call
	sess := s.current.session.Snapshot()
	return Snapshot{
		Call:           &call,
		Status:         call.Status,
		SessionState:   sess.State,
		LocalStream:    sess.LocalStream,
		RemoteStream:   sess.RemoteStream,
		IsAudioEnabled: sess.AudioEnabled,
		IsVideoEnabled: sess.VideoEnabled,
	}
}

// Observe streams a snapshot on every status or media change. Slow readers
// only miss intermediate snapshots.
func (s *Service) Observe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Snapshot, 16)
	id := s.nextObs
	s.nextObs++
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

func (s *Service) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.observers) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.observers {
		select {
		case ch <- snap:
		default:
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
