package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/internal/domain"
	"peercall/internal/media"
	"peercall/internal/peer"
	"peercall/internal/peer/peertest"
	"peercall/internal/signaling"
	"peercall/pkg/constants"
	"peercall/pkg/errors"
	"peercall/pkg/metrics"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var remoteOffer = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\ns=remote-offer\r\n"}
var remoteAnswer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\ns=remote-answer\r\n"}

type fixture struct {
	gateway   *media.SyntheticGateway
	factory   *peertest.Factory
	transport *signaling.MemoryTransport
	remote    *signaling.MemoryTransport
	metrics   *metrics.Metrics
	session   *Session

	established atomic.Int32
	mu          sync.Mutex
	outcomes    []Outcome
}

func newFixture(t *testing.T, role domain.Role, kind domain.MediaKind) *fixture {
	t.Helper()
	bus := signaling.NewMemoryBus()
	f := &fixture{
		gateway:   media.NewSyntheticGateway(),
		factory:   peertest.NewFactory(),
		transport: bus.Join("alice"),
		remote:    bus.Join("bob"),
		metrics:   metrics.NewMetrics("test"),
	}
	t.Cleanup(f.transport.Close)
	t.Cleanup(f.remote.Close)

	s, err := New(Config{
		CallID:       "call-1",
		ChatID:       "chat-1",
		Role:         role,
		MediaKind:    kind,
		RemotePeerID: "bob",
	}, Dependencies{
		Transport: f.transport,
		Gateway:   f.gateway,
		Factory:   f.factory,
		Metrics:   f.metrics,
		Hooks: Hooks{
			OnEstablished: func() { f.established.Add(1) },
			OnTerminated: func(o Outcome) {
				f.mu.Lock()
				f.outcomes = append(f.outcomes, o)
				f.mu.Unlock()
			},
		},
	})
	require.NoError(t, err)
	f.session = s
	t.Cleanup(func() { s.End(domain.ReasonShutdown) })
	return f
}

func (f *fixture) terminations() []Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Outcome(nil), f.outcomes...)
}

func candidate(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000%d typ host", n, n, n)}
}

func TestNew_Validation(t *testing.T) {
	deps := Dependencies{
		Transport: signaling.NewMemoryBus().Join("alice"),
		Gateway:   media.NewSyntheticGateway(),
		Factory:   peertest.NewFactory(),
	}

	_, err := New(Config{RemotePeerID: "bob", MediaKind: domain.MediaAudio}, deps)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	_, err = New(Config{CallID: "c", RemotePeerID: "bob", MediaKind: "SCREEN"}, deps)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	_, err = New(Config{CallID: "c", RemotePeerID: "bob", MediaKind: domain.MediaAudio}, Dependencies{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
}

func TestStartOutgoing_SendsInitiateThenOffer(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaVideo)

	require.NoError(t, f.session.StartOutgoing(context.Background()))

	assert.Equal(t, StateOfferPending, f.session.State())
	assert.Equal(t, []signaling.Event{signaling.EventCallInitiate, signaling.EventOffer}, f.transport.SentEvents())

	sent := f.transport.Sent()
	initiate, err := signaling.DecodePayload[signaling.InitiatePayload](sent[0])
	require.NoError(t, err)
	assert.Equal(t, signaling.InitiatePayload{CallID: "call-1", ChatID: "chat-1", MediaKind: domain.MediaVideo}, initiate)

	offer, err := signaling.DecodePayload[signaling.OfferPayload](sent[1])
	require.NoError(t, err)
	assert.Equal(t, "bob", offer.To)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Offer.Type)

	adapter := f.factory.Last()
	require.NotNil(t, adapter)
	assert.Len(t, adapter.Tracks(), 2, "microphone and camera attached")
	assert.NotNil(t, adapter.LocalDescription())

	snap := f.session.Snapshot()
	assert.True(t, snap.LocalDescriptionSet)
	assert.False(t, snap.RemoteDescriptionSet)
	assert.True(t, snap.AudioEnabled)
	assert.True(t, snap.VideoEnabled)
	require.NotNil(t, snap.LocalStream)
	assert.Len(t, snap.LocalStream.Tracks, 2)
}

func TestStartOutgoing_OnlyFromIdle(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaAudio)
	require.NoError(t, f.session.StartOutgoing(context.Background()))

	err := f.session.StartOutgoing(context.Background())

	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	assert.Equal(t, 1, f.gateway.Acquisitions())
	assert.Equal(t, StateOfferPending, f.session.State())
}

func TestStartOutgoing_MediaDeniedCreatesNoAdapter(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaVideo)
	f.gateway.Deny(stderrors.New("camera permission refused"))

	err := f.session.StartOutgoing(context.Background())

	assert.True(t, errors.HasCode(err, errors.ErrCodeMediaAcquisitionDenied))
	assert.Equal(t, StateFailed, f.session.State())
	assert.Equal(t, 0, f.factory.Created(), "no peer connection without local media")
	assert.Empty(t, f.transport.Sent(), "transport untouched")

	outcomes := f.terminations()
	require.Len(t, outcomes, 1)
	assert.Equal(t, StateFailed, outcomes[0].State)
	assert.Equal(t, domain.ReasonMediaDenied, outcomes[0].Reason)
}

func TestStartOutgoing_SendFailureFails(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaAudio)
	f.transport.Disconnect()

	err := f.session.StartOutgoing(context.Background())

	assert.True(t, errors.HasCode(err, errors.ErrCodeTransportDisconnected))
	assert.Equal(t, StateFailed, f.session.State())
	assert.Equal(t, 1, f.factory.Last().Closes())
	assert.Equal(t, 0, f.gateway.LiveTracks())
	require.Len(t, f.terminations(), 1)
	assert.Equal(t, domain.ReasonTransportDisconnected, f.terminations()[0].Reason)
}

func TestHandleIncomingOffer_DefersMedia(t *testing.T) {
	f := newFixture(t, domain.RoleResponder, domain.MediaVideo)

	require.NoError(t, f.session.HandleIncomingOffer(remoteOffer))

	assert.Equal(t, StateAnswerPending, f.session.State())
	assert.Equal(t, 0, f.gateway.Acquisitions(), "no device access before the user accepts")
	assert.Equal(t, 0, f.factory.Created())

	err := f.session.HandleIncomingOffer(remoteOffer)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func TestHandleIncomingOffer_RejectsNonOffer(t *testing.T) {
	f := newFixture(t, domain.RoleResponder, domain.MediaAudio)

	err := f.session.HandleIncomingOffer(remoteAnswer)

	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
	assert.Equal(t, StateIdle, f.session.State())
}

func TestAcceptIncoming_AnswersStoredOffer(t *testing.T) {
	f := newFixture(t, domain.RoleResponder, domain.MediaVideo)
	require.NoError(t, f.session.HandleIncomingOffer(remoteOffer))

	require.NoError(t, f.session.AcceptIncoming(context.Background()))

	assert.Equal(t, StateNegotiating, f.session.State())
	assert.Equal(t, []signaling.Event{signaling.EventCallAnswer, signaling.EventAnswer}, f.transport.SentEvents())

	adapter := f.factory.Last()
	require.NotNil(t, adapter.RemoteDescription())
	assert.Equal(t, remoteOffer, *adapter.RemoteDescription())
	assert.Equal(t, webrtc.SDPTypeAnswer, adapter.LocalDescription().Type)
}

func TestAcceptIncoming_OnlyFromAnswerPending(t *testing.T) {
	f := newFixture(t, domain.RoleResponder, domain.MediaAudio)

	err := f.session.AcceptIncoming(context.Background())

	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	assert.Equal(t, 0, f.gateway.Acquisitions())
}

func TestAcceptIncoming_MediaDenied(t *testing.T) {
	f := newFixture(t, domain.RoleResponder, domain.MediaAudio)
	require.NoError(t, f.session.HandleIncomingOffer(remoteOffer))
	f.gateway.Deny(stderrors.New("no microphone"))

	err := f.session.AcceptIncoming(context.Background())

	assert.True(t, errors.HasCode(err, errors.ErrCodeMediaAcquisitionDenied))
	assert.Equal(t, StateFailed, f.session.State())
	assert.Equal(t, 0, f.factory.Created())
	assert.Empty(t, f.transport.Sent())
}

// Candidates that arrive before the offer are held and applied after it
func TestRemoteCandidates_QueuedUntilOfferApplied(t *testing.T) {
	f := newFixture(t, domain.RoleResponder, domain.MediaAudio)

	f.session.HandleRemoteICECandidate(candidate(1))
	f.session.HandleRemoteICECandidate(candidate(2))
	require.NoError(t, f.session.HandleIncomingOffer(remoteOffer))
	f.session.HandleRemoteICECandidate(candidate(3))
	assert.Equal(t, 3, f.session.Snapshot().PendingCandidates)

	require.NoError(t, f.session.AcceptIncoming(context.Background()))

	adapter := f.factory.Last()
	assert.Equal(t, []webrtc.ICECandidateInit{candidate(1), candidate(2), candidate(3)}, adapter.Candidates())
	assert.Equal(t, 0, f.session.Snapshot().PendingCandidates)

	f.session.HandleRemoteICECandidate(candidate(4))
	assert.Equal(t, []webrtc.ICECandidateInit{candidate(1), candidate(2), candidate(3), candidate(4)}, adapter.Candidates(),
		"flushed once, in arrival order, then applied directly")
}

func TestRemoteCandidates_QueueIsBounded(t *testing.T) {
	f := newFixture(t, domain.RoleResponder, domain.MediaAudio)

	total := constants.MaxParkedCandidates + 3
	for i := 1; i <= total; i++ {
		f.session.HandleRemoteICECandidate(candidate(i))
	}
	assert.Equal(t, constants.MaxParkedCandidates, f.session.Snapshot().PendingCandidates)

	require.NoError(t, f.session.HandleIncomingOffer(remoteOffer))
	require.NoError(t, f.session.AcceptIncoming(context.Background()))

	applied := f.factory.Last().Candidates()
	require.Len(t, applied, constants.MaxParkedCandidates)
	assert.Equal(t, candidate(1), applied[0], "the earliest candidates are kept")
	assert.Equal(t, candidate(constants.MaxParkedCandidates), applied[len(applied)-1])

	expected := fmt.Sprintf(`
# HELP ice_candidates_total Remote ICE candidates by outcome (applied, queued, dropped)
# TYPE ice_candidates_total counter
ice_candidates_total{outcome="dropped",service="test"} 3
ice_candidates_total{outcome="queued",service="test"} %d
`, constants.MaxParkedCandidates)
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.GetRegistry(), strings.NewReader(expected), "ice_candidates_total"))
}

func TestRemoteCandidates_QueuedUntilAnswerApplied(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaAudio)
	require.NoError(t, f.session.StartOutgoing(context.Background()))
	adapter := f.factory.Last()

	for i := 1; i <= 5; i++ {
		f.session.HandleRemoteICECandidate(candidate(i))
	}
	assert.Empty(t, adapter.Candidates())

	require.NoError(t, f.session.HandleAnswer(remoteAnswer))

	assert.Equal(t, StateNegotiating, f.session.State())
	want := []webrtc.ICECandidateInit{candidate(1), candidate(2), candidate(3), candidate(4), candidate(5)}
	assert.Equal(t, want, adapter.Candidates())
}

func TestHandleAnswer_IgnoredOutsideOfferPending(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaAudio)

	assert.NoError(t, f.session.HandleAnswer(remoteAnswer))
	assert.Equal(t, StateIdle, f.session.State())

	require.NoError(t, f.session.StartOutgoing(context.Background()))
	require.NoError(t, f.session.HandleAnswer(remoteAnswer))
	assert.NoError(t, f.session.HandleAnswer(remoteAnswer), "duplicate answer is ignored")
	assert.Equal(t, StateNegotiating, f.session.State())
}

func TestHandleAnswer_RejectedFailsSession(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaAudio)
	f.factory.SetRemoteErr = stderrors.New("incompatible codecs")
	require.NoError(t, f.session.StartOutgoing(context.Background()))

	err := f.session.HandleAnswer(remoteAnswer)

	assert.True(t, errors.HasCode(err, errors.ErrCodeNegotiationRejected))
	assert.Equal(t, StateFailed, f.session.State())
	assert.Equal(t, 1, f.factory.Last().Closes())
	require.Len(t, f.terminations(), 1)
	assert.Equal(t, domain.ReasonNegotiationFailed, f.terminations()[0].Reason)
}

func TestLocalCandidates_SentImmediatelyInOrder(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaAudio)
	require.NoError(t, f.session.StartOutgoing(context.Background()))
	adapter := f.factory.Last()

	adapter.EmitCandidate(candidate(1))
	adapter.EmitCandidate(candidate(2))

	require.Eventually(t, func() bool { return len(f.transport.Sent()) == 4 }, waitFor, tick)
	sent := f.transport.Sent()
	for i, env := range sent[2:] {
		assert.Equal(t, signaling.EventICECandidate, env.Event)
		p, err := signaling.DecodePayload[signaling.ICECandidatePayload](env)
		require.NoError(t, err)
		assert.Equal(t, candidate(i+1), p.Candidate)
		assert.Equal(t, "call-1", p.CallID)
	}
}

func TestConnectionEstablished(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaVideo)
	require.NoError(t, f.session.StartOutgoing(context.Background()))
	adapter := f.factory.Last()

	require.NoError(t, f.session.HandleAnswer(remoteAnswer))

	adapter.EmitTrack(media.RemoteTrack{ID: "ra", Kind: webrtc.RTPCodecTypeAudio})
	adapter.EmitState(peer.StateConnected)
	adapter.EmitState(peer.StateConnected)

	require.Eventually(t, func() bool { return f.session.State() == StateActive }, waitFor, tick)
	require.Eventually(t, func() bool { return len(f.session.Snapshot().RemoteStream) == 1 }, waitFor, tick)
	assert.Equal(t, int32(1), f.established.Load())
}

func TestConnectionDisconnectedIsTransient(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaAudio)
	require.NoError(t, f.session.StartOutgoing(context.Background()))
	require.NoError(t, f.session.HandleAnswer(remoteAnswer))
	adapter := f.factory.Last()

	adapter.EmitState(peer.StateConnected)
	require.Eventually(t, func() bool { return f.session.State() == StateActive }, waitFor, tick)

	adapter.EmitState(peer.StateDisconnected)
	adapter.EmitState(peer.StateConnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateActive, f.session.State())
}

func TestConnectionFailed(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaAudio)
	require.NoError(t, f.session.StartOutgoing(context.Background()))
	require.NoError(t, f.session.HandleAnswer(remoteAnswer))
	adapter := f.factory.Last()

	adapter.EmitState(peer.StateFailed)

	require.Eventually(t, func() bool { return len(f.terminations()) == 1 }, waitFor, tick)
	assert.Equal(t, StateFailed, f.session.State())
	assert.Equal(t, domain.ReasonConnectionLost, f.terminations()[0].Reason)
	assert.Equal(t, 1, adapter.Closes())
	assert.Equal(t, 0, f.gateway.LiveTracks())
}

func TestTeardown_ExactlyOnceUnderRacingTerminations(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaVideo)
	require.NoError(t, f.session.StartOutgoing(context.Background()))
	require.NoError(t, f.session.HandleAnswer(remoteAnswer))
	adapter := f.factory.Last()
	require.Equal(t, 2, f.gateway.LiveTracks())

	var wg sync.WaitGroup
	var won atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			if f.session.End(domain.ReasonLocalHangup) {
				won.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if f.session.Fail(domain.ReasonTransportDisconnected, stderrors.New("relay gone")) {
				won.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			adapter.EmitState(peer.StateFailed)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(f.terminations()) >= 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	assert.LessOrEqual(t, won.Load(), int32(1))
	assert.Len(t, f.terminations(), 1, "terminal outcome reported once")
	assert.Equal(t, 1, adapter.Closes(), "adapter closed once")
	assert.Equal(t, 0, f.gateway.LiveTracks(), "every device track stopped")
	subscribed, unsubscribed := adapter.Subscriptions()
	assert.Equal(t, 1, subscribed)
	assert.Equal(t, 1, unsubscribed)
	assert.True(t, f.session.State().IsTerminal())
}

func TestEnd_DuringAcquisitionReleasesLateStream(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaVideo)
	release := make(chan struct{})
	f.gateway.HoldUntil(release)

	errCh := make(chan error, 1)
	go func() { errCh <- f.session.StartOutgoing(context.Background()) }()
	require.Eventually(t, func() bool { return f.gateway.Acquisitions() == 1 }, waitFor, tick)

	assert.True(t, f.session.End(domain.ReasonLocalHangup))

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("StartOutgoing did not return after End")
	}

	close(release)
	assert.Eventually(t, func() bool { return f.gateway.LiveTracks() == 0 }, waitFor, tick)
	assert.Equal(t, 0, f.factory.Created(), "late stream never attached")
	assert.Empty(t, f.transport.Sent())
	assert.Equal(t, StateClosed, f.session.State())
}

func TestEnd_MakesLaterEventsNoOps(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaAudio)
	require.NoError(t, f.session.StartOutgoing(context.Background()))
	adapter := f.factory.Last()
	sentBefore := len(f.transport.Sent())

	require.True(t, f.session.End(domain.ReasonLocalHangup))
	assert.False(t, f.session.End(domain.ReasonRemoteHangup))

	assert.NoError(t, f.session.HandleAnswer(remoteAnswer))
	f.session.HandleRemoteICECandidate(candidate(1))
	adapter.EmitCandidate(candidate(2))
	adapter.EmitState(peer.StateConnected)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateClosed, f.session.State())
	assert.Nil(t, adapter.RemoteDescription())
	assert.Len(t, f.transport.Sent(), sentBefore)
	assert.Equal(t, int32(0), f.established.Load())
}

func TestToggles(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaVideo)

	assert.False(t, f.session.ToggleAudio(), "no local stream yet")
	assert.False(t, f.session.Snapshot().AudioEnabled)

	require.NoError(t, f.session.StartOutgoing(context.Background()))
	adapter := f.factory.Last()

	assert.False(t, f.session.ToggleAudio())
	assert.False(t, f.session.Snapshot().AudioEnabled)
	assert.Len(t, adapter.Disabled(), 1)

	assert.True(t, f.session.ToggleAudio())
	assert.True(t, f.session.Snapshot().AudioEnabled, "two toggles restore the original state")

	assert.False(t, f.session.ToggleVideo())
	assert.True(t, f.session.ToggleVideo())
	assert.True(t, f.session.Snapshot().VideoEnabled)
}

func TestToggleVideo_AudioCallIsNoOp(t *testing.T) {
	f := newFixture(t, domain.RoleInitiator, domain.MediaAudio)
	require.NoError(t, f.session.StartOutgoing(context.Background()))

	assert.False(t, f.session.ToggleVideo())
	assert.False(t, f.session.Snapshot().VideoEnabled)
	assert.True(t, f.session.Snapshot().AudioEnabled)
}

func TestObserve(t *testing.T) {
	f := newFixture(t, domain.RoleResponder, domain.MediaAudio)
	updates, unsubscribe := f.session.Observe()
	defer unsubscribe()

	first := <-updates
	assert.Equal(t, StateIdle, first.State)

	require.NoError(t, f.session.HandleIncomingOffer(remoteOffer))
	f.session.End(domain.ReasonRemoteCanceled)

	var last Snapshot
	for snap := range updates {
		last = snap
	}
	assert.Equal(t, StateClosed, last.State, "channel closes after the terminal snapshot")

	late, _ := f.session.Observe()
	snap, ok := <-late
	assert.True(t, ok)
	assert.Equal(t, StateClosed, snap.State)
	_, ok = <-late
	assert.False(t, ok)
}
