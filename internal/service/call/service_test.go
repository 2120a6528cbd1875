package call

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/internal/domain"
	"peercall/internal/media"
	"peercall/internal/peer/peertest"
	"peercall/internal/session"
	"peercall/internal/signaling"
	"peercall/pkg/errors"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// recordingNotifier keeps every ring and status change
type recordingNotifier struct {
	mu       sync.Mutex
	rings    int
	statuses []domain.Call
}

func (n *recordingNotifier) Ring(domain.Call) {
	n.mu.Lock()
	n.rings++
	n.mu.Unlock()
}

func (n *recordingNotifier) StatusChanged(call domain.Call) {
	n.mu.Lock()
	n.statuses = append(n.statuses, call)
	n.mu.Unlock()
}

func (n *recordingNotifier) Rings() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rings
}

func (n *recordingNotifier) Statuses(callID string) []domain.CallStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.CallStatus
	for _, c := range n.statuses {
		if c.CallID == callID {
			out = append(out, c.Status)
		}
	}
	return out
}

func (n *recordingNotifier) Final(callID string) (domain.Call, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var last domain.Call
	terminal := 0
	for _, c := range n.statuses {
		if c.CallID == callID && c.Status.IsTerminal() {
			last = c
			terminal++
		}
	}
	return last, terminal
}

type agent struct {
	id        string
	transport *signaling.MemoryTransport
	gateway   *media.SyntheticGateway
	factory   *peertest.Factory
	notifier  *recordingNotifier
	svc       *Service
}

func newAgent(t *testing.T, bus *signaling.MemoryBus, id string, cfg Config) *agent {
	t.Helper()
	a := &agent{
		id:        id,
		transport: bus.Join(id),
		gateway:   media.NewSyntheticGateway(),
		factory:   &peertest.Factory{AutoConnect: true},
		notifier:  &recordingNotifier{},
	}
	a.svc = NewService(cfg, Dependencies{
		Transport: a.transport,
		Gateway:   a.gateway,
		Factory:   a.factory,
		Notifier:  a.notifier,
	})
	a.svc.Start(context.Background())
	t.Cleanup(a.transport.Close)
	t.Cleanup(a.svc.Stop)
	return a
}

func defaultConfig() Config {
	return Config{RingTimeout: 5 * time.Second, RingInterval: 50 * time.Millisecond}
}

func waitStatus(t *testing.T, a *agent, status domain.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return a.svc.Current().Status == status }, waitFor, tick,
		"%s never reached %s (at %s)", a.id, status, a.svc.Current().Status)
}

// waitIncoming waits until the offer for a ringing call has arrived
func waitIncoming(t *testing.T, a *agent) string {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := a.svc.Current()
		return snap.Status == domain.StatusRinging && snap.SessionState == session.StateAnswerPending
	}, waitFor, tick)
	return a.svc.Current().Call.CallID
}

func placeCall(t *testing.T, caller *agent, callee string, kind domain.MediaKind) *domain.Call {
	t.Helper()
	call, err := caller.svc.StartOutgoing(context.Background(), &StartCallInput{
		ChatID:       "chat-1",
		RemotePeerID: callee,
		MediaKind:    kind,
	})
	require.NoError(t, err)
	return call
}

func inject(t *testing.T, to *signaling.MemoryTransport, from string, event signaling.Event, payload any) {
	t.Helper()
	env, err := signaling.NewEnvelope(from, to.LocalID(), event, payload)
	require.NoError(t, err)
	to.Inject(env)
}

func TestCall_AcceptedVideoCallBecomesActive(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	bob := newAgent(t, bus, "bob", defaultConfig())

	call := placeCall(t, alice, "bob", domain.MediaVideo)
	assert.Equal(t, domain.StatusRinging, call.Status)
	assert.Equal(t, domain.RoleInitiator, call.Role)

	callID := waitIncoming(t, bob)
	assert.Equal(t, call.CallID, callID, "both sides share the call id")
	require.NoError(t, bob.svc.Answer(context.Background(), callID))

	waitStatus(t, alice, domain.StatusActive)
	waitStatus(t, bob, domain.StatusActive)

	want := []domain.CallStatus{domain.StatusRinging, domain.StatusNegotiating, domain.StatusActive}
	assert.Equal(t, want, alice.notifier.Statuses(callID))
	assert.Equal(t, want, bob.notifier.Statuses(callID))

	for _, a := range []*agent{alice, bob} {
		require.Eventually(t, func() bool { return len(a.svc.Current().RemoteStream) == 2 }, waitFor, tick)
		snap := a.svc.Current()
		assert.Equal(t, session.StateActive, snap.SessionState)
		assert.NotNil(t, snap.LocalStream)
		assert.True(t, snap.IsAudioEnabled)
		assert.True(t, snap.IsVideoEnabled)
	}

	require.NoError(t, alice.svc.End(callID))
	waitStatus(t, bob, domain.StatusEnded)
	assert.Equal(t, domain.StatusEnded, alice.svc.Current().Status)

	final, _ := bob.notifier.Final(callID)
	assert.Equal(t, domain.ReasonRemoteHangup, final.EndReason)
	for _, a := range []*agent{alice, bob} {
		adapter := a.factory.Last()
		assert.Eventually(t, func() bool { return adapter.Closes() == 1 }, waitFor, tick)
		assert.Eventually(t, func() bool { return a.gateway.LiveTracks() == 0 }, waitFor, tick)
	}
}

func TestCall_UnansweredCallIsMissedOnBothSides(t *testing.T) {
	bus := signaling.NewMemoryBus()
	cfg := Config{RingTimeout: 150 * time.Millisecond, RingInterval: 20 * time.Millisecond}
	alice := newAgent(t, bus, "alice", cfg)
	bob := newAgent(t, bus, "bob", cfg)

	call := placeCall(t, alice, "bob", domain.MediaAudio)

	waitStatus(t, alice, domain.StatusMissed)
	waitStatus(t, bob, domain.StatusMissed)

	for _, a := range []*agent{alice, bob} {
		assert.NotContains(t, a.notifier.Statuses(call.CallID), domain.StatusActive)
		_, terminal := a.notifier.Final(call.CallID)
		assert.Equal(t, 1, terminal)
	}
	assert.Greater(t, bob.notifier.Rings(), 1, "ring repeats while ringing")
	caller := alice.factory.Last()
	assert.Eventually(t, func() bool { return caller.Closes() == 1 }, waitFor, tick, "caller torn down")
	assert.Equal(t, 0, bob.gateway.Acquisitions(), "callee never touched devices")
	assert.Eventually(t, func() bool { return alice.gateway.LiveTracks() == 0 }, waitFor, tick)
}

func TestCall_RejectedCallIsDeclined(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	bob := newAgent(t, bus, "bob", defaultConfig())

	placeCall(t, alice, "bob", domain.MediaVideo)
	callID := waitIncoming(t, bob)

	require.NoError(t, bob.svc.Reject(callID))

	waitStatus(t, alice, domain.StatusDeclined)
	assert.Equal(t, domain.StatusDeclined, bob.svc.Current().Status)
	assert.Equal(t, 0, bob.gateway.Acquisitions(), "no media requested by the responder")
	assert.Equal(t, 0, bob.factory.Created())

	err := bob.svc.Reject(callID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCallNotFound))
}

func TestCall_RejectRacingRingTimeoutIsDecidedOnce(t *testing.T) {
	for i := 0; i < 10; i++ {
		bus := signaling.NewMemoryBus()
		alice := newAgent(t, bus, "alice", defaultConfig())
		bob := newAgent(t, bus, "bob", defaultConfig())

		placeCall(t, alice, "bob", domain.MediaAudio)
		callID := waitIncoming(t, bob)

		// both contenders queue on the controller lock before either runs
		var rejectErr error
		var wg sync.WaitGroup
		bob.svc.mu.Lock()
		wg.Add(2)
		go func() { defer wg.Done(); bob.svc.onRingTimeout(callID) }()
		go func() { defer wg.Done(); rejectErr = bob.svc.Reject(callID) }()
		time.Sleep(5 * time.Millisecond)
		bob.svc.mu.Unlock()
		wg.Wait()

		final, terminal := bob.notifier.Final(callID)
		require.Equal(t, 1, terminal, "run %d", i)
		if rejectErr == nil {
			assert.Equal(t, domain.StatusDeclined, final.Status, "run %d: a successful reject always declines", i)
			assert.Equal(t, domain.ReasonRejected, final.EndReason)
			waitStatus(t, alice, domain.StatusDeclined)
		} else {
			assert.Equal(t, domain.StatusMissed, final.Status, "run %d", i)
		}
	}
}

func TestCall_RingTimeoutAfterRejectIsIgnored(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	bob := newAgent(t, bus, "bob", defaultConfig())

	placeCall(t, alice, "bob", domain.MediaAudio)
	callID := waitIncoming(t, bob)

	require.NoError(t, bob.svc.Reject(callID))
	bob.svc.onRingTimeout(callID)

	final, terminal := bob.notifier.Final(callID)
	assert.Equal(t, 1, terminal)
	assert.Equal(t, domain.StatusDeclined, final.Status)
}

func TestCall_BusyCalleeAutoDeclines(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	bob := newAgent(t, bus, "bob", defaultConfig())
	carol := newAgent(t, bus, "carol", defaultConfig())

	placeCall(t, alice, "bob", domain.MediaAudio)
	waitIncoming(t, bob)
	ringsBefore := bob.notifier.Rings()

	second := placeCall(t, carol, "bob", domain.MediaAudio)

	waitStatus(t, carol, domain.StatusDeclined)
	final, _ := carol.notifier.Final(second.CallID)
	assert.Equal(t, domain.ReasonBusy, final.EndReason)

	assert.Empty(t, bob.notifier.Statuses(second.CallID), "second call never rings")
	assert.Equal(t, 0, bob.gateway.Acquisitions())
	assert.Equal(t, 0, bob.factory.Created(), "no second session")
	assert.Equal(t, domain.StatusRinging, bob.svc.Current().Status)
	assert.GreaterOrEqual(t, bob.notifier.Rings(), ringsBefore)
}

func TestCall_StartOutgoingWhileBusy(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	newAgent(t, bus, "bob", defaultConfig())

	call := placeCall(t, alice, "bob", domain.MediaAudio)

	_, err := alice.svc.StartOutgoing(context.Background(), &StartCallInput{RemotePeerID: "carol", MediaKind: domain.MediaAudio})
	assert.True(t, errors.HasCode(err, errors.ErrCodeCallBusy))
	assert.Equal(t, map[string]string{"call_id": call.CallID}, errors.GetAppError(err).Details)
	assert.Equal(t, 1, alice.gateway.Acquisitions())
}

func TestCall_StartOutgoingValidation(t *testing.T) {
	alice := newAgent(t, signaling.NewMemoryBus(), "alice", defaultConfig())

	cases := []*StartCallInput{
		{MediaKind: domain.MediaAudio},
		{RemotePeerID: "alice", MediaKind: domain.MediaAudio},
		{RemotePeerID: "bob", MediaKind: "SCREEN"},
		{RemotePeerID: "bob*", MediaKind: domain.MediaAudio},
		{RemotePeerID: "bob", ChatID: strings.Repeat("c", 200), MediaKind: domain.MediaAudio},
	}
	for _, in := range cases {
		_, err := alice.svc.StartOutgoing(context.Background(), in)
		assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
	}
	assert.Equal(t, 0, alice.gateway.Acquisitions())
}

func TestCall_OutgoingMediaDeniedFailsWithoutTraffic(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	newAgent(t, bus, "bob", defaultConfig())
	alice.gateway.Deny(stderrors.New("permission denied"))

	_, err := alice.svc.StartOutgoing(context.Background(), &StartCallInput{RemotePeerID: "bob", MediaKind: domain.MediaVideo})

	assert.True(t, errors.HasCode(err, errors.ErrCodeMediaAcquisitionDenied))
	assert.Equal(t, domain.StatusFailed, alice.svc.Current().Status)
	assert.Equal(t, domain.ReasonMediaDenied, alice.svc.Current().Call.EndReason)
	assert.Empty(t, alice.transport.Sent())
	assert.Equal(t, 0, alice.factory.Created())
}

func TestCall_IncomingMediaDeniedDeclinesCaller(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	bob := newAgent(t, bus, "bob", defaultConfig())
	bob.gateway.Deny(stderrors.New("no camera"))

	placeCall(t, alice, "bob", domain.MediaVideo)
	callID := waitIncoming(t, bob)

	err := bob.svc.Answer(context.Background(), callID)

	assert.True(t, errors.HasCode(err, errors.ErrCodeMediaAcquisitionDenied))
	assert.Equal(t, domain.StatusFailed, bob.svc.Current().Status)
	waitStatus(t, alice, domain.StatusDeclined)
}

func TestCall_AnswerAndRejectValidation(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	newAgent(t, bus, "bob", defaultConfig())

	err := alice.svc.Answer(context.Background(), "nope")
	assert.True(t, errors.HasCode(err, errors.ErrCodeCallNotFound))

	call := placeCall(t, alice, "bob", domain.MediaAudio)

	err = alice.svc.Answer(context.Background(), call.CallID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState), "caller cannot answer its own call")
	err = alice.svc.Reject(call.CallID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func TestCall_RingStopsOnAnswer(t *testing.T) {
	bus := signaling.NewMemoryBus()
	cfg := Config{RingTimeout: 5 * time.Second, RingInterval: 10 * time.Millisecond}
	alice := newAgent(t, bus, "alice", cfg)
	bob := newAgent(t, bus, "bob", cfg)

	placeCall(t, alice, "bob", domain.MediaAudio)
	callID := waitIncoming(t, bob)
	require.Eventually(t, func() bool { return bob.notifier.Rings() >= 3 }, waitFor, tick)

	require.NoError(t, bob.svc.Answer(context.Background(), callID))
	time.Sleep(20 * time.Millisecond)
	rings := bob.notifier.Rings()
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, rings, bob.notifier.Rings(), "no ring after answer")
}

func TestCall_CallerCancelWhileRinging(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	bob := newAgent(t, bus, "bob", defaultConfig())

	call := placeCall(t, alice, "bob", domain.MediaAudio)
	waitIncoming(t, bob)

	require.NoError(t, alice.svc.End(call.CallID))

	assert.Equal(t, domain.StatusMissed, alice.svc.Current().Status)
	waitStatus(t, bob, domain.StatusMissed)
	final, _ := bob.notifier.Final(call.CallID)
	assert.Equal(t, domain.ReasonRemoteHangup, final.EndReason)
}

func TestCall_TransportDisconnectFailsCall(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	bob := newAgent(t, bus, "bob", defaultConfig())

	placeCall(t, alice, "bob", domain.MediaAudio)
	callID := waitIncoming(t, bob)
	require.NoError(t, bob.svc.Answer(context.Background(), callID))
	waitStatus(t, alice, domain.StatusActive)

	alice.transport.Disconnect()

	waitStatus(t, alice, domain.StatusFailed)
	final, terminal := alice.notifier.Final(callID)
	assert.Equal(t, domain.ReasonTransportDisconnected, final.EndReason)
	assert.Equal(t, 1, terminal)
	adapter := alice.factory.Last()
	assert.Eventually(t, func() bool { return adapter.Closes() == 1 }, waitFor, tick)
}

func TestCall_UndeliverablePeerFailsCall(t *testing.T) {
	alice := newAgent(t, signaling.NewMemoryBus(), "alice", defaultConfig())

	call := placeCall(t, alice, "dave", domain.MediaAudio)

	waitStatus(t, alice, domain.StatusFailed)
	final, terminal := alice.notifier.Final(call.CallID)
	assert.Equal(t, domain.ReasonUndeliverable, final.EndReason)
	assert.Equal(t, 1, terminal)
}

func TestCall_RacingTerminationsReportOnce(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	bob := newAgent(t, bus, "bob", defaultConfig())

	placeCall(t, alice, "bob", domain.MediaVideo)
	callID := waitIncoming(t, bob)
	require.NoError(t, bob.svc.Answer(context.Background(), callID))
	waitStatus(t, alice, domain.StatusActive)
	waitStatus(t, bob, domain.StatusActive)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); _ = alice.svc.End(callID) }()
	go func() { defer wg.Done(); _ = bob.svc.End(callID) }()
	go func() { defer wg.Done(); alice.transport.Disconnect() }()
	wg.Wait()

	for _, a := range []*agent{alice, bob} {
		adapter := a.factory.Last()
		require.Eventually(t, func() bool { return a.svc.Current().Status.IsTerminal() }, waitFor, tick)
		require.Eventually(t, func() bool { return adapter.Closes() > 0 }, waitFor, tick)
		time.Sleep(20 * time.Millisecond)
		_, terminal := a.notifier.Final(callID)
		assert.Equal(t, 1, terminal, "%s reported its terminal status once", a.id)
		assert.Equal(t, 1, adapter.Closes())
		assert.Eventually(t, func() bool { return a.gateway.LiveTracks() == 0 }, waitFor, tick)
	}
}

func TestCall_GlareRemoteWins(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	bob := bus.Join("bob")
	defer bob.Close()

	own := placeCall(t, alice, "bob", domain.MediaAudio)
	const remoteID = "00000000-0000-0000-0000-000000000000"

	inject(t, alice.transport, "bob", signaling.EventCallInitiate, signaling.InitiatePayload{
		CallID: remoteID, ChatID: "chat-1", MediaKind: domain.MediaAudio,
	})

	require.Eventually(t, func() bool {
		snap := alice.svc.Current()
		return snap.Call != nil && snap.Call.CallID == remoteID
	}, waitFor, tick)
	snap := alice.svc.Current()
	assert.Equal(t, domain.RoleResponder, snap.Call.Role)
	assert.Equal(t, domain.StatusRinging, snap.Status)

	final, _ := alice.notifier.Final(own.CallID)
	assert.Equal(t, domain.StatusEnded, final.Status)
	assert.Equal(t, domain.ReasonGlare, final.EndReason)
	assert.Equal(t, 1, alice.factory.Last().Closes())

	sent := alice.transport.Sent()
	last := sent[len(sent)-1]
	assert.Equal(t, signaling.EventCallCancel, last.Event)
	assert.Equal(t, own.CallID, signaling.CallIDOf(last))
}

func TestCall_GlareLocalWins(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	bob := bus.Join("bob")
	defer bob.Close()

	own := placeCall(t, alice, "bob", domain.MediaAudio)

	inject(t, alice.transport, "bob", signaling.EventCallInitiate, signaling.InitiatePayload{
		CallID: "ffffffff-ffff-ffff-ffff-ffffffffffff", ChatID: "chat-1", MediaKind: domain.MediaAudio,
	})
	time.Sleep(50 * time.Millisecond)

	snap := alice.svc.Current()
	assert.Equal(t, own.CallID, snap.Call.CallID)
	assert.Equal(t, domain.StatusRinging, snap.Status)
	assert.NotContains(t, alice.transport.SentEvents(), signaling.EventCallCancel)
	assert.NotContains(t, alice.transport.SentEvents(), signaling.EventCallReject)
}

// A candidate that arrives before its call exists is handed to the session once the call is created
func TestCall_ParkedCandidatesReachNewSession(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	bob := bus.Join("bob")
	defer bob.Close()

	const callID = "call-from-bob"
	early := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host"}

	inject(t, alice.transport, "bob", signaling.EventICECandidate, signaling.ICECandidatePayload{CallID: callID, To: "alice", Candidate: early})
	inject(t, alice.transport, "bob", signaling.EventCallInitiate, signaling.InitiatePayload{CallID: callID, ChatID: "chat-1", MediaKind: domain.MediaAudio})
	inject(t, alice.transport, "bob", signaling.EventOffer, signaling.OfferPayload{
		CallID: callID, To: "alice",
		Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\ns=bob\r\n"},
	})

	waitIncoming(t, alice)
	require.NoError(t, alice.svc.Answer(context.Background(), callID))

	assert.Equal(t, []webrtc.ICECandidateInit{early}, alice.factory.Last().Candidates())
	assert.Equal(t, []signaling.Event{signaling.EventCallAnswer, signaling.EventAnswer}, alice.transport.SentEvents()[:2])
}

func TestCall_TogglesAndObserve(t *testing.T) {
	bus := signaling.NewMemoryBus()
	alice := newAgent(t, bus, "alice", defaultConfig())
	newAgent(t, bus, "bob", defaultConfig())

	updates, unsubscribe := alice.svc.Observe()
	defer unsubscribe()
	first := <-updates
	assert.Nil(t, first.Call)

	call := placeCall(t, alice, "bob", domain.MediaVideo)

	enabled, err := alice.svc.ToggleVideo(call.CallID)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, alice.svc.Current().IsVideoEnabled)

	enabled, err = alice.svc.ToggleVideo(call.CallID)
	require.NoError(t, err)
	assert.True(t, enabled)

	_, err = alice.svc.ToggleAudio("other")
	assert.True(t, errors.HasCode(err, errors.ErrCodeCallNotFound))

	require.Eventually(t, func() bool {
		for {
			select {
			case snap := <-updates:
				if snap.Call != nil && snap.Call.CallID == call.CallID {
					return true
				}
			default:
				return false
			}
		}
	}, waitFor, tick)
}
