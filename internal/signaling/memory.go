package signaling

import (
	"context"
	"fmt"
	"sync"

	"peercall/pkg/errors"
)

// Compile-time interface check.
var _ Transport = (*MemoryTransport)(nil)

// MemoryBus is an in-process relay for tests. Transports joined to the same
// bus reach each other by peer id, and events for a peer that is absent or
// disconnected come back to the sender as signal:undeliverable, as with the
// real relay.
type MemoryBus struct {
	mu    sync.Mutex
	peers map[string]*MemoryTransport
}

// NewMemoryBus creates an empty bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{peers: make(map[string]*MemoryTransport)}
}

// Join attaches a connected transport for peerID
func (b *MemoryBus) Join(peerID string) *MemoryTransport {
	t := &MemoryTransport{
		bus:       b,
		localID:   peerID,
		connected: true,
		fanout:    newFanout(),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	go t.pump()

	b.mu.Lock()
	b.peers[peerID] = t
	b.mu.Unlock()
	return t
}

func (b *MemoryBus) route(env *Envelope) {
	b.mu.Lock()
	to := b.peers[env.To]
	from := b.peers[env.From]
	b.mu.Unlock()

	if to != nil && to.enqueue(env) {
		return
	}
	if from == nil || env.Event == EventUndeliverable {
		return
	}
	bounce, err := NewEnvelope("", env.From, EventUndeliverable, UndeliverablePayload{
		To:     env.To,
		Event:  env.Event,
		CallID: CallIDOf(env),
	})
	if err == nil {
		from.enqueue(bounce)
	}
}

// MemoryTransport is one peer's end of a MemoryBus
type MemoryTransport struct {
	bus     *MemoryBus
	localID string
	fanout  *fanout

	mu        sync.Mutex
	connected bool
	inbox     []*Envelope
	sent      []*Envelope
	sendErr   error

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// LocalID returns the peer id
func (t *MemoryTransport) LocalID() string {
	return t.localID
}

// Send routes an event through the bus. It never blocks on the recipient.
func (t *MemoryTransport) Send(ctx context.Context, to string, event Event, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	connected, sendErr := t.connected, t.sendErr
	t.mu.Unlock()
	if !connected {
		return errors.TransportDisconnectedError(fmt.Errorf("memory transport %s is disconnected", t.localID))
	}
	if sendErr != nil {
		return sendErr
	}

	env, err := NewEnvelope(t.localID, to, event, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.sent = append(t.sent, env)
	t.mu.Unlock()

	t.bus.route(env)
	return nil
}

// Subscribe returns inbound envelopes
func (t *MemoryTransport) Subscribe() (<-chan *Envelope, func()) {
	return t.fanout.subscribe()
}

// OnConnectionChange registers a connect / disconnect handler
func (t *MemoryTransport) OnConnectionChange(fn func(bool)) {
	t.fanout.onConnectionChange(fn)
}

// Disconnect simulates losing the relay link
func (t *MemoryTransport) Disconnect() {
	t.setConnected(false)
}

// Reconnect restores the relay link
func (t *MemoryTransport) Reconnect() {
	t.setConnected(true)
}

func (t *MemoryTransport) setConnected(connected bool) {
	t.mu.Lock()
	changed := t.connected != connected
	t.connected = connected
	t.mu.Unlock()
	if changed {
		t.fanout.notify(connected)
	}
}

// FailSends makes every later Send return err (nil restores normal sends)
func (t *MemoryTransport) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// Sent returns every envelope this transport has sent, oldest first
func (t *MemoryTransport) Sent() []*Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Envelope(nil), t.sent...)
}

// SentEvents returns the names of sent events, oldest first
func (t *MemoryTransport) SentEvents() []Event {
	sent := t.Sent()
	events := make([]Event, 0, len(sent))
	for _, env := range sent {
		events = append(events, env.Event)
	}
	return events
}

// Inject delivers env as if it came from the relay
func (t *MemoryTransport) Inject(env *Envelope) {
	t.enqueue(env)
}

// Close detaches the transport from the bus and stops delivery
func (t *MemoryTransport) Close() {
	t.bus.mu.Lock()
	if t.bus.peers[t.localID] == t {
		delete(t.bus.peers, t.localID)
	}
	t.bus.mu.Unlock()

	t.stopOnce.Do(func() { close(t.stop) })
	t.fanout.close()
}

func (t *MemoryTransport) enqueue(env *Envelope) bool {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return false
	}
	t.inbox = append(t.inbox, env)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return true
}

// pump moves queued envelopes to subscribers in arrival order
func (t *MemoryTransport) pump() {
	for {
		select {
		case <-t.stop:
			return
		case <-t.wake:
		}
		for {
			t.mu.Lock()
			if len(t.inbox) == 0 {
				t.mu.Unlock()
				break
			}
			env := t.inbox[0]
			t.inbox = t.inbox[1:]
			t.mu.Unlock()

			t.fanout.deliver(env)
		}
	}
}
