package session

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"peercall/internal/media"
	"peercall/internal/peer"
)

// callbackQueue runs adapter callbacks one at a time, in arrival order, off
// the pion goroutines that raise them.
type callbackQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newCallbackQueue() *callbackQueue {
	q := &callbackQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *callbackQueue) push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *callbackQueue) run() {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
			case <-q.done:
				return
			}
			continue
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
	}
}

// close drops queued callbacks and stops the worker
func (q *callbackQueue) close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	})
}

// adapterObserver forwards peer callbacks into the session's queue
type adapterObserver struct {
	s *Session
}

func (o *adapterObserver) OnTrack(track media.RemoteTrack) {
	o.s.events.push(func() { o.s.onRemoteTrack(track) })
}

func (o *adapterObserver) OnICECandidate(c webrtc.ICECandidateInit) {
	o.s.events.push(func() { o.s.onLocalICECandidate(c) })
}

func (o *adapterObserver) OnConnectionStateChange(state peer.State) {
	o.s.events.push(func() { o.s.onConnectionStateChange(state) })
}
