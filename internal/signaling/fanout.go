package signaling

import "sync"

type subscriber struct {
	ch   chan *Envelope
	done chan struct{}
	once sync.Once
}

func (s *subscriber) cancel() {
	s.once.Do(func() { close(s.done) })
}

// fanout delivers inbound envelopes to every subscriber and connection
// changes to every handler. deliver must be called from a single goroutine
// so that per-sender order is kept.
type fanout struct {
	mu       sync.Mutex
	nextID   int
	subs     map[int]*subscriber
	handlers []func(bool)
	closed   bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]*subscriber)}
}

func (f *fanout) subscribe() (<-chan *Envelope, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &subscriber{ch: make(chan *Envelope, 64), done: make(chan struct{})}
	if f.closed {
		sub.cancel()
		return sub.ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = sub

	return sub.ch, func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		sub.cancel()
	}
}

// deliver blocks until every live subscriber has accepted env
func (f *fanout) deliver(env *Envelope) {
	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		case <-s.done:
		}
	}
}

func (f *fanout) onConnectionChange(fn func(bool)) {
	f.mu.Lock()
	f.handlers = append(f.handlers, fn)
	f.mu.Unlock()
}

func (f *fanout) notify(connected bool) {
	f.mu.Lock()
	handlers := append([]func(bool){}, f.handlers...)
	f.mu.Unlock()

	for _, fn := range handlers {
		fn(connected)
	}
}

// close cancels every subscriber; later subscriptions are born cancelled
func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, s := range f.subs {
		s.cancel()
		delete(f.subs, id)
	}
}
