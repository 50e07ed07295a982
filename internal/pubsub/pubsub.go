// Package pubsub implements the unilateral broadcast channel a root uses to
// push notifications at subscribed observers.
//
// Publishing never blocks: a subscriber that cannot keep up has payloads
// dropped and counted rather than stalling the publisher.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// Payload is a structured document pushed to subscribers.
type Payload = map[string]any

const defaultBuffer = 16

// Publisher fans payloads out to any number of subscribers.
type Publisher struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one observer's view of the broadcast stream.
type Subscription struct {
	name    string
	ch      chan Payload
	dropped atomic.Uint64
	pub     *Publisher
	once    sync.Once
}

// NewPublisher creates an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new observer. The name is used only for
// diagnostics. Returns nil if the publisher is closed.
func (p *Publisher) Subscribe(name string) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	s := &Subscription{
		name: name,
		ch:   make(chan Payload, defaultBuffer),
		pub:  p,
	}
	p.subs[s] = struct{}{}
	return s
}

// Publish delivers payload to every subscriber without blocking.
func (p *Publisher) Publish(payload Payload) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for s := range p.subs {
		select {
		case s.ch <- payload:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the current subscriber count.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close cancels every subscription. Further publishes are no-ops.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := make([]*Subscription, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
	}
	p.subs = make(map[*Subscription]struct{})
	p.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

// C is the stream of payloads for this subscriber. It is closed when the
// subscription is cancelled.
func (s *Subscription) C() <-chan Payload {
	return s.ch
}

// Name returns the diagnostic name given at subscription time.
func (s *Subscription) Name() string {
	return s.name
}

// Dropped returns how many payloads were discarded because this subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel removes the subscription and closes its stream.
func (s *Subscription) Cancel() {
	s.pub.mu.Lock()
	delete(s.pub.subs, s)
	s.pub.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
