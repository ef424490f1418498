package status

import (
	"log"
	"sync"

	"github.com/aegisrpa/aegis/internal/session"
)

// subscriberBuffer is how many undelivered events a subscriber may lag
// behind before it is dropped.
const subscriberBuffer = 64

type subscriber struct {
	ch     chan session.StatusEvent
	closed bool
}

// Publisher fans StatusEvents out to per-session subscribers. Events are
// delivered to each subscriber in publish order. Publish never blocks: a
// subscriber whose buffer is full is dropped rather than stalling the
// session, so a subscriber either sees the exact published sequence or a
// prefix of it. Late subscribers receive only events published after they
// subscribed.
type Publisher struct {
	mu     sync.Mutex
	topics map[string][]*subscriber
}

func NewPublisher() *Publisher {
	return &Publisher{topics: make(map[string][]*subscriber)}
}

// Subscribe registers an observer for one session's events. The returned
// cancel func is idempotent and safe to call after the topic closed.
func (p *Publisher) Subscribe(sessionID string) (<-chan session.StatusEvent, func()) {
	sub := &subscriber{ch: make(chan session.StatusEvent, subscriberBuffer)}

	p.mu.Lock()
	p.topics[sessionID] = append(p.topics[sessionID], sub)
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.dropLocked(sessionID, sub)
	}
	return sub.ch, cancel
}

// Publish delivers the event to every current subscriber of the session.
func (p *Publisher) Publish(sessionID string, ev session.StatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.topics[sessionID]
	for _, sub := range subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is not keeping up; drop it instead of
			// blocking the publisher.
			log.Printf("status: dropping slow subscriber for session %s", sessionID)
			p.dropLocked(sessionID, sub)
		}
	}
}

// CloseTopic closes every subscription for the session. Subscribers see
// their channel close after draining buffered events.
func (p *Publisher) CloseTopic(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sub := range p.topics[sessionID] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	delete(p.topics, sessionID)
}

// SubscriberCount reports the live subscriptions for a session.
func (p *Publisher) SubscriberCount(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics[sessionID])
}

func (p *Publisher) dropLocked(sessionID string, target *subscriber) {
	subs := p.topics[sessionID]
	for i, sub := range subs {
		if sub == target {
			p.topics[sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if !target.closed {
		target.closed = true
		close(target.ch)
	}
	if len(p.topics[sessionID]) == 0 {
		delete(p.topics, sessionID)
	}
}
