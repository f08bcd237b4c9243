// Package event carries the change notifications the sync core emits
// for presentation-layer collaborators. Delivery is fire-and-forget,
// at-least-once per subscriber, and never blocks the publisher.
package event

import "sync"

// Event is a marker interface for bus payloads.
type Event interface{ event() }

// ConversationsUpdated announces changed conversation ids so open
// views can refresh their own snapshots.
type ConversationsUpdated struct {
	IDs []string
}

// MessagesUpdated announces changed message ids.
type MessagesUpdated struct {
	IDs []string
}

// MessageUpdated announces a single changed message.
type MessageUpdated struct {
	ID string
}

// LoadDidTimeout signals that a network operation timed out.
type LoadDidTimeout struct{}

// ServerUnreachable signals a connectivity failure: the server could
// not be reached at all.
type ServerUnreachable struct{}

// VerificationRequired signals that the server demands a human
// verification challenge before accepting further mutations.
type VerificationRequired struct{}

// SessionRevoked signals that the user's session could not be
// refreshed and the user is effectively signed out.
type SessionRevoked struct {
	UserID string
}

func (ConversationsUpdated) event() {}
func (MessagesUpdated) event()      {}
func (MessageUpdated) event()       {}
func (LoadDidTimeout) event()       {}
func (ServerUnreachable) event()    {}
func (VerificationRequired) event() {}
func (SessionRevoked) event()       {}

// subscriberBuffer is the per-subscriber channel depth; events beyond
// it are dropped rather than blocking the publisher.
const subscriberBuffer = 32

// Bus is a small typed fan-out. Subscribers receive every published
// event on their own buffered channel.
type Bus struct {
	mu   sync.Mutex
	subs []chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking.
// A subscriber that has fallen behind misses the event.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
