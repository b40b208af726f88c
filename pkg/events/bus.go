// Package events provides the in-process pub/sub bus connecting the
// resolver, drivers and supervisor to their observers. Publishing
// never blocks: each subscriber owns a bounded buffer and chooses what
// happens when it overflows.
package events

import (
	"sync"
	"time"

	"dnsgate/pkg/logging"
)

// Topic names an event stream.
type Topic string

const (
	// TopicLogEvent carries one event per request, response or error
	TopicLogEvent Topic = "dns/log/event"

	// TopicStatus carries lifecycle transitions (started/stopped/crashed)
	TopicStatus Topic = "dns/status"

	// Content change notifications from the drivers
	TopicCache     Topic = "dns/cache"
	TopicDenylist  Topic = "dns/denylist"
	TopicAllowlist Topic = "dns/allowlist"

	// TopicInfo carries configuration change snapshots
	TopicInfo Topic = "dns/info"
)

// Event is one published item.
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Payload   any
}

// DropPolicy selects the overflow behavior of a subscription buffer.
type DropPolicy int

const (
	// DropNewest discards the incoming event when the buffer is full
	DropNewest DropPolicy = iota

	// DropOldest discards the oldest buffered event to make room
	DropOldest
)

const defaultSubscriberBuffer = 64

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus    *Bus
	ch     chan Event
	topics map[Topic]bool
	policy DropPolicy

	mu     sync.Mutex
	closed bool
}

// Events returns the subscriber's receive channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver hands an event to the subscription without blocking the
// publisher.
func (s *Subscription) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- e:
		return
	default:
	}

	switch s.policy {
	case DropOldest:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- e:
		default:
		}
	default:
		// DropNewest: the incoming event is discarded
	}
}

// Bus fans events out to subscriptions by topic.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	// BufferSize bounds the subscriber channel (0 means the default)
	BufferSize int

	// Policy selects overflow behavior
	Policy DropPolicy
}

// Subscribe registers a subscriber for the given topics. No topics
// means all topics.
func (b *Bus) Subscribe(opts SubscribeOptions, topics ...Topic) *Subscription {
	size := opts.BufferSize
	if size <= 0 {
		size = defaultSubscriberBuffer
	}

	sub := &Subscription{
		bus:    b,
		ch:     make(chan Event, size),
		policy: opts.Policy,
	}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish delivers an event to every matching subscriber. It never
// blocks; slow subscribers lose events per their drop policy.
func (b *Bus) Publish(topic Topic, payload any) {
	e := Event{Topic: topic, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.topics != nil && !sub.topics[topic] {
			continue
		}
		sub.deliver(e)
	}
}

// SubscriberCount reports the number of attached subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
	logging.Debug("Event bus closed", "subscribers", len(subs))
}
