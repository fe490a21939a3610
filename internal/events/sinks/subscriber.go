package sinks

import (
	"context"
	"sync"

	"github.com/contextive/ingest/internal/events"
)

// SubscriberSink fans event batches out to live subscribers, one buffered
// channel each. It backs the server-sent-events endpoint. Slow subscribers
// lose events rather than stalling the hub.
type SubscriberSink struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscriber
	closed bool
}

type subscriber struct {
	ch       chan events.Event
	sourceID string
}

// NewSubscriberSink returns an empty sink ready for subscriptions.
func NewSubscriberSink() *SubscriberSink {
	return &SubscriberSink{subs: make(map[int]subscriber)}
}

// Subscribe registers a listener. If sourceID is non-empty only events for
// that source are delivered. The returned cancel func must be called to
// release the subscription; the channel is closed on cancel or sink close.
func (s *SubscriberSink) Subscribe(sourceID string, buffer int) (<-chan events.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan events.Event, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = subscriber{ch: ch, sourceID: sourceID}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// Consume delivers the batch to every matching subscriber without blocking.
func (s *SubscriberSink) Consume(_ context.Context, batch []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, evt := range batch {
		for _, sub := range s.subs {
			if sub.sourceID != "" && sub.sourceID != evt.SourceID {
				continue
			}
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
	return nil
}

// Close drops all subscribers and closes their channels.
func (s *SubscriberSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
	return nil
}
