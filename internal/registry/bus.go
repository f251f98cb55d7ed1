package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrClosed is returned by Subscription.Next after Unsubscribe.
var ErrClosed = errors.New("subscription closed")

// Event is one published message.
type Event struct {
	ID      string
	Topic   string
	Payload Payload
	Time    time.Time
}

// Subscription is an unbounded FIFO of events for a single topic. Each event
// published while the subscription is live is delivered to it at most once.
type Subscription struct {
	id    uint64
	topic string

	mu     sync.Mutex
	queue  []Event
	signal chan struct{} // closed and replaced whenever the queue grows
	closed bool
}

// Topic returns the topic the subscription listens on.
func (s *Subscription) Topic() string { return s.topic }

// Len reports the number of undelivered events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Next blocks until an event is available, ctx is done, or the subscription
// is closed. Pending events are still drained after close.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrClosed
		}
		wait := s.signal
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-wait:
		}
	}
}

func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, ev)
	close(s.signal)
	s.signal = make(chan struct{})
	return true
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.signal)
}

// Subscribe creates a fresh queue for topic.
func (r *Registry) Subscribe(topic string) *Subscription {
	r.busMu.Lock()
	defer r.busMu.Unlock()

	r.nextID++
	s := &Subscription{
		id:     r.nextID,
		topic:  topic,
		signal: make(chan struct{}),
	}
	r.subs[topic] = append(r.subs[topic], s)
	return s
}

// Unsubscribe detaches s from its topic and wakes any blocked Next call.
func (r *Registry) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}

	r.busMu.Lock()
	list := r.subs[s.topic]
	for i, cur := range list {
		if cur.id == s.id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.subs, s.topic)
	} else {
		r.subs[s.topic] = list
	}
	r.busMu.Unlock()

	s.close()
}

// Publish appends an event to every current subscriber of topic and returns
// how many queues received it. It never blocks on a slow consumer.
func (r *Registry) Publish(topic string, payload Payload) int {
	ev := Event{
		ID:      ulid.Make().String(),
		Topic:   topic,
		Payload: payload,
		Time:    time.Now(),
	}

	r.busMu.Lock()
	targets := make([]*Subscription, len(r.subs[topic]))
	copy(targets, r.subs[topic])
	r.busMu.Unlock()

	delivered := 0
	for _, s := range targets {
		if s.push(ev) {
			delivered++
		}
	}
	return delivered
}

// Subscribers reports the number of live subscriptions on topic.
func (r *Registry) Subscribers(topic string) int {
	r.busMu.Lock()
	defer r.busMu.Unlock()
	return len(r.subs[topic])
}
