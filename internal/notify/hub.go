// Package notify is a topic-based publish/subscribe feed for external
// dashboards (deployment status, job logs, node status) — a second,
// independent use of gorilla/websocket alongside internal/session's worker
// protocol. A single-writer event loop keeps Publish callers lock-free.
package notify

import (
	"go.uber.org/zap"
)

// EventType identifies the shape of an Event's payload.
type EventType string

const (
	EventDeploymentStatus EventType = "deployment_status"
	EventNodeStatus       EventType = "node_status"
	EventJobLog           EventType = "job_log"
	EventNotification     EventType = "notification"
)

// Event is the envelope published on a topic and forwarded verbatim to every
// subscriber.
type Event struct {
	Type    EventType `json:"type"`
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
}

// subscriber is a single client's inbox plus its topic subscriptions.
type subscriber struct {
	send   chan Event
	topics map[string]struct{}
}

// Hub is a single-writer event loop broadcasting Events to topic
// subscribers: register/unregister channels feed a private goroutine that
// owns all mutable state, so Publish never has to take a lock from the
// caller's side.
type Hub struct {
	clients map[*subscriber]struct{}
	topics  map[string]map[*subscriber]struct{}

	register   chan *subscriber
	unregister chan *subscriber
	publish    chan Event
	stopped    chan struct{}

	logger *zap.Logger
}

const subscriberBufferSize = 32

// NewHub creates a Hub; call Run in its own goroutine to start the event loop.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*subscriber]struct{}),
		topics:     make(map[string]map[*subscriber]struct{}),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		publish:    make(chan Event, 256),
		stopped:    make(chan struct{}),
		logger:     logger.Named("notify"),
	}
}

// Run is the hub's single-writer event loop; exits when stopped is closed.
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			h.clients[s] = struct{}{}
			for topic := range s.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*subscriber]struct{})
				}
				h.topics[topic][s] = struct{}{}
			}
		case s := <-h.unregister:
			h.removeSubscriber(s)
		case ev := <-h.publish:
			h.deliver(ev)
		case <-h.stopped:
			return
		}
	}
}

func (h *Hub) removeSubscriber(s *subscriber) {
	if _, ok := h.clients[s]; !ok {
		return
	}
	delete(h.clients, s)
	for topic := range s.topics {
		delete(h.topics[topic], s)
	}
	close(s.send)
}

func (h *Hub) deliver(ev Event) {
	var slow []*subscriber
	for s := range h.topics[ev.Topic] {
		select {
		case s.send <- ev:
		default:
			slow = append(slow, s)
		}
	}
	// Drop slow subscribers rather than block the hub, same policy as the
	// teacher's Publish. Removed directly (not via the unregister channel,
	// which this goroutine itself drains) to avoid a self-deadlock.
	for _, s := range slow {
		h.removeSubscriber(s)
	}
}

// Publish broadcasts ev to every subscriber of ev.Topic. It returns once ev
// is queued on the hub's 256-event buffer (blocking while that buffer is
// full) or the hub is stopped; delivery happens on the hub's own goroutine.
func (h *Hub) Publish(ev Event) {
	select {
	case h.publish <- ev:
	case <-h.stopped:
	}
}

// Stop halts the event loop. Safe to call once.
func (h *Hub) Stop() {
	close(h.stopped)
}

// Subscriber is the external handle a websocket connection uses to join and
// receive from topics, and to leave via Close.
type Subscriber struct {
	hub *Hub
	sub *subscriber
}

// Subscribe registers a new subscriber for the given topics and returns a
// handle whose Recv channel yields published Events.
func (h *Hub) Subscribe(topics ...string) *Subscriber {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	s := &subscriber{send: make(chan Event, subscriberBufferSize), topics: set}
	h.register <- s
	return &Subscriber{hub: h, sub: s}
}

// Recv returns the channel of Events delivered to this subscriber. It closes
// when the subscriber is dropped (explicitly or for being slow).
func (s *Subscriber) Recv() <-chan Event { return s.sub.send }

// Close unregisters the subscriber.
func (s *Subscriber) Close() {
	s.hub.unregister <- s.sub
}
