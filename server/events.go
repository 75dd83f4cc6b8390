package server

import (
	"sync"
	"time"
)

// Event types published by the pool.
const (
	EventSessionCreated = "session.created"
	EventSessionClosed  = "session.closed"
	EventSessionExpired = "session.expired"
)

// Event is one session lifecycle notification, consumed by the gateway's
// websocket stream.
type Event struct {
	Type    string    `json:"type"`
	Session int       `json:"session"`
	Owner   string    `json:"owner"`
	Time    time.Time `json:"time"`
}

// EventHub fans session lifecycle events out to subscribers. Publishing never
// blocks: a subscriber that cannot keep up loses events rather than stalling
// the pool.
type EventHub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release it.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber, dropping on full buffers.
func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
