package bus

import (
	"encoding/json"
	"sync"
)

// Notification is one inbound plugin event as seen by local subscribers.
type Notification struct {
	Plugin  string          `json:"plugin"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// Hub is an in-memory pub/sub for inbound notifications. There is no replay
// buffer: a subscriber registered after a publish never observes it.
type Hub struct {
	mu        sync.Mutex
	subs      map[int]chan Notification
	nextSubID int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]chan Notification),
	}
}

// Publish delivers the notification to every current subscriber.
func (h *Hub) Publish(plugin, key string, payload json.RawMessage) {
	n := Notification{
		Plugin:  plugin,
		Key:     key,
		Payload: payload,
	}

	h.mu.Lock()
	for _, ch := range h.subs {
		// Don't let slow subscribers block the router.
		select {
		case ch <- n:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new subscriber. The returned cancel func detaches it
// and closes the channel.
func (h *Hub) Subscribe() (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Notification, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
