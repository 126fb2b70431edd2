package api

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one diagnostics record published by the host. Event types and
// payload shapes are the host package's (connection lifecycle, dead
// letters); the hub stores payloads as marshaled JSON so the SSE handler
// can forward them verbatim.
type Event struct {
	ID   int64
	Type string
	At   time.Time
	Data []byte
}

// EventHub is an in-memory pub/sub with a small ring buffer so clients that
// reconnect can catch up on recent events. IDs are assigned under the hub
// lock, so the ring is always ordered by ID and SnapshotSince can replay a
// gap exactly.
type EventHub struct {
	mu     sync.Mutex
	lastID int64
	ring   []Event
	start  int
	size   int

	subs      map[int]chan Event
	nextSubID int
}

func NewEventHub(capacity int) *EventHub {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventHub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records one event and fans it out. It never blocks; slow
// subscribers miss events rather than stalling the host.
func (h *EventHub) Publish(eventType string, data any) {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{
		ID:   h.lastID,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.appendLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *EventHub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 32)
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

// SnapshotSince returns buffered events with ID > lastID, oldest-first. A
// lastID of 0 returns the full buffer.
func (h *EventHub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID <= lastID {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (h *EventHub) appendLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	// Full: the new event replaces the oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
