// Package events fans task and batch lifecycle transitions out to connected
// dashboard clients.
package events

import (
	"sync"
	"time"
)

// Event is one audit entry on the live feed.
type Event struct {
	Type         string    `json:"type"` // e.g. "task.completed", "batch.running"
	At           time.Time `json:"at"`
	Cluster      string    `json:"cluster,omitempty"`
	EndpointSlug string    `json:"endpoint_slug,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	BatchID      string    `json:"batch_id,omitempty"`
	IdentityID   string    `json:"identity_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// Publisher is the write side of the feed.
type Publisher interface {
	Publish(event Event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// Hub is an in-process broadcast hub. Slow subscribers drop events rather
// than backpressure publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish delivers the event to every subscriber without blocking.
func (h *Hub) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new subscriber; the returned cancel func must be
// called to release it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 100)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}
