// Package detections keeps the in-memory detection history: newest first,
// bounded, cleared only on explicit request.
package detections

import (
	"sync"

	"sonic-sentinel/models"
)

const DefaultCapacity = 500

type History struct {
	mu          sync.RWMutex
	capacity    int
	events      []models.DetectionEvent
	subscribers []func(models.DetectionEvent)
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{capacity: capacity}
}

// Append inserts event at the front, evicting the oldest entry when full.
// Subscribers run after the lock is released.
func (h *History) Append(event models.DetectionEvent) {
	h.mu.Lock()
	h.events = append(h.events, models.DetectionEvent{})
	copy(h.events[1:], h.events)
	h.events[0] = event
	if len(h.events) > h.capacity {
		h.events[len(h.events)-1] = models.DetectionEvent{}
		h.events = h.events[:h.capacity]
	}
	subs := h.subscribers
	h.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}

// Snapshot returns a copy, newest first.
func (h *History) Snapshot() []models.DetectionEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.DetectionEvent, len(h.events))
	copy(out, h.events)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}

func (h *History) Capacity() int { return h.capacity }

func (h *History) Clear() {
	h.mu.Lock()
	h.events = nil
	h.mu.Unlock()
}

func (h *History) Subscribe(fn func(models.DetectionEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]func(models.DetectionEvent), len(h.subscribers), len(h.subscribers)+1)
	copy(subs, h.subscribers)
	h.subscribers = append(subs, fn)
}
