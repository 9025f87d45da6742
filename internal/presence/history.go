package presence

import "sync"

// DefaultHistoryCapacity is the number of recent messages retained.
const DefaultHistoryCapacity = 100

// History stores the most recent messages in arrival order. It is
// goroutine-safe and uses a ring buffer internally, so an append at capacity
// overwrites the oldest slot in the same critical section.
type History struct {
	mu    sync.RWMutex
	items []Message
	pos   int // next write slot
	count int
}

// NewHistory creates an empty History holding at most capacity messages.
// A non-positive capacity falls back to DefaultHistoryCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{items: make([]Message, capacity)}
}

// Append adds msg to the tail, evicting the oldest message when full.
func (h *History) Append(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items[h.pos] = msg
	h.pos = (h.pos + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

// Snapshot returns every retained message, oldest first.
func (h *History) Snapshot() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.lastLocked(h.count)
}

// Recent returns the last n messages, oldest first. n is clamped to the
// number of retained messages.
func (h *History) Recent(n int) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n = max(0, min(n, h.count))
	return h.lastLocked(n)
}

// Len returns the number of retained messages.
func (h *History) Len() int {
	h.mu.RLock()
	n := h.count
	h.mu.RUnlock()
	return n
}

// Cap returns the buffer capacity.
func (h *History) Cap() int {
	return len(h.items)
}

func (h *History) lastLocked(n int) []Message {
	size := len(h.items)
	result := make([]Message, n)
	// The oldest of the last n messages sits n slots behind the write position.
	start := (h.pos - n + size) % size
	for i := 0; i < n; i++ {
		result[i] = h.items[(start+i)%size]
	}
	return result
}
