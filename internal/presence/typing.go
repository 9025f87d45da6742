package presence

import (
	"sync"
	"time"
)

// DefaultTypingIdle is how long a typing indicator survives without a refresh.
const DefaultTypingIdle = time.Second

// TypingUpdate is one typing transition, ready to broadcast.
type TypingUpdate struct {
	ConnectionID string
	Name         string
	IsTyping     bool
}

type typingEntry struct {
	typing bool
	gen    uint64
	timer  *time.Timer
}

// TypingTracker holds per-connection typing state. Every MarkTyping arms a
// timer for the idle window; when it fires, the expire callback receives the
// generation it was armed with, and Expire ignores generations that have since
// been superseded. The callback must not call back into the tracker
// synchronously; the coordinator posts it onto its loop instead.
type TypingTracker struct {
	mu       sync.Mutex
	registry *Registry
	idle     time.Duration
	entries  map[string]*typingEntry
	gen      uint64
	onExpire func(id string, gen uint64)
}

// NewTypingTracker creates a tracker with the given idle window. onExpire is
// called from a timer goroutine.
func NewTypingTracker(registry *Registry, idle time.Duration, onExpire func(id string, gen uint64)) *TypingTracker {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingTracker{
		registry: registry,
		idle:     idle,
		entries:  make(map[string]*typingEntry),
		onExpire: onExpire,
	}
}

// MarkTyping records activity for id and re-arms its expiry timer. It reports
// true only for the idle -> typing transition.
func (t *TypingTracker) MarkTyping(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		e = &typingEntry{}
		t.entries[id] = e
	}
	if e.timer != nil {
		e.timer.Stop()
	}

	t.gen++
	gen := t.gen
	started := !e.typing
	e.typing = true
	e.gen = gen
	e.timer = time.AfterFunc(t.idle, func() {
		if t.onExpire != nil {
			t.onExpire(id, gen)
		}
	})
	return started
}

// MarkStopped clears the typing flag and cancels the pending expiry. It
// reports true only for the typing -> idle transition.
func (t *TypingTracker) MarkStopped(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || !e.typing {
		return false
	}
	e.typing = false
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	return true
}

// Expire applies a fired timer. It is a no-op unless id is still typing under
// the same generation.
func (t *TypingTracker) Expire(id string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || !e.typing || e.gen != gen {
		return false
	}
	e.typing = false
	e.timer = nil
	return true
}

// Remove drops id from the tracker and cancels its timer. It reports whether
// the connection was typing at the time.
func (t *TypingTracker) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.entries, id)
	return e.typing
}

// Update builds the broadcast payload for a transition of id.
func (t *TypingTracker) Update(id string, isTyping bool) TypingUpdate {
	u := TypingUpdate{ConnectionID: id, IsTyping: isTyping}
	if c, ok := t.registry.Get(id); ok {
		u.Name = c.DisplayName
	}
	return u
}

// IsTyping reports whether id is currently marked as typing.
func (t *TypingTracker) IsTyping(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	return ok && e.typing
}

// Active returns the number of connections currently typing.
func (t *TypingTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.typing {
			n++
		}
	}
	return n
}

// Stop cancels every pending timer and clears all state.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.entries, id)
	}
}
