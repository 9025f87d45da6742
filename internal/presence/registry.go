package presence

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// State is a connection's position in the session state machine.
type State int

const (
	StateTerminated State = iota // not registered (never was, or already gone)
	StateConnected               // registered, anonymous
	StateJoined                  // registered and joined under a display name
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	default:
		return "terminated"
	}
}

// Connection is a value copy of one registry entry.
type Connection struct {
	ID          string
	DisplayName string
	State       State
	ConnectedAt time.Time
	JoinedAt    time.Time

	seq uint64
}

// Joined reports whether the connection completed a join.
func (c Connection) Joined() bool {
	return c.State == StateJoined
}

// PlaceholderName derives the default display name for a connection that
// joined without one.
func PlaceholderName(id string) string {
	prefix := id
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	return "User_" + prefix
}

// Registry owns the set of registered connections. Writes come from the
// coordinator loop only; the mutex makes copy-out reads safe from anywhere.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	seq  uint64
	now  func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*Connection),
		now:  time.Now,
	}
}

// Register creates an anonymous entry for id.
func (r *Registry) Register(id string) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; ok {
		return Connection{}, fmt.Errorf("%w: %s", ErrDuplicateConnection, id)
	}
	r.seq++
	c := &Connection{
		ID:          id,
		State:       StateConnected,
		ConnectedAt: r.now(),
		seq:         r.seq,
	}
	r.byID[id] = c
	return *c, nil
}

// Join moves an anonymous entry to joined. A blank requested name falls back
// to PlaceholderName.
func (r *Registry) Join(id, requestedName string) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return Connection{}, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	if c.State == StateJoined {
		return *c, ErrAlreadyJoined
	}

	name := strings.TrimSpace(requestedName)
	if name == "" {
		name = PlaceholderName(id)
	}
	c.DisplayName = name
	c.State = StateJoined
	c.JoinedAt = r.now()
	return *c, nil
}

// Unregister removes and returns the entry. ok is false for unknown ids.
func (r *Registry) Unregister(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return Connection{}, false
	}
	delete(r.byID, id)
	return *c, true
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byID[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// StateOf returns the session state of id; unknown ids are terminated.
func (r *Registry) StateOf(id string) State {
	c, ok := r.Get(id)
	if !ok {
		return StateTerminated
	}
	return c.State
}

// Snapshot returns the joined participants in registration order.
func (r *Registry) Snapshot() []Connection {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.byID))
	for _, c := range r.byID {
		if c.State == StateJoined {
			out = append(out, *c)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Connection) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// IDs returns every registered connection ID, anonymous ones included.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of joined participants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.byID {
		if c.State == StateJoined {
			n++
		}
	}
	return n
}

// Connected returns the number of registered connections.
func (r *Registry) Connected() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}
