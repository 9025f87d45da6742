package presence

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/whisper/lobby/internal/protocol"
)

// Notifier composes presence events and roster snapshots.
type Notifier struct {
	registry   *Registry
	dispatcher *Dispatcher
}

// NewNotifier creates a Notifier over the given registry and dispatcher.
func NewNotifier(registry *Registry, dispatcher *Dispatcher) *Notifier {
	return &Notifier{registry: registry, dispatcher: dispatcher}
}

// Joined announces conn to everyone else, then refreshes the roster for all.
func (n *Notifier) Joined(conn Connection) {
	n.dispatcher.Send(protocol.TypePresenceEvent, protocol.PresenceEventMsg{
		Kind:         protocol.PresenceJoined,
		ConnectionID: conn.ID,
		Name:         conn.DisplayName,
		Message:      fmt.Sprintf("%s joined the chat", conn.DisplayName),
	}, AllExcept(conn.ID))
	n.Roster(All())
}

// Left announces that conn is gone. conn must already be unregistered, so
// only the remaining connections are addressed.
func (n *Notifier) Left(conn Connection, reason string) {
	n.dispatcher.Send(protocol.TypePresenceEvent, protocol.PresenceEventMsg{
		Kind:         protocol.PresenceLeft,
		ConnectionID: conn.ID,
		Name:         conn.DisplayName,
		Message:      fmt.Sprintf("%s left the chat", conn.DisplayName),
		Reason:       reason,
	}, All())
	n.Roster(All())
}

// Roster sends the current roster and count to the given recipients.
func (n *Notifier) Roster(to Recipients) {
	n.dispatcher.Send(protocol.TypeRosterUpdate, rosterMsg(n.registry.Snapshot()), to)
}

func rosterMsg(conns []Connection) protocol.RosterUpdateMsg {
	return protocol.RosterUpdateMsg{
		Connections: lo.Map(conns, func(c Connection, _ int) protocol.RosterEntry {
			return protocol.RosterEntry{ID: c.ID, Name: c.DisplayName, JoinedAt: c.JoinedAt}
		}),
		Count: len(conns),
	}
}
