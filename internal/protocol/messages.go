// Package protocol defines the WebSocket message types and structures used for
// communication between lobby clients and the server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin         = "join"
	TypeChatSend     = "chat_send"
	TypeTypingStart  = "typing_start"
	TypeTypingStop   = "typing_stop"
	TypeLeave        = "leave"
	TypeServerStatus = "server_status"
	TypePing         = "ping"
)

// Server -> Client message types. TypeServerStatus is shared: the client asks
// with it and the server answers with the same type.
const (
	TypeSessionCreated  = "session_created"
	TypeRosterUpdate    = "roster_update"
	TypeNewMessage      = "new_message"
	TypePresenceEvent   = "presence_event"
	TypeTypingUpdate    = "typing_update"
	TypeHistorySnapshot = "history_snapshot"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Presence event kinds.
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

// Chat message kinds.
const (
	KindText   = "text"
	KindSystem = "system"
)

// MaxNameRunes caps the display name a client may request on join.
const MaxNameRunes = 64

var validate = validator.New()

// Parse failures, distinguishable with errors.Is.
var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnknownType = errors.New("protocol: unknown client message type")
	ErrInvalid     = errors.New("protocol: invalid payload")
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type" field
// so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg moves an anonymous connection into the lobby under a display name.
// An empty name asks the server to generate one.
type JoinMsg struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// ChatSendMsg is a chat line sent by a joined participant.
type ChatSendMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Kind string `json:"kind" validate:"omitempty,oneof=text system"`
}

// TypingStartMsg signals that the participant started typing.
type TypingStartMsg struct {
	Type string `json:"type"`
}

// TypingStopMsg signals that the participant stopped typing.
type TypingStopMsg struct {
	Type string `json:"type"`
}

// LeaveMsg ends the participant's session; the server closes the socket.
type LeaveMsg struct {
	Type string `json:"type"`
}

// ServerStatusRequestMsg asks for a server_status reply.
type ServerStatusRequestMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping. ClientTime is the client's
// clock in unix milliseconds and is used to report latency.
type PingMsg struct {
	Type       string `json:"type"`
	ClientTime int64  `json:"client_time,omitempty"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg carries the connection ID assigned at accept time.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// RosterEntry describes one joined participant.
type RosterEntry struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

// RosterUpdateMsg carries the full roster and its size.
type RosterUpdateMsg struct {
	Type        string        `json:"type"`
	Connections []RosterEntry `json:"connections"`
	Count       int           `json:"count"`
}

// ChatMessage is the wire form of a stored chat message.
type ChatMessage struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Text       string    `json:"text"`
	Kind       string    `json:"kind"`
	SentAt     time.Time `json:"sent_at"`
}

// NewMessageMsg delivers one chat message to every connection.
type NewMessageMsg struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

// PresenceEventMsg announces a participant joining or leaving.
type PresenceEventMsg struct {
	Type         string `json:"type"`
	Kind         string `json:"kind"`
	ConnectionID string `json:"connection_id"`
	Name         string `json:"name"`
	Message      string `json:"message"`
	Reason       string `json:"reason,omitempty"`
}

// TypingUpdateMsg relays a typing transition of another participant.
type TypingUpdateMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Name         string `json:"name"`
	IsTyping     bool   `json:"is_typing"`
}

// HistorySnapshotMsg carries the recent history to a newly accepted connection.
type HistorySnapshotMsg struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

// ServerStatusMsg answers a server_status request.
type ServerStatusMsg struct {
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Connections   int       `json:"connections"`
	Participants  int       `json:"participants"`
	TotalMessages int       `json:"total_messages"`
	Goroutines    int       `json:"goroutines"`
	GoVersion     string    `json:"go_version"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate a protocol error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping. Latency is only set when
// the ping carried a client time.
type PongMsg struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"server_time"`
	Latency    int64  `json:"latency,omitempty"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing or validation. An error is returned for unknown
// or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = validateName(m.Name)
		}
		msg = m
	case TypeChatSend:
		var m ChatSendMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = validate.Struct(m)
		}
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeServerStatus:
		var m ServerStatusRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: %q: %w", ErrInvalid, env.Type, err)
	}
	return env.Type, msg, nil
}

// validateName checks the requested join name length (validator counts runes).
func validateName(name string) error {
	if err := validate.Var(name, fmt.Sprintf("max=%d", MaxNameRunes)); err != nil {
		return fmt.Errorf("name exceeds %d characters", MaxNameRunes)
	}
	return nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
