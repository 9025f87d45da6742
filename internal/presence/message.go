package presence

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/whisper/lobby/internal/protocol"
)

const (
	MaxMessageBytes = 4096 // 4KB max text size
	MaxTextChars    = 2000 // max character count
)

// MessageKind distinguishes participant text from system notices.
type MessageKind string

const (
	KindText   MessageKind = protocol.KindText
	KindSystem MessageKind = protocol.KindSystem
)

// ParseKind maps a wire kind to a MessageKind. Anything unrecognised is text.
func ParseKind(s string) MessageKind {
	if MessageKind(s) == KindSystem {
		return KindSystem
	}
	return KindText
}

// Message is one chat send. It is immutable once appended to the history.
type Message struct {
	ID         string
	AuthorID   string
	AuthorName string
	Text       string
	Kind       MessageKind
	SentAt     time.Time
}

// Wire converts the message to its protocol representation.
func (m Message) Wire() protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:         m.ID,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		Text:       m.Text,
		Kind:       string(m.Kind),
		SentAt:     m.SentAt,
	}
}

// ValidateText checks that chat text meets content requirements.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrMessageTooLong, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return ErrInvalidText
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrMessageTooLong, MaxTextChars)
	}
	return nil
}

// newMessageID returns a time-ordered UUID. NewV7 only fails when the random
// source does, in which case a v4 ID is still unique.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
