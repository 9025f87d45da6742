package presence

import "errors"

var (
	// ErrDuplicateConnection means a connection ID was registered twice. The
	// transport assigns unique IDs, so this is an invariant violation.
	ErrDuplicateConnection = errors.New("presence: duplicate connection")

	// ErrUnknownConnection means the ID is not (or no longer) registered. It is
	// the expected outcome of disconnect races and is treated as a no-op.
	ErrUnknownConnection = errors.New("presence: unknown connection")

	// ErrAlreadyJoined rejects a second join for the same connection.
	ErrAlreadyJoined = errors.New("presence: already joined")

	// ErrNotJoined rejects chat and typing events from anonymous connections.
	ErrNotJoined = errors.New("presence: not joined")

	// ErrEmptyMessage rejects chat text that is empty after trimming.
	ErrEmptyMessage = errors.New("presence: empty message")

	// ErrMessageTooLong rejects chat text above the size limits.
	ErrMessageTooLong = errors.New("presence: message too long")

	// ErrInvalidText rejects chat text that is not valid UTF-8.
	ErrInvalidText = errors.New("presence: message contains invalid UTF-8")

	// ErrClosed is returned once the coordinator loop has stopped.
	ErrClosed = errors.New("presence: coordinator closed")
)
