package ws

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/lobby/internal/protocol"
)

// Error codes sent in protocol.ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidMessage  = "invalid_message"
)

// MessageHandler handles one decoded client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes decoded client messages by type. Ping is answered
// here; everything else needs a registered handler.
type MessageDispatcher struct {
	log      *zap.Logger
	handlers map[string]MessageHandler
	now      func() time.Time
}

func NewMessageDispatcher(log *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		log:      log.Named("dispatch"),
		handlers: make(map[string]MessageHandler),
		now:      time.Now,
	}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the Server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("parse error", zap.String("session", conn.ID), zap.String("type", msgType), zap.Error(err))
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			d.SendError(conn, CodeUnsupportedType, "unsupported message type")
		case errors.Is(err, protocol.ErrInvalid):
			d.SendError(conn, CodeInvalidMessage, "invalid "+msgType+" message")
		default:
			d.SendError(conn, CodeParseError, "invalid message format")
		}
		return
	}

	if msgType == protocol.TypePing {
		ping, _ := msg.(protocol.PingMsg)
		d.sendPong(conn, ping)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug("no handler", zap.String("session", conn.ID), zap.String("type", msgType))
		d.SendError(conn, CodeUnsupportedType, "unsupported message type")
		return
	}
	handler(conn, msg)
}

// SendError writes a protocol error frame to conn.
func (d *MessageDispatcher) SendError(conn *Connection, code, message string) {
	d.reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// sendPong answers an application ping. When the client stamped the ping,
// the pong carries the one-way latency in milliseconds.
func (d *MessageDispatcher) sendPong(conn *Connection, ping protocol.PingMsg) {
	now := d.now().UnixMilli()
	pong := protocol.PongMsg{ServerTime: now}
	if ping.ClientTime > 0 && ping.ClientTime <= now {
		pong.Latency = now - ping.ClientTime
	}
	d.reply(conn, protocol.TypePong, pong)
}

func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error("failed to build reply", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug("failed to send reply",
			zap.String("session", conn.ID), zap.String("type", msgType), zap.Error(err))
	}
}
