// Package loadtest drives simulated lobby participants against a running
// server and summarizes what they observed. It speaks the same gobwas/ws
// framing and JSON protocol as the server.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/lobby/internal/protocol"
)

// ErrClientClosed is returned by WaitForSession when the connection ends
// before the server assigns a session.
var ErrClientClosed = errors.New("loadtest: connection closed")

// Metrics is per-connection bookkeeping.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated lobby connection. Inbound frames are read on a
// background goroutine and routed to handlers registered with On.
type Client struct {
	conn net.Conn
	rw   io.ReadWriter

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	handlers  map[string]func(json.RawMessage)
	metrics   Metrics

	session   chan struct{}
	dead      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url and starts reading.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("loadtest: dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		session:  make(chan struct{}),
		dead:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	// The handshake reader may already hold the first frames. Control frame
	// replies written by the read loop share the send lock.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{mu: &c.writeMu, w: conn}}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// On registers handler for a server message type, replacing any previous one.
// Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForSession blocks until session_created has arrived.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-c.dead:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join sends a join with name.
func (c *Client) Join(name string) error {
	return c.send(protocol.JoinMsg{Type: protocol.TypeJoin, Name: name})
}

// Chat sends a text chat message.
func (c *Client) Chat(text string) error {
	return c.send(protocol.ChatSendMsg{Type: protocol.TypeChatSend, Text: text})
}

// Typing sends typing_start or typing_stop.
func (c *Client) Typing(active bool) error {
	t := protocol.TypeTypingStop
	if active {
		t = protocol.TypeTypingStart
	}
	return c.send(map[string]string{"type": t})
}

// Leave sends an explicit leave.
func (c *Client) Leave() error {
	return c.send(map[string]string{"type": protocol.TypeLeave})
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("loadtest: marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// SessionID returns the server-assigned id, or "" before session_created.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.dead:
		return false
	default:
		return true
	}
}

// Metrics returns a copy of the connection's counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the connection and waits for the read loop to exit. It is safe
// to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	<-c.dead
	return err
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (c *Client) readLoop() {
	defer close(c.dead)

	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var env struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if env.Type == protocol.TypeSessionCreated && c.sessionID == "" && env.SessionID != "" {
			c.sessionID = env.SessionID
			close(c.session)
		}
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
