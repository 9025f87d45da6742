// Package ws is the lobby's WebSocket transport: it upgrades HTTP requests,
// multiplexes reads over epoll with a bounded worker pool, keeps connections
// alive with protocol pings and hands decoded frames to the application.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/lobby/internal/metrics"
	"github.com/whisper/lobby/internal/protocol"
)

// Disconnect reasons passed to the OnDisconnect callback.
const (
	ReasonReadError     = "read error"
	ReasonClientClose   = "client close"
	ReasonHeartbeat     = "heartbeat timeout"
	ReasonFrameTooLarge = "frame too large"
	ReasonPollError     = "poll error"
	ReasonShutdown      = "server shutdown"
)

// MaxFrameSize caps an inbound data frame.
const MaxFrameSize = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	Name              string        // reported by /health
	ListenAddr        string        // e.g. ":8080"
	WorkerPoolSize    int           // max concurrent read workers
	MaxConnections    int           // hard cap on open connections
	ReadTimeout       time.Duration // per-frame read deadline
	WriteTimeout      time.Duration // per-frame write deadline
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Name:              "lobby-1",
		ListenAddr:        ":8080",
		WorkerPoolSize:    256,
		MaxConnections:    100000,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
	}
}

// Server upgrades connections on /ws, registers them with the poller and
// reads ready connections on a bounded worker pool.
type Server struct {
	log          *zap.Logger
	config       ServerConfig
	mux          *http.ServeMux
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection) error
	onDisconnect func(connID, reason string)
	httpServer   *http.Server
	startedAt    time.Time

	mu        sync.Mutex // guards the Serve / Shutdown handoff
	loops     sync.WaitGroup
	workers   sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame.
func NewServer(log *zap.Logger, config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	s := &Server{
		log:        log.Named("ws"),
		config:     config,
		mux:        http.NewServeMux(),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: config.ReadTimeout,
	}
	return s
}

// Handle mounts an extra HTTP handler next to /ws and /health. It must be
// called before Start or Serve.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// SetOnConnect registers a callback run after session_created is written and
// before the first frame is read. Returning an error closes the connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run exactly once per connection that
// passed OnConnect, with the reason it went away.
func (s *Server) SetOnDisconnect(fn func(connID, reason string)) {
	s.onDisconnect = fn
}

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. A server that was already
// shut down returns nil immediately.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	default:
	}
	epoll, err := NewEpoll()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.epoll = epoll
	s.startedAt = time.Now()

	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		s.eventLoop()
	}()
	go func() {
		defer s.loops.Done()
		s.heartbeat(HeartbeatConfig{
			Interval: s.config.HeartbeatInterval,
			Timeout:  s.config.HeartbeatTimeout,
		})
	}()

	s.log.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))
	s.mu.Unlock()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(uuid.NewString(), netConn, s.config.WriteTimeout)
	s.conns.Add(c)

	hello, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
	})
	if err == nil {
		err = c.WriteMessage(hello)
	}
	if err != nil {
		s.log.Warn("failed to send session_created", zap.String("session", c.ID), zap.Error(err))
		s.conns.Remove(c.ID)
		return
	}

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			s.log.Warn("connection rejected", zap.String("session", c.ID), zap.Error(err))
			s.conns.Remove(c.ID)
			return
		}
	}

	if err := s.epoll.Add(netConn); err != nil {
		s.log.Error("epoll add failed", zap.String("session", c.ID), zap.Error(err))
		s.RemoveConnection(c, ReasonPollError)
		return
	}

	s.log.Debug("new connection",
		zap.String("session", c.ID), zap.Int("fd", c.Fd), zap.Int("total", s.conns.Count()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Server      string `json:"server"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Server:      s.config.Name,
		Connections: s.conns.Count(),
		Uptime:      s.Uptime().Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// eventLoop hands every readable connection to a worker.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			if isEINTR(err) {
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Error("epoll wait error", zap.Error(err))
			continue
		}

		for _, conn := range conns {
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}
			s.workers.Add(1)
			go func() {
				defer func() {
					<-s.workerPool
					s.workers.Done()
				}()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a readable connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	// Level-triggered epoll may report the same connection again while a
	// worker is still reading it.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		c.processing.Store(false)
		s.epoll.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// Stale readiness; the heartbeat deals with dead peers.
			return
		}
		reason := ReasonReadError
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			reason = ReasonClientClose
		}
		s.RemoveConnection(c, reason)
		return
	}
	c.Touch()

	if header.OpCode.IsControl() {
		s.handleControl(c, header, reader)
		_ = netConn.SetReadDeadline(time.Time{})
		return
	}

	if header.Length > MaxFrameSize {
		s.RemoveConnection(c, ReasonFrameTooLarge)
		return
	}
	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c, ReasonReadError)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}
	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) {
	payload, err := io.ReadAll(reader)
	if err != nil {
		s.RemoveConnection(c, ReasonReadError)
		return
	}
	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c, ReasonClientClose)
	case ws.OpPing:
		if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
			s.RemoveConnection(c, ReasonReadError)
		}
	}
}

// RemoveConnection stops polling c, closes it and reports the disconnect.
// Concurrent calls for the same connection report once.
func (s *Server) RemoveConnection(c *Connection, reason string) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.Disconnects.WithLabelValues(reason).Inc()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID, reason)
	}
	s.log.Debug("connection closed",
		zap.String("session", c.ID), zap.String("reason", reason), zap.Int("total", s.conns.Count()))
}

// Connections exposes the live connection set.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime returns how long the server has been up.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.startedAt)
}

// Shutdown stops accepting connections, stops the event loop and heartbeat,
// and closes every open connection with ReasonShutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.log.Info("shutting down server")
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()

		if e := s.httpServer.Shutdown(ctx); e != nil {
			err = fmt.Errorf("ws: http shutdown: %w", e)
		}
		s.loops.Wait()
		s.workers.Wait()

		for _, c := range s.conns.All() {
			s.RemoveConnection(c, ReasonShutdown)
		}
		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.log.Info("server stopped")
	})
	return err
}
