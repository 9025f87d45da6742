// Package gateway binds the WebSocket transport to the presence coordinator.
// It turns decoded client messages into coordinator calls, applies the chat
// rate limit and content filter, and serves the administrative presence
// endpoint.
package gateway

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/lobby/internal/metrics"
	"github.com/whisper/lobby/internal/moderation"
	"github.com/whisper/lobby/internal/presence"
	"github.com/whisper/lobby/internal/protocol"
	"github.com/whisper/lobby/internal/ratelimit"
	"github.com/whisper/lobby/internal/ws"
)

// DefaultRequestTimeout bounds each coordinator call made for a client frame.
const DefaultRequestTimeout = 5 * time.Second

// CodeContentBlocked is the error code sent when a chat message fails
// moderation.
const CodeContentBlocked = "content_blocked"

// Lobby is the coordinator surface the gateway drives.
type Lobby interface {
	Connect(ctx context.Context, id string, out presence.Outlet) error
	Join(ctx context.Context, id, name string) (presence.Connection, error)
	Send(ctx context.Context, id, text string, kind presence.MessageKind) (presence.Message, error)
	TypingStart(ctx context.Context, id string) error
	TypingStop(ctx context.Context, id string) error
	Leave(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id, reason string) error
	Inspect(ctx context.Context) (presence.Stats, error)
	State(id string) presence.State
}

// RateLimiter decides whether a connection may send another chat message.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// ContentFilter screens chat text.
type ContentFilter interface {
	Check(text string) moderation.Result
}

// Options configures a Gateway. A nil Limiter disables rate limiting and a
// nil Filter disables moderation.
type Options struct {
	Limiter        RateLimiter
	Rule           ratelimit.Rule
	Filter         ContentFilter
	RequestTimeout time.Duration
}

// Gateway routes client messages for one lobby.
type Gateway struct {
	log        *zap.Logger
	lobby      Lobby
	limiter    RateLimiter
	rule       ratelimit.Rule
	filter     ContentFilter
	timeout    time.Duration
	dispatcher *ws.MessageDispatcher
	server     *ws.Server
	sent       atomic.Int64
	now        func() time.Time
}

// New creates a Gateway and registers its message handlers.
func New(log *zap.Logger, lobby Lobby, opts Options) *Gateway {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Rule.Limit <= 0 {
		opts.Rule = ratelimit.RuleChatSend
	}
	g := &Gateway{
		log:        log.Named("gateway"),
		lobby:      lobby,
		limiter:    opts.Limiter,
		rule:       opts.Rule,
		filter:     opts.Filter,
		timeout:    opts.RequestTimeout,
		dispatcher: ws.NewMessageDispatcher(log),
		now:        time.Now,
	}

	g.dispatcher.Register(protocol.TypeJoin, g.handleJoin)
	g.dispatcher.Register(protocol.TypeChatSend, g.handleChatSend)
	g.dispatcher.Register(protocol.TypeTypingStart, g.handleTypingStart)
	g.dispatcher.Register(protocol.TypeTypingStop, g.handleTypingStop)
	g.dispatcher.Register(protocol.TypeLeave, g.handleLeave)
	g.dispatcher.Register(protocol.TypeServerStatus, g.handleServerStatus)
	return g
}

// Dispatch is the ws.Server message callback.
func (g *Gateway) Dispatch(conn *ws.Connection, data []byte) {
	g.dispatcher.Dispatch(conn, data)
}

// Attach wires the gateway into server: connection lifecycle callbacks plus
// the /metrics and /api/presence endpoints.
func (g *Gateway) Attach(server *ws.Server) {
	g.server = server
	server.SetOnConnect(g.onConnect)
	server.SetOnDisconnect(g.onDisconnect)
	server.Handle("/metrics", metrics.Handler())
	server.Handle("/api/presence", g.PresenceHandler())
}

func (g *Gateway) onConnect(conn *ws.Connection) error {
	ctx, cancel := g.context()
	defer cancel()
	return g.lobby.Connect(ctx, conn.ID, conn)
}

func (g *Gateway) onDisconnect(connID, reason string) {
	ctx, cancel := g.context()
	defer cancel()
	if err := g.lobby.Disconnect(ctx, connID, reason); err != nil {
		g.log.Debug("disconnect not applied", zap.String("session", connID), zap.Error(err))
	}
}

func (g *Gateway) handleJoin(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinMsg)
	if !ok {
		return
	}
	ctx, cancel := g.context()
	defer cancel()
	if _, err := g.lobby.Join(ctx, conn.ID, m.Name); err != nil {
		g.declined(conn, protocol.TypeJoin, err)
	}
}

func (g *Gateway) handleChatSend(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ChatSendMsg)
	if !ok {
		return
	}
	// Sends from anonymous or departed sessions are dropped silently and must
	// not spend the sender's quota.
	if g.lobby.State(conn.ID) != presence.StateJoined {
		metrics.MessagesTotal.WithLabelValues(metrics.ResultDropped).Inc()
		g.log.Debug("dropping send from unjoined session", zap.String("session", conn.ID))
		return
	}

	ctx, cancel := g.context()
	defer cancel()

	if g.limiter != nil {
		// Errors already fail open inside the limiter.
		allowed, _ := g.limiter.Allow(ctx, conn.ID, g.rule)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues(metrics.ResultRateLimited).Inc()
			retry := g.limiter.RetryAfter(ctx, conn.ID, g.rule)
			g.reply(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(math.Ceil(retry.Seconds())),
			})
			return
		}
	}

	if g.filter != nil {
		if result := g.filter.Check(m.Text); result.Blocked {
			metrics.MessagesTotal.WithLabelValues(metrics.ResultBlocked).Inc()
			g.log.Info("message blocked",
				zap.String("session", conn.ID), zap.String("reason", result.Reason), zap.String("term", result.Term))
			g.dispatcher.SendError(conn, CodeContentBlocked, "message blocked: "+result.Reason)
			return
		}
	}

	if _, err := g.lobby.Send(ctx, conn.ID, m.Text, presence.ParseKind(m.Kind)); err != nil {
		g.declined(conn, protocol.TypeChatSend, err)
		return
	}
	g.sent.Add(1)
}

func (g *Gateway) handleTypingStart(conn *ws.Connection, _ interface{}) {
	ctx, cancel := g.context()
	defer cancel()
	if err := g.lobby.TypingStart(ctx, conn.ID); err != nil {
		g.declined(conn, protocol.TypeTypingStart, err)
	}
}

func (g *Gateway) handleTypingStop(conn *ws.Connection, _ interface{}) {
	ctx, cancel := g.context()
	defer cancel()
	if err := g.lobby.TypingStop(ctx, conn.ID); err != nil {
		g.declined(conn, protocol.TypeTypingStop, err)
	}
}

// handleLeave announces the leave and then closes the socket. The transport's
// own disconnect callback that follows is a no-op for the coordinator.
func (g *Gateway) handleLeave(conn *ws.Connection, _ interface{}) {
	ctx, cancel := g.context()
	defer cancel()
	if err := g.lobby.Leave(ctx, conn.ID); err != nil {
		g.declined(conn, protocol.TypeLeave, err)
	}
	if g.server != nil {
		g.server.RemoveConnection(conn, presence.ReasonLeave)
	}
}

func (g *Gateway) handleServerStatus(conn *ws.Connection, _ interface{}) {
	ctx, cancel := g.context()
	defer cancel()

	stats, err := g.lobby.Inspect(ctx)
	if err != nil {
		g.declined(conn, protocol.TypeServerStatus, err)
		return
	}
	status := protocol.ServerStatusMsg{
		Timestamp:     g.now().UTC(),
		Connections:   stats.Connected,
		Participants:  stats.Count,
		TotalMessages: int(g.sent.Load()),
		Goroutines:    runtime.NumGoroutine(),
		GoVersion:     runtime.Version(),
	}
	if g.server != nil {
		status.UptimeSeconds = g.server.Uptime().Seconds()
	}
	g.reply(conn, protocol.TypeServerStatus, status)
}

// declined logs a coordinator rejection. Clients get no reply.
func (g *Gateway) declined(conn *ws.Connection, msgType string, err error) {
	level := zap.DebugLevel
	if errors.Is(err, presence.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		level = zap.WarnLevel
	}
	if ce := g.log.Check(level, "request declined"); ce != nil {
		ce.Write(zap.String("session", conn.ID), zap.String("type", msgType), zap.Error(err))
	}
}

func (g *Gateway) reply(conn *ws.Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.log.Error("failed to build reply", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		g.log.Debug("failed to send reply", zap.String("session", conn.ID), zap.Error(err))
	}
}

func (g *Gateway) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.timeout)
}
