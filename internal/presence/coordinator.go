// Package presence is the lobby's shared state: who is connected, what was
// said and who is typing. A single Coordinator goroutine applies every state
// transition in arrival order; the components it drives keep their own locks
// only so that copy-out reads from other goroutines never race.
package presence

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/whisper/lobby/internal/metrics"
	"github.com/whisper/lobby/internal/protocol"
)

// DefaultRecentLimit bounds Stats.RecentMessages.
const DefaultRecentLimit = 10

// ReasonLeave is the disconnect reason recorded for an explicit leave.
const ReasonLeave = "client leave"

// Options tunes a Coordinator. Zero values fall back to package defaults.
type Options struct {
	HistoryCapacity int
	TypingIdle      time.Duration
	OutboxSize      int
	RecentLimit     int
	Mirror          Mirror
}

// Stats is a point-in-time view for the administrative endpoint.
type Stats struct {
	Count          int
	Connected      int
	HistoryLength  int
	RecentMessages []Message
	Roster         []Connection
	Typing         int
}

const (
	taskPending int32 = iota
	taskRunning
	taskAbandoned
)

type task struct {
	fn      func() error
	reply   chan error
	started time.Time
	// state is nil for fire-and-forget tasks, which cannot be abandoned.
	state *atomic.Int32
}

// claim reports whether the loop may run t. A task whose caller gave up
// before it started is skipped.
func (t task) claim() bool {
	return t.state == nil || t.state.CompareAndSwap(taskPending, taskRunning)
}

// Coordinator is the per-lobby session state machine. Its exported methods
// submit a task to the loop started by Run and wait for the result.
type Coordinator struct {
	log         *zap.Logger
	registry    *Registry
	history     *History
	typing      *TypingTracker
	dispatcher  *Dispatcher
	notifier    *Notifier
	recentLimit int
	now         func() time.Time

	tasks chan task
	done  chan struct{}
}

// NewCoordinator wires the registry, history, typing tracker, dispatcher and
// notifier together. Call Run before using any other method.
func NewCoordinator(log *zap.Logger, opts Options) *Coordinator {
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = DefaultRecentLimit
	}
	log = log.Named("presence")

	c := &Coordinator{
		log:         log,
		registry:    NewRegistry(),
		history:     NewHistory(opts.HistoryCapacity),
		recentLimit: opts.RecentLimit,
		now:         time.Now,
		tasks:       make(chan task, 64),
		done:        make(chan struct{}),
	}
	c.typing = NewTypingTracker(c.registry, opts.TypingIdle, c.postTypingExpiry)
	c.dispatcher = NewDispatcher(log, c.registry, opts.OutboxSize, opts.Mirror)
	c.notifier = NewNotifier(c.registry, c.dispatcher)
	return c
}

// State reports id's lifecycle state from a copy-out read of the registry. It
// does not wait for queued tasks.
func (c *Coordinator) State(id string) State { return c.registry.StateOf(id) }

// History exposes the history store for copy-out reads.
func (c *Coordinator) History() *History { return c.history }

// Run executes submitted tasks one at a time until ctx is cancelled. On exit
// it cancels typing timers and drains every connection's outbox.
func (c *Coordinator) Run(ctx context.Context) error {
	defer func() {
		close(c.done)
		c.typing.Stop()
		open := c.dispatcher.attached()
		c.dispatcher.Close()
		c.log.Info("coordinator stopped", zap.Int("drained_outboxes", open))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-c.tasks:
			if !t.claim() {
				metrics.TasksAbandoned.Inc()
				continue
			}
			err := t.fn()
			metrics.TaskLatency.Observe(time.Since(t.started).Seconds())
			if t.reply != nil {
				t.reply <- err
			}
		}
	}
}

// do submits fn to the loop and waits for its result. If ctx ends while fn
// is still queued, fn never runs and ctx's error is returned. Once fn has
// started, do waits for it so that the caller always learns its outcome.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	t := task{fn: fn, reply: make(chan error, 1), started: time.Now(), state: new(atomic.Int32)}
	select {
	case c.tasks <- t:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		if t.state.CompareAndSwap(taskPending, taskAbandoned) {
			return ctx.Err()
		}
	}
	select {
	case err := <-t.reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// postTypingExpiry runs on a timer goroutine and hands the expiry to the loop.
func (c *Coordinator) postTypingExpiry(id string, gen uint64) {
	t := task{started: time.Now(), fn: func() error {
		c.expireTyping(id, gen)
		return nil
	}}
	select {
	case c.tasks <- t:
	case <-c.done:
	}
}

// Connect registers a freshly accepted connection and sends it the roster and
// the full history.
func (c *Coordinator) Connect(ctx context.Context, id string, out Outlet) error {
	return c.do(ctx, func() error {
		if _, err := c.registry.Register(id); err != nil {
			c.log.Error("rejecting registration", zap.String("session", id), zap.Error(err))
			return err
		}
		c.dispatcher.Attach(id, out)
		c.updateGauges()

		c.notifier.Roster(Only(id))
		c.dispatcher.Send(protocol.TypeHistorySnapshot, protocol.HistorySnapshotMsg{
			Messages: lo.Map(c.history.Snapshot(), func(m Message, _ int) protocol.ChatMessage {
				return m.Wire()
			}),
		}, Only(id))

		c.log.Debug("connection registered", zap.String("session", id))
		return nil
	})
}

// Join moves id from anonymous to joined and announces it.
func (c *Coordinator) Join(ctx context.Context, id, name string) (Connection, error) {
	var joined Connection
	err := c.do(ctx, func() error {
		conn, err := c.registry.Join(id, name)
		if err != nil {
			return err
		}
		joined = conn
		c.updateGauges()
		c.notifier.Joined(conn)
		c.log.Info("participant joined",
			zap.String("session", id), zap.String("name", conn.DisplayName))
		return nil
	})
	return joined, err
}

// Send appends a chat message from id and broadcasts it to every connection,
// the sender included.
func (c *Coordinator) Send(ctx context.Context, id, text string, kind MessageKind) (Message, error) {
	var sent Message
	err := c.do(ctx, func() error {
		conn, ok := c.registry.Get(id)
		if !ok {
			metrics.MessagesTotal.WithLabelValues(metrics.ResultDropped).Inc()
			c.log.Debug("dropping send from terminated session", zap.String("session", id))
			return ErrUnknownConnection
		}
		if !conn.Joined() {
			metrics.MessagesTotal.WithLabelValues(metrics.ResultDropped).Inc()
			c.log.Debug("dropping send from anonymous session", zap.String("session", id))
			return ErrNotJoined
		}
		if err := ValidateText(text); err != nil {
			result := metrics.ResultTooLong
			if errors.Is(err, ErrEmptyMessage) {
				result = metrics.ResultEmpty
			}
			metrics.MessagesTotal.WithLabelValues(result).Inc()
			return err
		}
		if kind == "" {
			kind = KindText
		}

		msg := Message{
			ID:         newMessageID(),
			AuthorID:   conn.ID,
			AuthorName: conn.DisplayName,
			Text:       text,
			Kind:       kind,
			SentAt:     c.now(),
		}
		c.history.Append(msg)
		metrics.HistoryLength.Set(float64(c.history.Len()))
		metrics.MessagesTotal.WithLabelValues(metrics.ResultAccepted).Inc()

		c.dispatcher.Send(protocol.TypeNewMessage, protocol.NewMessageMsg{Message: msg.Wire()}, All())
		sent = msg
		return nil
	})
	return sent, err
}

// TypingStart marks id as typing. Only the idle -> typing transition is
// broadcast; repeated starts just push the expiry back.
func (c *Coordinator) TypingStart(ctx context.Context, id string) error {
	return c.do(ctx, func() error {
		if err := c.requireJoined(id); err != nil {
			return err
		}
		if c.typing.MarkTyping(id) {
			c.broadcastTyping(c.typing.Update(id, true))
		}
		return nil
	})
}

// TypingStop clears id's typing flag.
func (c *Coordinator) TypingStop(ctx context.Context, id string) error {
	return c.do(ctx, func() error {
		if err := c.requireJoined(id); err != nil {
			return err
		}
		if c.typing.MarkStopped(id) {
			c.broadcastTyping(c.typing.Update(id, false))
		}
		return nil
	})
}

func (c *Coordinator) expireTyping(id string, gen uint64) {
	if c.typing.Expire(id, gen) {
		c.log.Debug("typing expired", zap.String("session", id))
		c.broadcastTyping(c.typing.Update(id, false))
	}
}

func (c *Coordinator) broadcastTyping(u TypingUpdate) {
	metrics.TypingActive.Set(float64(c.typing.Active()))
	c.dispatcher.Send(protocol.TypeTypingUpdate, protocol.TypingUpdateMsg{
		ConnectionID: u.ConnectionID,
		Name:         u.Name,
		IsTyping:     u.IsTyping,
	}, AllExcept(u.ConnectionID))
}

// Disconnect terminates id's session. Unknown ids are ignored, which makes a
// repeated disconnect a no-op. Only connections that had joined produce a
// leave notification.
func (c *Coordinator) Disconnect(ctx context.Context, id, reason string) error {
	return c.do(ctx, func() error {
		conn, ok := c.registry.Unregister(id)
		if !ok {
			return nil
		}
		if c.typing.Remove(id) {
			c.broadcastTyping(TypingUpdate{ConnectionID: id, Name: conn.DisplayName})
		}
		c.dispatcher.Detach(id)
		c.updateGauges()

		if conn.Joined() {
			c.notifier.Left(conn, reason)
			c.log.Info("participant left",
				zap.String("session", id), zap.String("name", conn.DisplayName), zap.String("reason", reason))
		} else {
			c.log.Debug("anonymous connection closed", zap.String("session", id), zap.String("reason", reason))
		}
		return nil
	})
}

// Leave is an explicit client-initiated disconnect.
func (c *Coordinator) Leave(ctx context.Context, id string) error {
	return c.Disconnect(ctx, id, ReasonLeave)
}

// Inspect returns a consistent snapshot of the lobby's state.
func (c *Coordinator) Inspect(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.do(ctx, func() error {
		s = Stats{
			Count:          c.registry.Count(),
			Connected:      c.registry.Connected(),
			HistoryLength:  c.history.Len(),
			RecentMessages: c.history.Recent(c.recentLimit),
			Roster:         c.registry.Snapshot(),
			Typing:         c.typing.Active(),
		}
		return nil
	})
	return s, err
}

func (c *Coordinator) requireJoined(id string) error {
	switch c.registry.StateOf(id) {
	case StateJoined:
		return nil
	case StateConnected:
		return ErrNotJoined
	default:
		return ErrUnknownConnection
	}
}

func (c *Coordinator) updateGauges() {
	metrics.ConnectionsTotal.Set(float64(c.registry.Connected()))
	metrics.Participants.Set(float64(c.registry.Count()))
}
