package presence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whisper/lobby/internal/protocol"
)

func connect(t *testing.T, c *Coordinator, id string) *sink {
	t.Helper()
	s := newSink()
	require.NoError(t, c.Connect(context.Background(), id, s))
	return s
}

func join(t *testing.T, c *Coordinator, id, name string) (*sink, Connection) {
	t.Helper()
	s := connect(t, c, id)
	conn, err := c.Join(context.Background(), id, name)
	require.NoError(t, err)
	return s, conn
}

func TestConnectSendsRosterThenHistory(t *testing.T) {
	req := require.New(t)
	c := startCoordinator(t, Options{})
	ctx := context.Background()

	alice, _ := join(t, c, "alice-1", "Alice")
	_, err := c.Send(ctx, "alice-1", "hello", KindText)
	req.NoError(err)
	alice.drain()

	late := connect(t, c, "late-1")
	roster := late.next(t)
	req.Equal(protocol.TypeRosterUpdate, roster.Type())
	req.EqualValues(1, roster["count"])

	history := late.next(t)
	req.Equal(protocol.TypeHistorySnapshot, history.Type())
	msgs := history["messages"].([]interface{})
	req.Len(msgs, 1)
	req.Equal("hello", msgs[0].(map[string]interface{})["text"])
}

func TestJoinCountsOnlyJoined(t *testing.T) {
	req := require.New(t)
	c := startCoordinator(t, Options{})
	ctx := context.Background()

	alice, _ := join(t, c, "alice-1", "Alice")
	connect(t, c, "bbbbbbbb-anon")
	_, carl := join(t, c, "cccccccc-xyz", "")

	req.Equal("User_cccccc", carl.DisplayName)

	stats, err := c.Inspect(ctx)
	req.NoError(err)
	req.Equal(2, stats.Count)
	req.Equal(3, stats.Connected)
	req.Len(stats.Roster, 2)
	req.Equal("alice-1", stats.Roster[0].ID)
	req.Equal("cccccccc-xyz", stats.Roster[1].ID)

	ev := alice.nextOfType(t, protocol.TypePresenceEvent)
	req.Equal(protocol.PresenceJoined, ev["kind"])
	req.Equal("User_cccccc", ev["name"])
	req.Equal("User_cccccc joined the chat", ev["message"])

	roster := alice.nextOfType(t, protocol.TypeRosterUpdate)
	req.EqualValues(2, roster["count"])
}

func TestJoinedParticipantDoesNotSeeOwnJoinEvent(t *testing.T) {
	c := startCoordinator(t, Options{})

	alice, _ := join(t, c, "alice-1", "Alice")
	require.Equal(t, protocol.TypeRosterUpdate, alice.next(t).Type())
	require.Equal(t, protocol.TypeHistorySnapshot, alice.next(t).Type())

	// The joiner only gets the refreshed roster.
	roster := alice.next(t)
	require.Equal(t, protocol.TypeRosterUpdate, roster.Type())
	require.EqualValues(t, 1, roster["count"])
	alice.expectNone(t, 50*time.Millisecond)
}

func TestSecondJoinRejected(t *testing.T) {
	c := startCoordinator(t, Options{})
	join(t, c, "alice-1", "Alice")

	_, err := c.Join(context.Background(), "alice-1", "Again")
	require.ErrorIs(t, err, ErrAlreadyJoined)

	stats, err := c.Inspect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Count)
	require.Equal(t, "Alice", stats.Roster[0].DisplayName)
}

func TestDuplicateConnectRejected(t *testing.T) {
	c := startCoordinator(t, Options{})
	connect(t, c, "dup")

	err := c.Connect(context.Background(), "dup", newSink())
	require.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestAnonymousDisconnectIsSilent(t *testing.T) {
	req := require.New(t)
	c := startCoordinator(t, Options{})
	ctx := context.Background()

	alice, _ := join(t, c, "alice-1", "Alice")
	connect(t, c, "anon-1")
	alice.drain()

	req.NoError(c.Disconnect(ctx, "anon-1", "read error"))
	alice.expectNone(t, 50*time.Millisecond)

	stats, err := c.Inspect(ctx)
	req.NoError(err)
	req.Equal(1, stats.Count)
	req.Equal(1, stats.Connected)
}

func TestJoinThenDisconnectRestoresCount(t *testing.T) {
	req := require.New(t)
	c := startCoordinator(t, Options{})
	ctx := context.Background()

	alice, _ := join(t, c, "alice-1", "Alice")
	join(t, c, "bob-1", "Bob")
	alice.drain()

	req.NoError(c.Disconnect(ctx, "bob-1", "heartbeat timeout"))

	ev := alice.nextOfType(t, protocol.TypePresenceEvent)
	req.Equal(protocol.PresenceLeft, ev["kind"])
	req.Equal("Bob", ev["name"])
	req.Equal("Bob left the chat", ev["message"])
	req.Equal("heartbeat timeout", ev["reason"])

	roster := alice.nextOfType(t, protocol.TypeRosterUpdate)
	req.EqualValues(1, roster["count"])

	// Repeated disconnects are no-ops.
	req.NoError(c.Disconnect(ctx, "bob-1", "read error"))
	req.NoError(c.Leave(ctx, "bob-1"))
	alice.expectNone(t, 50*time.Millisecond)
}

func TestLeaveUsesLeaveReason(t *testing.T) {
	c := startCoordinator(t, Options{})
	alice, _ := join(t, c, "alice-1", "Alice")
	join(t, c, "bob-1", "Bob")
	alice.drain()

	require.NoError(t, c.Leave(context.Background(), "bob-1"))
	ev := alice.nextOfType(t, protocol.TypePresenceEvent)
	require.Equal(t, ReasonLeave, ev["reason"])
}

func TestSendBroadcastsToEveryoneIncludingSender(t *testing.T) {
	req := require.New(t)
	c := startCoordinator(t, Options{})
	ctx := context.Background()

	alice, _ := join(t, c, "alice-1", "Alice")
	bob, _ := join(t, c, "bob-1", "Bob")
	anon := connect(t, c, "anon-1")
	alice.drain()
	bob.drain()
	anon.drain()

	sent, err := c.Send(ctx, "alice-1", "hi all", "")
	req.NoError(err)
	req.Equal(KindText, sent.Kind)
	req.Equal("Alice", sent.AuthorName)
	req.NotEmpty(sent.ID)

	for _, s := range []*sink{alice, bob, anon} {
		f := s.nextOfType(t, protocol.TypeNewMessage)
		m := f["message"].(map[string]interface{})
		req.Equal(sent.ID, m["id"])
		req.Equal("hi all", m["text"])
		req.Equal("alice-1", m["author_id"])
	}

	recent := c.History().Recent(1)
	req.Len(recent, 1)
	req.Equal(sent, recent[0])
}

func TestSendRejectsInvalidAndAnonymous(t *testing.T) {
	req := require.New(t)
	c := startCoordinator(t, Options{})
	ctx := context.Background()

	alice, _ := join(t, c, "alice-1", "Alice")
	connect(t, c, "anon-1")
	alice.drain()

	_, err := c.Send(ctx, "alice-1", "   ", KindText)
	req.ErrorIs(err, ErrEmptyMessage)
	_, err = c.Send(ctx, "alice-1", strings.Repeat("x", MaxTextChars+1), KindText)
	req.ErrorIs(err, ErrMessageTooLong)
	_, err = c.Send(ctx, "anon-1", "hello", KindText)
	req.ErrorIs(err, ErrNotJoined)
	_, err = c.Send(ctx, "ghost", "hello", KindText)
	req.ErrorIs(err, ErrUnknownConnection)

	req.Equal(0, c.History().Len())
	alice.expectNone(t, 50*time.Millisecond)
}

func TestHistoryKeepsLastHundred(t *testing.T) {
	req := require.New(t)
	c := startCoordinator(t, Options{OutboxSize: 512})
	ctx := context.Background()
	join(t, c, "alice-1", "Alice")

	for i := 1; i <= 150; i++ {
		_, err := c.Send(ctx, "alice-1", fmt.Sprintf("msg-%d", i), KindText)
		req.NoError(err)
	}

	snap := c.History().Snapshot()
	req.Len(snap, DefaultHistoryCapacity)
	req.Equal("msg-51", snap[0].Text)
	req.Equal("msg-150", snap[len(snap)-1].Text)

	stats, err := c.Inspect(ctx)
	req.NoError(err)
	req.Equal(DefaultHistoryCapacity, stats.HistoryLength)
	req.Len(stats.RecentMessages, DefaultRecentLimit)
	req.Equal("msg-150", stats.RecentMessages[DefaultRecentLimit-1].Text)
}

func TestTypingBroadcastAndExpiry(t *testing.T) {
	req := require.New(t)
	const idle = 50 * time.Millisecond
	c := startCoordinator(t, Options{TypingIdle: idle})
	ctx := context.Background()

	alice, _ := join(t, c, "alice-1", "Alice")
	bob, _ := join(t, c, "bob-1", "Bob")
	alice.drain()
	bob.drain()

	req.NoError(c.TypingStart(ctx, "bob-1"))
	req.NoError(c.TypingStart(ctx, "bob-1"))

	up := alice.nextOfType(t, protocol.TypeTypingUpdate)
	req.Equal("bob-1", up["connection_id"])
	req.Equal("Bob", up["name"])
	req.Equal(true, up["is_typing"])

	down := alice.nextOfType(t, protocol.TypeTypingUpdate)
	req.Equal(false, down["is_typing"])

	// Exactly one stop, and the typer never hears about itself.
	alice.expectNone(t, 3*idle)
	bob.expectNone(t, 10*time.Millisecond)
}

func TestTypingStopExplicit(t *testing.T) {
	req := require.New(t)
	c := startCoordinator(t, Options{TypingIdle: time.Minute})
	ctx := context.Background()

	alice, _ := join(t, c, "alice-1", "Alice")
	join(t, c, "bob-1", "Bob")
	alice.drain()

	req.NoError(c.TypingStop(ctx, "bob-1"))
	alice.expectNone(t, 30*time.Millisecond)

	req.NoError(c.TypingStart(ctx, "bob-1"))
	req.NoError(c.TypingStop(ctx, "bob-1"))
	req.Equal(true, alice.nextOfType(t, protocol.TypeTypingUpdate)["is_typing"])
	req.Equal(false, alice.nextOfType(t, protocol.TypeTypingUpdate)["is_typing"])

	stats, err := c.Inspect(ctx)
	req.NoError(err)
	req.Equal(0, stats.Typing)
}

func TestTypingRequiresJoin(t *testing.T) {
	c := startCoordinator(t, Options{})
	connect(t, c, "anon-1")

	require.ErrorIs(t, c.TypingStart(context.Background(), "anon-1"), ErrNotJoined)
	require.ErrorIs(t, c.TypingStop(context.Background(), "ghost"), ErrUnknownConnection)
}

func TestDisconnectWhileTypingClearsIndicator(t *testing.T) {
	req := require.New(t)
	c := startCoordinator(t, Options{TypingIdle: time.Minute})
	ctx := context.Background()

	alice, _ := join(t, c, "alice-1", "Alice")
	join(t, c, "bob-1", "Bob")
	req.NoError(c.TypingStart(ctx, "bob-1"))
	req.Equal(true, alice.nextOfType(t, protocol.TypeTypingUpdate)["is_typing"])

	req.NoError(c.Disconnect(ctx, "bob-1", "read error"))
	stop := alice.next(t)
	req.Equal(protocol.TypeTypingUpdate, stop.Type())
	req.Equal("Bob", stop["name"])
	req.Equal(false, stop["is_typing"])
	req.Equal(protocol.TypePresenceEvent, alice.next(t).Type())
}

func TestConcurrentJoins(t *testing.T) {
	req := require.New(t)
	c := startCoordinator(t, Options{})
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%02d", i)
			if err := c.Connect(ctx, id, newSink()); err != nil {
				errs <- err
				return
			}
			if _, err := c.Join(ctx, id, fmt.Sprintf("user%d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	stats, err := c.Inspect(ctx)
	req.NoError(err)
	req.Equal(n, stats.Count)

	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprintf("user%d", i)
	}
	names := make([]string, 0, len(stats.Roster))
	for _, conn := range stats.Roster {
		names = append(names, conn.DisplayName)
	}
	req.ElementsMatch(want, names)
}

// park blocks the coordinator loop until the returned func is called.
func park(t *testing.T, c *Coordinator) (release func()) {
	t.Helper()
	started, unblock := make(chan struct{}), make(chan struct{})
	c.tasks <- task{started: time.Now(), fn: func() error {
		close(started)
		<-unblock
		return nil
	}}
	<-started
	return func() { close(unblock) }
}

func TestTimedOutConnectLeavesNoEntry(t *testing.T) {
	req := require.New(t)
	c := startCoordinator(t, Options{})
	release := park(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	req.ErrorIs(c.Connect(ctx, "late-1", newSink()), context.DeadlineExceeded)
	release()

	stats, err := c.Inspect(context.Background())
	req.NoError(err)
	req.Equal(0, stats.Connected)
	req.Equal(0, stats.Count)
	req.Equal(StateTerminated, c.State("late-1"))

	// The id was never taken, so a retry succeeds.
	connect(t, c, "late-1")
}

func TestClosedCoordinator(t *testing.T) {
	c := NewCoordinator(zap.NewNop(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	cancel()
	<-done

	require.ErrorIs(t, c.Connect(context.Background(), "late", newSink()), ErrClosed)
	_, err := c.Inspect(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
