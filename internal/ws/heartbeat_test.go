package ws

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pipeConnection registers a Connection over a loopback TCP pair and returns
// it with the peer end.
func pipeConnection(t *testing.T, s *Server, id string) (*Connection, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	c := newConnection(id, server, 200*time.Millisecond)
	s.conns.Add(c)
	return c, client
}

func TestCheckConnectionsEvictsStale(t *testing.T) {
	s := NewServer(zap.NewNop(), testConfig(), nil)
	reasons := make(chan string, 1)
	s.SetOnDisconnect(func(_, reason string) { reasons <- reason })

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	c, _ := pipeConnection(t, s, "stale")
	c.lastSeen.Store(time.Now().Add(-time.Minute).UnixNano())

	s.checkConnections(time.Now(), cfg)

	require.Equal(t, ReasonHeartbeat, <-reasons)
	require.Nil(t, s.Connections().Get("stale"))
}

func TestCheckConnectionsPingsLive(t *testing.T) {
	s := NewServer(zap.NewNop(), testConfig(), nil)
	_, peer := pipeConnection(t, s, "live")

	frames := make(chan ws.Frame, 1)
	go func() {
		if f, err := ws.ReadFrame(peer); err == nil {
			frames <- f
		}
	}()

	s.checkConnections(time.Now(), HeartbeatConfig{Interval: time.Minute, Timeout: time.Minute})

	select {
	case f := <-frames:
		require.Equal(t, ws.OpPing, f.Header.OpCode)
	case <-time.After(time.Second):
		t.Fatal("no ping received")
	}
	require.NotNil(t, s.Connections().Get("live"))
}

func TestCheckConnectionsEvictsUnwritable(t *testing.T) {
	s := NewServer(zap.NewNop(), testConfig(), nil)
	reasons := make(chan string, 1)
	s.SetOnDisconnect(func(_, reason string) { reasons <- reason })

	c, _ := pipeConnection(t, s, "broken")
	require.NoError(t, c.Conn.Close())
	s.checkConnections(time.Now(), HeartbeatConfig{Interval: time.Minute, Timeout: time.Minute})

	require.Equal(t, ReasonHeartbeat, <-reasons)
}

func TestConnectionTouch(t *testing.T) {
	s := NewServer(zap.NewNop(), testConfig(), nil)
	c, _ := pipeConnection(t, s, "touch")
	c.lastSeen.Store(0)

	c.Touch()
	require.WithinDuration(t, time.Now(), c.LastSeen(), time.Second)
}
