package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whisper/lobby/internal/gateway"
	"github.com/whisper/lobby/internal/moderation"
	"github.com/whisper/lobby/internal/presence"
	"github.com/whisper/lobby/internal/protocol"
	"github.com/whisper/lobby/internal/ws"
)

// startLobby runs a full in-process server and returns its address.
func startLobby(t *testing.T) string {
	t.Helper()
	log := zap.NewNop()

	coord := presence.NewCoordinator(log, presence.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	gw := gateway.New(log, coord, gateway.Options{Filter: moderation.NewFilter(nil)})
	cfg := ws.DefaultServerConfig()
	cfg.WorkerPoolSize = 16
	server := ws.NewServer(log, cfg, gw.Dispatch)
	gw.Attach(server)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = server.Shutdown(sctx)
		<-errCh
	})
	return ln.Addr().String()
}

func TestClientSessionAndHandlers(t *testing.T) {
	addr := startLobby(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, "ws://"+addr+"/ws")
	require.NoError(t, err)
	defer c.Close()

	rosters := make(chan json.RawMessage, 4)
	c.On(protocol.TypeRosterUpdate, func(data json.RawMessage) { rosters <- data })

	require.NoError(t, c.WaitForSession(ctx))
	require.NotEmpty(t, c.SessionID())

	require.NoError(t, c.Join("tester"))
	// The roster sent on connect may or may not be seen by the handler.
	for joined := false; !joined; {
		select {
		case data := <-rosters:
			joined = strings.Contains(string(data), `"tester"`)
		case <-time.After(2 * time.Second):
			t.Fatal("no roster after join")
		}
	}

	require.NoError(t, c.Close())
	require.False(t, c.Alive())
	require.Zero(t, c.Metrics().Errors)
	require.NoError(t, c.Close())
}

func TestSaturate(t *testing.T) {
	addr := startLobby(t)
	collector := NewCollector()
	var out bytes.Buffer

	dropped := Saturate(context.Background(), SaturateConfig{
		RampConfig: RampConfig{URL: "ws://" + addr + "/ws", Connections: 8, RampUp: 40 * time.Millisecond},
		Hold:       100 * time.Millisecond,
	}, collector, &out)

	require.Zero(t, dropped)
	require.Equal(t, 8, collector.ConnectionCount())
	require.Zero(t, collector.ErrorCount())
	require.Contains(t, out.String(), "Connected 8/8")
}

func TestChatMeasuresBroadcastLatency(t *testing.T) {
	addr := startLobby(t)
	collector := NewCollector()

	res := Chat(context.Background(), ChatConfig{
		RampConfig:      RampConfig{URL: "ws://" + addr + "/ws", Connections: 3, RampUp: 15 * time.Millisecond},
		Duration:        220 * time.Millisecond,
		MessageInterval: 100 * time.Millisecond,
		MessageSize:     96,
		Grace:           300 * time.Millisecond,
	}, collector, io.Discard)

	require.Equal(t, 3, res.Joined)
	require.Positive(t, res.Sent)
	// No limiter is configured, so every send reaches all three participants.
	require.Equal(t, 3*res.Sent, res.Received)
	require.Zero(t, collector.ErrorCount())
}

func TestPayloadRoundTrip(t *testing.T) {
	filter := moderation.NewFilter(nil)
	for _, nanos := range []int64{
		1_700_000_000_000_000_000,
		1_111_111_111_111_111_111,
		1_722_222_228_888_889_999,
		1,
	} {
		sentAt := time.Unix(0, nanos)
		text := payload(sentAt, 80)
		require.Len(t, text, 80)
		require.True(t, strings.HasPrefix(text, latencyPrefix))
		require.Equal(t, moderation.Result{}, filter.Check(text), text)

		data, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
			Message: protocol.ChatMessage{Text: text},
		})
		require.NoError(t, err)
		d, ok := broadcastLatency(data, sentAt.Add(3*time.Millisecond))
		require.True(t, ok)
		require.Equal(t, 3*time.Millisecond, d)
	}

	_, ok := broadcastLatency([]byte(`{"type":"new_message","message":{"text":"hello"}}`), time.Now())
	require.False(t, ok)
	_, ok = broadcastLatency([]byte(`{"type":"new_message","message":{"text":"lt:1700000000 x"}}`), time.Now())
	require.False(t, ok)
}

func TestSummarize(t *testing.T) {
	require.Equal(t, Summary{}, Summarize(nil))

	var in []time.Duration
	for i := 100; i >= 1; i-- {
		in = append(in, time.Duration(i)*time.Millisecond)
	}
	s := Summarize(in)
	require.Equal(t, 100, s.N)
	require.Equal(t, 51*time.Millisecond, s.P50)
	require.Equal(t, 95*time.Millisecond, s.P95)
	require.Equal(t, 99*time.Millisecond, s.P99)
	require.Equal(t, 100*time.Millisecond, s.Max)
	require.Equal(t, 50500*time.Microsecond, s.Avg)
	require.Equal(t, 100*time.Millisecond, in[0], "input must not be reordered")
}

func TestParseMetrics(t *testing.T) {
	exposition := `# HELP lobby_connections_total Current number of registered WebSocket connections
# TYPE lobby_connections_total gauge
lobby_connections_total 12
lobby_participants 7
lobby_messages_total{result="accepted"} 40
lobby_messages_total{result="empty"} 2
lobby_events_dispatched_total{type="new_message"} 120
lobby_events_dispatched_total{type="roster_update"} 14
lobby_task_latency_seconds_bucket{le="0.001"} 50
lobby_task_latency_seconds_sum 0.025
lobby_task_latency_seconds_count 60
go_goroutines 31
`
	snap, err := parseMetrics(strings.NewReader(exposition))
	require.NoError(t, err)
	require.Equal(t, 12.0, snap.connections)
	require.Equal(t, 7.0, snap.participants)
	require.Equal(t, 42.0, snap.messages)
	require.Equal(t, 134.0, snap.dispatched)
	require.Equal(t, 0.025, snap.taskSum)
	require.Equal(t, 60.0, snap.taskCount)
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"lobby_participants 3", "lobby_participants", 3, true},
		{`lobby_messages_total{result="a b"} 5 1700000000`, "lobby_messages_total", 5, true},
		{"lobby_participants", "", 0, false},
		{"lobby_participants NaNx", "", 0, false},
		{`broken{label="x" 1`, "", 0, false},
	}
	for _, tt := range tests {
		name, value, ok := parseMetricLine(tt.line)
		require.Equal(t, tt.ok, ok, tt.line)
		require.Equal(t, tt.name, name, tt.line)
		require.Equal(t, tt.value, value, tt.line)
	}
}

func TestCollectorReport(t *testing.T) {
	c := NewCollector()
	c.AddConnect(2 * time.Millisecond)
	c.AddMsgLatency(time.Millisecond)
	c.AddError()
	c.AddRateLimited()
	c.SetScraper(NewScraper("http://127.0.0.1:1/metrics", time.Second))

	var out bytes.Buffer
	c.Report(&out)
	for _, want := range []string{"Connections:  1", "Errors:       1", "Rate limited: 1", "Broadcast Latency", "no data collected"} {
		require.Contains(t, out.String(), want)
	}
}
