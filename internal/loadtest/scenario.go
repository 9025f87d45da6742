package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisper/lobby/internal/protocol"
)

// latencyPrefix marks chat text that carries its send time.
const latencyPrefix = "lt:"

// RampConfig controls how connections are opened.
type RampConfig struct {
	URL         string
	Connections int
	RampUp      time.Duration
	Concurrency int
}

func (c RampConfig) withDefaults() RampConfig {
	if c.Connections <= 0 {
		c.Connections = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 50
	}
	return c
}

// connectAll opens cfg.Connections clients with launches spread evenly over
// cfg.RampUp and at most cfg.Concurrency dials in flight. Failed dials are
// counted on collector and left out of the result.
func connectAll(ctx context.Context, cfg RampConfig, collector *Collector, w io.Writer) []*Client {
	cfg = cfg.withDefaults()
	interval := cfg.RampUp / time.Duration(cfg.Connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*Client, 0, cfg.Connections)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, cfg.Concurrency)
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

launch:
	for launched := 0; launched < cfg.Connections; {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w, "Interrupted during ramp-up.")
			break launch
		case <-ticker.C:
			launched++
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				c, err := Dial(dialCtx, cfg.URL)
				if err != nil {
					collector.AddError()
					return
				}
				if err := c.WaitForSession(dialCtx); err != nil {
					collector.AddError()
					_ = c.Close()
					return
				}
				collector.AddConnect(c.Metrics().ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	fmt.Fprintf(w, "Connected %d/%d (%d errors)\n",
		len(clients), cfg.Connections, collector.ErrorCount())
	return clients
}

func closeAll(clients []*Client) {
	for _, c := range clients {
		_ = c.Close()
	}
}

// SaturateConfig opens many idle connections and holds them.
type SaturateConfig struct {
	RampConfig
	Hold           time.Duration
	StatusInterval time.Duration
}

// Saturate runs the connection saturation scenario and returns how many
// connections the server dropped during the hold.
func Saturate(ctx context.Context, cfg SaturateConfig, collector *Collector, w io.Writer) int {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 5 * time.Second
	}
	clients := connectAll(ctx, cfg.RampConfig, collector, w)
	defer closeAll(clients)

	alive := func() int {
		n := 0
		for _, c := range clients {
			if c.Alive() {
				n++
			}
		}
		return n
	}

	fmt.Fprintf(w, "Holding %d connections for %s\n", len(clients), cfg.Hold)
	hold := time.NewTimer(cfg.Hold)
	defer hold.Stop()
	status := time.NewTicker(cfg.StatusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w, "Interrupted during hold.")
			return len(clients) - alive()
		case <-hold.C:
			return len(clients) - alive()
		case <-status.C:
			n := alive()
			fmt.Fprintf(w, "  [hold] alive: %d/%d\n", n, len(clients))
		}
	}
}

// ChatConfig has every connection join and chat at a fixed interval.
type ChatConfig struct {
	RampConfig
	Duration        time.Duration
	MessageInterval time.Duration
	MessageSize     int
	// Grace is how long to keep listening after the last send.
	Grace time.Duration
}

// ChatResult totals a chat scenario.
type ChatResult struct {
	Joined   int
	Sent     int64
	Received int64
}

// Chat runs the broadcast scenario. Every message carries its send time, so
// each delivery to any participant yields one broadcast latency sample.
func Chat(ctx context.Context, cfg ChatConfig, collector *Collector, w io.Writer) ChatResult {
	if cfg.MessageInterval <= 0 {
		cfg.MessageInterval = time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Second
	}

	clients := connectAll(ctx, cfg.RampConfig, collector, w)
	defer closeAll(clients)

	var res ChatResult
	var sent, received atomic.Int64
	for i, c := range clients {
		c.On(protocol.TypeNewMessage, func(data json.RawMessage) {
			if d, ok := broadcastLatency(data, time.Now()); ok {
				received.Add(1)
				collector.AddMsgLatency(d)
			}
		})
		c.On(protocol.TypeRateLimited, func(json.RawMessage) {
			collector.AddRateLimited()
		})
		if err := c.Join(fmt.Sprintf("load-%d", i)); err != nil {
			collector.AddError()
			continue
		}
		res.Joined++
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.MessageInterval)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					if err := c.Chat(payload(time.Now(), cfg.MessageSize)); err != nil {
						collector.AddError()
						return
					}
					sent.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-time.After(cfg.Grace):
	case <-ctx.Done():
	}

	res.Sent = sent.Load()
	res.Received = received.Load()
	fmt.Fprintf(w, "Joined %d, sent %d, received %d\n", res.Joined, res.Sent, res.Received)
	return res
}

// stampMarks separate the digits of an encoded send time. A decimal stamp can
// hold long runs of one digit, which content filters treat as flooding.
const stampMarks = "abcdefghijklmnopqrst"

// payload builds chat text of about size bytes that starts with the send time.
// The filler never repeats a character or word so content filters pass it.
func payload(sentAt time.Time, size int) string {
	var b strings.Builder
	b.WriteString(latencyPrefix)
	b.WriteString(encodeStamp(sentAt.UnixNano()))
	b.WriteByte(' ')
	const filler = "abcdefghijklmnopqrstuvwxyz"
	for i := 0; b.Len() < size; i++ {
		b.WriteByte(filler[i%len(filler)])
	}
	return b.String()
}

// encodeStamp writes each decimal digit of nanos followed by a distinct mark.
func encodeStamp(nanos int64) string {
	digits := strconv.FormatInt(nanos, 10)
	out := make([]byte, 0, 2*len(digits))
	for i := 0; i < len(digits); i++ {
		out = append(out, digits[i], stampMarks[i%len(stampMarks)])
	}
	return string(out)
}

func decodeStamp(s string) (int64, bool) {
	if len(s) == 0 || len(s)%2 != 0 {
		return 0, false
	}
	digits := make([]byte, 0, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		if s[i+1] != stampMarks[(i/2)%len(stampMarks)] {
			return 0, false
		}
		digits = append(digits, s[i])
	}
	nanos, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return 0, false
	}
	return nanos, true
}

func broadcastLatency(data []byte, now time.Time) (time.Duration, bool) {
	var m protocol.NewMessageMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return 0, false
	}
	rest, ok := strings.CutPrefix(m.Message.Text, latencyPrefix)
	if !ok {
		return 0, false
	}
	stamp, _, _ := strings.Cut(rest, " ")
	nanos, ok := decodeStamp(stamp)
	if !ok {
		return 0, false
	}
	return now.Sub(time.Unix(0, nanos)), true
}
