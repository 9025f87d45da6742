package loadtest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type metricSnapshot struct {
	timestamp    time.Time
	connections  float64
	participants float64
	messages     float64
	dispatched   float64
	dropped      float64
	taskSum      float64
	taskCount    float64
}

// Scraper polls the server's /metrics endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper that fetches metricsURL every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Final snapshot; ctx is already done.
				s.scrapeOnce(context.Background())
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

// Stop ends scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Snapshots returns how many scrapes succeeded.
func (s *Scraper) Snapshots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *Scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		// The server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch(ctx context.Context) (metricSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.metricsURL, nil)
	if err != nil {
		return metricSnapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return metricSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return metricSnapshot{}, fmt.Errorf("loadtest: scrape %s: %s", s.metricsURL, resp.Status)
	}
	snap, err := parseMetrics(resp.Body)
	snap.timestamp = time.Now()
	return snap, err
}

// parseMetrics reads the lobby series out of a text exposition. Labelled
// series are summed per metric name.
func parseMetrics(r io.Reader) (metricSnapshot, error) {
	var snap metricSnapshot
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch name {
		case "lobby_connections_total":
			snap.connections = value
		case "lobby_participants":
			snap.participants = value
		case "lobby_messages_total":
			snap.messages += value
		case "lobby_events_dispatched_total":
			snap.dispatched += value
		case "lobby_outbound_dropped_total":
			snap.dropped = value
		case "lobby_task_latency_seconds_sum":
			snap.taskSum = value
		case "lobby_task_latency_seconds_count":
			snap.taskCount = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits `name{labels} value [timestamp]` into the bare name
// and value.
func parseMetricLine(line string) (string, float64, bool) {
	var name, rest string
	if i := strings.IndexByte(line, '{'); i != -1 {
		j := strings.LastIndexByte(line, '}')
		if j < i {
			return "", 0, false
		}
		name, rest = line[:i], line[j+1:]
	} else {
		var found bool
		name, rest, found = strings.Cut(line, " ")
		if !found {
			return "", 0, false
		}
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report writes initial, final, delta and peak values to w.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]metricSnapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label string
		get   func(metricSnapshot) float64
	}{
		{"Connections", func(m metricSnapshot) float64 { return m.connections }},
		{"Participants", func(m metricSnapshot) float64 { return m.participants }},
		{"Messages", func(m metricSnapshot) float64 { return m.messages }},
		{"Events Sent", func(m metricSnapshot) float64 { return m.dispatched }},
		{"Events Dropped", func(m metricSnapshot) float64 { return m.dropped }},
	}
	fmt.Fprintf(w, "\n  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, row := range rows {
		initial, final := row.get(first), row.get(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			row.label, initial, final, final-initial, peakValue(snaps, row.get))
	}

	fmt.Fprintln(w)
	if n := last.taskCount - first.taskCount; n > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.6fs  (%.0f tasks)\n", "Task Latency", (last.taskSum-first.taskSum)/n, n)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no tasks)\n", "Task Latency")
	}
}

func peakValue(snaps []metricSnapshot, get func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		peak = max(peak, get(s))
	}
	return peak
}
