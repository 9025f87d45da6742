// Package metrics provides Prometheus instrumentation for the lobby server. It
// exposes gauges for connection, participant and typing counts, counters for
// message, event and disconnect throughput, and a histogram for coordinator latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message results recorded in MessagesTotal.
const (
	ResultAccepted    = "accepted"
	ResultEmpty       = "empty"
	ResultTooLong     = "too_long"
	ResultDropped     = "dropped"
	ResultRateLimited = "rate_limited"
	ResultBlocked     = "blocked"
)

var (
	// ConnectionsTotal tracks the current number of registered connections,
	// anonymous ones included.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobby_connections_total",
		Help: "Current number of registered WebSocket connections",
	})

	// Participants tracks the number of joined participants (the roster count).
	Participants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobby_participants",
		Help: "Current number of joined participants",
	})

	// HistoryLength tracks the number of messages held in the history buffer.
	HistoryLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobby_history_length",
		Help: "Number of messages in the recent-history buffer",
	})

	// TypingActive tracks how many participants are currently typing.
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobby_typing_active",
		Help: "Number of participants currently marked as typing",
	})

	// MessagesTotal counts chat sends by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_messages_total",
		Help: "Total number of chat sends processed",
	}, []string{"result"})

	// EventsDispatched counts outbound events enqueued, labeled by event type.
	EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_events_dispatched_total",
		Help: "Total number of outbound events enqueued to connections",
	}, []string{"type"})

	// OutboundDropped counts events dropped because a connection's queue was full.
	OutboundDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lobby_outbound_dropped_total",
		Help: "Outbound events dropped due to a full connection queue",
	})

	// Disconnects counts closed WebSocket connections by reason.
	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_disconnects_total",
		Help: "Total number of WebSocket connections closed, by reason",
	}, []string{"reason"})

	// TaskLatency records how long coordinator tasks take, queueing included.
	TaskLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lobby_task_latency_seconds",
		Help:    "Coordinator task latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// TasksAbandoned counts coordinator tasks skipped because their caller's
	// context ended before the task started.
	TasksAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lobby_tasks_abandoned_total",
		Help: "Coordinator tasks skipped after their caller gave up",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		Participants,
		HistoryLength,
		TypingActive,
		MessagesTotal,
		EventsDispatched,
		OutboundDropped,
		Disconnects,
		TaskLatency,
		TasksAbandoned,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
