// Package metrics provides Prometheus instrumentation for the support chat
// service: connection and session gauges, message throughput by moderation
// outcome, reservation results, and gateway event latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "haven_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts chat messages by moderation outcome:
	// "approved", "flagged", or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// MessageLatency records time from receipt to broadcast of a message.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "haven_message_latency_seconds",
		Help:    "Message persist and broadcast latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MatchDuration records how long candidate ranking takes.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "haven_match_duration_seconds",
		Help:    "Time to rank listener candidates",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
	})

	// ActiveChats tracks sessions started minus sessions ended by this instance.
	ActiveChats = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "haven_active_chats",
		Help: "Current number of active chat sessions",
	})

	// Reservations counts chat requests by result: "ok", "conflict",
	// "invalid_state", "not_found", "error".
	Reservations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_reservations_total",
		Help: "Listener reservation attempts by result",
	}, []string{"result"})

	// SessionsEnded counts ended sessions by who ended them.
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_sessions_ended_total",
		Help: "Ended chat sessions",
	}, []string{"by"}) // by = "participant", "expiry"

	// Events counts gateway events by type and outcome (ok or error kind).
	Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_gateway_events_total",
		Help: "Gateway events handled",
	}, []string{"event", "outcome"})

	// EventLatency records gateway handler latency by event type.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "haven_gateway_event_seconds",
		Help:    "Gateway handler latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		MatchDuration,
		ActiveChats,
		Reservations,
		SessionsEnded,
		Events,
		EventLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
