// Package metrics provides Prometheus instrumentation for the rawchat server:
// gauges for live connections, sessions, waiters and partnerships, counters
// for events, relayed signals and moderation actions, and latency histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rawchat_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// SessionsActive tracks connections that passed the device and ban checks.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rawchat_sessions_active",
		Help: "Current number of registered sessions",
	})

	// MatchQueueSize tracks the number of connections waiting for a partner.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rawchat_match_queue_size",
		Help: "Current number of connections waiting for a partner",
	})

	// ActivePairs tracks the number of partnerships.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rawchat_active_pairs",
		Help: "Current number of paired connections (pairs, not peers)",
	})

	// EventsTotal counts inbound client events by name.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rawchat_events_total",
		Help: "Total number of client events processed",
	}, []string{"event"})

	// SignalsTotal counts signal payloads by outcome: "forwarded" or "dropped".
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rawchat_signals_total",
		Help: "Total number of signaling payloads handled",
	}, []string{"result"})

	// ConnectRejected counts refused connections by reason.
	ConnectRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rawchat_connect_rejected_total",
		Help: "Total number of rejected connection attempts",
	}, []string{"reason"}) // reason = "missing_device", "banned", "rate_limited", "capacity"

	// ReportsTotal counts accepted user reports.
	ReportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rawchat_reports_total",
		Help: "Total number of user reports recorded",
	})

	// BansTotal counts bans issued by the report tracker.
	BansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rawchat_bans_total",
		Help: "Total number of report-triggered bans",
	})

	// EventLatency records inbound event handling latency in seconds.
	EventLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rawchat_event_latency_seconds",
		Help:    "Client event processing latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	})

	// MatchWait records the time from entering the queue to being paired.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rawchat_match_wait_seconds",
		Help:    "Time spent waiting in the queue before a partner was found",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
	})
)

// Connect rejection reasons.
const (
	RejectMissingDevice = "missing_device"
	RejectBanned        = "banned"
	RejectRateLimited   = "rate_limited"
	RejectCapacity      = "capacity"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsActive,
		MatchQueueSize,
		ActivePairs,
		EventsTotal,
		SignalsTotal,
		ConnectRejected,
		ReportsTotal,
		BansTotal,
		EventLatency,
		MatchWait,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
