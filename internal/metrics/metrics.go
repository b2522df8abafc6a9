// Package metrics provides Prometheus instrumentation for the chat client's
// sync engine: socket traffic counters, reconnect counts, send outcomes,
// and the total unread gauge the UI badge is driven by.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesReceived counts inbound frames read from the socket.
	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatclient_frames_received_total",
		Help: "Total number of frames received over the realtime socket",
	})

	// FramesSent counts outbound frames written to the socket,
	// heartbeat pings included.
	FramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatclient_frames_sent_total",
		Help: "Total number of frames sent over the realtime socket",
	})

	// Connects counts successful socket connections, reconnects included.
	Connects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatclient_connects_total",
		Help: "Total number of successful socket connections",
	})

	// Reconnects counts scheduled reconnection attempts.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatclient_reconnects_total",
		Help: "Total number of scheduled reconnection attempts",
	})

	// SendsTotal counts message send attempts, labeled by outcome:
	// "confirmed", "timeout", or "rejected".
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_sends_total",
		Help: "Total number of message send attempts by outcome",
	}, []string{"outcome"})

	// InboundFrames counts classified inbound frames by type.
	InboundFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_inbound_frames_total",
		Help: "Total number of classified inbound frames by type",
	}, []string{"type"})

	// UnreadTotal tracks the current total unread count across open
	// conversations.
	UnreadTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatclient_unread_total",
		Help: "Current total unread count across open conversations",
	})

	// HydrationsTotal counts conversation hydrations by source:
	// "network", "cache", or "empty".
	HydrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_hydrations_total",
		Help: "Total number of conversation hydrations by source",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(
		FramesReceived,
		FramesSent,
		Connects,
		Reconnects,
		SendsTotal,
		InboundFrames,
		UnreadTotal,
		HydrationsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
