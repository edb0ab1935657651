// Package metrics provides Prometheus metrics for the stack, its sockets and
// the ping protocol.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "inetcore"

// Drop reasons used with PacketsDropped.
const (
	DropMalformed   = "malformed"
	DropChecksum    = "checksum"
	DropNotForUs    = "not_for_us"
	DropNoEndpoint  = "no_endpoint"
	DropQueueFull   = "queue_full"
	DropUnsupported = "unsupported"
	DropRateLimited = "rate_limited"
)

// Ping failure reasons used with PingFailures.
const (
	FailNoReply          = "no_reply"
	FailChecksumMismatch = "checksum_mismatch"
	FailSend             = "send"
)

type Metrics struct {
	// IP layer
	PacketsIn      *prometheus.CounterVec
	PacketsOut     *prometheus.CounterVec
	PacketsDropped *prometheus.CounterVec
	BytesIn        prometheus.Counter
	BytesOut       prometheus.Counter
	EchoReplies    prometheus.Counter

	// Sockets
	SocketsOpen   *prometheus.GaugeVec
	TCPResets     prometheus.Counter
	TCPHandshakes *prometheus.CounterVec

	// Ping
	PingsSent     prometheus.Counter
	PingReplies   prometheus.Counter
	PingFailures  *prometheus.CounterVec
	PingDiscarded prometheus.Counter
	PingRTT       prometheus.Histogram
}

// New creates the metrics and registers them with reg. A nil reg yields
// working but unregistered metrics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PacketsIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ip",
			Name:      "packets_in_total",
			Help:      "IPv4 datagrams accepted, by transport protocol",
		}, []string{"proto"}),
		PacketsOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ip",
			Name:      "packets_out_total",
			Help:      "IPv4 datagrams sent, by transport protocol",
		}, []string{"proto"}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ip",
			Name:      "packets_dropped_total",
			Help:      "Inbound datagrams dropped, by reason",
		}, []string{"reason"}),
		BytesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ip",
			Name:      "bytes_in_total",
			Help:      "Bytes of inbound IPv4 datagrams",
		}),
		BytesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ip",
			Name:      "bytes_out_total",
			Help:      "Bytes of outbound IPv4 datagrams",
		}),
		EchoReplies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "icmp",
			Name:      "echo_replies_sent_total",
			Help:      "Echo replies sent by the stack's responder",
		}),
		SocketsOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "open",
			Help:      "Open sockets, by type",
		}, []string{"type"}),
		TCPResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "resets_sent_total",
			Help:      "RST segments sent",
		}),
		TCPHandshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "handshakes_total",
			Help:      "Completed or failed handshakes, by result",
		}, []string{"result"}),
		PingsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ping",
			Name:      "requests_total",
			Help:      "Echo requests sent",
		}),
		PingReplies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ping",
			Name:      "replies_total",
			Help:      "Validated echo replies",
		}),
		PingFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ping",
			Name:      "failures_total",
			Help:      "Failed pings, by reason",
		}, []string{"reason"}),
		PingDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ping",
			Name:      "discarded_total",
			Help:      "Received packets discarded while waiting for a reply",
		}),
		PingRTT: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ping",
			Name:      "rtt_seconds",
			Help:      "Round-trip time of validated echo replies",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

// OrNew returns m, or unregistered metrics when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}
