package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Event names. Each one becomes a value of the `event` label on
// janus_ws_connect_events_total.
const (
	EventRequestsSent         = "requests_sent"
	EventFramesReceived       = "frames_received"
	EventKeepalivesSent       = "keepalives_sent"
	EventRequestTimeouts      = "request_timeouts"
	EventCorrelationErrors    = "correlation_errors"
	EventProtocolErrors       = "protocol_errors"
	EventTransportErrors      = "transport_errors"
	EventGatewayTimeouts      = "gateway_timeouts"
	EventDroppedUnknownHandle = "dropped_unknown_handle"
	EventLateRepliesDropped   = "late_replies_dropped"

	EventPeersOpened        = "peers_opened"
	EventPeersClosed        = "peers_closed"
	EventRemoteTracks       = "remote_tracks"
	EventRTPPacketsReceived = "rtp_packets_received"
	EventRTPBytesReceived   = "rtp_bytes_received"
	EventRTPPacketsLost     = "rtp_packets_lost"
)

// Metrics is a concurrency-safe counter registry backed by a private
// Prometheus registry.
//
// Counters are mirrored in memory so tests and status endpoints can read them
// without scraping.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec

	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "janus_ws_connect_events_total",
		Help: "Internal event counters.",
	}, []string{"event"})

	registry := prometheus.NewRegistry()
	registry.MustRegister(events)
	registry.MustRegister(collectors.NewGoCollector())

	return &Metrics{
		registry: registry,
		events:   events,
		m:        make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.events.WithLabelValues(name).Add(float64(delta))
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
