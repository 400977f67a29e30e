package webrtcpeer

import (
	"sync"

	"github.com/pion/rtp"

	"github.com/mayukhdev/janus-ws-connect/internal/metrics"
)

// TrackStats summarizes what a Sink has received.
type TrackStats struct {
	ID      string
	Kind    string
	Codec   string
	Packets uint64
	Bytes   uint64
	// Lost counts sequence numbers skipped over. Reordered packets that arrive
	// after a later one are not subtracted.
	Lost uint64
}

// Sink consumes a remote track's RTP and keeps counters. Media is not decoded
// or stored.
type Sink struct {
	metrics *metrics.Metrics

	mu      sync.Mutex
	stats   TrackStats
	started bool
	lastSeq uint16
}

func NewSink(id, kind, codec string, m *metrics.Metrics) *Sink {
	return &Sink{
		metrics: m,
		stats:   TrackStats{ID: id, Kind: kind, Codec: codec},
	}
}

// Observe records one received packet.
func (s *Sink) Observe(pkt *rtp.Packet) {
	size := uint64(pkt.MarshalSize())

	s.mu.Lock()
	s.stats.Packets++
	s.stats.Bytes += size
	var lost uint64
	if !s.started {
		s.started = true
		s.lastSeq = pkt.SequenceNumber
	} else {
		// uint16 arithmetic handles wraparound; deltas in the upper half are
		// late or duplicate packets.
		delta := pkt.SequenceNumber - s.lastSeq
		if delta != 0 && delta < 1<<15 {
			lost = uint64(delta - 1)
			s.lastSeq = pkt.SequenceNumber
		}
	}
	s.stats.Lost += lost
	s.mu.Unlock()

	s.metrics.Inc(metrics.EventRTPPacketsReceived)
	s.metrics.Add(metrics.EventRTPBytesReceived, size)
	if lost > 0 {
		s.metrics.Add(metrics.EventRTPPacketsLost, lost)
	}
}

func (s *Sink) Stats() TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
