package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mayukhdev/janus-ws-connect/internal/metrics"
)

// ErrClosed is returned by operations on a closed Peer.
var ErrClosed = errors.New("peer closed")

type PeerOptions struct {
	Name       string
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	// OnClose runs once after the peer has closed.
	OnClose func()
}

// Peer wraps one PeerConnection negotiated through the gateway. Remote tracks
// are drained into Sinks for as long as the peer is open.
type Peer struct {
	name    string
	pc      *webrtc.PeerConnection
	logger  *slog.Logger
	metrics *metrics.Metrics
	onClose func()

	mu     sync.Mutex
	sinks  []*Sink
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func NewPeer(api *webrtc.API, opts PeerOptions) (*Peer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: opts.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		name:    opts.Name,
		pc:      pc,
		logger:  logger.With("peer", opts.Name),
		metrics: opts.Metrics,
		onClose: opts.OnClose,
	}

	pc.OnTrack(p.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("peer connection state changed", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			// Close blocks on the drain goroutines; never run it on pion's
			// callback goroutine.
			go p.Close()
		}
	})
	return p, nil
}

func (p *Peer) Name() string { return p.name }

func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }

func (p *Peer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	sink := NewSink(track.ID(), track.Kind().String(), track.Codec().MimeType, p.metrics)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.sinks = append(p.sinks, sink)
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.Inc(metrics.EventRemoteTracks)
	p.logger.Info("remote track",
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
		"ssrc", uint32(track.SSRC()),
	)

	go func() {
		defer p.wg.Done()
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			sink.Observe(pkt)
		}
	}()
}

// AddPlaceholderVideoTrack adds a VP8 send track so the peer offers video.
// Nothing is written to it unless the caller does so.
func (p *Peer) AddPlaceholderVideoTrack() (*webrtc.TrackLocalStaticRTP, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		p.name,
	)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	if err := p.AddTrack(track); err != nil {
		return nil, err
	}
	return track, nil
}

// AddTrack attaches a local track and drains its RTCP.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	sender, err := p.pc.AddTrack(track)
	if err != nil {
		p.wg.Done()
		return fmt.Errorf("add track: %w", err)
	}
	go func() {
		defer p.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// CreateOffer creates and applies a local offer, then waits for ICE gathering
// so the returned SDP carries every candidate.
func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return p.applyLocal(ctx, offer)
}

// CreateAnswer answers the remote offer already applied with
// SetRemoteDescription, waiting for ICE gathering like CreateOffer.
func (p *Peer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return p.applyLocal(ctx, answer)
}

func (p *Peer) applyLocal(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, ErrClosed
	}
	return *local, nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// TrackStats reports counters for every remote track seen so far.
func (p *Peer) TrackStats() []TrackStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TrackStats, 0, len(p.sinks))
	for _, sink := range p.sinks {
		out = append(out, sink.Stats())
	}
	return out
}

// Close closes the PeerConnection and waits for the drain goroutines. It is
// safe to call more than once.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.closeErr = p.pc.Close()
		p.wg.Wait()
		if p.onClose != nil {
			p.onClose()
		}
		p.logger.Debug("peer closed")
	})
	return p.closeErr
}
