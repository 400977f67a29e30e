package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mayukhdev/janus-ws-connect/internal/metrics"
)

type RegistryOptions struct {
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Registry owns every Peer opened during a run so they can be closed
// together at shutdown.
type Registry struct {
	api  *webrtc.API
	opts RegistryOptions

	mu     sync.Mutex
	nextID uint64
	peers  map[uint64]*Peer
}

func NewRegistry(api *webrtc.API, opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		api:   api,
		opts:  opts,
		peers: make(map[uint64]*Peer),
	}
}

func (r *Registry) NewPeer(name string) (*Peer, error) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	p, err := NewPeer(r.api, PeerOptions{
		Name:       name,
		ICEServers: r.opts.ICEServers,
		Logger:     r.opts.Logger,
		Metrics:    r.opts.Metrics,
		OnClose: func() {
			r.mu.Lock()
			delete(r.peers, id)
			r.mu.Unlock()
			r.opts.Metrics.Inc(metrics.EventPeersClosed)
		},
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.peers[id] = p
	r.mu.Unlock()
	r.opts.Metrics.Inc(metrics.EventPeersOpened)
	return p, nil
}

// NewPublisher opens a peer carrying a placeholder video track.
func (r *Registry) NewPublisher() (*Peer, *webrtc.TrackLocalStaticRTP, error) {
	p, err := r.NewPeer("publisher")
	if err != nil {
		return nil, nil, err
	}
	track, err := p.AddPlaceholderVideoTrack()
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	return p, track, nil
}

func (r *Registry) NewSubscriber(feed int64) (*Peer, error) {
	return r.NewPeer(fmt.Sprintf("subscriber-%d", feed))
}

// Peers returns the open peers in creation order.
func (r *Registry) Peers() []*Peer {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Peer, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.peers[id])
	}
	r.mu.Unlock()
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// CloseAll closes every open peer and joins their errors.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, p := range r.Peers() {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
