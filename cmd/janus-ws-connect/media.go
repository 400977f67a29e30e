package main

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mayukhdev/janus-ws-connect/internal/janus"
	"github.com/mayukhdev/janus-ws-connect/internal/videoroom"
	"github.com/mayukhdev/janus-ws-connect/internal/webrtcpeer"
)

// peerMedia backs the video-room client with pion peers from a registry.
type peerMedia struct {
	registry *webrtcpeer.Registry
}

func (m peerMedia) NewPublisher() (videoroom.Peer, error) {
	p, _, err := m.registry.NewPublisher()
	if err != nil {
		return nil, err
	}
	return jsepPeer{peer: p}, nil
}

func (m peerMedia) NewSubscriber(feed int64) (videoroom.Peer, error) {
	p, err := m.registry.NewSubscriber(feed)
	if err != nil {
		return nil, err
	}
	return jsepPeer{peer: p}, nil
}

func (m peerMedia) Close() error {
	return m.registry.CloseAll()
}

// jsepPeer speaks janus.JSEP on top of a pion peer.
type jsepPeer struct {
	peer *webrtcpeer.Peer
}

func (p jsepPeer) CreateOffer(ctx context.Context) (janus.JSEP, error) {
	desc, err := p.peer.CreateOffer(ctx)
	if err != nil {
		return janus.JSEP{}, err
	}
	return toJSEP(desc), nil
}

func (p jsepPeer) CreateAnswer(ctx context.Context) (janus.JSEP, error) {
	desc, err := p.peer.CreateAnswer(ctx)
	if err != nil {
		return janus.JSEP{}, err
	}
	return toJSEP(desc), nil
}

func (p jsepPeer) SetRemoteDescription(j janus.JSEP) error {
	desc, err := fromJSEP(j)
	if err != nil {
		return err
	}
	return p.peer.SetRemoteDescription(desc)
}

func (p jsepPeer) Close() error {
	return p.peer.Close()
}

func toJSEP(desc webrtc.SessionDescription) janus.JSEP {
	return janus.JSEP{Type: desc.Type.String(), SDP: desc.SDP}
}

func fromJSEP(j janus.JSEP) (webrtc.SessionDescription, error) {
	typ := webrtc.NewSDPType(j.Type)
	if typ == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown jsep type %q", j.Type)
	}
	return webrtc.SessionDescription{Type: typ, SDP: j.SDP}, nil
}
