// Package videoroom drives the Janus video-room plugin over a janus.Session:
// join a room as publisher, publish a local offer, optionally subscribe to
// the first publisher already present, then keep the media flowing until the
// run ends.
package videoroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mayukhdev/janus-ws-connect/internal/janus"
)

const PluginName = "janus.plugin.videoroom"

type Options struct {
	Room    int64
	Display string
	// Subscribe to the first publisher listed in the join reply.
	Subscribe bool
}

// Session is the part of *janus.Session the client needs.
type Session interface {
	Connect(ctx context.Context) error
	Create(ctx context.Context) error
	Attach(ctx context.Context, plugin string) (*janus.Handle, error)
	Destroy(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// Peer is the media side of one negotiation.
type Peer interface {
	CreateOffer(ctx context.Context) (janus.JSEP, error)
	CreateAnswer(ctx context.Context) (janus.JSEP, error)
	SetRemoteDescription(janus.JSEP) error
	Close() error
}

// Media opens peers and closes all of them at teardown.
type Media interface {
	NewPublisher() (Peer, error)
	NewSubscriber(feed int64) (Peer, error)
	Close() error
}

type Client struct {
	session Session
	media   Media
	opts    Options
	log     *slog.Logger

	publisher *janus.Handle
	joined    JoinResult

	watchWG sync.WaitGroup
}

func New(session Session, media Media, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		session: session,
		media:   media,
		opts:    opts,
		log:     logger.With("room", opts.Room),
	}
}

// Join attaches the publisher handle and joins the room as a publisher.
func (c *Client) Join(ctx context.Context) (JoinResult, error) {
	h, err := c.session.Attach(ctx, PluginName)
	if err != nil {
		return JoinResult{}, fmt.Errorf("attach publisher: %w", err)
	}
	resp, err := h.Send(ctx, janus.Message{Body: joinPublisherRequest{
		Request: "join",
		PType:   "publisher",
		Room:    c.opts.Room,
		Display: c.opts.Display,
	}})
	if err != nil {
		return JoinResult{}, fmt.Errorf("join room %d: %w", c.opts.Room, err)
	}
	reply, err := decodeReply(resp)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join room %d: %w", c.opts.Room, err)
	}

	c.publisher = h
	c.joined = JoinResult{
		Room:       reply.Room,
		ID:         reply.ID,
		PrivateID:  reply.PrivateID,
		Publishers: reply.Publishers,
	}
	c.log.Info("joined room", "participant_id", reply.ID, "publishers", len(reply.Publishers))
	for _, p := range reply.Publishers {
		c.log.Info("publisher present", "id", p.ID, "display", p.Display)
	}
	return c.joined, nil
}

// Publish offers local media on the publisher handle and applies the answer.
func (c *Client) Publish(ctx context.Context) error {
	if c.publisher == nil {
		return fmt.Errorf("%w: publish before join", janus.ErrInvalidState)
	}
	peer, err := c.media.NewPublisher()
	if err != nil {
		return fmt.Errorf("open publisher peer: %w", err)
	}
	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	audio, video, err := mediaFlags(offer.SDP)
	if err != nil {
		return err
	}

	resp, err := c.publisher.Send(ctx, janus.Message{
		Body: configureRequest{Request: "configure", Audio: audio, Video: video},
		JSEP: offerJSEP(offer),
	})
	if err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	if _, err := decodeReply(resp); err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	if resp.JSEP == nil {
		return fmt.Errorf("configure: %w", ErrNoJSEP)
	}
	if err := peer.SetRemoteDescription(*resp.JSEP); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	c.log.Info("publishing", "audio", audio, "video", video)
	return nil
}

// Subscribe attaches a new handle, joins it as a subscriber to feed, answers
// the plugin's offer and starts the stream.
func (c *Client) Subscribe(ctx context.Context, feed int64) (*janus.Handle, error) {
	h, err := c.session.Attach(ctx, PluginName)
	if err != nil {
		return nil, fmt.Errorf("attach subscriber: %w", err)
	}
	peer, err := c.media.NewSubscriber(feed)
	if err != nil {
		return nil, fmt.Errorf("open subscriber peer: %w", err)
	}

	resp, err := h.Send(ctx, janus.Message{Body: joinSubscriberRequest{
		Request: "join",
		PType:   "subscriber",
		Room:    c.opts.Room,
		Feed:    feed,
	}})
	if err != nil {
		return nil, fmt.Errorf("join feed %d: %w", feed, err)
	}
	if _, err := decodeReply(resp); err != nil {
		return nil, fmt.Errorf("join feed %d: %w", feed, err)
	}
	if resp.JSEP == nil {
		return nil, fmt.Errorf("join feed %d: %w", feed, ErrNoJSEP)
	}
	if err := peer.SetRemoteDescription(*resp.JSEP); err != nil {
		return nil, fmt.Errorf("apply offer: %w", err)
	}
	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}

	resp, err = h.Send(ctx, janus.Message{
		Body: startRequest{Request: "start", Room: c.opts.Room},
		JSEP: offerJSEP(answer),
	})
	if err != nil {
		return nil, fmt.Errorf("start feed %d: %w", feed, err)
	}
	if _, err := decodeReply(resp); err != nil {
		return nil, fmt.Errorf("start feed %d: %w", feed, err)
	}
	c.log.Info("subscribed", "feed", feed, "handle_id", h.ID())
	return h, nil
}

// Run connects, creates the session, publishes and optionally subscribes,
// then keeps the session up for duration (or until ctx ends or the session
// dies). A zero duration runs until ctx ends. Teardown always destroys the
// session and closes every peer.
func (c *Client) Run(ctx context.Context, duration time.Duration) (err error) {
	watchCtx, stopWatching := context.WithCancel(ctx)
	defer func() {
		stopWatching()
		if terr := c.teardown(); err == nil {
			err = terr
		}
	}()

	if err := c.session.Connect(ctx); err != nil {
		return err
	}
	if err := c.session.Create(ctx); err != nil {
		return err
	}

	joined, err := c.Join(ctx)
	if err != nil {
		return err
	}
	c.watch(watchCtx, c.publisher, "publisher")

	if err := c.Publish(ctx); err != nil {
		return err
	}

	if c.opts.Subscribe && len(joined.Publishers) > 0 {
		feed := joined.Publishers[0].ID
		h, err := c.Subscribe(ctx, feed)
		if err != nil {
			return err
		}
		c.watch(watchCtx, h, fmt.Sprintf("subscriber-%d", feed))
	}

	c.log.Info("exchanging media", "duration", duration)
	var expired <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-expired:
		return nil
	case <-ctx.Done():
		c.log.Info("run interrupted", "err", ctx.Err())
		return nil
	case <-c.session.Done():
		return fmt.Errorf("session ended: %w", c.session.Err())
	}
}

// watch logs every notification pushed to h until ctx ends or the handle
// closes.
func (c *Client) watch(ctx context.Context, h *janus.Handle, role string) {
	log := c.log.With("handle_id", h.ID(), "role", role)
	c.watchWG.Add(1)
	go func() {
		defer c.watchWG.Done()
		for {
			n, err := h.NextNotification(ctx)
			if err != nil {
				return
			}
			c.logNotification(log, n)
		}
	}()
}

func (c *Client) logNotification(log *slog.Logger, n janus.Response) {
	if n.Janus != janus.KindEvent || n.PluginData == nil {
		log.Info("janus notification", "kind", n.Janus)
		return
	}
	reply, err := decodeReply(n)
	if err != nil {
		log.Warn("videoroom event", "err", err)
		return
	}
	switch {
	case len(reply.Publishers) > 0:
		for _, p := range reply.Publishers {
			log.Info("publisher joined", "id", p.ID, "display", p.Display)
		}
	case reply.Leaving != nil:
		log.Info("participant left", "id", reply.Leaving)
	case reply.Unpublished != nil:
		log.Info("publisher unpublished", "id", reply.Unpublished)
	default:
		log.Info("videoroom event", "videoroom", reply.Videoroom)
	}
}

func (c *Client) teardown() error {
	var errs []error
	if err := c.session.Destroy(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("destroy session: %w", err))
	}
	if err := c.media.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close media: %w", err))
	}
	c.watchWG.Wait()
	return errors.Join(errs...)
}
