package janus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var errHandleDetached = fmt.Errorf("%w: handle detached", ErrInvalidState)

// Handle is one plugin attachment within a Session. All traffic goes through
// the owning Session's connection; replies addressed to the handle are queued
// separately from the session's own.
type Handle struct {
	session *Session
	id      int64
	plugin  string

	scope scope
	// notifications receives pushes that do not answer a request: events
	// without a transaction, webrtcup, media, hangup and similar.
	notifications *responseQueue
}

func newHandle(s *Session, id int64, plugin string) *Handle {
	return &Handle{
		session:       s,
		id:            id,
		plugin:        plugin,
		scope:         scope{queue: newResponseQueue()},
		notifications: newResponseQueue(),
	}
}

func (h *Handle) ID() int64 { return h.id }

func (h *Handle) Plugin() string { return h.plugin }

// Send sends a plugin message and waits for the reply addressed to this
// handle: either a synchronous success or the asynchronous event carrying the
// same transaction.
func (h *Handle) Send(ctx context.Context, msg Message) (Response, error) {
	if err := h.session.requireState("message", stateCreated); err != nil {
		return Response{}, err
	}
	if err := h.scope.queue.Err(); err != nil {
		return Response{}, err
	}
	if msg.Body == nil {
		return Response{}, errors.New("janus: message body is required")
	}
	body, err := json.Marshal(msg.Body)
	if err != nil {
		return Response{}, fmt.Errorf("janus: encode message body: %w", err)
	}
	return h.session.roundTrip(ctx, &h.scope, Request{
		Janus:    KindMessage,
		HandleID: h.id,
		Body:     body,
		JSEP:     msg.JSEP,
	})
}

// NextNotification blocks until the gateway pushes something to this handle
// that is not a reply.
func (h *Handle) NextNotification(ctx context.Context) (Response, error) {
	return h.notifications.Dequeue(ctx)
}

// Detach releases the plugin attachment on the gateway and removes the handle
// from the session.
func (h *Handle) Detach(ctx context.Context) error {
	if err := h.session.requireState("detach", stateCreated); err != nil {
		return err
	}
	if err := h.scope.queue.Err(); err != nil {
		return err
	}
	if _, err := h.session.roundTrip(ctx, &h.scope, Request{Janus: KindDetach, HandleID: h.id}); err != nil {
		return err
	}
	h.session.unregister(h.id)
	h.close(errHandleDetached)
	h.session.log.Info("janus handle detached", "session_id", h.session.ID(), "handle_id", h.id)
	return nil
}

func (h *Handle) close(cause error) {
	if cause == nil {
		cause = errHandleDetached
	}
	h.scope.queue.Close(cause)
	h.notifications.Close(cause)
}
