package janus

import (
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/mayukhdev/janus-ws-connect/internal/metrics"
)

// dispatchLoop is the only reader of conn. It runs until the connection
// fails or is closed by teardown.
func (s *Session) dispatchLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if s.state.Is(stateDestroyed) {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info("janus gateway closed the connection", "session_id", s.ID())
				s.teardown(fmt.Errorf("%w: connection closed by gateway", ErrTransport), false)
				return
			}
			s.metrics.Inc(metrics.EventTransportErrors)
			s.log.Warn("janus transport failed", "session_id", s.ID(), "err", err)
			s.teardown(fmt.Errorf("%w: %v", ErrTransport, err), false)
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.EventProtocolErrors)
			s.log.Warn("ignoring non-text janus frame", "message_type", msgType)
			continue
		}

		resp, err := parseResponse(data)
		if err != nil {
			s.metrics.Inc(metrics.EventProtocolErrors)
			s.log.Warn("ignoring malformed janus frame", "err", err, "bytes", len(data))
			continue
		}
		s.metrics.Inc(metrics.EventFramesReceived)
		s.log.Debug("janus frame received",
			"kind", resp.Janus,
			"transaction", resp.Transaction,
			"sender", resp.Sender,
			"bytes", len(data),
		)
		s.route(resp)
	}
}

// route delivers one classified frame to the queue that owns it.
func (s *Session) route(resp Response) {
	switch resp.Janus {
	case KindAck:
		return

	case KindTimeout:
		if resp.SessionID != 0 && resp.SessionID != s.ID() {
			s.log.Warn("ignoring timeout for another session", "session_id", s.ID(), "timeout_session_id", resp.SessionID)
			return
		}
		s.metrics.Inc(metrics.EventGatewayTimeouts)
		s.log.Warn("janus gateway expired the session", "session_id", s.ID())
		s.teardown(ErrGatewayTimeout, true)

	case KindSuccess, KindServerInfo, KindError:
		s.deliverReply(resp)

	case KindEvent:
		h, ok := s.Handle(resp.Sender)
		if !ok {
			s.dropUnknownHandle(resp)
			return
		}
		if resp.Transaction == "" {
			h.notifications.Enqueue(resp)
			return
		}
		s.deliverHandleEvent(h, resp)

	default:
		// Handle notifications (webrtcup, media, hangup, ...).
		h, ok := s.Handle(resp.Sender)
		if !ok {
			s.dropUnknownHandle(resp)
			return
		}
		h.notifications.Enqueue(resp)
	}
}

// deliverReply routes a synchronous reply to the scope waiting for its
// transaction. Replies nobody is waiting for fall back to the sender's handle,
// then to the session scope, where the waiter reports the mismatch.
func (s *Session) deliverReply(resp Response) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.dropAbandonedLocked(resp) {
		return
	}
	if sc := s.pending[resp.Transaction]; resp.Transaction != "" && sc != nil {
		sc.queue.Enqueue(resp)
		return
	}
	if resp.Sender != 0 {
		if h, ok := s.Handle(resp.Sender); ok {
			h.scope.queue.Enqueue(resp)
			return
		}
	}
	s.scope.queue.Enqueue(resp)
}

func (s *Session) deliverHandleEvent(h *Handle, resp Response) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.dropAbandonedLocked(resp) {
		return
	}
	h.scope.queue.Enqueue(resp)
}

func (s *Session) dropAbandonedLocked(resp Response) bool {
	if !s.abandoned.take(resp.Transaction) {
		return false
	}
	s.metrics.Inc(metrics.EventLateRepliesDropped)
	s.log.Debug("dropping late janus reply", "kind", resp.Janus, "transaction", resp.Transaction, "sender", resp.Sender)
	return true
}

func (s *Session) dropUnknownHandle(resp Response) {
	s.metrics.Inc(metrics.EventDroppedUnknownHandle)
	s.log.Debug("dropping janus frame for unknown handle", "kind", resp.Janus, "sender", resp.Sender, "transaction", resp.Transaction)
}
