package janus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mayukhdev/janus-ws-connect/internal/metrics"
)

func TestCreateStoresGatewaySessionID(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := connectSession(t, g, testConfig(g))
	require.Equal(t, stateConnected, s.State())

	errc := async(func() error { return s.Create(context.Background()) })
	req := gc.expect(t, KindCreate)
	require.Zero(t, req.SessionID)
	require.Len(t, req.Transaction, transactionIDLength)
	gc.replyID(t, req, 42)

	require.NoError(t, wait(t, errc))
	require.Equal(t, int64(42), s.ID())
	require.Equal(t, stateCreated, s.State())
}

func TestAttachedHandlesTagTheirRequests(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := createSession(t, g, testConfig(g))

	h7 := attachHandle(t, s, gc, 7)
	h8 := attachHandle(t, s, gc, 8)
	require.Equal(t, int64(7), h7.ID())
	require.Equal(t, int64(8), h8.ID())
	require.Equal(t, "janus.plugin.videoroom", h7.Plugin())

	for _, h := range []*Handle{h7, h8} {
		res := sendAsync(h, map[string]any{"request": "list"})
		req := gc.expect(t, KindMessage)
		require.Equal(t, h.ID(), req.HandleID)
		require.Equal(t, int64(42), req.SessionID)
		require.JSONEq(t, `{"request":"list"}`, string(req.Body))
		gc.send(t, map[string]any{
			"janus":       "success",
			"transaction": req.Transaction,
			"session_id":  42,
			"sender":      h.ID(),
			"plugindata":  map[string]any{"plugin": "janus.plugin.videoroom", "data": map[string]any{"videoroom": "success"}},
		})
		r := waitSend(t, res)
		require.NoError(t, r.err)
		require.Equal(t, h.ID(), r.resp.Sender)
	}

	got, ok := s.Handle(7)
	require.True(t, ok)
	require.Same(t, h7, got)
}

func TestEventIsDeliveredOnlyToAddressedHandle(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := createSession(t, g, testConfig(g))
	h7 := attachHandle(t, s, gc, 7)
	h8 := attachHandle(t, s, gc, 8)

	gc.send(t, map[string]any{
		"janus":      "event",
		"session_id": 42,
		"sender":     7,
		"plugindata": map[string]any{"plugin": "janus.plugin.videoroom", "data": map[string]any{"videoroom": "event", "publishers": []any{}}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	ev, err := h7.NextNotification(ctx)
	require.NoError(t, err)
	require.Equal(t, KindEvent, ev.Janus)
	require.Equal(t, int64(7), ev.Sender)

	var data struct {
		VideoRoom string `json:"videoroom"`
	}
	require.NoError(t, ev.DecodePluginData(&data))
	require.Equal(t, "event", data.VideoRoom)

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = h8.NextNotification(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAsyncEventAnswersHandleRequest(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := createSession(t, g, testConfig(g))
	h := attachHandle(t, s, gc, 7)

	res := sendAsync(h, map[string]any{"request": "join", "ptype": "publisher", "room": 1234})
	req := gc.expect(t, KindMessage)
	gc.send(t, map[string]any{"janus": "ack", "transaction": req.Transaction, "session_id": 42})
	gc.send(t, map[string]any{
		"janus":       "event",
		"transaction": req.Transaction,
		"session_id":  42,
		"sender":      7,
		"plugindata":  map[string]any{"plugin": "janus.plugin.videoroom", "data": map[string]any{"videoroom": "joined", "id": 99}},
		"jsep":        map[string]any{"type": "offer", "sdp": "v=0\r\n"},
	})

	r := waitSend(t, res)
	require.NoError(t, r.err)
	require.Equal(t, KindEvent, r.resp.Janus)
	require.NotNil(t, r.resp.JSEP)
	require.Equal(t, "offer", r.resp.JSEP.Type)
}

func TestSessionAndHandleRepliesDoNotCross(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := createSession(t, g, testConfig(g))
	h := attachHandle(t, s, gc, 7)

	handleRes := sendAsync(h, map[string]any{"request": "list"})
	handleReq := gc.expect(t, KindMessage)

	type result struct {
		resp Response
		err  error
	}
	sessionRes := make(chan result, 1)
	go func() {
		resp, err := s.Request(context.Background(), Request{Janus: "info"})
		sessionRes <- result{resp, err}
	}()
	sessionReq := gc.expect(t, "info")

	// Reply to the session first, then to the handle.
	gc.send(t, map[string]any{"janus": "server_info", "transaction": sessionReq.Transaction, "name": "Janus"})
	gc.send(t, map[string]any{"janus": "success", "transaction": handleReq.Transaction, "sender": 7})

	select {
	case r := <-sessionRes:
		require.NoError(t, r.err)
		require.Equal(t, KindServerInfo, r.resp.Janus)
		require.Equal(t, sessionReq.Transaction, r.resp.Transaction)
	case <-time.After(testWait):
		t.Fatal("session request did not return")
	}
	r := waitSend(t, handleRes)
	require.NoError(t, r.err)
	require.Equal(t, handleReq.Transaction, r.resp.Transaction)
}

func TestMismatchedReplyIsCorrelationError(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	s, gc := connectSession(t, g, cfg)

	errc := async(func() error { return s.Create(context.Background()) })
	req := gc.expect(t, KindCreate)
	gc.send(t, map[string]any{"janus": "success", "transaction": "somethingElse", "data": map[string]any{"id": 42}})

	err := wait(t, errc)
	require.ErrorIs(t, err, ErrCorrelation)
	var corr *CorrelationError
	require.True(t, errors.As(err, &corr))
	require.Equal(t, req.Transaction, corr.Want)
	require.Equal(t, "somethingElse", corr.Got)
	require.Equal(t, uint64(1), cfg.Metrics.Get(metrics.EventCorrelationErrors))

	// The session is still usable.
	errc = async(func() error { return s.Create(context.Background()) })
	gc.replyID(t, gc.expect(t, KindCreate), 42)
	require.NoError(t, wait(t, errc))
}

func TestReplyAfterCorrelationErrorIsDropped(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	s, gc := connectSession(t, g, cfg)

	errc := async(func() error { return s.Create(context.Background()) })
	first := gc.expect(t, KindCreate)
	gc.send(t, map[string]any{"janus": "success", "transaction": "strayReplyXX", "data": map[string]any{"id": 41}})
	require.ErrorIs(t, wait(t, errc), ErrCorrelation)

	// The reply to the failed request turns up after all.
	gc.replyID(t, first, 41)

	errc = async(func() error { return s.Create(context.Background()) })
	gc.replyID(t, gc.expect(t, KindCreate), 42)
	require.NoError(t, wait(t, errc))
	require.Equal(t, int64(42), s.ID())
	require.Equal(t, uint64(1), cfg.Metrics.Get(metrics.EventLateRepliesDropped))
}

func TestHandleEventWithForeignTransactionIsCorrelationError(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := createSession(t, g, testConfig(g))
	h := attachHandle(t, s, gc, 7)

	res := sendAsync(h, map[string]any{"request": "configure"})
	gc.expect(t, KindMessage)
	gc.send(t, map[string]any{"janus": "event", "transaction": "notOurs", "sender": 7})

	r := waitSend(t, res)
	require.ErrorIs(t, r.err, ErrCorrelation)
}

func TestGatewayErrorReply(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := createSession(t, g, testConfig(g))

	errc := async(func() error {
		_, err := s.Attach(context.Background(), "janus.plugin.nope")
		return err
	})
	req := gc.expect(t, KindAttach)
	gc.send(t, map[string]any{
		"janus":       "error",
		"transaction": req.Transaction,
		"error":       map[string]any{"code": 460, "reason": "No such plugin"},
	})

	err := wait(t, errc)
	require.ErrorIs(t, err, ErrGateway)
	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	require.Equal(t, 460, gwErr.Code)
	require.Equal(t, "No such plugin", gwErr.Reason)
}

func TestCreateReplyWithoutIDIsProtocolError(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := connectSession(t, g, testConfig(g))

	errc := async(func() error { return s.Create(context.Background()) })
	req := gc.expect(t, KindCreate)
	gc.send(t, map[string]any{"janus": "success", "transaction": req.Transaction, "data": map[string]any{}})

	require.ErrorIs(t, wait(t, errc), ErrProtocol)
	require.Equal(t, stateConnected, s.State())
}

func TestGatewayTimeoutDestroysSession(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	s, gc := createSession(t, g, cfg)

	gc.send(t, map[string]any{"janus": "timeout", "session_id": 42})

	destroy := gc.expect(t, KindDestroy)
	require.Equal(t, int64(42), destroy.SessionID)
	gc.waitClosed(t)

	select {
	case <-s.Done():
	case <-time.After(testWait):
		t.Fatal("session not torn down")
	}
	require.Equal(t, stateDestroyed, s.State())
	require.ErrorIs(t, s.Err(), ErrGatewayTimeout)
	require.Equal(t, uint64(1), cfg.Metrics.Get(metrics.EventGatewayTimeouts))

	_, err := s.Attach(context.Background(), "janus.plugin.videoroom")
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, err, ErrGatewayTimeout)
}

func TestTimeoutForAnotherSessionIsIgnored(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := createSession(t, g, testConfig(g))

	gc.send(t, map[string]any{"janus": "timeout", "session_id": 1})
	h := attachHandle(t, s, gc, 7)
	require.NotNil(t, h)
	require.Equal(t, stateCreated, s.State())
}

func TestDestroyNotifiesGatewayAndIsIdempotent(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := createSession(t, g, testConfig(g))
	h := attachHandle(t, s, gc, 7)

	require.NoError(t, s.Destroy(context.Background()))
	req := gc.expect(t, KindDestroy)
	require.Equal(t, int64(42), req.SessionID)
	gc.waitClosed(t)

	require.NoError(t, s.Destroy(context.Background()))
	require.Equal(t, stateDestroyed, s.State())

	require.ErrorIs(t, s.Create(context.Background()), ErrInvalidState)
	_, err := h.Send(context.Background(), Message{Body: map[string]any{"request": "list"}})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestOperationsRequireLifecycleState(t *testing.T) {
	s := NewSession(Config{URL: "ws://127.0.0.1:1"})
	require.Equal(t, stateUnconnected, s.State())

	require.ErrorIs(t, s.Create(context.Background()), ErrInvalidState)
	_, err := s.Attach(context.Background(), "janus.plugin.videoroom")
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Destroy(context.Background()))
	require.ErrorIs(t, s.Connect(context.Background()), ErrInvalidState)
}

func TestAttachBeforeCreateIsInvalidState(t *testing.T) {
	g := newFakeGateway(t)
	s, _ := connectSession(t, g, testConfig(g))

	_, err := s.Attach(context.Background(), "janus.plugin.videoroom")
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, s.Connect(context.Background()), ErrInvalidState)
}

func TestConnectRequiresNegotiatedSubprotocol(t *testing.T) {
	g := newFakeGateway(t, "something-else")
	s := NewSession(testConfig(g))

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, stateUnconnected, s.State())
}

func TestConnectFailureIsTransportError(t *testing.T) {
	g := newFakeGateway(t)
	url := g.URL()
	g.srv.Close()

	s := NewSession(Config{URL: url, DialTimeout: time.Second})
	require.ErrorIs(t, s.Connect(context.Background()), ErrTransport)
}

func TestTransportLossFailsWaiters(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := createSession(t, g, testConfig(g))
	h := attachHandle(t, s, gc, 7)

	res := sendAsync(h, map[string]any{"request": "list"})
	gc.expect(t, KindMessage)
	require.NoError(t, gc.ws.UnderlyingConn().Close())

	r := waitSend(t, res)
	require.ErrorIs(t, r.err, ErrTransport)

	select {
	case <-s.Done():
	case <-time.After(testWait):
		t.Fatal("session not torn down")
	}
	require.ErrorIs(t, s.Err(), ErrTransport)
	require.Equal(t, stateDestroyed, s.State())
}

func TestRequestTimeoutDiscardsLateReply(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	cfg.RequestTimeout = 100 * time.Millisecond
	s, gc := createSession(t, g, cfg)
	h := attachHandle(t, s, gc, 7)

	first := sendAsync(h, map[string]any{"request": "slow"})
	slowReq := gc.expect(t, KindMessage)
	r := waitSend(t, first)
	require.ErrorIs(t, r.err, ErrRequestTimeout)
	require.ErrorIs(t, r.err, context.DeadlineExceeded)
	require.Equal(t, uint64(1), cfg.Metrics.Get(metrics.EventRequestTimeouts))

	second := sendAsync(h, map[string]any{"request": "fast"})
	fastReq := gc.expect(t, KindMessage)
	gc.send(t, map[string]any{"janus": "event", "transaction": slowReq.Transaction, "sender": 7})
	gc.send(t, map[string]any{"janus": "event", "transaction": fastReq.Transaction, "sender": 7})

	r = waitSend(t, second)
	require.NoError(t, r.err)
	require.Equal(t, fastReq.Transaction, r.resp.Transaction)
}

func TestLateHandleErrorWithoutSenderIsDropped(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	cfg.RequestTimeout = 100 * time.Millisecond
	s, gc := createSession(t, g, cfg)
	h := attachHandle(t, s, gc, 7)

	slow := sendAsync(h, map[string]any{"request": "slow"})
	slowReq := gc.expect(t, KindMessage)
	require.ErrorIs(t, waitSend(t, slow).err, ErrRequestTimeout)

	// Gateway error frames carry no sender, so this one cannot be routed by
	// handle.
	gc.send(t, map[string]any{
		"janus":       "error",
		"transaction": slowReq.Transaction,
		"session_id":  42,
		"error":       map[string]any{"code": 458, "reason": "late"},
	})

	type attachResult struct {
		h   *Handle
		err error
	}
	attached := make(chan attachResult, 1)
	go func() {
		h, err := s.Attach(context.Background(), "janus.plugin.videoroom")
		attached <- attachResult{h, err}
	}()
	gc.replyID(t, gc.expect(t, KindAttach), 8)
	select {
	case r := <-attached:
		require.NoError(t, r.err)
		require.Equal(t, int64(8), r.h.ID())
	case <-time.After(testWait):
		t.Fatal("attach did not return")
	}

	next := sendAsync(h, map[string]any{"request": "fast"})
	fastReq := gc.expect(t, KindMessage)
	gc.send(t, map[string]any{"janus": "event", "transaction": fastReq.Transaction, "sender": 7})
	r := waitSend(t, next)
	require.NoError(t, r.err)
	require.Equal(t, fastReq.Transaction, r.resp.Transaction)
	require.Equal(t, uint64(1), cfg.Metrics.Get(metrics.EventLateRepliesDropped))
}

func TestCallerCancellationAbortsWait(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := connectSession(t, g, testConfig(g))

	ctx, cancel := context.WithCancel(context.Background())
	errc := async(func() error { return s.Create(ctx) })
	gc.expect(t, KindCreate)
	cancel()

	err := wait(t, errc)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrRequestTimeout)
}

func TestNotificationsReachHandle(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := createSession(t, g, testConfig(g))
	h := attachHandle(t, s, gc, 7)

	gc.send(t, map[string]any{"janus": "webrtcup", "session_id": 42, "sender": 7})
	gc.send(t, map[string]any{"janus": "media", "session_id": 42, "sender": 7, "type": "video", "receiving": true})
	gc.send(t, map[string]any{"janus": "hangup", "session_id": 42, "sender": 7, "reason": "DTLS alert"})

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	for _, want := range []Kind{KindWebRTCUp, KindMedia, KindHangup} {
		n, err := h.NextNotification(ctx)
		require.NoError(t, err)
		require.Equal(t, want, n.Janus)
		require.NotEmpty(t, n.Raw)
	}
}

func TestFramesForUnknownHandleAreDropped(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	s, gc := createSession(t, g, cfg)

	gc.send(t, map[string]any{"janus": "event", "sender": 1000})
	gc.send(t, map[string]any{"janus": "webrtcup", "sender": 1000})
	require.Eventually(t, func() bool {
		return cfg.Metrics.Get(metrics.EventDroppedUnknownHandle) == 2
	}, testWait, 10*time.Millisecond)
	require.Equal(t, stateCreated, s.State())
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	s, gc := createSession(t, g, cfg)

	gc.sendRaw(t, `{not json`)
	gc.sendRaw(t, `{"janus":"bogus"}`)
	h := attachHandle(t, s, gc, 7)
	require.NotNil(t, h)
	require.Equal(t, uint64(2), cfg.Metrics.Get(metrics.EventProtocolErrors))
}

func TestDetachRemovesHandle(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := createSession(t, g, testConfig(g))
	h := attachHandle(t, s, gc, 7)

	errc := async(func() error { return h.Detach(context.Background()) })
	req := gc.expect(t, KindDetach)
	require.Equal(t, int64(7), req.HandleID)
	gc.send(t, map[string]any{"janus": "success", "transaction": req.Transaction, "session_id": 42, "sender": 7})
	require.NoError(t, wait(t, errc))

	_, ok := s.Handle(7)
	require.False(t, ok)
	_, err := h.Send(context.Background(), Message{Body: map[string]any{"request": "list"}})
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, h.Detach(context.Background()), ErrInvalidState)
}

func TestSendRequiresBody(t *testing.T) {
	g := newFakeGateway(t)
	s, gc := createSession(t, g, testConfig(g))
	h := attachHandle(t, s, gc, 7)

	_, err := h.Send(context.Background(), Message{})
	require.Error(t, err)
}

func TestCredentialsAreAttached(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	cfg.Token = "tok"
	cfg.APISecret = "secret"
	s, gc := connectSession(t, g, cfg)

	errc := async(func() error { return s.Create(context.Background()) })
	req := gc.expect(t, KindCreate)
	require.Equal(t, "tok", req.Token)
	require.Equal(t, "secret", req.APISecret)
	gc.replyID(t, req, 42)
	require.NoError(t, wait(t, errc))
}

func TestKeepaliveLoop(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig(g)
	cfg.KeepaliveInterval = 20 * time.Millisecond
	_, gc := createSession(t, g, cfg)

	req := gc.expect(t, KindKeepalive)
	require.Equal(t, int64(42), req.SessionID)
	require.Eventually(t, func() bool {
		return cfg.Metrics.Get(metrics.EventKeepalivesSent) >= 1
	}, testWait, 10*time.Millisecond)
}
