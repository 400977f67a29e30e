package janus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mayukhdev/janus-ws-connect/internal/metrics"
)

const testWait = 2 * time.Second

// fakeGateway is an in-process Janus WebSocket transport. Each accepted
// connection is handed to the test, which reads requests and writes replies
// by hand.
type fakeGateway struct {
	srv   *httptest.Server
	conns chan *gatewayConn
}

type gatewayConn struct {
	ws       *websocket.Conn
	requests chan Request
	closed   chan struct{}
}

func newFakeGateway(t *testing.T, subprotocols ...string) *fakeGateway {
	t.Helper()
	if subprotocols == nil {
		subprotocols = []string{DefaultSubprotocol}
	}
	g := &fakeGateway{conns: make(chan *gatewayConn, 4)}
	upgrader := websocket.Upgrader{
		Subprotocols: subprotocols,
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gc := &gatewayConn{
			ws:       ws,
			requests: make(chan Request, 64),
			closed:   make(chan struct{}),
		}
		go gc.readLoop()
		g.conns <- gc
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) URL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) accept(t *testing.T) *gatewayConn {
	t.Helper()
	select {
	case gc := <-g.conns:
		t.Cleanup(func() { _ = gc.ws.Close() })
		return gc
	case <-time.After(testWait):
		t.Fatal("gateway: no connection")
		return nil
	}
}

func (c *gatewayConn) readLoop() {
	defer close(c.closed)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		c.requests <- req
	}
}

// next returns the next request the client wrote.
func (c *gatewayConn) next(t *testing.T) Request {
	t.Helper()
	select {
	case req := <-c.requests:
		return req
	case <-time.After(testWait):
		t.Fatal("gateway: no request")
		return Request{}
	}
}

func (c *gatewayConn) expect(t *testing.T, kind Kind) Request {
	t.Helper()
	req := c.next(t)
	require.Equal(t, kind, req.Janus)
	require.NotEmpty(t, req.Transaction)
	return req
}

func (c *gatewayConn) send(t *testing.T, frame map[string]any) {
	t.Helper()
	require.NoError(t, c.ws.WriteJSON(frame))
}

func (c *gatewayConn) sendRaw(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (c *gatewayConn) replyID(t *testing.T, req Request, id int64) {
	t.Helper()
	c.send(t, map[string]any{
		"janus":       "success",
		"transaction": req.Transaction,
		"session_id":  req.SessionID,
		"data":        map[string]any{"id": id},
	})
}

func (c *gatewayConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(testWait):
		t.Fatal("gateway: connection still open")
	}
}

func testConfig(g *fakeGateway) Config {
	return Config{
		URL:            g.URL(),
		RequestTimeout: testWait,
		Metrics:        metrics.New(),
	}
}

func connectSession(t *testing.T, g *fakeGateway, cfg Config) (*Session, *gatewayConn) {
	t.Helper()
	s := NewSession(cfg)
	require.NoError(t, s.Connect(context.Background()))
	gc := g.accept(t)
	t.Cleanup(func() { _ = s.Destroy(context.Background()) })
	return s, gc
}

// createSession connects and completes the create exchange with id 42.
func createSession(t *testing.T, g *fakeGateway, cfg Config) (*Session, *gatewayConn) {
	t.Helper()
	s, gc := connectSession(t, g, cfg)
	errc := async(func() error { return s.Create(context.Background()) })
	gc.replyID(t, gc.expect(t, KindCreate), 42)
	require.NoError(t, wait(t, errc))
	return s, gc
}

func attachHandle(t *testing.T, s *Session, gc *gatewayConn, id int64) *Handle {
	t.Helper()
	type result struct {
		h   *Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := s.Attach(context.Background(), "janus.plugin.videoroom")
		done <- result{h, err}
	}()
	req := gc.expect(t, KindAttach)
	require.Equal(t, "janus.plugin.videoroom", req.Plugin)
	require.Equal(t, int64(42), req.SessionID)
	gc.replyID(t, req, id)
	select {
	case r := <-done:
		require.NoError(t, r.err)
		return r.h
	case <-time.After(testWait):
		t.Fatal("attach did not return")
		return nil
	}
}

func async(fn func() error) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- fn() }()
	return errc
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(testWait):
		t.Fatal("operation did not return")
		return nil
	}
}

type sendResult struct {
	resp Response
	err  error
}

func sendAsync(h *Handle, body any) <-chan sendResult {
	out := make(chan sendResult, 1)
	go func() {
		resp, err := h.Send(context.Background(), Message{Body: body})
		out <- sendResult{resp, err}
	}()
	return out
}

func waitSend(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(testWait):
		t.Fatal("send did not return")
		return sendResult{}
	}
}
