package videoroom

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mayukhdev/janus-ws-connect/internal/janus"
)

const (
	testSessionID = int64(100)
	testRoom      = int64(1234)
)

// Canned descriptions. Only the media sections matter to the client.
const (
	localOfferSDP = "v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=recvonly\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=sendrecv\r\n"
	gatewayOfferSDP = "v=0\r\n" +
		"o=- 2 2 IN IP4 10.0.0.9\r\n" +
		"s=VideoRoom 1234\r\n" +
		"t=0 0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 10.0.0.9\r\n" +
		"a=sendonly\r\n"
	answerSDP = "v=0\r\n" +
		"o=- 3 3 IN IP4 10.0.0.9\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 10.0.0.9\r\n" +
		"a=recvonly\r\n"
)

// pluginMessage is one plugin request the gateway received.
type pluginMessage struct {
	HandleID int64
	Body     map[string]any
	JSEP     *janus.JSEP
}

// scriptedGateway answers like a Janus instance hosting a video room.
type scriptedGateway struct {
	srv *httptest.Server

	publishers []Publisher
	// joinError makes the publisher join fail inside plugindata.
	joinError *PluginError
	// dropAfterStart closes the connection abruptly after the subscriber
	// start request is answered.
	dropAfterStart bool

	mu        sync.Mutex
	messages  []pluginMessage
	attached  []int64
	destroyed chan struct{}
}

func newScriptedGateway(t *testing.T, publishers ...Publisher) *scriptedGateway {
	t.Helper()
	g := &scriptedGateway{
		publishers: publishers,
		destroyed:  make(chan struct{}),
	}
	upgrader := websocket.Upgrader{
		Subprotocols: []string{janus.DefaultSubprotocol},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		g.serve(ws)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *scriptedGateway) URL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *scriptedGateway) serve(ws *websocket.Conn) {
	nextHandle := int64(200)
	for {
		var req janus.Request
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		switch req.Janus {
		case janus.KindCreate:
			_ = ws.WriteJSON(map[string]any{
				"janus": "success", "transaction": req.Transaction,
				"data": map[string]any{"id": testSessionID},
			})
		case janus.KindAttach:
			id := nextHandle
			nextHandle++
			g.mu.Lock()
			g.attached = append(g.attached, id)
			g.mu.Unlock()
			_ = ws.WriteJSON(map[string]any{
				"janus": "success", "transaction": req.Transaction, "session_id": testSessionID,
				"data": map[string]any{"id": id},
			})
		case janus.KindMessage:
			if !g.answerMessage(ws, req) {
				return
			}
		case janus.KindDestroy:
			close(g.destroyed)
			return
		case janus.KindKeepalive:
			_ = ws.WriteJSON(map[string]any{"janus": "ack", "transaction": req.Transaction, "session_id": testSessionID})
		}
	}
}

// answerMessage acks the request and then sends the plugin event carrying
// the same transaction. It returns false when the connection should drop.
func (g *scriptedGateway) answerMessage(ws *websocket.Conn, req janus.Request) bool {
	var body map[string]any
	_ = json.Unmarshal(req.Body, &body)
	g.mu.Lock()
	g.messages = append(g.messages, pluginMessage{HandleID: req.HandleID, Body: body, JSEP: req.JSEP})
	g.mu.Unlock()

	_ = ws.WriteJSON(map[string]any{"janus": "ack", "transaction": req.Transaction, "session_id": testSessionID})

	event := func(data map[string]any, jsep *janus.JSEP) {
		frame := map[string]any{
			"janus":       "event",
			"transaction": req.Transaction,
			"session_id":  testSessionID,
			"sender":      req.HandleID,
			"plugindata":  map[string]any{"plugin": PluginName, "data": data},
		}
		if jsep != nil {
			frame["jsep"] = jsep
		}
		_ = ws.WriteJSON(frame)
	}

	switch {
	case body["request"] == "join" && body["ptype"] == "publisher":
		if g.joinError != nil {
			event(map[string]any{"videoroom": "event", "error_code": g.joinError.Code, "error": g.joinError.Reason}, nil)
			return true
		}
		event(map[string]any{
			"videoroom": "joined", "room": testRoom, "id": 555, "private_id": 777,
			"publishers": g.publishers,
		}, nil)
		// An unsolicited push for the watcher to consume.
		_ = ws.WriteJSON(map[string]any{"janus": "webrtcup", "session_id": testSessionID, "sender": req.HandleID})
	case body["request"] == "configure":
		event(map[string]any{"videoroom": "event", "room": testRoom, "configured": "ok"},
			&janus.JSEP{Type: "answer", SDP: answerSDP})
	case body["request"] == "join" && body["ptype"] == "subscriber":
		event(map[string]any{"videoroom": "attached", "room": testRoom, "id": body["feed"]},
			&janus.JSEP{Type: "offer", SDP: gatewayOfferSDP})
	case body["request"] == "start":
		event(map[string]any{"videoroom": "event", "room": testRoom, "started": "ok"}, nil)
		if g.dropAfterStart {
			return false
		}
	default:
		event(map[string]any{"videoroom": "event", "error_code": 422, "error": "unexpected request"}, nil)
	}
	return true
}

func (g *scriptedGateway) Messages() []pluginMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]pluginMessage(nil), g.messages...)
}

func (g *scriptedGateway) waitDestroyed(t *testing.T) {
	t.Helper()
	select {
	case <-g.destroyed:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never received destroy")
	}
}

type fakePeer struct {
	role string

	mu     sync.Mutex
	remote []janus.JSEP
	closed bool
}

func (p *fakePeer) CreateOffer(context.Context) (janus.JSEP, error) {
	return janus.JSEP{Type: "offer", SDP: localOfferSDP}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (janus.JSEP, error) {
	return janus.JSEP{Type: "answer", SDP: answerSDP}, nil
}

func (p *fakePeer) SetRemoteDescription(j janus.JSEP) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, j)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeMedia struct {
	mu     sync.Mutex
	peers  []*fakePeer
	closed bool
}

func (m *fakeMedia) add(role string) *fakePeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &fakePeer{role: role}
	m.peers = append(m.peers, p)
	return p
}

func (m *fakeMedia) NewPublisher() (Peer, error) { return m.add("publisher"), nil }

func (m *fakeMedia) NewSubscriber(int64) (Peer, error) { return m.add("subscriber"), nil }

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, p := range m.peers {
		_ = p.Close()
	}
	return nil
}

// logBuffer collects log output written from several goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

func newTestClient(g *scriptedGateway, opts Options) (*Client, *janus.Session, *fakeMedia) {
	c, session, media, _ := newLoggedTestClient(g, opts)
	return c, session, media
}

func newLoggedTestClient(g *scriptedGateway, opts Options) (*Client, *janus.Session, *fakeMedia, *logBuffer) {
	logs := &logBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	session := janus.NewSession(janus.Config{URL: g.URL(), RequestTimeout: 2 * time.Second, Logger: logger})
	media := &fakeMedia{}
	return New(session, media, opts, logger), session, media, logs
}
