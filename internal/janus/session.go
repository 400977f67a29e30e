package janus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"

	"github.com/mayukhdev/janus-ws-connect/internal/metrics"
)

const (
	// DefaultSubprotocol is the WebSocket subprotocol spoken by the Janus
	// WebSocket transport.
	DefaultSubprotocol = "janus-protocol"

	DefaultDialTimeout     = 5 * time.Second
	DefaultMaxMessageBytes = int64(1 << 20)

	wsWriteWait = 5 * time.Second
)

const (
	stateUnconnected = "unconnected"
	stateConnected   = "connected"
	stateCreated     = "created"
	stateDestroyed   = "destroyed"

	eventConnect = "connect"
	eventCreate  = "create"
	eventDestroy = "destroy"
)

var errSessionDestroyed = fmt.Errorf("%w: session destroyed", ErrInvalidState)

// Config controls how a Session reaches the gateway.
type Config struct {
	// URL is the ws:// or wss:// address of the Janus WebSocket transport.
	URL         string
	Subprotocol string
	// Header is sent with the upgrade request (e.g. Origin).
	Header    http.Header
	TLSConfig *tls.Config

	DialTimeout time.Duration
	// RequestTimeout bounds every correlated wait. Zero waits until the
	// caller's context ends.
	RequestTimeout time.Duration
	// KeepaliveInterval enables periodic keepalive requests once the session
	// has been created. Zero disables them.
	KeepaliveInterval time.Duration
	MaxMessageBytes   int64

	// Token and APISecret are attached to every request when set.
	Token     string
	APISecret string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) WithDefaults() Config {
	if c.Subprotocol == "" {
		c.Subprotocol = DefaultSubprotocol
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	return c
}

// scope is one request/reply lane: the session itself or a single handle.
// Requests on a scope are strictly sequential.
type scope struct {
	mu    sync.Mutex
	queue *responseQueue
}

// Session owns the WebSocket connection to the gateway and the handles
// attached through it.
type Session struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	state   *fsm.FSM

	connectMu sync.Mutex

	connMu sync.Mutex
	conn   *websocket.Conn
	cause  error

	writeMu sync.Mutex

	id atomic.Int64

	scope scope

	handlesMu sync.RWMutex
	handles   map[int64]*Handle

	// pendingMu guards pending and abandoned. The dispatch loop holds it while
	// routing a reply.
	pendingMu sync.Mutex
	pending   map[string]*scope
	abandoned abandonedSet

	teardownOnce sync.Once
	done         chan struct{}
}

func NewSession(cfg Config) *Session {
	cfg = cfg.WithDefaults()
	s := &Session{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		scope:   scope{queue: newResponseQueue()},
		handles: make(map[int64]*Handle),
		pending: make(map[string]*scope),
		done:    make(chan struct{}),
	}
	s.state = fsm.NewFSM(
		stateUnconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{stateUnconnected}, Dst: stateConnected},
			{Name: eventCreate, Src: []string{stateConnected}, Dst: stateCreated},
			{Name: eventDestroy, Src: []string{stateUnconnected, stateConnected, stateCreated}, Dst: stateDestroyed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debug("janus session state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

// ID returns the gateway-assigned session id, or 0 before Create succeeds.
func (s *Session) ID() int64 {
	return s.id.Load()
}

// State returns the lifecycle state name.
func (s *Session) State() string {
	return s.state.Current()
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session was torn down, or nil while it is live.
func (s *Session) Err() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.cause
}

// Connect dials the gateway and starts the dispatch loop.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if err := s.requireState("connect", stateUnconnected); err != nil {
		return err
	}

	conn, err := s.dial(ctx)
	if err != nil {
		s.metrics.Inc(metrics.EventTransportErrors)
		return err
	}

	s.connMu.Lock()
	if err := s.state.Event(context.Background(), eventConnect); err != nil {
		s.connMu.Unlock()
		_ = conn.Close()
		return s.stateError("connect")
	}
	s.conn = conn
	s.connMu.Unlock()

	s.log.Info("connected to janus gateway", "url", s.cfg.URL, "subprotocol", conn.Subprotocol())

	go s.dispatchLoop(conn)
	if s.cfg.KeepaliveInterval > 0 {
		go s.keepaliveLoop(s.cfg.KeepaliveInterval)
	}
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.DialTimeout,
		Subprotocols:     []string{s.cfg.Subprotocol},
		TLSClientConfig:  s.cfg.TLSConfig,
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, s.cfg.URL, s.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, s.cfg.URL, err)
	}
	if got := conn.Subprotocol(); got != s.cfg.Subprotocol {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: gateway did not negotiate subprotocol %q (got %q)", ErrTransport, s.cfg.Subprotocol, got)
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	return conn, nil
}

// Create asks the gateway for a new session and stores its id.
func (s *Session) Create(ctx context.Context) error {
	if err := s.requireState("create", stateConnected); err != nil {
		return err
	}
	resp, err := s.roundTrip(ctx, &s.scope, Request{Janus: KindCreate})
	if err != nil {
		return err
	}
	id, err := resp.dataID()
	if err != nil {
		return err
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if err := s.state.Event(context.Background(), eventCreate); err != nil {
		return s.stateErrorLocked("create")
	}
	s.id.Store(id)
	s.log.Info("janus session created", "session_id", id)
	return nil
}

// Attach attaches the session to plugin and returns the new handle.
func (s *Session) Attach(ctx context.Context, plugin string) (*Handle, error) {
	if err := s.requireState("attach", stateCreated); err != nil {
		return nil, err
	}
	resp, err := s.roundTrip(ctx, &s.scope, Request{Janus: KindAttach, Plugin: plugin})
	if err != nil {
		return nil, err
	}
	id, err := resp.dataID()
	if err != nil {
		return nil, err
	}

	h := newHandle(s, id, plugin)
	s.handlesMu.Lock()
	s.handles[id] = h
	s.handlesMu.Unlock()

	// A teardown racing with the attach already closed every registered
	// handle; make sure this one does not outlive it.
	select {
	case <-s.done:
		h.close(s.Err())
		return nil, s.stateError("attach")
	default:
	}

	s.log.Info("janus handle attached", "session_id", s.ID(), "handle_id", id, "plugin", plugin)
	return h, nil
}

// Request sends a session-scoped request and waits for its reply. The
// transaction and session id are filled in.
func (s *Session) Request(ctx context.Context, req Request) (Response, error) {
	if err := s.requireState(string(req.Janus), stateCreated); err != nil {
		return Response{}, err
	}
	return s.roundTrip(ctx, &s.scope, req)
}

// Handle returns the attached handle with the given id.
func (s *Session) Handle(id int64) (*Handle, bool) {
	s.handlesMu.RLock()
	defer s.handlesMu.RUnlock()
	h, ok := s.handles[id]
	return h, ok
}

// Destroy tells the gateway the session is going away (best effort, the reply
// is not awaited) and closes the connection. Calling it again is a no-op.
func (s *Session) Destroy(ctx context.Context) error {
	if s.state.Is(stateDestroyed) {
		return nil
	}
	s.teardown(errSessionDestroyed, true)
	return nil
}

// roundTrip writes req on sc and waits for the reply dequeued from sc.
func (s *Session) roundTrip(ctx context.Context, sc *scope, req Request) (Response, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	req.Transaction = NewTransactionID()
	if req.SessionID == 0 {
		req.SessionID = s.ID()
	}

	s.trackPending(req.Transaction, sc)
	defer s.untrackPending(req.Transaction)

	if err := s.write(req); err != nil {
		return Response{}, err
	}

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := sc.queue.Dequeue(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			s.abandon(sc, req.Transaction)
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				s.metrics.Inc(metrics.EventRequestTimeouts)
				s.log.Warn("janus request timed out", "kind", req.Janus, "transaction", req.Transaction, "handle_id", req.HandleID)
				return Response{}, fmt.Errorf("%w: %s %s: %w", ErrRequestTimeout, req.Janus, req.Transaction, ctxErr)
			}
		}
		return Response{}, err
	}

	if resp.Transaction != req.Transaction {
		s.metrics.Inc(metrics.EventCorrelationErrors)
		s.log.Error("janus reply does not match request",
			"kind", req.Janus,
			"transaction", req.Transaction,
			"reply_transaction", resp.Transaction,
			"reply_kind", resp.Janus,
			"handle_id", req.HandleID,
		)
		// The genuine reply may still arrive; it must not answer the next
		// request on any scope.
		s.abandon(sc, req.Transaction)
		return resp, &CorrelationError{Want: req.Transaction, Got: resp.Transaction}
	}
	if gwErr := resp.gatewayError(); gwErr != nil {
		return resp, gwErr
	}
	return resp, nil
}

func (s *Session) write(req Request) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrTransport)
	}
	return s.writeConn(conn, req)
}

func (s *Session) writeConn(conn *websocket.Conn, req Request) error {
	if req.Token == "" {
		req.Token = s.cfg.Token
	}
	if req.APISecret == "" {
		req.APISecret = s.cfg.APISecret
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("janus: encode %s request: %w", req.Janus, err)
	}

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	s.writeMu.Unlock()
	if err != nil {
		s.metrics.Inc(metrics.EventTransportErrors)
		return fmt.Errorf("%w: write %s: %v", ErrTransport, req.Janus, err)
	}

	s.metrics.Inc(metrics.EventRequestsSent)
	s.log.Debug("janus frame sent",
		"kind", req.Janus,
		"transaction", req.Transaction,
		"session_id", req.SessionID,
		"handle_id", req.HandleID,
		"bytes", len(payload),
	)
	return nil
}

func (s *Session) trackPending(transaction string, sc *scope) {
	s.pendingMu.Lock()
	s.pending[transaction] = sc
	s.pendingMu.Unlock()
}

func (s *Session) untrackPending(transaction string) {
	s.pendingMu.Lock()
	delete(s.pending, transaction)
	s.pendingMu.Unlock()
}

// abandon stops waiting for transaction. A reply already buffered on sc is
// discarded; one that arrives later is dropped by the dispatch loop.
func (s *Session) abandon(sc *scope, transaction string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, transaction)
	if sc.queue.Discard(transaction) > 0 {
		return
	}
	s.abandoned.add(transaction)
}

func (s *Session) unregister(id int64) {
	s.handlesMu.Lock()
	delete(s.handles, id)
	s.handlesMu.Unlock()
}

func (s *Session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			id := s.ID()
			if id == 0 {
				continue
			}
			err := s.write(Request{Janus: KindKeepalive, Transaction: NewTransactionID(), SessionID: id})
			if err != nil {
				s.log.Debug("janus keepalive failed", "session_id", id, "err", err)
				return
			}
			s.metrics.Inc(metrics.EventKeepalivesSent)
		}
	}
}

// teardown moves the session to its terminal state exactly once: optionally
// notifies the gateway, closes the connection and fails every waiter with
// cause.
func (s *Session) teardown(cause error, notify bool) {
	s.teardownOnce.Do(func() {
		s.connMu.Lock()
		conn := s.conn
		s.conn = nil
		s.cause = cause
		if err := s.state.Event(context.Background(), eventDestroy); err != nil {
			s.log.Debug("janus session already destroyed", "err", err)
		}
		s.connMu.Unlock()

		id := s.ID()
		if conn != nil {
			if notify && id != 0 {
				err := s.writeConn(conn, Request{Janus: KindDestroy, Transaction: NewTransactionID(), SessionID: id})
				if err != nil {
					s.log.Debug("janus destroy notification failed", "session_id", id, "err", err)
				}
			}
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			_ = conn.Close()
		}
		close(s.done)

		s.scope.queue.Close(cause)
		s.handlesMu.RLock()
		for _, h := range s.handles {
			h.close(cause)
		}
		s.handlesMu.RUnlock()

		s.log.Info("janus session closed", "session_id", id, "cause", cause)
	})
}

func (s *Session) requireState(op string, allowed ...string) error {
	current := s.state.Current()
	for _, state := range allowed {
		if current == state {
			return nil
		}
	}
	return s.stateError(op)
}

func (s *Session) stateError(op string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.stateErrorLocked(op)
}

func (s *Session) stateErrorLocked(op string) error {
	current := s.state.Current()
	if current == stateDestroyed && s.cause != nil && !errors.Is(s.cause, ErrInvalidState) {
		return fmt.Errorf("%w: %s not allowed in state %q: %w", ErrInvalidState, op, current, s.cause)
	}
	return fmt.Errorf("%w: %s not allowed in state %q", ErrInvalidState, op, current)
}
