package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/icholy/digest"

	"call-bridge/internal/provisioning"
	"call-bridge/internal/telephony"
	"call-bridge/pkg/logger"
)

var (
	// ErrRegistrationTimeout is recoverable: the platform did not answer in time
	// or asked us to come back later.
	ErrRegistrationTimeout = errors.New("signaling: registration timed out")
	// ErrAuthorizationRejected is fatal; retrying with the same credentials will not help.
	ErrAuthorizationRejected = errors.New("signaling: authorization rejected")

	ErrNotConnected   = errors.New("signaling: not connected")
	ErrRequestTimeout = errors.New("signaling: request timed out")
	ErrClosed         = errors.New("signaling: transport closed")
)

// Fatal reports whether err must not be retried automatically.
func Fatal(err error) bool {
	return errors.Is(err, ErrAuthorizationRejected) || provisioning.Fatal(err)
}

// Timeout reports whether err qualifies for the fast reconnect path.
func Timeout(err error) bool {
	return errors.Is(err, ErrRegistrationTimeout)
}

type Event string

const (
	EventRegistering        Event = "registering"
	EventRegistered         Event = "registered"
	EventRegistrationFailed Event = "registrationFailed"
	EventInboundInvite      Event = "inboundInvite"
	EventSessionUpdate      Event = "sessionUpdate"
	EventDisconnected       Event = "disconnected"
	EventMedia              Event = "media"
)

// Notification is what handlers receive. Which fields are set depends on Event.
type Notification struct {
	Event Event

	// inboundInvite, sessionUpdate
	Session telephony.SessionEvent

	// media
	SessionID string
	Packet    []byte

	// registrationFailed, disconnected
	Err error
}

type Handler func(Notification)

type Options struct {
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	RegisterExpiry time.Duration

	Dialer *websocket.Dialer
	Header http.Header
	Logger *slog.Logger
}

const eventBuffer = 1024

// Transport is the single persistent signaling connection. Requests carry
// increasing sequence numbers and are matched to responses by correlation id.
// Handlers run one at a time, in arrival order, on a dispatcher goroutine.
type Transport struct {
	opts   Options
	log    *slog.Logger
	dialer *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	registered bool
	closed     bool

	writeMu sync.Mutex
	seq     atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]pendingRequest

	handlersMu sync.RWMutex
	handlers   map[Event][]Handler

	events    chan Notification
	quit      chan struct{}
	closeOnce sync.Once
}

type pendingRequest struct {
	conn *websocket.Conn
	ch   chan Message
}

func NewTransport(opts Options) *Transport {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.RegisterExpiry <= 0 {
		opts.RegisterExpiry = 10 * time.Minute
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: opts.RequestTimeout}
	}
	t := &Transport{
		opts:     opts,
		log:      logger.Component(opts.Logger, "signaling"),
		dialer:   dialer,
		pending:  make(map[string]pendingRequest),
		handlers: make(map[Event][]Handler),
		events:   make(chan Notification, eventBuffer),
		quit:     make(chan struct{}),
	}
	go t.dispatch()
	return t
}

// On registers h for ev. Handlers must not block for long; they share one goroutine.
func (t *Transport) On(ev Event, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[ev] = append(t.handlers[ev], h)
}

// Connect dials address, replacing any existing connection.
func (t *Transport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	old := t.conn
	t.conn = nil
	t.registered = false
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	conn, _, err := t.dialer.DialContext(ctx, address, t.opts.Header)
	if err != nil {
		return fmt.Errorf("signaling: dial %s: %w", address, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)
	t.log.Info("signaling connected", "address", address)
	return nil
}

type registerBody struct {
	AOR             string `json:"aor"`
	AuthorizationID string `json:"authorization_id"`
	Expires         int    `json:"expires"`
}

// SendRegistration registers creds on the current connection. A digest challenge
// is answered once; a second rejection is fatal.
func (t *Transport) SendRegistration(ctx context.Context, creds provisioning.Credentials) error {
	if err := creds.Validate(); err != nil {
		t.emit(Notification{Event: EventRegistrationFailed, Err: err})
		return err
	}
	t.emit(Notification{Event: EventRegistering})

	if err := t.register(ctx, creds); err != nil {
		t.mu.Lock()
		t.registered = false
		t.mu.Unlock()
		if Fatal(err) {
			t.log.Error("registration rejected", "identity", creds.Identity, "err", err)
		} else {
			t.log.Warn("registration failed", "identity", creds.Identity, "err", err)
		}
		t.emit(Notification{Event: EventRegistrationFailed, Err: err})
		return err
	}

	t.mu.Lock()
	t.registered = true
	t.mu.Unlock()
	t.log.Info("registered", "identity", creds.Identity, "domain", creds.Domain)
	t.emit(Notification{Event: EventRegistered})
	return nil
}

func (t *Transport) register(ctx context.Context, creds provisioning.Credentials) error {
	body := registerBody{
		AOR:             "sip:" + creds.Identity + "@" + creds.Domain,
		AuthorizationID: creds.AuthUser(),
		Expires:         int(t.opts.RegisterExpiry / time.Second),
	}
	resp, err := t.Request(ctx, MethodRegister, body, nil)
	if err != nil {
		return classifyRequestErr(err)
	}
	if resp.OK() {
		return nil
	}

	if resp.Code == http.StatusUnauthorized || resp.Code == http.StatusProxyAuthRequired {
		challenge := resp.Headers[HeaderWWWAuthenticate]
		if challenge == "" {
			return fmt.Errorf("%w: %w", ErrAuthorizationRejected, responseError(MethodRegister, resp))
		}
		chal, err := digest.ParseChallenge(challenge)
		if err != nil {
			return fmt.Errorf("%w: parse challenge: %w", ErrAuthorizationRejected, err)
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   string(MethodRegister),
			URI:      "sip:" + creds.Domain,
			Username: creds.AuthUser(),
			Password: creds.Secret,
		})
		if err != nil {
			return fmt.Errorf("%w: compute digest: %w", ErrAuthorizationRejected, err)
		}
		resp, err = t.Request(ctx, MethodRegister, body, map[string]string{HeaderAuthorization: cred.String()})
		if err != nil {
			return classifyRequestErr(err)
		}
		if resp.OK() {
			return nil
		}
	}
	return classifyRegisterResponse(resp)
}

func classifyRegisterResponse(resp Message) error {
	switch resp.Code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusProxyAuthRequired:
		return fmt.Errorf("%w: %w", ErrAuthorizationRejected, responseError(MethodRegister, resp))
	case http.StatusRequestTimeout, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %w", ErrRegistrationTimeout, responseError(MethodRegister, resp))
	default:
		return responseError(MethodRegister, resp)
	}
}

func classifyRequestErr(err error) error {
	if errors.Is(err, ErrRequestTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("%w: %w", ErrRegistrationTimeout, err)
	}
	return err
}

// Request sends one request and waits for its response. A non-2xx response is
// returned as a Message, not an error.
func (t *Transport) Request(ctx context.Context, method Method, body any, headers map[string]string) (Message, error) {
	conn := t.current()
	if conn == nil {
		return Message{}, ErrNotConnected
	}

	msg := Message{
		Kind:          KindRequest,
		Method:        method,
		Seq:           t.seq.Add(1),
		CorrelationID: uuid.NewString(),
		Headers:       headers,
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Message{}, fmt.Errorf("signaling: encode %s: %w", method, err)
		}
		msg.Body = raw
	}

	ch := make(chan Message, 1)
	t.pendingMu.Lock()
	t.pending[msg.CorrelationID] = pendingRequest{conn: conn, ch: ch}
	t.pendingMu.Unlock()
	defer t.removePending(msg.CorrelationID)

	if err := t.writeJSON(conn, msg); err != nil {
		return Message{}, fmt.Errorf("signaling: send %s: %w", method, err)
	}

	timer := time.NewTimer(t.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return Message{}, ErrNotConnected
		}
		return resp, nil
	case <-timer.C:
		return Message{}, fmt.Errorf("%w: %s seq %d", ErrRequestTimeout, method, msg.Seq)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Ping is a round trip on the signaling channel.
func (t *Transport) Ping(ctx context.Context) error {
	resp, err := t.Request(ctx, MethodOptions, nil, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return responseError(MethodOptions, resp)
	}
	return nil
}

// SendMedia writes one RTP packet for sessionID as a binary frame.
func (t *Transport) SendMedia(sessionID string, packet []byte) error {
	conn := t.current()
	if conn == nil {
		return ErrNotConnected
	}
	frame, err := encodeMediaFrame(sessionID, packet)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *Transport) Connected() bool {
	return t.current() != nil
}

func (t *Transport) Registered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.registered
}

// Close shuts the connection and stops event dispatch. It does not emit disconnected.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.registered = false
	t.mu.Unlock()

	t.closeOnce.Do(func() { close(t.quit) })

	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	t.failPending(conn)
	return conn.Close()
}

func (t *Transport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *Transport) writeJSON(conn *websocket.Conn, v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	return conn.WriteJSON(v)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.connectionLost(conn, err)
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			sessionID, packet, err := decodeMediaFrame(data)
			if err != nil {
				t.log.Debug("dropping media frame", "err", err)
				continue
			}
			t.emit(Notification{Event: EventMedia, SessionID: sessionID, Packet: packet})
		case websocket.TextMessage:
			t.handleText(conn, data)
		}
	}
}

func (t *Transport) handleText(conn *websocket.Conn, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.log.Warn("malformed signaling message", "err", err)
		return
	}

	switch msg.Kind {
	case KindResponse:
		t.deliver(msg)
	case KindEvent:
		if msg.Event != eventSession {
			t.log.Debug("ignoring platform event", "event", msg.Event)
			return
		}
		ev, err := telephony.ParseSessionEvent(msg.Body)
		if err != nil {
			t.log.Warn("malformed session notification", "err", err)
			return
		}
		if _, ok := ev.InboundInvite(); ok {
			t.emit(Notification{Event: EventInboundInvite, Session: ev})
			return
		}
		t.emit(Notification{Event: EventSessionUpdate, Session: ev})
	case KindRequest:
		resp := Message{Kind: KindResponse, Method: msg.Method, Seq: msg.Seq, CorrelationID: msg.CorrelationID}
		if msg.Method == MethodOptions {
			resp.Code, resp.Reason = http.StatusOK, "OK"
		} else {
			resp.Code, resp.Reason = http.StatusMethodNotAllowed, "Method Not Allowed"
		}
		if err := t.writeJSON(conn, resp); err != nil {
			t.log.Warn("reply to platform request failed", "method", msg.Method, "err", err)
		}
	default:
		t.log.Debug("ignoring message", "kind", msg.Kind)
	}
}

func (t *Transport) deliver(resp Message) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	p, ok := t.pending[resp.CorrelationID]
	if !ok {
		t.log.Debug("response without pending request", "correlation_id", resp.CorrelationID, "code", resp.Code)
		return
	}
	delete(t.pending, resp.CorrelationID)
	p.ch <- resp
}

func (t *Transport) removePending(id string) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

// failPending wakes every request waiting on conn.
func (t *Transport) failPending(conn *websocket.Conn) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, p := range t.pending {
		if p.conn == conn {
			delete(t.pending, id)
			close(p.ch)
		}
	}
}

func (t *Transport) connectionLost(conn *websocket.Conn, err error) {
	t.mu.Lock()
	current := t.conn == conn
	if current {
		t.conn = nil
		t.registered = false
	}
	closed := t.closed
	t.mu.Unlock()

	t.failPending(conn)
	_ = conn.Close()
	if !current || closed {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		t.log.Info("signaling connection closed by platform", "err", err)
	} else {
		t.log.Warn("signaling connection lost", "err", err)
	}
	t.emit(Notification{Event: EventDisconnected, Err: err})
}

func (t *Transport) emit(n Notification) {
	select {
	case t.events <- n:
	case <-t.quit:
	}
}

func (t *Transport) dispatch() {
	for {
		select {
		case n := <-t.events:
			t.handlersMu.RLock()
			hs := append([]Handler(nil), t.handlers[n.Event]...)
			t.handlersMu.RUnlock()
			for _, h := range hs {
				h(n)
			}
		case <-t.quit:
			return
		}
	}
}
