package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"call-bridge/internal/calls"
	"call-bridge/internal/media"
	"call-bridge/pkg/logger"
)

var (
	// ErrChannelUnavailable means the AI backend could not be reached or did
	// not acknowledge the call. The call carries on without a relay.
	ErrChannelUnavailable = errors.New("relay: channel unavailable")
	ErrNoChannel          = errors.New("relay: no channel for call")
)

// Control messages exchanged as text frames. Audio always travels as binary frames.
const (
	controlStart        = "start"
	controlStop         = "stop"
	controlConnected    = "connected"
	controlDisconnected = "disconnected"
	controlError        = "error"
)

type control struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Options struct {
	// URL is the backend base address; each call connects to URL/<callID>.
	URL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// QueueSize bounds buffered inbound frames per call. Frames beyond it are dropped.
	QueueSize int

	Dialer *websocket.Dialer
	Header http.Header
	Logger *slog.Logger
}

// Bridge keeps one websocket channel per active call.
type Bridge struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel

	dropped atomic.Uint64
}

var _ calls.Relay = (*Bridge)(nil)

func NewBridge(opts Options) *Bridge {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	}
	opts.URL = strings.TrimRight(opts.URL, "/")
	return &Bridge{
		opts:     opts,
		log:      logger.Component(opts.Logger, "relay"),
		channels: make(map[string]*channel),
	}
}

type channel struct {
	callID string
	conn   *websocket.Conn
	sink   media.FrameSink
	log    *slog.Logger

	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (ch *channel) close() {
	ch.once.Do(func() { close(ch.done) })
}

// Start opens the call's channel and waits for the backend to acknowledge it.
// Synthesized audio received on the channel is written to sink.
func (b *Bridge) Start(ctx context.Context, callID string, sink media.FrameSink) error {
	b.mu.Lock()
	_, exists := b.channels[callID]
	b.mu.Unlock()
	if exists {
		return nil
	}

	log := b.log.With("call_id", callID)
	hctx, cancel := context.WithTimeout(ctx, b.opts.HandshakeTimeout)
	defer cancel()

	target := b.opts.URL + "/" + url.PathEscape(callID)
	conn, _, err := b.opts.Dialer.DialContext(hctx, target, b.opts.Header)
	if err != nil {
		return fmt.Errorf("%w: dial: %w", ErrChannelUnavailable, err)
	}
	if err := b.handshake(hctx, conn, callID); err != nil {
		_ = conn.Close()
		return err
	}

	ch := &channel{
		callID: callID,
		conn:   conn,
		sink:   sink,
		log:    log,
		out:    make(chan []byte, b.opts.QueueSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if _, raced := b.channels[callID]; raced {
		b.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	b.channels[callID] = ch
	b.mu.Unlock()

	go b.writeLoop(ch)
	go b.readLoop(ch)
	go func() {
		select {
		case <-ctx.Done():
			b.Stop(callID)
		case <-ch.done:
		}
	}()

	log.Info("relay channel open")
	return nil
}

func (b *Bridge) handshake(ctx context.Context, conn *websocket.Conn, callID string) error {
	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(control{Type: controlStart, CallID: callID}); err != nil {
		return fmt.Errorf("%w: start: %w", ErrChannelUnavailable, err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: waiting for ack: %w", ErrChannelUnavailable, err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg control
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case controlConnected:
			_ = conn.SetReadDeadline(time.Time{})
			_ = conn.SetWriteDeadline(time.Time{})
			return nil
		case controlError, controlDisconnected:
			return fmt.Errorf("%w: backend refused: %s", ErrChannelUnavailable, msg.Error)
		}
	}
}

// Stop closes the call's channel. Unknown or already stopped calls are ignored.
func (b *Bridge) Stop(callID string) {
	b.mu.Lock()
	ch, ok := b.channels[callID]
	delete(b.channels, callID)
	b.mu.Unlock()
	if ok {
		ch.close()
	}
}

// OnInboundAudio queues caller audio for the backend. Frames keep their arrival order.
func (b *Bridge) OnInboundAudio(callID string, frame []byte) error {
	ch, ok := b.channel(callID)
	if !ok {
		return ErrNoChannel
	}
	buf := append([]byte(nil), frame...)
	select {
	case ch.out <- buf:
		return nil
	case <-ch.done:
		return ErrNoChannel
	default:
		if n := b.dropped.Add(1); n%100 == 1 {
			ch.log.Warn("relay queue full, dropping inbound audio", "dropped_total", n)
		}
		return nil
	}
}

// SendSynthesizedAudio plays a backend frame into the call.
func (b *Bridge) SendSynthesizedAudio(callID string, frame []byte) error {
	ch, ok := b.channel(callID)
	if !ok {
		return ErrNoChannel
	}
	return ch.sink.WriteFrame(frame)
}

// Active counts open channels.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// Dropped counts inbound frames discarded because a channel's queue was full.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

func (b *Bridge) channel(callID string) (*channel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[callID]
	return ch, ok
}

// detach forgets ch if it is still the call's current channel.
func (b *Bridge) detach(ch *channel) {
	b.mu.Lock()
	if cur, ok := b.channels[ch.callID]; ok && cur == ch {
		delete(b.channels, ch.callID)
	}
	b.mu.Unlock()
	ch.close()
}

// writeLoop is the only writer on ch.conn once the channel is open.
func (b *Bridge) writeLoop(ch *channel) {
	defer ch.conn.Close()
	for {
		select {
		case frame := <-ch.out:
			_ = ch.conn.SetWriteDeadline(time.Now().Add(b.opts.WriteTimeout))
			if err := ch.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				ch.log.Warn("relay write failed", "err", err)
				b.detach(ch)
				return
			}
		case <-ch.done:
			_ = ch.conn.SetWriteDeadline(time.Now().Add(b.opts.WriteTimeout))
			_ = ch.conn.WriteJSON(control{Type: controlStop, CallID: ch.callID})
			_ = ch.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			ch.log.Info("relay channel closed")
			return
		}
	}
}

func (b *Bridge) readLoop(ch *channel) {
	for {
		mt, data, err := ch.conn.ReadMessage()
		if err != nil {
			select {
			case <-ch.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					ch.log.Warn("relay channel lost", "err", err)
				}
				b.detach(ch)
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			if err := ch.sink.WriteFrame(data); err != nil && !errors.Is(err, media.ErrNoSender) {
				ch.log.Debug("synthesized audio not delivered", "err", err)
			}
		case websocket.TextMessage:
			var msg control
			if err := json.Unmarshal(data, &msg); err != nil {
				ch.log.Debug("ignoring malformed control message", "err", err)
				continue
			}
			switch msg.Type {
			case controlDisconnected:
				ch.log.Info("backend ended relay channel")
				b.detach(ch)
			case controlError:
				ch.log.Warn("backend reported relay error", "error", msg.Error)
				b.detach(ch)
			}
		}
	}
}
