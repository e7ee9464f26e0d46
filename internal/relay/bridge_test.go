package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-bridge/pkg/logger"
)

type backend struct {
	t     *testing.T
	srv   *httptest.Server
	ack   control
	paths chan string
	audio chan []byte
	ctrl  chan control
	conns chan *websocket.Conn
	echo  bool
}

// newBackend starts a fake AI backend. It answers start with ack (or stays
// silent when ack.Type is empty) and optionally echoes audio back.
func newBackend(t *testing.T, ack control, echo bool) *backend {
	t.Helper()
	b := &backend{
		t:     t,
		ack:   ack,
		echo:  echo,
		paths: make(chan string, 4),
		audio: make(chan []byte, 64),
		ctrl:  make(chan control, 16),
		conns: make(chan *websocket.Conn, 4),
	}
	up := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		b.paths <- r.URL.Path
		b.conns <- conn

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				b.audio <- data
				if b.echo {
					_ = conn.WriteMessage(websocket.BinaryMessage, append([]byte("tts:"), data...))
				}
				continue
			}
			var msg control
			_ = json.Unmarshal(data, &msg)
			b.ctrl <- msg
			if msg.Type == controlStart && b.ack.Type != "" {
				_ = conn.WriteJSON(b.ack)
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/relay"
}

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) WriteFrame(f []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), f...))
	return nil
}

func (s *frameSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, string(f))
	}
	return out
}

func newTestBridge(url string) *Bridge {
	return NewBridge(Options{URL: url, HandshakeTimeout: 500 * time.Millisecond, Logger: logger.Discard()})
}

func TestBridge_RelaysAudioBothWays(t *testing.T) {
	be := newBackend(t, control{Type: controlConnected}, true)
	br := newTestBridge(be.url())
	sink := &frameSink{}

	require.NoError(t, br.Start(context.Background(), "call-1", sink))
	assert.Equal(t, "/relay/call-1", <-be.paths)
	start := <-be.ctrl
	assert.Equal(t, controlStart, start.Type)
	assert.Equal(t, "call-1", start.CallID)
	assert.Equal(t, 1, br.Active())

	for _, f := range []string{"a", "b", "c"} {
		require.NoError(t, br.OnInboundAudio("call-1", []byte(f)))
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-be.audio:
			assert.Equal(t, want, string(got))
		case <-time.After(time.Second):
			t.Fatalf("frame %q never reached backend", want)
		}
	}

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"tts:a", "tts:b", "tts:c"}, sink.snapshot())

	require.NoError(t, br.SendSynthesizedAudio("call-1", []byte("direct")))
	assert.Contains(t, sink.snapshot(), "direct")

	br.Stop("call-1")
	br.Stop("call-1")
	select {
	case msg := <-be.ctrl:
		assert.Equal(t, controlStop, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("backend never saw stop")
	}
	assert.Equal(t, 0, br.Active())
	assert.ErrorIs(t, br.OnInboundAudio("call-1", []byte("late")), ErrNoChannel)
	assert.ErrorIs(t, br.SendSynthesizedAudio("call-1", []byte("late")), ErrNoChannel)
}

func TestBridge_UnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	err := newTestBridge(url).Start(context.Background(), "call-1", &frameSink{})
	assert.ErrorIs(t, err, ErrChannelUnavailable)
}

func TestBridge_BackendRefusesCall(t *testing.T) {
	be := newBackend(t, control{Type: controlError, Error: "no capacity"}, false)
	br := newTestBridge(be.url())

	err := br.Start(context.Background(), "call-1", &frameSink{})
	require.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Contains(t, err.Error(), "no capacity")
	assert.Equal(t, 0, br.Active())
}

func TestBridge_MissingAckTimesOut(t *testing.T) {
	be := newBackend(t, control{}, false)
	br := NewBridge(Options{URL: be.url(), HandshakeTimeout: 100 * time.Millisecond, Logger: logger.Discard()})

	err := br.Start(context.Background(), "call-1", &frameSink{})
	assert.ErrorIs(t, err, ErrChannelUnavailable)
}

func TestBridge_BackendDisconnectDetaches(t *testing.T) {
	be := newBackend(t, control{Type: controlConnected}, false)
	br := newTestBridge(be.url())

	require.NoError(t, br.Start(context.Background(), "call-1", &frameSink{}))
	conn := <-be.conns
	require.NoError(t, conn.WriteJSON(control{Type: controlDisconnected}))

	require.Eventually(t, func() bool { return br.Active() == 0 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, br.OnInboundAudio("call-1", []byte("x")), ErrNoChannel)
}

func TestBridge_ContextCancelStopsChannel(t *testing.T) {
	be := newBackend(t, control{Type: controlConnected}, false)
	br := newTestBridge(be.url())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, br.Start(ctx, "call-1", &frameSink{}))
	cancel()

	require.Eventually(t, func() bool { return br.Active() == 0 }, time.Second, 5*time.Millisecond)
}
