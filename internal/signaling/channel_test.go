package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mossy-p/interview-call/internal/models"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// relayStub upgrades connections whose index is accepted and hands them to serve.
type relayStub struct {
	*httptest.Server
	dials  atomic.Int32
	accept func(n int) bool
	serve  func(n int, conn *websocket.Conn)
}

func newRelayStub(t *testing.T, accept func(n int) bool, serve func(n int, conn *websocket.Conn)) *relayStub {
	t.Helper()
	rs := &relayStub{accept: accept, serve: serve}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(rs.dials.Add(1))
		assert.Equal(t, "/api/v1/signaling/ws/r1", r.URL.Path)
		if rs.accept != nil && !rs.accept(n) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		rs.serve(n, conn)
	}))
	t.Cleanup(rs.Close)
	return rs
}

type waitRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *waitRecorder) Delays() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.delays...)
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"https://api.example.com":   "wss://api.example.com",
		"http://localhost:8080/":    "ws://localhost:8080",
		"wss://relay.example.com":   "wss://relay.example.com",
		"relay.internal:9000":       "ws://relay.internal:9000",
		" https://api.example.com ": "wss://api.example.com",
	}
	for in, want := range cases {
		assert.Equal(t, want, WebsocketURL(in), in)
	}
	assert.Equal(t, "wss://api.example.com/api/v1/signaling/ws/room%201", RoomEndpoint("https://api.example.com", "room 1"))
}

func TestConnect_DeliversMessagesAndAnswersPing(t *testing.T) {
	pong := make(chan models.SignalingMessage, 1)
	relay := newRelayStub(t, nil, func(_ int, conn *websocket.Conn) {
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
		var reply models.SignalingMessage
		if err := conn.ReadJSON(&reply); err == nil {
			pong <- reply
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		_ = conn.WriteJSON(models.NewRoomInfo(1, "peer-a"))
		drain(conn)
	})

	ch := NewChannel(zaptest.NewLogger(t).Sugar(), relay.URL)
	got := make(chan models.SignalingMessage, 4)
	ch.OnMessage(func(m models.SignalingMessage) { t.Error("replaced handler must not be called") })
	ch.OnMessage(func(m models.SignalingMessage) { got <- m })

	require.NoError(t, ch.Connect(context.Background(), "r1"))
	defer ch.Disconnect()
	assert.True(t, ch.IsConnected())

	select {
	case reply := <-pong:
		assert.Equal(t, models.SignalTypePong, reply.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("ping was not answered")
	}

	select {
	case m := <-got:
		assert.Equal(t, models.SignalTypeRoomInfo, m.Type)
		occ, err := m.Occupancy()
		require.NoError(t, err)
		assert.Equal(t, 1, occ.UserCount)
	case <-time.After(2 * time.Second):
		t.Fatal("room-info not delivered")
	}
	assert.Empty(t, got, "keep-alives and undecodable frames are not forwarded")
}

func TestSend_WritesJSONEnvelope(t *testing.T) {
	received := make(chan []byte, 1)
	relay := newRelayStub(t, nil, func(_ int, conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
		drain(conn)
	})

	ch := NewChannel(zaptest.NewLogger(t).Sugar(), relay.URL)
	require.NoError(t, ch.Connect(context.Background(), "r1"))
	defer ch.Disconnect()

	ch.Send(models.NewPing())
	select {
	case data := <-received:
		var raw map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.Equal(t, map[string]any{"type": "ping"}, raw)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestSend_DropsWhenNotOpen(t *testing.T) {
	ch := NewChannel(zaptest.NewLogger(t).Sugar(), "http://127.0.0.1:1")
	assert.False(t, ch.IsConnected())
	assert.NotPanics(t, func() { ch.Send(models.NewPing()) })
}

func TestConnect_FailsImmediately(t *testing.T) {
	relay := newRelayStub(t, func(int) bool { return false }, nil)
	ch := NewChannel(zaptest.NewLogger(t).Sugar(), relay.URL)
	err := ch.Connect(context.Background(), "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.False(t, ch.IsConnected())
}

func TestDisconnect_CleanCloseNeverReconnects(t *testing.T) {
	closeCode := make(chan int, 1)
	relay := newRelayStub(t, nil, func(_ int, conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		var ce *websocket.CloseError
		if assert.ErrorAs(t, err, &ce) {
			closeCode <- ce.Code
		}
	})
	waits := &waitRecorder{}
	ch := NewChannel(zaptest.NewLogger(t).Sugar(), relay.URL, WithWait(waits.wait))
	require.NoError(t, ch.Connect(context.Background(), "r1"))

	ch.Disconnect()
	ch.Disconnect()

	select {
	case code := <-closeCode:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("relay saw no close frame")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, waits.Delays())
	assert.Equal(t, int32(1), relay.dials.Load())
	assert.ErrorIs(t, ch.Connect(context.Background(), "r1"), ErrClosed)
}

func TestRelayNormalClose_NoReconnect(t *testing.T) {
	relay := newRelayStub(t, nil, func(_ int, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		drain(conn)
	})
	waits := &waitRecorder{}
	ch := NewChannel(zaptest.NewLogger(t).Sugar(), relay.URL, WithWait(waits.wait))
	require.NoError(t, ch.Connect(context.Background(), "r1"))
	defer ch.Disconnect()

	require.Eventually(t, func() bool { return !ch.IsConnected() }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, waits.Delays())
}

func TestAbnormalClose_ReconnectsWithLinearBackoffThenStops(t *testing.T) {
	relay := newRelayStub(t,
		func(n int) bool { return n == 1 },
		func(_ int, conn *websocket.Conn) {
			// drop the TCP connection without a close frame: 1006 on the client
			_ = conn.UnderlyingConn().Close()
		})

	waits := &waitRecorder{}
	exhausted := make(chan struct{})
	ch := NewChannel(zaptest.NewLogger(t).Sugar(), relay.URL, WithWait(waits.wait))
	ch.OnExhausted(func() { close(exhausted) })
	require.NoError(t, ch.Connect(context.Background(), "r1"))
	defer ch.Disconnect()

	select {
	case <-exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect budget was never exhausted")
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second,
	}, waits.Delays())
	assert.Equal(t, int32(1+MaxReconnectAttempts), relay.dials.Load())
	assert.False(t, ch.IsConnected())
}

func TestReconnectPolicy_BoundsAttempts(t *testing.T) {
	relay := newRelayStub(t,
		func(n int) bool { return n == 1 },
		func(_ int, conn *websocket.Conn) { _ = conn.UnderlyingConn().Close() })

	exhausted := make(chan struct{})
	ch := NewChannel(zaptest.NewLogger(t).Sugar(), relay.URL, WithReconnectPolicy(2, 10*time.Millisecond))
	ch.OnExhausted(func() { close(exhausted) })
	require.NoError(t, ch.Connect(context.Background(), "r1"))
	defer ch.Disconnect()

	select {
	case <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect budget was never exhausted")
	}
	assert.Equal(t, int32(3), relay.dials.Load())
}

func TestAbnormalClose_ReconnectSucceeds(t *testing.T) {
	relay := newRelayStub(t, nil, func(n int, conn *websocket.Conn) {
		if n == 1 {
			_ = conn.UnderlyingConn().Close()
			return
		}
		drain(conn)
	})

	waits := &waitRecorder{}
	ch := NewChannel(zaptest.NewLogger(t).Sugar(), relay.URL, WithWait(waits.wait))
	require.NoError(t, ch.Connect(context.Background(), "r1"))
	defer ch.Disconnect()

	require.Eventually(t, func() bool {
		return relay.dials.Load() == 2 && ch.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []time.Duration{time.Second}, waits.Delays())
}

func TestDisconnect_CancelsPendingBackoff(t *testing.T) {
	relay := newRelayStub(t,
		func(n int) bool { return n == 1 },
		func(_ int, conn *websocket.Conn) { _ = conn.UnderlyingConn().Close() })

	waiting := make(chan struct{}, 1)
	exhausted := make(chan struct{}, 1)
	ch := NewChannel(zaptest.NewLogger(t).Sugar(), relay.URL, WithWait(func(ctx context.Context, d time.Duration) error {
		select {
		case waiting <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}))
	ch.OnExhausted(func() { exhausted <- struct{}{} })
	require.NoError(t, ch.Connect(context.Background(), "r1"))

	select {
	case <-waiting:
	case <-time.After(2 * time.Second):
		t.Fatal("no backoff started")
	}
	ch.Disconnect()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), relay.dials.Load())
	assert.Empty(t, exhausted)
}
