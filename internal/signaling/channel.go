package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/interview-call/internal/models"
)

const (
	// MaxReconnectAttempts bounds automatic reconnection after an abnormal close.
	MaxReconnectAttempts = 5
	// BaseReconnectDelay is multiplied by the attempt number.
	BaseReconnectDelay = time.Second

	signalingPath    = "/api/v1/signaling/ws/"
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxMessageSize   = 1 << 20
)

var ErrClosed = errors.New("signaling channel closed")

// Handler receives every decoded inbound message except keep-alives.
type Handler func(models.SignalingMessage)

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

type Option func(*Channel)

// WithWait replaces the backoff sleep, mostly for tests.
func WithWait(fn WaitFunc) Option {
	return func(c *Channel) { c.wait = fn }
}

// WithReconnectPolicy overrides MaxReconnectAttempts and BaseReconnectDelay.
func WithReconnectPolicy(maxAttempts int, baseDelay time.Duration) Option {
	return func(c *Channel) {
		c.maxAttempts = maxAttempts
		c.baseDelay = baseDelay
	}
}

// Channel is a duplex JSON message channel to the relay, scoped to one room.
type Channel struct {
	logger      *zap.SugaredLogger
	baseURL     string
	dialer      *websocket.Dialer
	wait        WaitFunc
	maxAttempts int
	baseDelay   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        *websocket.Conn
	roomID      string
	handler     Handler
	onExhausted func()
	closed      bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewChannel(logger *zap.SugaredLogger, baseURL string, opts ...Option) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		logger:      logger,
		baseURL:     baseURL,
		dialer:      &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		wait:        sleep,
		maxAttempts: MaxReconnectAttempts,
		baseDelay:   BaseReconnectDelay,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the channel for roomID and returns once it is open.
func (c *Channel) Connect(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.roomID = roomID
	c.mu.Unlock()

	conn, err := c.dial(ctx, roomID)
	if err != nil {
		return err
	}
	if !c.adopt(conn) {
		_ = conn.Close()
		return ErrClosed
	}
	c.logger.Infow("signaling channel connected", "room", roomID)
	go c.readLoop(conn)
	return nil
}

// OnMessage registers the inbound handler. The last registration wins.
func (c *Channel) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnExhausted is called once the reconnect budget is spent.
func (c *Channel) OnExhausted(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExhausted = fn
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send is fire-and-forget: when the channel is not open the message is
// logged and dropped.
func (c *Channel) Send(msg models.SignalingMessage) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Warnw("signaling channel not open, dropping message", "type", msg.Type)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Errorw("failed to marshal signaling message", "type", msg.Type, "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warnw("failed to write signaling message", "type", msg.Type, "error", err)
	}
}

// Disconnect closes the channel with a normal closure and cancels any
// pending reconnect. Calling it again is a no-op.
func (c *Channel) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		c.cancel()
		if conn == nil {
			return
		}
		c.writeMu.Lock()
		err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debugw("close frame not delivered", "error", err)
		}
		_ = conn.Close()
		c.logger.Infow("signaling channel disconnected")
	})
}

func (c *Channel) dial(ctx context.Context, roomID string) (*websocket.Conn, error) {
	endpoint := RoomEndpoint(c.baseURL, roomID)
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// adopt installs conn as the live connection unless the channel was closed.
func (c *Channel) adopt(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		var msg models.SignalingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnw("failed to decode signaling message", "error", err)
			continue
		}

		if msg.IsControl() {
			if msg.Type == models.SignalTypePing {
				c.Send(models.NewPong())
			}
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler == nil {
			c.logger.Debugw("no handler registered, dropping message", "type", msg.Type)
			continue
		}
		handler(msg)
	}
}

func (c *Channel) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.logger.Infow("signaling channel closed by relay")
		return
	}
	c.logger.Warnw("signaling channel closed abnormally", "error", err)
	c.reconnect()
}

// reconnect retries with linearly increasing delay. A successful dial hands
// the connection to a fresh read loop, which restarts the attempt count.
func (c *Channel) reconnect() {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		delay := time.Duration(attempt) * c.baseDelay
		c.logger.Infow("reconnecting signaling channel",
			"attempt", attempt, "maxAttempts", c.maxAttempts, "delay", delay)
		if err := c.wait(c.ctx, delay); err != nil {
			return
		}

		conn, err := c.dial(c.ctx, roomID)
		if err != nil {
			c.logger.Warnw("signaling reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		if !c.adopt(conn) {
			_ = conn.Close()
			return
		}
		c.logger.Infow("signaling channel reconnected", "room", roomID, "attempt", attempt)
		go c.readLoop(conn)
		return
	}

	c.logger.Errorw("signaling reconnect attempts exhausted", "room", roomID, "attempts", c.maxAttempts)
	c.mu.Lock()
	fn := c.onExhausted
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
