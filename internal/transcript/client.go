package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/interview-call/internal/signaling"
)

const (
	sttPath = "/api/v1/stt/ws/stt"

	// DefaultChunkInterval is how often an encoded chunk is uploaded.
	DefaultChunkInterval = 3 * time.Second

	opusSampleRate   = 48000
	opusChannels     = 2
	packetBuffer     = 256
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Client uploads remote Opus audio to the STT endpoint as a sequence of
// self-contained Ogg chunks.
type Client struct {
	logger        *zap.SugaredLogger
	baseURL       string
	chunkInterval time.Duration
	dialer        *websocket.Dialer
}

func NewClient(logger *zap.SugaredLogger, baseURL string, chunkInterval time.Duration) *Client {
	if chunkInterval <= 0 {
		chunkInterval = DefaultChunkInterval
	}
	return &Client{
		logger:        logger,
		baseURL:       baseURL,
		chunkInterval: chunkInterval,
		dialer:        &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// Start dials the STT endpoint and begins forwarding track.
func (c *Client) Start(track Track, sessionID, role string) (Handle, error) {
	endpoint := signaling.Endpoint(c.baseURL, sttPath, url.Values{
		"session_id": {sessionID},
		"role":       {role},
	})
	conn, _, err := c.dialer.Dial(endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial stt: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &upload{
		logger:   c.logger.With("session", sessionID, "role", role, "track", track.ID()),
		conn:     conn,
		interval: c.chunkInterval,
		packets:  make(chan *rtp.Packet, packetBuffer),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	u.logger.Infow("stt feed started")

	go u.readTrack(ctx, track)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return u.pump(gctx) })
	g.Go(u.readReplies)
	go func() {
		if err := g.Wait(); err != nil {
			u.logger.Warnw("stt feed stopped with error", "error", err)
		}
		u.logger.Infow("stt feed stopped")
		close(u.done)
	}()
	return u, nil
}

type upload struct {
	logger   *zap.SugaredLogger
	conn     *websocket.Conn
	interval time.Duration
	packets  chan *rtp.Packet
	cancel   context.CancelFunc
	done     chan struct{}

	writeMu  sync.Mutex
	stopOnce sync.Once
}

func (u *upload) Stop() {
	u.stopOnce.Do(u.cancel)
}

func (u *upload) Done() <-chan struct{} {
	return u.done
}

// readTrack closes packets when the track ends.
func (u *upload) readTrack(ctx context.Context, track Track) {
	defer close(u.packets)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				u.logger.Warnw("remote track read failed", "error", err)
			}
			return
		}
		select {
		case u.packets <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// pump batches packets into chunks and uploads one per interval. It flushes
// the partial chunk and closes the socket when the track ends or Stop is called.
func (u *upload) pump(ctx context.Context) error {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	defer u.close()

	chunk, err := newOggChunk()
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return u.flush(chunk)
		case pkt, ok := <-u.packets:
			if !ok {
				return u.flush(chunk)
			}
			if err := chunk.write(pkt); err != nil {
				u.logger.Debugw("dropping rtp packet", "error", err)
			}
		case <-ticker.C:
			if err := u.flush(chunk); err != nil {
				return err
			}
			if chunk, err = newOggChunk(); err != nil {
				return err
			}
		}
	}
}

func (u *upload) flush(chunk *oggChunk) error {
	data, err := chunk.finish()
	if err != nil || data == nil {
		return err
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_ = u.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := u.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("upload chunk: %w", err)
	}
	u.logger.Debugw("stt chunk sent", "bytes", len(data))
	return nil
}

// readReplies logs server messages until the socket closes.
func (u *upload) readReplies() error {
	for {
		_, data, err := u.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("stt socket: %w", err)
			}
			return nil
		}
		u.logger.Debugw("stt server message", "message", string(data))
	}
}

func (u *upload) close() {
	u.writeMu.Lock()
	_ = u.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "feed stopped"),
		time.Now().Add(writeTimeout))
	u.writeMu.Unlock()
	_ = u.conn.Close()
}

// oggChunk is one independently decodable Ogg/Opus stream.
type oggChunk struct {
	buf     bytes.Buffer
	writer  *oggwriter.OggWriter
	packets int
}

func newOggChunk() (*oggChunk, error) {
	c := &oggChunk{}
	w, err := oggwriter.NewWith(&c.buf, opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("create ogg writer: %w", err)
	}
	c.writer = w
	return c, nil
}

func (c *oggChunk) write(pkt *rtp.Packet) error {
	if len(pkt.Payload) == 0 {
		return nil
	}
	if err := c.writer.WriteRTP(pkt); err != nil {
		return err
	}
	c.packets++
	return nil
}

// finish returns nil data for a chunk without audio.
func (c *oggChunk) finish() ([]byte, error) {
	if err := c.writer.Close(); err != nil {
		return nil, fmt.Errorf("close ogg writer: %w", err)
	}
	if c.packets == 0 {
		return nil, nil
	}
	return c.buf.Bytes(), nil
}
