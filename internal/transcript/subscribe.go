package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/interview-call/internal/signaling"
)

const transcriptPath = "/api/v1/stt/ws/transcript"

// Line is one transcribed utterance.
type Line struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Subscribe streams transcript lines for sessionID to fn until ctx is done or
// the relay closes the socket. Keep-alive frames are answered, not delivered.
func Subscribe(ctx context.Context, logger *zap.SugaredLogger, baseURL, sessionID string, fn func(Line)) error {
	endpoint := signaling.Endpoint(baseURL, transcriptPath, url.Values{"session_id": {sessionID}})
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial transcript: %w", err)
	}
	logger.Infow("transcript subscription opened", "session", sessionID)

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(messageType, data)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = write(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe"))
		_ = conn.Close()
	})
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read transcript: %w", err)
		}

		switch string(data) {
		case "ping":
			if err := write(websocket.TextMessage, []byte("pong")); err != nil {
				logger.Warnw("failed to answer transcript ping", "error", err)
			}
			continue
		case "pong":
			continue
		}

		var line Line
		if err := json.Unmarshal(data, &line); err != nil {
			logger.Warnw("failed to decode transcript line", "error", err)
			continue
		}
		fn(line)
	}
}
