package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader is shared by the device session endpoint.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		// Devices are not browsers; authentication happens before upgrade.
		return true
	},
}

// WebSocketTransport adapts a gorilla websocket connection. It sends
// protocol pings itself and treats a missing pong as a dead connection.
type WebSocketTransport struct {
	conn         *websocket.Conn
	pingInterval time.Duration
	pongWait     time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketTransport wraps conn. maxFrame limits inbound messages.
func NewWebSocketTransport(conn *websocket.Conn, maxFrame int64, pingInterval, pongWait time.Duration) *WebSocketTransport {
	t := &WebSocketTransport{
		conn:         conn,
		pingInterval: pingInterval,
		pongWait:     pongWait,
		done:         make(chan struct{}),
	}
	if maxFrame > 0 {
		conn.SetReadLimit(maxFrame)
	}
	if pingInterval > 0 {
		//nolint:errcheck // Best-effort deadline on connection setup
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		})
		go t.pingLoop()
	}
	return t
}

// pingLoop uses WriteControl, which gorilla allows concurrently with the
// writer goroutine.
func (t *WebSocketTransport) pingLoop() {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.pongWait)); err != nil {
				return
			}
		}
	}
}

// ReadFrame returns the next text or binary message.
func (t *WebSocketTransport) ReadFrame(_ context.Context) ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if t.pingInterval > 0 {
			//nolint:errcheck // Best-effort deadline reset
			t.conn.SetReadDeadline(time.Now().Add(t.pingInterval + t.pongWait))
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// PauseReads clears the read deadline. Pongs are only processed inside
// ReadMessage, so a session parked on a full queue would otherwise time out.
func (t *WebSocketTransport) PauseReads() {
	if t.pingInterval > 0 {
		//nolint:errcheck // Best-effort; a closed conn fails the next read anyway
		t.conn.SetReadDeadline(time.Time{})
	}
}

// ResumeReads re-arms the read deadline for a full ping cycle.
func (t *WebSocketTransport) ResumeReads() {
	if t.pingInterval > 0 {
		//nolint:errcheck // Best-effort; a closed conn fails the next read anyway
		t.conn.SetReadDeadline(time.Now().Add(t.pingInterval + t.pongWait))
	}
}

// WriteFrame sends data as one text message.
func (t *WebSocketTransport) WriteFrame(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(t.pongWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if t.pongWait > 0 {
		//nolint:errcheck // Best-effort deadline; write error caught below
		t.conn.SetWriteDeadline(deadline)
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close message and closes the connection. Safe to call more
// than once.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		//nolint:errcheck // Best-effort close message
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

// IsNormalClose reports whether err is an orderly websocket shutdown.
func IsNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}
