package nodeclient

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"
)

// wsConn wraps coder/websocket with a thread-safe write method. The
// gateway protocol is JSON text frames, one object per frame.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) close(code int, reason string) {
	_ = c.conn.Close(websocket.StatusCode(code), reason)
}

// CloseInfo carries the WebSocket close code and reason the connection
// ended with.
type CloseInfo struct {
	Code   int
	Reason string
}

// closeInfoFrom extracts the close code and reason from a read error.
// Reads that died without a close frame report 1006.
func closeInfoFrom(err error) CloseInfo {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return CloseInfo{Code: int(ce.Code), Reason: ce.Reason}
	}
	return CloseInfo{Code: 1006, Reason: err.Error()}
}
