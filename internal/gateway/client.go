package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/nodegate/internal/errcode"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// writeWait bounds a single frame write to a slow or dead peer.
const writeWait = 10 * time.Second

// sendBuffer is the per-connection outbound queue depth. Lane traffic
// beyond it blocks the delivery pump, not the producer; lane queues are
// the real buffer.
const sendBuffer = 64

// wsClose is a deferred close request serviced by the write pump so
// frames queued before it still reach the peer.
type wsClose struct {
	code   int
	reason string
}

// Client is one websocket connection. Frames are read and handled one
// at a time on the connection's own goroutine; every write funnels
// through the send channel into a single write pump, so there is never
// more than one concurrent writer per socket.
type Client struct {
	id   string
	conn *websocket.Conn
	gw   *Gateway

	send     chan []byte
	closeReq chan wsClose
	done     chan struct{}

	closeOnce sync.Once // guards the close request
	downOnce  sync.Once // guards the socket teardown

	limiter *rate.Limiter // nil disables frame-rate limiting

	mu           sync.Mutex
	nodeID       string
	schemaErrors int
}

func newClient(conn *websocket.Conn, gw *Gateway) *Client {
	c := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		gw:       gw,
		send:     make(chan []byte, sendBuffer),
		closeReq: make(chan wsClose, 1),
		done:     make(chan struct{}),
	}
	if n := gw.cfg.Gateway.MaxFramesPerSecond; n > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(n), n)
	}
	return c
}

// NodeID returns the node bound to this connection, "" before a
// successful register.
func (c *Client) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

func (c *Client) bindNode(nodeID string) {
	c.mu.Lock()
	c.nodeID = nodeID
	c.mu.Unlock()
}

// ClearNode detaches the node binding after a deregistration so later
// frames on the same socket count as unregistered traffic.
func (c *Client) ClearNode() { c.bindNode("") }

// Send hands data to the write pump. Returns false once the connection
// is closing; the caller decides whether to requeue.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- data:
		return true
	}
}

// sendFrame marshals and sends one frame on this connection.
func (c *Client) sendFrame(f *protocol.Frame) bool {
	data, err := protocol.Encode(f)
	if err != nil {
		c.gw.log.Error("gateway.encode_failed", "kind", f.Kind, "error", err)
		return false
	}
	return c.Send(data)
}

// sendErrorCode emits an error frame for a known code.
func (c *Client) sendErrorCode(code errcode.Code, detail string) {
	c.sendFrame(protocol.NewError(code.Title, code.Status, detail))
}

// CloseWithCode asks the write pump to flush already-queued frames,
// send the close control frame, and tear the socket down. Idempotent;
// repeated closes and sends after it are dropped. When the pump is
// already gone the teardown has happened and there is nothing to do.
func (c *Client) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		select {
		case c.closeReq <- wsClose{code: code, reason: reason}:
		default:
		}
	})
}

// teardown closes the socket without a close frame, for when the peer
// already went away. Safe alongside CloseWithCode.
func (c *Client) teardown() {
	c.downOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// run services the connection until the socket closes, then releases
// whatever node state it held. Called on the upgrade handler goroutine;
// the final Done pairs with the Add in Gateway.addConn.
func (c *Client) run() {
	c.gw.wg.Add(1)
	go c.writePump()
	c.readLoop()
	c.teardown()
	c.gw.dropConn(c)
	c.gw.wg.Done()
}

func (c *Client) writePump() {
	defer c.gw.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case req := <-c.closeReq:
			c.flushAndClose(req)
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.teardown()
				return
			}
		}
	}
}

// flushAndClose drains frames queued before the close request, writes
// the close frame, and tears the socket down. An error frame explaining
// a 4401 close therefore reaches the peer before the close does.
func (c *Client) flushAndClose(req wsClose) {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if c.conn.WriteMessage(websocket.TextMessage, data) != nil {
				c.teardown()
				return
			}
		default:
			msg := websocket.FormatCloseMessage(req.code, req.reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			c.teardown()
			return
		}
	}
}

func (c *Client) readLoop() {
	maxFrame := c.gw.cfg.Gateway.MaxFrameBytes
	if maxFrame > 0 {
		// Backstop above the checked limit so an oversized frame earns an
		// error frame instead of an immediate 1009 kill.
		c.conn.SetReadLimit(int64(maxFrame) + 4096)
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.sendErrorCode(errcode.RateLimited, "frame rate exceeded")
			continue
		}
		if maxFrame > 0 && len(data) > maxFrame {
			c.sendErrorCode(errcode.FrameTooLarge, fmt.Sprintf("frame is %d bytes, limit %d", len(data), maxFrame))
			continue
		}
		c.gw.handleFrame(c, data)
	}
}

// noteSchemaError bumps the consecutive schema-error counter and
// reports whether this connection crossed the disconnect threshold.
func (c *Client) noteSchemaError(limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemaErrors++
	return limit > 0 && c.schemaErrors >= limit
}

// resetSchemaErrors clears the counter; any valid frame does this.
func (c *Client) resetSchemaErrors() {
	c.mu.Lock()
	c.schemaErrors = 0
	c.mu.Unlock()
}
