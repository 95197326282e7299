// Package nodeclient is the worker-node SDK for the gateway wire
// protocol: it dials the /ws endpoint, registers, answers heartbeats,
// acks deliveries, and surfaces traffic on typed channels. One Client
// per node; the zero value is not usable, construct with Dial.
package nodeclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

const (
	msgBufferSize   = 64
	frameBufferSize = 16
	errBufferSize   = 16

	// registerTimeout bounds the wait for the gateway's register reply.
	registerTimeout = 10 * time.Second
)

// retryDelays is the reconnect backoff schedule; past the end the last
// delay repeats until the context ends.
var retryDelays = []time.Duration{
	time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
}

// GatewayError is an error frame received from the gateway.
type GatewayError struct {
	Title  string
	Status int
	Detail string
}

func (e *GatewayError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("gateway: %s (%d)", e.Title, e.Status)
	}
	return fmt.Sprintf("gateway: %s (%d): %s", e.Title, e.Status, e.Detail)
}

// Options configures a Client.
type Options struct {
	URL    string // ws://host:port/ws
	NodeID string

	// Token is the legacy shared secret; it rides both the upgrade
	// Authorization header and the register frame.
	Token string

	// Signer mints ed25519 register credentials. When set it wins over
	// Token on the register frame.
	Signer Signer

	Capabilities *protocol.Capabilities

	// Reconnect redials and re-registers after abnormal closures. The
	// gateway resumes the session, so queued work survives the gap.
	Reconnect bool

	Logger *slog.Logger
}

// Client is one node's connection to the gateway.
type Client struct {
	opts Options
	log  *slog.Logger

	mu        sync.RWMutex
	ws        *wsConn
	sessionID string

	messageCh      chan *protocol.LaneMessage
	frameCh        chan *protocol.Frame
	errorCh        chan error
	disconnectedCh chan CloseInfo
	closedCh       chan CloseInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects, registers, and starts the read loop. ctx governs the
// connection's whole lifetime, not just the dial.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" || opts.NodeID == "" {
		return nil, fmt.Errorf("nodeclient: URL and NodeID are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		opts:           opts,
		log:            log,
		messageCh:      make(chan *protocol.LaneMessage, msgBufferSize),
		frameCh:        make(chan *protocol.Frame, frameBufferSize),
		errorCh:        make(chan error, errBufferSize),
		disconnectedCh: make(chan CloseInfo, 4),
		closedCh:       make(chan CloseInfo, 1),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(runCtx)
	return c, nil
}

// Messages delivers routed lane messages. Each one is acked to the
// gateway as soon as it is buffered here.
func (c *Client) Messages() <-chan *protocol.LaneMessage { return c.messageCh }

// Frames delivers everything else addressed to the node: session
// updates, identity echoes, delegation traffic, and receipt acks for
// messages this client produced.
func (c *Client) Frames() <-chan *protocol.Frame { return c.frameCh }

// Errors delivers decode failures and gateway error frames.
func (c *Client) Errors() <-chan error { return c.errorCh }

// Disconnected fires on transient drops that the client will retry.
func (c *Client) Disconnected() <-chan CloseInfo { return c.disconnectedCh }

// Closed fires once when the connection is gone for good.
func (c *Client) Closed() <-chan CloseInfo { return c.closedCh }

// SessionID returns the session granted by the last successful register.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// connect dials the gateway and performs the register handshake. On
// success the new socket and session id are installed.
func (c *Client) connect(ctx context.Context) error {
	h := http.Header{}
	if c.opts.Token != "" {
		h.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return fmt.Errorf("nodeclient: dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(1<<20 + 4096)
	ws := &wsConn{conn: conn}

	reg := &protocol.Frame{
		Kind:         protocol.KindNodeRegister,
		NodeID:       c.opts.NodeID,
		Token:        c.opts.Token,
		Capabilities: c.opts.Capabilities,
	}
	if c.opts.Signer != nil {
		sig, pub, err := c.opts.Signer(c.opts.NodeID)
		if err != nil {
			ws.close(int(websocket.StatusNormalClosure), "signer failed")
			return fmt.Errorf("nodeclient: %w", err)
		}
		reg.Token = ""
		reg.Signature = sig
		reg.PublicKey = pub
	}
	data, err := protocol.Encode(reg)
	if err != nil {
		ws.close(int(websocket.StatusNormalClosure), "encode failed")
		return fmt.Errorf("nodeclient: encode register: %w", err)
	}
	if err := ws.write(ctx, data); err != nil {
		ws.close(int(websocket.StatusNormalClosure), "write failed")
		return fmt.Errorf("nodeclient: send register: %w", err)
	}

	// The first frame after a register is always its ack or an error.
	rctx, cancel := context.WithTimeout(ctx, registerTimeout)
	reply, err := ws.read(rctx)
	cancel()
	if err != nil {
		ws.close(int(websocket.StatusNormalClosure), "no register reply")
		return fmt.Errorf("nodeclient: register reply: %w", err)
	}
	f, err := protocol.Decode(reply)
	if err != nil {
		ws.close(int(websocket.StatusNormalClosure), "bad register reply")
		return fmt.Errorf("nodeclient: decode register reply: %w", err)
	}

	switch f.Kind {
	case protocol.KindNodeRegisterAck:
		c.mu.Lock()
		c.ws = ws
		c.sessionID = f.SessionID
		c.mu.Unlock()
		c.log.Debug("nodeclient.registered",
			"node_id", c.opts.NodeID, "session_id", f.SessionID)
		return nil
	case protocol.KindError:
		ws.close(int(websocket.StatusNormalClosure), "register rejected")
		return &GatewayError{Title: f.Error.Title, Status: f.Error.Status, Detail: f.Error.Detail}
	default:
		ws.close(int(websocket.StatusNormalClosure), "unexpected register reply")
		return fmt.Errorf("nodeclient: unexpected register reply kind %q", f.Kind)
	}
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		c.mu.RLock()
		ws := c.ws
		c.mu.RUnlock()

		data, err := ws.read(ctx)
		if err != nil {
			ci := closeInfoFrom(err)
			if ctx.Err() != nil {
				c.emitClosed(ci)
				return
			}
			c.mu.Lock()
			c.ws = nil
			c.mu.Unlock()
			emit(ctx, c.disconnectedCh, ci)
			if !c.opts.Reconnect || terminalClose(ci.Code) {
				c.emitClosed(ci)
				return
			}
			c.log.Warn("nodeclient.disconnected",
				"node_id", c.opts.NodeID, "code", ci.Code, "reason", ci.Reason)
			if !c.redial(ctx) {
				c.emitClosed(ci)
				return
			}
			continue
		}
		c.handleFrame(ctx, data)
	}
}

// redial retries connect with capped backoff until it succeeds, the
// context ends, or the gateway rejects the credentials outright.
func (c *Client) redial(ctx context.Context) bool {
	for attempt := 0; ; attempt++ {
		delay := retryDelays[len(retryDelays)-1]
		if attempt < len(retryDelays) {
			delay = retryDelays[attempt]
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		err := c.connect(ctx)
		if err == nil {
			c.log.Info("nodeclient.reconnected",
				"node_id", c.opts.NodeID, "attempt", attempt+1)
			return true
		}
		var ge *GatewayError
		if errors.As(err, &ge) && (ge.Status == 401 || ge.Status == 403) {
			c.log.Error("nodeclient.reconnect_rejected", "error", err)
			return false
		}
		c.log.Warn("nodeclient.reconnect_failed", "attempt", attempt+1, "error", err)
	}
}

// terminalClose reports close codes that must not trigger a reconnect:
// clean shutdowns, auth rejections, and policy kicks.
func terminalClose(code int) bool {
	switch code {
	case protocol.CloseNormal,
		protocol.CloseAuthInvalid,
		protocol.CloseAuthForbidden,
		int(websocket.StatusPolicyViolation):
		return true
	}
	return false
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		emit(ctx, c.errorCh, fmt.Errorf("nodeclient: decode frame: %w", err))
		return
	}
	switch f.Kind {
	case protocol.KindHeartbeatPing:
		_ = c.writeFrame(ctx, &protocol.Frame{
			Kind: protocol.KindHeartbeatPong, Timestamp: time.Now().UnixMilli(),
		})
	case protocol.KindLaneMessage:
		if f.Message == nil {
			return
		}
		// Hand the message to the consumer before acking. A full buffer
		// backpressures the socket instead of dropping acked work.
		select {
		case <-ctx.Done():
			return
		case c.messageCh <- f.Message:
		}
		if err := c.writeFrame(ctx, &protocol.Frame{
			Kind: protocol.KindLaneMessageAck, MessageID: f.Message.ID,
		}); err != nil {
			emit(ctx, c.errorCh, fmt.Errorf("nodeclient: ack %s: %w", f.Message.ID, err))
		}
	case protocol.KindError:
		emit(ctx, c.errorCh, error(&GatewayError{
			Title: f.Error.Title, Status: f.Error.Status, Detail: f.Error.Detail,
		}))
	default:
		emit(ctx, c.frameCh, f)
	}
}

// writeFrame encodes and writes one frame on the current socket.
func (c *Client) writeFrame(ctx context.Context, f *protocol.Frame) error {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws == nil {
		return fmt.Errorf("nodeclient: not connected")
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return fmt.Errorf("nodeclient: encode %s: %w", f.Kind, err)
	}
	return ws.write(ctx, data)
}

// SendMessage submits one lane message for routing. The gateway's
// receipt ack arrives on Frames.
func (c *Client) SendMessage(ctx context.Context, msg *protocol.LaneMessage) error {
	return c.writeFrame(ctx, protocol.NewLaneMessage(msg))
}

// UpdateIdentity submits an identity update; the gateway echoes the
// winning identity on Frames when the update changed something.
func (c *Client) UpdateIdentity(ctx context.Context, identity *protocol.Identity) error {
	return c.writeFrame(ctx, &protocol.Frame{Kind: protocol.KindSessionIdentity, Identity: identity})
}

// Delegate asks the gateway to relay a task to the node serving
// d.ToAgentID. The accept and result frames arrive on Frames.
func (c *Client) Delegate(ctx context.Context, d *protocol.Delegation) error {
	return c.writeFrame(ctx, &protocol.Frame{Kind: protocol.KindDelegationRequest, Delegation: d})
}

// SendFrame writes a raw frame; delegation accept, result, and cancel
// go through here.
func (c *Client) SendFrame(ctx context.Context, f *protocol.Frame) error {
	return c.writeFrame(ctx, f)
}

// Deregister asks the gateway to drop this node's registration. The
// gateway confirms by closing the socket with 1000, surfaced on Closed.
func (c *Client) Deregister(ctx context.Context) error {
	return c.writeFrame(ctx, &protocol.Frame{Kind: protocol.KindNodeDeregister, NodeID: c.opts.NodeID})
}

// Close tears the client down without deregistering; the gateway keeps
// the session suspended for the configured window.
func (c *Client) Close() {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if c.cancel != nil {
		c.cancel()
	}
	if ws != nil {
		ws.close(int(websocket.StatusNormalClosure), "client closed")
	}
	c.wg.Wait()
}

func (c *Client) emitClosed(ci CloseInfo) {
	select {
	case c.closedCh <- ci:
	default:
	}
}

// emit sends to a buffered channel, dropping the oldest entry when the
// buffer is full so a slow consumer never wedges the read loop.
func emit[T any](ctx context.Context, ch chan T, val T) {
	select {
	case <-ctx.Done():
		return
	case ch <- val:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- val:
		default:
		}
	}
}
