package gateway

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nodegate/internal/auth"
	"github.com/nextlevelbuilder/nodegate/internal/bus"
	"github.com/nextlevelbuilder/nodegate/internal/errcode"
	"github.com/nextlevelbuilder/nodegate/internal/pairing"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// handleFrame decodes and dispatches one inbound frame. Runs on the
// connection's read goroutine, so per-connection handling is serialized
// by construction.
func (g *Gateway) handleFrame(c *Client, data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		g.handleDecodeError(c, err)
		return
	}
	c.resetSchemaErrors()

	// Any valid frame counts as node activity.
	if nodeID := c.NodeID(); nodeID != "" {
		g.registry.Touch(nodeID)
		g.sessions.Touch(nodeID)
	}

	switch f.Kind {
	case protocol.KindNodeRegister:
		g.handleRegister(c, f)
	case protocol.KindNodeDeregister:
		g.handleDeregister(c, f)
	case protocol.KindHeartbeatPong:
		// The Touch above already recorded the liveness.
	case protocol.KindHeartbeatPing:
		c.sendFrame(&protocol.Frame{Kind: protocol.KindHeartbeatPong, Timestamp: time.Now().UnixMilli()})
	case protocol.KindLaneMessage:
		g.handleLaneMessage(c, f)
	case protocol.KindLaneMessageAck:
		g.handleLaneAck(c, f)
	case protocol.KindSessionIdentity:
		g.handleIdentity(c, f)
	case protocol.KindDelegationRequest, protocol.KindDelegationAccept,
		protocol.KindDelegationResult, protocol.KindDelegationCancel:
		g.handleDelegation(c, f)
	default:
		// Outbound-only kinds echoed back by a peer carry nothing to do.
		g.log.Debug("gateway.frame_ignored", "kind", f.Kind, "conn_id", c.id)
	}
}

// handleDecodeError answers malformed input without dropping the
// connection. Only schema errors count toward the disconnect threshold;
// the counter resets on the next valid frame.
func (g *Gateway) handleDecodeError(c *Client, err error) {
	var schemaErr *protocol.SchemaError
	if errors.As(err, &schemaErr) {
		c.sendErrorCode(errcode.SchemaError, schemaErr.Detail)
		if c.noteSchemaError(g.cfg.Gateway.SchemaErrorLimit) {
			g.log.Warn("gateway.schema_error_flood",
				"conn_id", c.id, "limit", g.cfg.Gateway.SchemaErrorLimit)
			c.CloseWithCode(websocket.ClosePolicyViolation, "too many schema errors")
		}
		return
	}
	var parseErr *protocol.ParseError
	if errors.As(err, &parseErr) {
		c.sendErrorCode(errcode.ParseError, parseErr.Err.Error())
		return
	}
	c.sendErrorCode(errcode.ParseError, err.Error())
}

// sendCodedError renders any error as an error frame, preserving the
// code's status when it is one of ours.
func (c *Client) sendCodedError(err error) {
	c.gw.noteOpError(c.NodeID(), err)
	var e *errcode.Error
	if errors.As(err, &e) {
		c.sendFrame(protocol.NewError(e.Code.Title, e.Code.Status, e.Detail))
		return
	}
	c.sendFrame(protocol.NewError("Internal error", 500, err.Error()))
}

// sendRouteError maps routing failures onto the wire. Missing-target
// errors collapse to a 500 "Message routing failed" with the cause in
// detail; conversation-scope validation keeps its own 422 status.
func (c *Client) sendRouteError(err error) {
	c.gw.noteOpError(c.NodeID(), err)
	var e *errcode.Error
	if errors.As(err, &e) {
		switch e.Code.ID {
		case errcode.NodeNotFound.ID, errcode.AgentNotFound.ID, errcode.RoutingFailed.ID:
			c.sendFrame(protocol.NewError(errcode.RoutingFailed.Title, errcode.RoutingFailed.Status, e.Error()))
		default:
			c.sendFrame(protocol.NewError(e.Code.Title, e.Code.Status, e.Detail))
		}
		return
	}
	c.sendFrame(protocol.NewError(errcode.RoutingFailed.Title, errcode.RoutingFailed.Status, err.Error()))
}

// noteOpError mirrors a frame-level failure onto the bus. Subscribers
// get the taxonomy's expected flag and decide for themselves what is
// worth keeping.
func (g *Gateway) noteOpError(nodeID string, err error) {
	var e *errcode.Error
	if !errors.As(err, &e) {
		return
	}
	g.events.Broadcast(bus.Event{
		Name: bus.EventOpError,
		Payload: bus.OpErrorPayload{
			Code:     e.Code.ID,
			Domain:   e.Code.Domain,
			Detail:   e.Detail,
			NodeID:   nodeID,
			Expected: e.Code.Expected,
		},
	})
}

// handleRegister authenticates the node and either creates a fresh
// session or resumes a suspended one. Auth failures close the socket
// with 4401/4403; everything else leaves it open.
func (g *Gateway) handleRegister(c *Client, f *protocol.Frame) {
	err := g.verifier.Verify(auth.Credentials{
		NodeID:    f.NodeID,
		Token:     f.Token,
		Signature: f.Signature,
		PublicKey: f.PublicKey,
	})
	if err != nil {
		g.log.Warn("gateway.register_rejected", "node_id", f.NodeID, "error", err)
		c.sendCodedError(err)
		status := 401
		var e *errcode.Error
		if errors.As(err, &e) {
			status = e.Code.Status
		}
		c.CloseWithCode(closeCodeFor(status), "authentication failed")
		return
	}

	if bound := c.NodeID(); bound != "" && bound != f.NodeID {
		c.sendCodedError(errcode.Newf(errcode.NodeAlreadyRegistered,
			"connection already serves node %s", bound))
		return
	}

	if n, ok := g.registry.Get(f.NodeID); ok {
		if n.ConnID == c.id {
			// Duplicate register on the same socket: re-ack the session.
			if s, ok := g.sessions.Get(f.NodeID); ok {
				c.sendFrame(protocol.NewRegisterAck(f.NodeID, s.SessionID))
				return
			}
		}
		if n.ConnID != "" {
			c.sendCodedError(errcode.New(errcode.NodeAlreadyRegistered, f.NodeID))
			return
		}
		g.resumeNode(c, f, n.NodeID)
		return
	}

	caps := protocol.Capabilities{}
	if f.Capabilities != nil {
		caps = *f.Capabilities
	}
	if _, err := g.registry.Register(f.NodeID, c.id, caps); err != nil {
		// Lost a race with a concurrent register for the same id.
		c.sendCodedError(err)
		return
	}
	s := g.sessions.Create(f.NodeID)
	c.bindNode(f.NodeID)
	g.startPump(f.NodeID)
	c.sendFrame(protocol.NewRegisterAck(f.NodeID, s.SessionID))

	g.log.Info("gateway.node_registered",
		"node_id", f.NodeID, "conn_id", c.id, "session_id", s.SessionID,
		"agents", caps.AgentIDs, "channels", caps.Channels)
	g.events.Broadcast(bus.Event{
		Name:    bus.EventNodeRegistered,
		Payload: bus.NodeLifecyclePayload{NodeID: f.NodeID, SessionID: s.SessionID, State: s.State},
	})
	g.auditCapabilities(f.NodeID, caps)
}

// resumeNode reattaches a suspended node to a new connection. The
// session manager is the gate: when two sockets race to resume, exactly
// one transition succeeds.
func (g *Gateway) resumeNode(c *Client, f *protocol.Frame, nodeID string) {
	s, err := g.sessions.Resume(nodeID)
	if err != nil {
		c.sendCodedError(err)
		return
	}
	g.registry.AttachConn(nodeID, c.id)
	if f.Capabilities != nil {
		_ = g.registry.UpdateCapabilities(nodeID, *f.Capabilities)
	}
	c.bindNode(nodeID)
	// Ack before waking the pump so the ack precedes any queued delivery.
	c.sendFrame(protocol.NewRegisterAck(nodeID, s.SessionID))
	g.wakePump(nodeID)

	g.log.Info("gateway.node_resumed",
		"node_id", nodeID, "conn_id", c.id, "session_id", s.SessionID,
		"pending", g.tracker.PendingCount(nodeID))
	g.events.Broadcast(bus.Event{
		Name:    bus.EventNodeResumed,
		Payload: bus.NodeLifecyclePayload{NodeID: nodeID, SessionID: s.SessionID, State: s.State},
	})
}

// handleDeregister tears a node down, but only for the connection that
// registered it; anyone else gets a 403 and the registration stands.
func (g *Gateway) handleDeregister(c *Client, f *protocol.Frame) {
	if bound := c.NodeID(); bound == "" || bound != f.NodeID {
		g.log.Warn("gateway.cross_node_deregister",
			"conn_id", c.id, "bound_node", bound, "target_node", f.NodeID)
		c.sendCodedError(errcode.Newf(errcode.CrossNodeDeregister,
			"connection is not registered as %s", f.NodeID))
		return
	}
	reason := f.Reason
	if reason == "" {
		reason = "deregistered"
	}
	g.cleanupNode(f.NodeID, reason)
	c.CloseWithCode(protocol.CloseNormal, "deregistered")
}

// handleLaneMessage is the producer path: pairing gate, then route,
// then a receipt ack back to the producer. The ack means the message is
// queued (or consumed by pairing), not yet that a worker processed it.
func (g *Gateway) handleLaneMessage(c *Client, f *protocol.Frame) {
	nodeID := c.NodeID()
	if nodeID == "" {
		c.sendCodedError(errcode.New(errcode.AuthForbidden, "connection has no registered node"))
		return
	}
	msg := f.Message
	if f.Lane != "" {
		msg.Lane = f.Lane
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	var peerID, msgType string
	if msg.Routing != nil {
		peerID = msg.Routing.PeerID
		msgType = msg.Routing.MessageType
	}
	if msgType != protocol.MessageTypeGroup {
		switch g.guard.CheckSender(nodeID, msg.ChannelID, peerID, msg.Payload) {
		case pairing.StatusBlocked:
			c.sendCodedError(errcode.Newf(errcode.PairingRequired,
				"peer %s is not paired on %s", peerID, msg.ChannelID))
			return
		case pairing.StatusExpiredCode:
			c.sendCodedError(errcode.Newf(errcode.PairingExpired,
				"code expired for %s", msg.ChannelID))
			return
		case pairing.StatusRateLimited:
			c.sendCodedError(errcode.New(errcode.RateLimited, "pairing attempts exceeded"))
			return
		case pairing.StatusPaired:
			// The code itself is addressed to the gateway; consume it and
			// ack so the channel can confirm to the human.
			g.log.Info("pairing.peer_paired", "channel_id", msg.ChannelID, "peer_id", peerID)
			g.events.Broadcast(bus.Event{
				Name:    bus.EventPairingApproved,
				Payload: bus.PairingApprovedPayload{NodeID: nodeID, ChannelID: msg.ChannelID, PeerID: peerID},
			})
			c.sendFrame(&protocol.Frame{Kind: protocol.KindLaneMessageAck, MessageID: msg.ID})
			return
		}
	}

	target, err := g.routeMessage(msg)
	if err != nil {
		g.log.Warn("gateway.route_failed",
			"message_id", msg.ID, "channel_id", msg.ChannelID, "error", err)
		c.sendRouteError(err)
		return
	}
	c.sendFrame(&protocol.Frame{Kind: protocol.KindLaneMessageAck, MessageID: msg.ID})
	g.log.Debug("gateway.message_routed",
		"message_id", msg.ID, "lane", msg.Lane, "node_id", target)
}

// handleLaneAck clears one delivered message from the pending set.
// Duplicate and unknown acks are no-ops.
func (g *Gateway) handleLaneAck(c *Client, f *protocol.Frame) {
	nodeID := c.NodeID()
	if nodeID == "" {
		c.sendCodedError(errcode.New(errcode.AuthForbidden, "connection has no registered node"))
		return
	}
	if !g.tracker.Ack(nodeID, f.MessageID) {
		g.log.Debug("gateway.stale_ack", "node_id", nodeID, "message_id", f.MessageID)
	}
}

// handleIdentity applies a worker identity update and echoes the new
// identity back so the node knows which update won.
func (g *Gateway) handleIdentity(c *Client, f *protocol.Frame) {
	nodeID := c.NodeID()
	if nodeID == "" {
		c.sendCodedError(errcode.New(errcode.AuthForbidden, "connection has no registered node"))
		return
	}
	if !g.sessions.UpdateIdentity(nodeID, f.Identity) {
		return
	}
	g.log.Info("gateway.identity_updated",
		"node_id", nodeID, "display_name", f.Identity.DisplayName, "agent_id", f.Identity.AgentID)
	g.sendFrame(nodeID, &protocol.Frame{Kind: protocol.KindSessionIdentity, NodeID: nodeID, Identity: f.Identity})
}
