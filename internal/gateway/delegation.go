package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/bus"
	"github.com/nextlevelbuilder/nodegate/internal/errcode"
	"github.com/nextlevelbuilder/nodegate/internal/store"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// defaultDelegationTimeout bounds a request whose frame carries no
// timeoutMs.
const defaultDelegationTimeout = 5 * time.Minute

// storeTimeout caps a single persistence call made from a frame handler.
const storeTimeout = 3 * time.Second

// delegationEntry tracks one in-flight delegation between two nodes.
type delegationEntry struct {
	delegationID string
	fromAgentID  string
	toAgentID    string
	fromNodeID   string
	toNodeID     string
	expiresAt    time.Time
}

// delegationTable indexes in-flight delegations. History lives in the
// store; the table holds only what can still move.
type delegationTable struct {
	mu      sync.Mutex
	entries map[string]*delegationEntry
}

func newDelegationTable() *delegationTable {
	return &delegationTable{entries: make(map[string]*delegationEntry)}
}

// put claims the delegation id; false when it is already in flight.
func (t *delegationTable) put(e *delegationEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[e.delegationID]; ok {
		return false
	}
	t.entries[e.delegationID] = e
	return true
}

func (t *delegationTable) get(id string) (*delegationEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

func (t *delegationTable) remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// expired removes and returns every entry past its deadline.
func (t *delegationTable) expired(now time.Time) []*delegationEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*delegationEntry
	for id, e := range t.entries {
		if now.After(e.expiresAt) {
			out = append(out, e)
			delete(t.entries, id)
		}
	}
	return out
}

// snapshot lists the in-flight entries for the admin surface.
func (t *delegationTable) snapshot() []*delegationEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*delegationEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// handleDelegation relays agent-to-agent delegation frames. The gateway
// stays out of the task payload; it only resolves the counterparty,
// enforces who may speak for which side, and records the lifecycle.
func (g *Gateway) handleDelegation(c *Client, f *protocol.Frame) {
	nodeID := c.NodeID()
	if nodeID == "" {
		c.sendCodedError(errcode.New(errcode.AuthForbidden, "connection has no registered node"))
		return
	}
	switch f.Kind {
	case protocol.KindDelegationRequest:
		g.delegationRequest(c, nodeID, f.Delegation)
	case protocol.KindDelegationAccept:
		g.delegationAccept(c, nodeID, f.Delegation)
	case protocol.KindDelegationResult:
		g.delegationResult(c, nodeID, f.Delegation)
	case protocol.KindDelegationCancel:
		g.delegationCancel(c, nodeID, f.Delegation)
	}
}

func (g *Gateway) delegationRequest(c *Client, fromNode string, d *protocol.Delegation) {
	toNode, ok := g.registry.AgentNode(d.ToAgentID)
	if !ok {
		c.sendCodedError(errcode.Newf(errcode.AgentNotFound, "no node serves agent %s", d.ToAgentID))
		return
	}
	if g.clientForNode(toNode) == nil {
		c.sendCodedError(errcode.Newf(errcode.AgentNotFound,
			"node %s serving agent %s is suspended", toNode, d.ToAgentID))
		return
	}

	timeout := defaultDelegationTimeout
	if d.TimeoutMs > 0 {
		timeout = time.Duration(d.TimeoutMs) * time.Millisecond
	}
	e := &delegationEntry{
		delegationID: d.DelegationID,
		fromAgentID:  d.FromAgentID,
		toAgentID:    d.ToAgentID,
		fromNodeID:   fromNode,
		toNodeID:     toNode,
		expiresAt:    time.Now().Add(timeout),
	}
	if !g.delegations.put(e) {
		c.sendCodedError(errcode.New(errcode.DelegationExists, d.DelegationID))
		return
	}

	g.saveDelegationRecord(store.DelegationRecord{
		DelegationID: d.DelegationID,
		FromAgentID:  d.FromAgentID,
		ToAgentID:    d.ToAgentID,
		Task:         d.Task,
		Status:       "pending",
	})

	if !g.sendFrame(toNode, &protocol.Frame{Kind: protocol.KindDelegationRequest, Delegation: d}) {
		g.delegations.remove(d.DelegationID)
		g.updateDelegationRecord(d.DelegationID, "failed", "", "target unavailable", time.Now())
		c.sendCodedError(errcode.Newf(errcode.AgentNotFound,
			"node %s went away before delivery", toNode))
		return
	}

	g.log.Info("gateway.delegation_requested",
		"delegation_id", d.DelegationID, "from_agent", d.FromAgentID,
		"to_agent", d.ToAgentID, "to_node", toNode)
	g.broadcastDelegation(protocol.KindDelegationRequest, e, "pending", "")
}

func (g *Gateway) delegationAccept(c *Client, nodeID string, d *protocol.Delegation) {
	e, ok := g.delegations.get(d.DelegationID)
	if !ok {
		c.sendCodedError(errcode.New(errcode.DelegationNotFound, d.DelegationID))
		return
	}
	if nodeID != e.toNodeID {
		c.sendCodedError(errcode.New(errcode.AuthForbidden, "not the delegation target"))
		return
	}
	g.sendFrame(e.fromNodeID, &protocol.Frame{Kind: protocol.KindDelegationAccept, Delegation: d})
	g.updateDelegationRecord(d.DelegationID, "accepted", "", "", time.Time{})
	g.log.Info("gateway.delegation_accepted", "delegation_id", d.DelegationID, "to_agent", e.toAgentID)
	g.broadcastDelegation(protocol.KindDelegationAccept, e, "accepted", "")
}

func (g *Gateway) delegationResult(c *Client, nodeID string, d *protocol.Delegation) {
	e, ok := g.delegations.get(d.DelegationID)
	if !ok {
		c.sendCodedError(errcode.New(errcode.DelegationNotFound, d.DelegationID))
		return
	}
	if nodeID != e.toNodeID {
		c.sendCodedError(errcode.New(errcode.AuthForbidden, "not the delegation target"))
		return
	}
	status := d.Status
	if status == "" {
		status = "completed"
	}
	g.sendFrame(e.fromNodeID, &protocol.Frame{Kind: protocol.KindDelegationResult, Delegation: d})
	g.delegations.remove(d.DelegationID)
	g.updateDelegationRecord(d.DelegationID, status, d.Output, d.Error, time.Now())
	g.log.Info("gateway.delegation_finished",
		"delegation_id", d.DelegationID, "status", status, "to_agent", e.toAgentID)
	g.broadcastDelegation(protocol.KindDelegationResult, e, status, "")
}

// delegationCancel may come from either side; the frame is relayed to
// the other one.
func (g *Gateway) delegationCancel(c *Client, nodeID string, d *protocol.Delegation) {
	e, ok := g.delegations.get(d.DelegationID)
	if !ok {
		c.sendCodedError(errcode.New(errcode.DelegationNotFound, d.DelegationID))
		return
	}
	var other string
	switch nodeID {
	case e.fromNodeID:
		other = e.toNodeID
	case e.toNodeID:
		other = e.fromNodeID
	default:
		c.sendCodedError(errcode.New(errcode.AuthForbidden, "not a party to this delegation"))
		return
	}
	g.sendFrame(other, &protocol.Frame{Kind: protocol.KindDelegationCancel, Delegation: d})
	g.delegations.remove(d.DelegationID)
	g.updateDelegationRecord(d.DelegationID, "cancelled", "", d.Reason, time.Now())
	g.log.Info("gateway.delegation_cancelled",
		"delegation_id", d.DelegationID, "reason", d.Reason)
	g.broadcastDelegation(protocol.KindDelegationCancel, e, "cancelled", d.Reason)
}

// sweepDelegations times out in-flight delegations on the health tick,
// telling both sides the task is off.
func (g *Gateway) sweepDelegations(now time.Time) {
	for _, e := range g.delegations.expired(now) {
		cancel := &protocol.Frame{
			Kind: protocol.KindDelegationCancel,
			Delegation: &protocol.Delegation{
				DelegationID: e.delegationID,
				Reason:       "timeout",
			},
		}
		g.sendFrame(e.fromNodeID, cancel)
		g.sendFrame(e.toNodeID, cancel)
		g.updateDelegationRecord(e.delegationID, "cancelled", "", "timeout", now)
		g.log.Warn("gateway.delegation_timeout",
			"delegation_id", e.delegationID, "from_agent", e.fromAgentID, "to_agent", e.toAgentID)
		g.broadcastDelegation(protocol.KindDelegationCancel, e, "cancelled", "timeout")
	}
}

func (g *Gateway) broadcastDelegation(kind string, e *delegationEntry, status, reason string) {
	g.events.Broadcast(bus.Event{
		Name: bus.EventDelegation,
		Payload: bus.DelegationPayload{
			DelegationID: e.delegationID,
			Kind:         kind,
			FromAgentID:  e.fromAgentID,
			ToAgentID:    e.toAgentID,
			Status:       status,
			Reason:       reason,
		},
	})
}

func (g *Gateway) saveDelegationRecord(rec store.DelegationRecord) {
	if g.stores == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := g.stores.Delegations.SaveDelegation(ctx, rec); err != nil {
		g.log.Warn("store.delegation_save_failed", "delegation_id", rec.DelegationID, "error", err)
	}
}

func (g *Gateway) updateDelegationRecord(id, status, output, errMsg string, completedAt time.Time) {
	if g.stores == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := g.stores.Delegations.UpdateDelegation(ctx, id, status, output, errMsg, completedAt); err != nil {
		g.log.Warn("store.delegation_update_failed", "delegation_id", id, "error", err)
	}
}
