// Package bus carries gateway lifecycle and operations events to
// in-process subscribers (admin stream, telemetry, tests).
package bus

import "sync"

// Event names.
const (
	EventNodeRegistered   = "node.registered"
	EventNodeDeregistered = "node.deregistered"
	EventNodeSuspended    = "node.suspended"
	EventNodeResumed      = "node.resumed"
	EventLaneOverflow     = "lane.overflow"
	EventPairingApproved  = "pairing.approved"
	EventScopeDegraded    = "routing.scope_degraded"
	EventDelegation       = "delegation"
	EventOpError          = "ops.error"
)

// Event is one broadcast payload.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// NodeLifecyclePayload accompanies the node.* events.
type NodeLifecyclePayload struct {
	NodeID    string `json:"nodeId"`
	SessionID string `json:"sessionId,omitempty"`
	State     string `json:"state,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// LaneOverflowPayload accompanies lane.overflow.
type LaneOverflowPayload struct {
	NodeID   string `json:"nodeId"`
	Lane     string `json:"lane"`
	Capacity int    `json:"capacity"`
}

// ScopeDegradedPayload accompanies routing.scope_degraded.
type ScopeDegradedPayload struct {
	AgentID  string   `json:"agentId"`
	Warnings []string `json:"warnings"`
}

// PairingApprovedPayload accompanies pairing.approved.
type PairingApprovedPayload struct {
	NodeID    string `json:"nodeId"`
	ChannelID string `json:"channelId"`
	PeerID    string `json:"peerId"`
}

// OpErrorPayload accompanies ops.error. Expected mirrors the taxonomy
// flag so subscribers can drop conditions that are part of normal
// operation.
type OpErrorPayload struct {
	Code     string `json:"code"`
	Domain   string `json:"domain"`
	Detail   string `json:"detail,omitempty"`
	NodeID   string `json:"nodeId,omitempty"`
	Expected bool   `json:"expected"`
}

// DelegationPayload accompanies delegation events; Kind is the frame
// kind that triggered it.
type DelegationPayload struct {
	DelegationID string `json:"delegationId"`
	Kind         string `json:"kind"`
	FromAgentID  string `json:"fromAgentId,omitempty"`
	ToAgentID    string `json:"toAgentId,omitempty"`
	Status       string `json:"status,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription so components
// can emit without knowing who listens.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus is the in-process EventPublisher. Handlers run synchronously on
// the broadcasting goroutine; subscribers that need to block must hand
// off to their own goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func New() *Bus {
	return &Bus{handlers: make(map[string]EventHandler)}
}

func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	b.handlers[id] = handler
	b.mu.Unlock()
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Broadcast fans the event out to every subscriber. The handler map is
// snapshotted first so handlers may subscribe or unsubscribe reentrantly.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
