package routing

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/internal/dispatch"
	"github.com/nextlevelbuilder/nodegate/internal/errcode"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// AgentNodeResolver resolves an agentId to the node currently serving it.
// Wired to the registry's agent index at construction.
type AgentNodeResolver func(agentID string) (string, bool)

// DispatcherSource yields the per-node dispatcher if one is wired.
type DispatcherSource interface {
	Get(nodeID string) (*dispatch.Dispatcher, bool)
}

// ConversationStore is the affinity sink consulted and written by scoped
// routing.
type ConversationStore interface {
	Bind(key, nodeID string)
	Get(key string) (string, bool)
}

// RouteResult is the outcome of a scoped route.
type RouteResult struct {
	NodeID string      `json:"nodeId"`
	Scope  ScopeResult `json:"scope"`
}

// Router picks the serving node for each lane message. Precedence: an
// existing conversation binding for the scope key, then agent bindings,
// then the channel-binding table.
type Router struct {
	mu              sync.RWMutex
	channelBindings map[string]string
	agentNode       AgentNodeResolver
	scopeFor        func(agentID string) string
	onDegraded      []func(agentID string, warnings []string)

	resolver      *BindingResolver
	dispatchers   DispatcherSource
	conversations ConversationStore
	log           *slog.Logger
}

func NewRouter(resolver *BindingResolver, dispatchers DispatcherSource, log *slog.Logger) *Router {
	return &Router{
		channelBindings: make(map[string]string),
		resolver:        resolver,
		dispatchers:     dispatchers,
		log:             log,
	}
}

// SetAgentNodeResolver wires the registry's agent index.
func (r *Router) SetAgentNodeResolver(fn AgentNodeResolver) {
	r.mu.Lock()
	r.agentNode = fn
	r.mu.Unlock()
}

// SetConversationStore wires the affinity store.
func (r *Router) SetConversationStore(s ConversationStore) {
	r.mu.Lock()
	r.conversations = s
	r.mu.Unlock()
}

// SetScopeResolver wires per-agent scope selection (override > default).
func (r *Router) SetScopeResolver(fn func(agentID string) string) {
	r.mu.Lock()
	r.scopeFor = fn
	r.mu.Unlock()
}

// OnDegraded registers a callback fired when scope resolution degrades.
func (r *Router) OnDegraded(fn func(agentID string, warnings []string)) {
	r.mu.Lock()
	r.onDegraded = append(r.onDegraded, fn)
	r.mu.Unlock()
}

// UpdateBindings swaps in a recompiled agent-binding table.
func (r *Router) UpdateBindings(bindings []config.AgentBinding) {
	r.resolver.Update(bindings)
}

// ResolveAgent returns the agent id the binding table selects for msg,
// without routing. The gateway uses it to decide whether a message gets
// scoped (agent-bound) or plain (channel-bound) routing.
func (r *Router) ResolveAgent(msg *protocol.LaneMessage) (string, bool) {
	return r.resolver.Resolve(msg)
}

// BindChannel installs or replaces a channel binding (admin surface).
func (r *Router) BindChannel(channelID, nodeID string) {
	r.mu.Lock()
	r.channelBindings[channelID] = nodeID
	r.mu.Unlock()
}

// UnbindChannel removes a channel binding; false if none existed.
func (r *Router) UnbindChannel(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channelBindings[channelID]; !ok {
		return false
	}
	delete(r.channelBindings, channelID)
	return true
}

// SetChannelBindings replaces the whole table (config seed and reload).
func (r *Router) SetChannelBindings(bindings map[string]string) {
	next := make(map[string]string, len(bindings))
	for k, v := range bindings {
		next[k] = v
	}
	r.mu.Lock()
	r.channelBindings = next
	r.mu.Unlock()
}

// ChannelBindings returns a copy of the binding table.
func (r *Router) ChannelBindings() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.channelBindings))
	for k, v := range r.channelBindings {
		out[k] = v
	}
	return out
}

// Route picks the target node and enqueues the message on its dispatcher
// in the message's lane. Returns the node id on success.
func (r *Router) Route(msg *protocol.LaneMessage) (string, error) {
	if msg == nil {
		return "", errcode.New(errcode.RoutingFailed, "nil message")
	}

	if agentID, ok := r.resolver.Resolve(msg); ok {
		r.mu.RLock()
		agentNode := r.agentNode
		r.mu.RUnlock()
		if agentNode == nil {
			return "", errcode.Newf(errcode.AgentNotFound, "no node serving agent %s", agentID)
		}
		nodeID, ok := agentNode(agentID)
		if !ok {
			return "", errcode.Newf(errcode.AgentNotFound, "no node serving agent %s", agentID)
		}
		return r.enqueue(nodeID, msg)
	}

	r.mu.RLock()
	nodeID, ok := r.channelBindings[msg.ChannelID]
	r.mu.RUnlock()
	if !ok {
		return "", errcode.Newf(errcode.NodeNotFound, "no binding for channel %s", msg.ChannelID)
	}
	return r.enqueue(nodeID, msg)
}

func (r *Router) enqueue(nodeID string, msg *protocol.LaneMessage) (string, error) {
	d, ok := r.dispatchers.Get(nodeID)
	if !ok {
		return "", errcode.Newf(errcode.NodeNotFound, "no dispatcher for node %s", nodeID)
	}
	if _, ok := d.Enqueue(msg); !ok {
		return "", errcode.Newf(errcode.RoutingFailed, "invalid lane %q", msg.Lane)
	}
	return nodeID, nil
}

// RouteWithScope routes the message and establishes a conversation
// binding under the agent's effective scope. An existing binding whose
// node still has a dispatcher wins, keeping the conversation sticky.
func (r *Router) RouteWithScope(msg *protocol.LaneMessage, agentID string) (RouteResult, error) {
	r.mu.RLock()
	scopeFor := r.scopeFor
	conversations := r.conversations
	r.mu.RUnlock()

	scope := ScopePerChannelPeer
	if scopeFor != nil {
		scope = scopeFor(agentID)
	}
	res, err := BuildScopeKey(agentID, scope, msg)
	if err != nil {
		return RouteResult{}, err
	}

	nodeID := ""
	if conversations != nil {
		if bound, ok := conversations.Get(res.Key); ok {
			if bound, err := r.enqueue(bound, msg); err == nil {
				nodeID = bound
			}
		}
	}
	if nodeID == "" {
		nodeID, err = r.Route(msg)
		if err != nil {
			return RouteResult{}, err
		}
	}
	if conversations != nil {
		conversations.Bind(res.Key, nodeID)
	}

	if res.Degraded {
		r.mu.RLock()
		callbacks := make([]func(string, []string), len(r.onDegraded))
		copy(callbacks, r.onDegraded)
		r.mu.RUnlock()
		r.log.Warn("routing.scope_degraded", "agent_id", agentID, "warnings", res.Warnings)
		for _, fn := range callbacks {
			fn(agentID, res.Warnings)
		}
	}
	return RouteResult{NodeID: nodeID, Scope: res}, nil
}

// ResolveConversation computes the scope key without routing and without
// touching the store.
func (r *Router) ResolveConversation(msg *protocol.LaneMessage, agentID string) (ScopeResult, error) {
	r.mu.RLock()
	scopeFor := r.scopeFor
	r.mu.RUnlock()

	scope := ScopePerChannelPeer
	if scopeFor != nil {
		scope = scopeFor(agentID)
	}
	return BuildScopeKey(agentID, scope, msg)
}
