// Package registry tracks registered worker nodes and the agent index
// mapping agentId to the node currently serving it.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/errcode"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// Node is one registered worker. ConnID is empty while the node is
// suspended (transport gone, queues retained).
type Node struct {
	NodeID       string                `json:"nodeId"`
	ConnID       string                `json:"-"`
	Capabilities protocol.Capabilities `json:"capabilities"`
	RegisteredAt time.Time             `json:"registeredAt"`
	LastSeenAt   time.Time             `json:"lastSeenAt"`
	IsAlive      bool                  `json:"isAlive"`
}

// Registry is the process-wide node table plus the agent index.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	agents map[string]string // agentId → nodeId
	log    *slog.Logger
	now    func() time.Time
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		nodes:  make(map[string]*Node),
		agents: make(map[string]string),
		log:    log,
		now:    time.Now,
	}
}

// Register adds a node. Fails with NODE_ALREADY_REGISTERED when the id is
// taken. Agent-id conflicts are last-write-wins with a logged warning.
func (r *Registry) Register(nodeID, connID string, caps protocol.Capabilities) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; exists {
		return Node{}, errcode.New(errcode.NodeAlreadyRegistered, nodeID)
	}

	n := &Node{
		NodeID:       nodeID,
		ConnID:       connID,
		Capabilities: caps,
		RegisteredAt: r.now(),
		LastSeenAt:   r.now(),
		IsAlive:      true,
	}
	r.nodes[nodeID] = n
	r.indexAgentsLocked(nodeID, caps.AgentIDs)
	return *n, nil
}

func (r *Registry) indexAgentsLocked(nodeID string, agentIDs []string) {
	for _, agentID := range agentIDs {
		if prev, ok := r.agents[agentID]; ok && prev != nodeID {
			r.log.Warn("registry.agent_conflict",
				"agent_id", agentID,
				"previous_node", prev,
				"node_id", nodeID)
		}
		r.agents[agentID] = nodeID
	}
}

// Deregister removes the node and every agent-index pointer whose value
// still equals this node id. Pointers stolen by a later registration are
// left alone.
func (r *Registry) Deregister(nodeID string) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	delete(r.nodes, nodeID)
	for agentID, owner := range r.agents {
		if owner == nodeID {
			delete(r.agents, agentID)
		}
	}
	return *n, true
}

// Get returns a snapshot of the node.
func (r *Registry) Get(nodeID string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Count returns the number of registered nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// List returns node snapshots sorted by id, for the admin surface.
func (r *Registry) List() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// UpdateCapabilities replaces a node's capabilities and reindexes its
// agents: pointers for agents the node no longer serves are removed (if
// still owned), new agents are indexed last-write-wins.
func (r *Registry) UpdateCapabilities(nodeID string, caps protocol.Capabilities) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return errcode.New(errcode.NodeNotFound, nodeID)
	}

	kept := make(map[string]bool, len(caps.AgentIDs))
	for _, agentID := range caps.AgentIDs {
		kept[agentID] = true
	}
	for _, agentID := range n.Capabilities.AgentIDs {
		if !kept[agentID] && r.agents[agentID] == nodeID {
			delete(r.agents, agentID)
		}
	}

	n.Capabilities = caps
	r.indexAgentsLocked(nodeID, caps.AgentIDs)
	return nil
}

// AgentNode resolves an agent id to the node currently serving it.
func (r *Registry) AgentNode(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodeID, ok := r.agents[agentID]
	return nodeID, ok
}

// Agents returns a copy of the agent index.
func (r *Registry) Agents() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.agents))
	for k, v := range r.agents {
		out[k] = v
	}
	return out
}

// Touch records activity from the node (pong or any inbound frame).
func (r *Registry) Touch(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.LastSeenAt = r.now()
		n.IsAlive = true
	}
}

// SetAlive flips the health flag; returns false for unknown nodes.
func (r *Registry) SetAlive(nodeID string, alive bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return false
	}
	n.IsAlive = alive
	return true
}

// AttachConn rebinds a suspended node to a new live connection.
func (r *Registry) AttachConn(nodeID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return false
	}
	n.ConnID = connID
	n.LastSeenAt = r.now()
	n.IsAlive = true
	return true
}

// DetachConn clears the node's connection on transport loss. The node
// stays registered (suspended) until the suspend timer or a deregister.
func (r *Registry) DetachConn(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.ConnID = ""
	}
}

// IsConnected reports whether the node has a live transport connection.
// Device-key eviction uses this to protect connected nodes.
func (r *Registry) IsConnected(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return ok && n.ConnID != ""
}
