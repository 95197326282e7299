package dispatch

import (
	"log/slog"
	"sync"
	"time"
)

// Pending is one unacked downstream delivery.
type Pending struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

type nodePending struct {
	order []string // messageIds, sentAt ascending
	byID  map[string]time.Time
}

// Tracker records sent-but-unacked lane messages per node. Per-node
// capacity is maxPending; overflow evicts the oldest entry without an ack.
type Tracker struct {
	mu         sync.Mutex
	maxPending int
	nodes      map[string]*nodePending
	log        *slog.Logger
	now        func() time.Time
}

func NewTracker(maxPending int, log *slog.Logger) *Tracker {
	return &Tracker{
		maxPending: maxPending,
		nodes:      make(map[string]*nodePending),
		log:        log,
		now:        time.Now,
	}
}

// Track records a delivery. A duplicate messageId overwrites the old
// entry and moves it to the tail of the order.
func (t *Tracker) Track(nodeID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	np, ok := t.nodes[nodeID]
	if !ok {
		np = &nodePending{byID: make(map[string]time.Time)}
		t.nodes[nodeID] = np
	}

	if _, dup := np.byID[messageID]; dup {
		np.remove(messageID)
	}
	np.byID[messageID] = t.now()
	np.order = append(np.order, messageID)

	if t.maxPending > 0 && len(np.order) > t.maxPending {
		oldest := np.order[0]
		np.remove(oldest)
		t.log.Debug("tracker.evicted", "node_id", nodeID, "message_id", oldest)
	}
}

func (np *nodePending) remove(messageID string) {
	delete(np.byID, messageID)
	for i, id := range np.order {
		if id == messageID {
			np.order = append(np.order[:i], np.order[i+1:]...)
			break
		}
	}
}

// Ack clears one pending delivery; false if it was not tracked. The last
// ack for a node removes the node's map entry entirely.
func (t *Tracker) Ack(nodeID, messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	np, ok := t.nodes[nodeID]
	if !ok {
		return false
	}
	if _, tracked := np.byID[messageID]; !tracked {
		return false
	}
	np.remove(messageID)
	if len(np.byID) == 0 {
		delete(t.nodes, nodeID)
	}
	return true
}

// Unacked returns the node's pending deliveries ordered by sentAt
// ascending.
func (t *Tracker) Unacked(nodeID string) []Pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	np, ok := t.nodes[nodeID]
	if !ok {
		return nil
	}
	out := make([]Pending, 0, len(np.order))
	for _, id := range np.order {
		out = append(out, Pending{MessageID: id, SentAt: np.byID[id]})
	}
	return out
}

// PendingCount returns the number of unacked deliveries, 0 for unknown
// nodes.
func (t *Tracker) PendingCount(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	np, ok := t.nodes[nodeID]
	if !ok {
		return 0
	}
	return len(np.byID)
}

// RemoveNode drops all pending state for a node.
func (t *Tracker) RemoveNode(nodeID string) {
	t.mu.Lock()
	delete(t.nodes, nodeID)
	t.mu.Unlock()
}

// Clear drops all pending state.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.nodes = make(map[string]*nodePending)
	t.mu.Unlock()
}

// SetMaxPending applies a hot-reloaded cap to future tracks.
func (t *Tracker) SetMaxPending(maxPending int) {
	t.mu.Lock()
	t.maxPending = maxPending
	t.mu.Unlock()
}
