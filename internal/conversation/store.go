// Package conversation keeps the bounded affinity table that pins a
// conversation scope key to the node that served it last. The table is
// in-memory only; affinity does not survive a restart.
package conversation

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

// Binding is one affinity entry as exposed to the admin surface.
type Binding struct {
	Key            string    `json:"key"`
	NodeID         string    `json:"nodeId"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

type entry struct {
	key            string
	nodeID         string
	createdAt      time.Time
	lastAccessedAt time.Time
}

// Store maps scope keys to node ids with an LRU bound and a TTL sweep.
// A reverse index keeps per-node eviction proportional to the node's
// own bindings.
type Store struct {
	mu     sync.Mutex
	max    int
	ttl    time.Duration
	order  *list.List // front = most recently accessed
	byKey  map[string]*list.Element
	byNode map[string]map[string]*list.Element
	log    *slog.Logger

	now func() time.Time
}

// NewStore returns a store holding at most max bindings, each expiring
// ttl after its last access. max <= 0 disables the bound, ttl <= 0
// disables the sweep.
func NewStore(max int, ttl time.Duration, log *slog.Logger) *Store {
	return &Store{
		max:    max,
		ttl:    ttl,
		order:  list.New(),
		byKey:  make(map[string]*list.Element),
		byNode: make(map[string]map[string]*list.Element),
		log:    log,
		now:    time.Now,
	}
}

// Bind creates or refreshes the binding for key. A rebind to a
// different node moves the key between reverse-index sets. Inserting
// past the bound evicts the least recently accessed entry.
func (s *Store) Bind(key, nodeID string) {
	if key == "" || nodeID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if el, ok := s.byKey[key]; ok {
		e := el.Value.(*entry)
		if e.nodeID != nodeID {
			s.dropReverseLocked(e.nodeID, key)
			s.addReverseLocked(nodeID, key, el)
			e.nodeID = nodeID
		}
		e.lastAccessedAt = now
		s.order.MoveToFront(el)
		return
	}

	el := s.order.PushFront(&entry{key: key, nodeID: nodeID, createdAt: now, lastAccessedAt: now})
	s.byKey[key] = el
	s.addReverseLocked(nodeID, key, el)
	s.evictOverflowLocked()
}

// Get returns the bound node and refreshes the entry's recency.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.byKey[key]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	e.lastAccessedAt = s.now()
	s.order.MoveToFront(el)
	return e.nodeID, true
}

// EvictNode removes every binding pointing at nodeID and reports how
// many were dropped.
func (s *Store) EvictNode(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.byNode[nodeID]
	if !ok {
		return 0
	}
	n := len(keys)
	for key, el := range keys {
		delete(s.byKey, key)
		s.order.Remove(el)
	}
	delete(s.byNode, nodeID)
	return n
}

// Sweep drops entries whose last access is older than the TTL. Safe to
// call repeatedly; a second sweep at the same instant removes nothing.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ttl <= 0 {
		return 0
	}
	removed := 0
	for el := s.order.Back(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.lastAccessedAt) <= s.ttl {
			break
		}
		prev := el.Prev()
		s.removeLocked(el, e)
		removed++
		el = prev
	}
	if removed > 0 {
		s.log.Debug("conversation.swept", "removed", removed)
	}
	return removed
}

// Clear empties the table; used when the configured scope changes,
// since keys built under the old scope no longer mean anything.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.byKey)
	s.order.Init()
	s.byKey = make(map[string]*list.Element)
	s.byNode = make(map[string]map[string]*list.Element)
	return n
}

// SetLimits applies reloaded bounds; shrinking the cap evicts
// immediately.
func (s *Store) SetLimits(max int, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = max
	s.ttl = ttl
	s.evictOverflowLocked()
}

// Len returns the number of live bindings.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Entries returns a snapshot ordered most recently accessed first.
// Reading does not refresh recency.
func (s *Store) Entries() []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Binding, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		out = append(out, Binding{Key: e.key, NodeID: e.nodeID, CreatedAt: e.createdAt, LastAccessedAt: e.lastAccessedAt})
	}
	return out
}

func (s *Store) addReverseLocked(nodeID, key string, el *list.Element) {
	set, ok := s.byNode[nodeID]
	if !ok {
		set = make(map[string]*list.Element)
		s.byNode[nodeID] = set
	}
	set[key] = el
}

func (s *Store) dropReverseLocked(nodeID, key string) {
	if set, ok := s.byNode[nodeID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(s.byNode, nodeID)
		}
	}
}

func (s *Store) removeLocked(el *list.Element, e *entry) {
	delete(s.byKey, e.key)
	s.dropReverseLocked(e.nodeID, e.key)
	s.order.Remove(el)
}

func (s *Store) evictOverflowLocked() {
	if s.max <= 0 {
		return
	}
	for len(s.byKey) > s.max {
		el := s.order.Back()
		if el == nil {
			return
		}
		e := el.Value.(*entry)
		s.removeLocked(el, e)
		s.log.Debug("conversation.evicted", "key", e.key, "node_id", e.nodeID)
	}
}
