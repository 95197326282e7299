package auth

import (
	"container/list"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/internal/errcode"
)

// PinnedKey is one trust-on-first-use entry: the device key the gateway
// saw the first time a node registered.
type PinnedKey struct {
	NodeID     string    `json:"nodeId"`
	PublicKey  string    `json:"publicKey"`
	PinnedAt   time.Time `json:"pinnedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// DeviceKeySink persists pin changes so trust survives restarts.
type DeviceKeySink interface {
	PutDeviceKey(ctx context.Context, key PinnedKey) error
	DeleteDeviceKey(ctx context.Context, nodeID string) error
}

// DeviceKeySource lists previously persisted pins for warm-up.
type DeviceKeySource interface {
	ListDeviceKeys(ctx context.Context) ([]PinnedKey, error)
}

// KeyStore holds pinned device keys with LRU eviction. Keys belonging to
// actively connected nodes are never evicted; the cap is soft while every
// entry is active.
type KeyStore struct {
	mu        sync.Mutex
	allowTofu bool
	max       int
	order     *list.List               // front = most recently seen
	byNode    map[string]*list.Element // nodeId → element holding *PinnedKey

	active func(nodeID string) bool
	sink   DeviceKeySink
	log    *slog.Logger
	now    func() time.Time
}

// NewKeyStore builds the store and seeds it with the pre-pinned keys from
// config. Seeded keys are not written back through the sink.
func NewKeyStore(acfg config.AuthConfig, log *slog.Logger) *KeyStore {
	s := &KeyStore{
		allowTofu: acfg.AllowTofu,
		max:       acfg.MaxDeviceKeys,
		order:     list.New(),
		byNode:    make(map[string]*list.Element),
		log:       log,
		now:       time.Now,
	}
	s.seedLocked(acfg.KnownKeys)
	return s
}

// SetActiveFunc wires the connected-node predicate consulted by eviction.
func (s *KeyStore) SetActiveFunc(fn func(nodeID string) bool) {
	s.mu.Lock()
	s.active = fn
	s.mu.Unlock()
}

// SetSink wires write-through persistence for pin changes.
func (s *KeyStore) SetSink(sink DeviceKeySink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// LoadFrom warms the store from persisted pins. Entries already present
// (seeded from config) win over persisted ones.
func (s *KeyStore) LoadFrom(ctx context.Context, src DeviceKeySource) error {
	keys, err := src.ListDeviceKeys(ctx)
	if err != nil {
		return err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].LastSeenAt.Before(keys[j].LastSeenAt) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range keys {
		k := keys[i]
		if _, exists := s.byNode[k.NodeID]; exists {
			continue
		}
		s.byNode[k.NodeID] = s.order.PushFront(&k)
	}
	s.evictOverflowLocked()
	return nil
}

// Update applies a hot-reloaded auth section. Config-known keys overwrite
// existing pins for the same nodeId.
func (s *KeyStore) Update(acfg config.AuthConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowTofu = acfg.AllowTofu
	s.max = acfg.MaxDeviceKeys
	s.seedLocked(acfg.KnownKeys)
	s.evictOverflowLocked()
}

func (s *KeyStore) seedLocked(known map[string]string) {
	for nodeID, key := range known {
		if key == "" {
			continue
		}
		if elem, ok := s.byNode[nodeID]; ok {
			elem.Value.(*PinnedKey).PublicKey = key
			continue
		}
		s.byNode[nodeID] = s.order.PushFront(&PinnedKey{
			NodeID:     nodeID,
			PublicKey:  key,
			PinnedAt:   s.now(),
			LastSeenAt: s.now(),
		})
	}
}

// Get returns the pinned key for a node and refreshes its recency.
func (s *KeyStore) Get(nodeID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.byNode[nodeID]
	if !ok {
		return "", false
	}
	entry := elem.Value.(*PinnedKey)
	entry.LastSeenAt = s.now()
	s.order.MoveToFront(elem)
	return entry.PublicKey, true
}

// Pin records a first-use key for a node. Returns AUTH_TOFU_DISABLED when
// pinning is off, AUTH_KEY_MISMATCH if a different key is already pinned.
func (s *KeyStore) Pin(nodeID, publicKey string) error {
	if publicKey == "" {
		return errcode.New(errcode.AuthTokenInvalid, "cannot pin empty publicKey")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.byNode[nodeID]; ok {
		entry := elem.Value.(*PinnedKey)
		if entry.PublicKey != publicKey {
			return errcode.New(errcode.AuthKeyMismatch, "key mismatch for "+nodeID)
		}
		entry.LastSeenAt = s.now()
		s.order.MoveToFront(elem)
		return nil
	}

	if !s.allowTofu {
		return errcode.New(errcode.AuthTofuDisabled, "unknown device key for "+nodeID)
	}

	entry := &PinnedKey{
		NodeID:     nodeID,
		PublicKey:  publicKey,
		PinnedAt:   s.now(),
		LastSeenAt: s.now(),
	}
	s.byNode[nodeID] = s.order.PushFront(entry)
	s.log.Info("auth.key_pinned", "node_id", nodeID)

	if s.sink != nil {
		if err := s.sink.PutDeviceKey(context.Background(), *entry); err != nil {
			s.log.Warn("auth.key_persist_failed", "node_id", nodeID, "error", err)
		}
	}

	s.evictOverflowLocked()
	return nil
}

// evictOverflowLocked trims least-recently-seen pins past the cap,
// skipping nodes that are currently connected.
func (s *KeyStore) evictOverflowLocked() {
	if s.max <= 0 {
		return
	}
	elem := s.order.Back()
	for s.order.Len() > s.max && elem != nil {
		prev := elem.Prev()
		entry := elem.Value.(*PinnedKey)
		if s.active == nil || !s.active(entry.NodeID) {
			s.order.Remove(elem)
			delete(s.byNode, entry.NodeID)
			s.log.Info("auth.key_evicted", "node_id", entry.NodeID)
			if s.sink != nil {
				if err := s.sink.DeleteDeviceKey(context.Background(), entry.NodeID); err != nil {
					s.log.Warn("auth.key_unpersist_failed", "node_id", entry.NodeID, "error", err)
				}
			}
		}
		elem = prev
	}
}

// Remove drops a pin, e.g. when an operator rotates a node's device key.
func (s *KeyStore) Remove(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.byNode[nodeID]
	if !ok {
		return
	}
	s.order.Remove(elem)
	delete(s.byNode, nodeID)
	if s.sink != nil {
		if err := s.sink.DeleteDeviceKey(context.Background(), nodeID); err != nil {
			s.log.Warn("auth.key_unpersist_failed", "node_id", nodeID, "error", err)
		}
	}
}

// Len returns the number of pinned keys.
func (s *KeyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Entries lists pins, most recently seen first.
func (s *KeyStore) Entries() []PinnedKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PinnedKey, 0, s.order.Len())
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		out = append(out, *elem.Value.(*PinnedKey))
	}
	return out
}
