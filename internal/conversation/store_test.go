package conversation

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestStore(max int, ttl time.Duration) *Store {
	return NewStore(max, ttl, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBindAndGet(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.Bind("agent:bot:whatsapp:dm:p1", "n1")

	node, ok := s.Get("agent:bot:whatsapp:dm:p1")
	if !ok || node != "n1" {
		t.Fatalf("Get = %q, %v", node, ok)
	}
	if _, ok := s.Get("unknown"); ok {
		t.Fatal("unknown key should miss")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d", s.Len())
	}
}

func TestRebindMovesReverseIndex(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.Bind("k1", "n1")
	s.Bind("k1", "n2")

	if node, _ := s.Get("k1"); node != "n2" {
		t.Fatalf("rebound node = %q", node)
	}
	if n := s.EvictNode("n1"); n != 0 {
		t.Fatalf("old node still owns %d keys", n)
	}
	if n := s.EvictNode("n2"); n != 1 {
		t.Fatalf("new node owns %d keys, want 1", n)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d after eviction", s.Len())
	}
}

func TestOverflowEvictsLeastRecentlyAccessed(t *testing.T) {
	s := newTestStore(2, time.Hour)
	s.Bind("k1", "n1")
	s.Bind("k2", "n1")

	// Touch k1 so k2 becomes the eviction candidate.
	s.Get("k1")
	s.Bind("k3", "n1")

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if _, ok := s.Get("k2"); ok {
		t.Fatal("k2 should have been evicted")
	}
	if _, ok := s.Get("k1"); !ok {
		t.Fatal("k1 should survive")
	}
	if _, ok := s.Get("k3"); !ok {
		t.Fatal("k3 should be present")
	}
}

func TestBindExistingAtCapacityDoesNotEvict(t *testing.T) {
	s := newTestStore(2, time.Hour)
	s.Bind("k1", "n1")
	s.Bind("k2", "n1")

	// Refreshing an existing key at exact capacity is not an insert.
	s.Bind("k1", "n1")
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if _, ok := s.Get("k2"); !ok {
		t.Fatal("k2 should still be bound")
	}
}

func TestEvictNode(t *testing.T) {
	s := newTestStore(10, time.Hour)
	for i := 0; i < 3; i++ {
		s.Bind(fmt.Sprintf("a:%d", i), "n1")
	}
	s.Bind("b:0", "n2")

	if n := s.EvictNode("n1"); n != 3 {
		t.Fatalf("evicted %d, want 3", n)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d", s.Len())
	}
	if _, ok := s.Get("b:0"); !ok {
		t.Fatal("other node's binding should survive")
	}
	if n := s.EvictNode("n1"); n != 0 {
		t.Fatalf("second eviction removed %d", n)
	}
}

func TestSweepExpiresByLastAccess(t *testing.T) {
	s := newTestStore(10, time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }

	s.Bind("old", "n1")
	s.now = func() time.Time { return base.Add(30 * time.Second) }
	s.Bind("fresh", "n1")

	// Refresh "old" halfway through its life.
	s.Get("old")

	// At base+90s "old" was accessed 60s ago (not past the minute) and
	// "fresh" 60s ago too; nothing goes.
	if n := s.Sweep(base.Add(90 * time.Second)); n != 0 {
		t.Fatalf("swept %d at the boundary, want 0", n)
	}
	if n := s.Sweep(base.Add(90*time.Second + time.Nanosecond)); n != 2 {
		t.Fatalf("swept %d past the boundary, want 2", n)
	}
	if n := s.Sweep(base.Add(91 * time.Second)); n != 0 {
		t.Fatalf("second sweep removed %d, want 0", n)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d", s.Len())
	}
}

func TestSweepDisabledWithoutTTL(t *testing.T) {
	s := newTestStore(10, 0)
	s.Bind("k1", "n1")
	if n := s.Sweep(time.Now().Add(365 * 24 * time.Hour)); n != 0 {
		t.Fatalf("ttl 0 should disable the sweep, removed %d", n)
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.Bind("k1", "n1")
	s.Bind("k2", "n2")

	if n := s.Clear(); n != 2 {
		t.Fatalf("cleared %d, want 2", n)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d", s.Len())
	}
	if n := s.EvictNode("n1"); n != 0 {
		t.Fatalf("reverse index should be empty, got %d", n)
	}
	// The store keeps working after a clear.
	s.Bind("k3", "n1")
	if node, ok := s.Get("k3"); !ok || node != "n1" {
		t.Fatalf("Get after clear = %q, %v", node, ok)
	}
}

func TestSetLimitsShrinkEvicts(t *testing.T) {
	s := newTestStore(5, time.Hour)
	for i := 0; i < 5; i++ {
		s.Bind(fmt.Sprintf("k%d", i), "n1")
	}
	s.Get("k0")

	s.SetLimits(2, time.Hour)
	if s.Len() != 2 {
		t.Fatalf("Len = %d after shrink", s.Len())
	}
	if _, ok := s.Get("k0"); !ok {
		t.Fatal("most recently accessed entry should survive the shrink")
	}
	if _, ok := s.Get("k4"); !ok {
		t.Fatal("second most recent should survive the shrink")
	}
}

func TestEntriesOrderedByRecency(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.Bind("k1", "n1")
	s.Bind("k2", "n1")
	s.Get("k1")

	got := s.Entries()
	if len(got) != 2 || got[0].Key != "k1" || got[1].Key != "k2" {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].NodeID != "n1" || got[0].CreatedAt.IsZero() || got[0].LastAccessedAt.Before(got[0].CreatedAt) {
		t.Fatalf("entry fields = %+v", got[0])
	}
}

func TestBindIgnoresEmptyArgs(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.Bind("", "n1")
	s.Bind("k1", "")
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}
