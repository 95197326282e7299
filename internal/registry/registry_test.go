package registry

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nextlevelbuilder/nodegate/internal/errcode"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

func newTestRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func caps(agentIDs ...string) protocol.Capabilities {
	return protocol.Capabilities{AgentIDs: agentIDs}
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry()
	n, err := r.Register("n1", "conn-1", caps("bot"))
	if err != nil {
		t.Fatal(err)
	}
	if n.NodeID != "n1" || !n.IsAlive || n.ConnID != "conn-1" {
		t.Fatalf("node = %+v", n)
	}

	got, ok := r.Get("n1")
	if !ok || got.NodeID != "n1" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d", r.Count())
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Register("n1", "conn-1", caps()); err != nil {
		t.Fatal(err)
	}
	_, err := r.Register("n1", "conn-2", caps())
	if !errors.Is(err, errcode.New(errcode.NodeAlreadyRegistered, "")) {
		t.Fatalf("want NODE_ALREADY_REGISTERED, got %v", err)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d after rejected duplicate", r.Count())
	}
}

func TestAgentIndexLastWriteWins(t *testing.T) {
	r := newTestRegistry()
	r.Register("n1", "c1", caps("bot"))
	r.Register("n2", "c2", caps("bot"))

	if owner, _ := r.AgentNode("bot"); owner != "n2" {
		t.Fatalf("agent owner = %q, want n2 (last write wins)", owner)
	}

	// deregistering the loser must not remove the stolen pointer
	r.Deregister("n1")
	if owner, ok := r.AgentNode("bot"); !ok || owner != "n2" {
		t.Fatalf("pointer lost after loser deregistered: %q %v", owner, ok)
	}

	r.Deregister("n2")
	if _, ok := r.AgentNode("bot"); ok {
		t.Fatal("pointer should be gone with its owner")
	}
}

func TestDeregisterUnknown(t *testing.T) {
	r := newTestRegistry()
	if _, ok := r.Deregister("ghost"); ok {
		t.Fatal("deregister of unknown node should report false")
	}
}

func TestUpdateCapabilitiesReindexes(t *testing.T) {
	r := newTestRegistry()
	r.Register("n1", "c1", caps("a", "b"))

	if err := r.UpdateCapabilities("n1", caps("b", "c")); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.AgentNode("a"); ok {
		t.Error("dropped agent should be unindexed")
	}
	for _, id := range []string{"b", "c"} {
		if owner, _ := r.AgentNode(id); owner != "n1" {
			t.Errorf("agent %s owner = %q", id, owner)
		}
	}

	if err := r.UpdateCapabilities("ghost", caps()); err == nil {
		t.Error("unknown node should error")
	}
}

func TestUpdateCapabilitiesKeepsStolenPointers(t *testing.T) {
	r := newTestRegistry()
	r.Register("n1", "c1", caps("bot"))
	r.Register("n2", "c2", caps("bot")) // steals the pointer

	// n1 drops "bot"; the index entry belongs to n2 and must survive
	if err := r.UpdateCapabilities("n1", caps()); err != nil {
		t.Fatal(err)
	}
	if owner, ok := r.AgentNode("bot"); !ok || owner != "n2" {
		t.Fatalf("owner = %q %v", owner, ok)
	}
}

func TestConnLifecycle(t *testing.T) {
	r := newTestRegistry()
	r.Register("n1", "c1", caps())

	if !r.IsConnected("n1") {
		t.Fatal("freshly registered node should be connected")
	}

	r.DetachConn("n1")
	if r.IsConnected("n1") {
		t.Fatal("detached node should not be connected")
	}
	if _, ok := r.Get("n1"); !ok {
		t.Fatal("detached node must stay registered")
	}

	if !r.AttachConn("n1", "c2") {
		t.Fatal("AttachConn failed")
	}
	n, _ := r.Get("n1")
	if n.ConnID != "c2" || !n.IsAlive {
		t.Fatalf("node after reattach = %+v", n)
	}

	if r.AttachConn("ghost", "c3") {
		t.Fatal("attach to unknown node should fail")
	}
}

func TestAliveFlagAndTouch(t *testing.T) {
	r := newTestRegistry()
	r.Register("n1", "c1", caps())

	if !r.SetAlive("n1", false) {
		t.Fatal("SetAlive failed")
	}
	n, _ := r.Get("n1")
	if n.IsAlive {
		t.Fatal("node should be marked dead")
	}

	before := n.LastSeenAt
	r.Touch("n1")
	n, _ = r.Get("n1")
	if !n.IsAlive || n.LastSeenAt.Before(before) {
		t.Fatalf("touch should revive: %+v", n)
	}

	if r.SetAlive("ghost", true) {
		t.Fatal("SetAlive on unknown node should report false")
	}
}

func TestListSorted(t *testing.T) {
	r := newTestRegistry()
	r.Register("zeta", "c1", caps())
	r.Register("alpha", "c2", caps())

	list := r.List()
	if len(list) != 2 || list[0].NodeID != "alpha" || list[1].NodeID != "zeta" {
		t.Fatalf("List = %+v", list)
	}
}
