package routing

import (
	"testing"

	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

func bindingMsg(channelID, msgType, peerID, groupID string) *protocol.LaneMessage {
	return &protocol.LaneMessage{
		ID:        "m1",
		Lane:      protocol.LaneSteer,
		ChannelID: channelID,
		Routing: &protocol.RoutingContext{
			PeerID:      peerID,
			GroupID:     groupID,
			MessageType: msgType,
		},
	}
}

func TestResolverGlobForms(t *testing.T) {
	r := NewResolver([]config.AgentBinding{
		{AgentID: "exact", Match: config.BindingMatch{PeerIDGlob: "alice"}},
		{AgentID: "prefix", Match: config.BindingMatch{PeerIDGlob: "vip-*"}},
		{AgentID: "suffix", Match: config.BindingMatch{PeerIDGlob: "*-bot"}},
		{AgentID: "star", Match: config.BindingMatch{PeerIDGlob: "*"}},
	})

	cases := []struct {
		name string
		peer string
		want string
	}{
		{"exact match", "alice", "exact"},
		{"prefix glob", "vip-42", "prefix"},
		{"prefix glob bare stem", "vip-", "prefix"},
		{"suffix glob", "support-bot", "suffix"},
		{"star catches the rest", "bob", "star"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := r.Resolve(bindingMsg("ch", "dm", tc.peer, ""))
			if !ok || got != tc.want {
				t.Fatalf("Resolve(%q) = %q, %v; want %q", tc.peer, got, ok, tc.want)
			}
		})
	}
}

func TestResolverEmptyMatchIsCatchAll(t *testing.T) {
	r := NewResolver([]config.AgentBinding{
		{AgentID: "fallback", Match: config.BindingMatch{}},
	})
	got, ok := r.Resolve(bindingMsg("anything", "group", "", "g1"))
	if !ok || got != "fallback" {
		t.Fatalf("empty match should catch everything, got %q, %v", got, ok)
	}
}

func TestResolverInsertionOrderWins(t *testing.T) {
	r := NewResolver([]config.AgentBinding{
		{AgentID: "first", Match: config.BindingMatch{Channel: "whatsapp"}},
		{AgentID: "second", Match: config.BindingMatch{Channel: "whatsapp", PeerIDGlob: "alice"}},
	})
	// Both bindings match; the earlier one must win even though the
	// later one is more specific.
	got, ok := r.Resolve(bindingMsg("whatsapp", "dm", "alice", ""))
	if !ok || got != "first" {
		t.Fatalf("got %q, %v; want first", got, ok)
	}
}

func TestResolverConstraintsAreConjunctive(t *testing.T) {
	r := NewResolver([]config.AgentBinding{
		{AgentID: "groups", Match: config.BindingMatch{Channel: "telegram", MessageType: "group", GroupIDGlob: "team-*"}},
	})

	if _, ok := r.Resolve(bindingMsg("telegram", "group", "", "team-alpha")); !ok {
		t.Fatal("all constraints satisfied, should match")
	}
	if _, ok := r.Resolve(bindingMsg("telegram", "dm", "p1", "")); ok {
		t.Fatal("messageType mismatch should not match")
	}
	if _, ok := r.Resolve(bindingMsg("discord", "group", "", "team-alpha")); ok {
		t.Fatal("channel mismatch should not match")
	}
	if _, ok := r.Resolve(bindingMsg("telegram", "group", "", "ops-alpha")); ok {
		t.Fatal("groupId glob mismatch should not match")
	}
}

func TestResolverNoBindings(t *testing.T) {
	r := NewResolver(nil)
	if _, ok := r.Resolve(bindingMsg("ch", "dm", "p1", "")); ok {
		t.Fatal("no bindings should resolve nothing")
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestResolverNilMessage(t *testing.T) {
	r := NewResolver([]config.AgentBinding{{AgentID: "a", Match: config.BindingMatch{}}})
	if _, ok := r.Resolve(nil); ok {
		t.Fatal("nil message should not resolve")
	}
}

func TestResolverUpdateSwapsTable(t *testing.T) {
	r := NewResolver([]config.AgentBinding{
		{AgentID: "old", Match: config.BindingMatch{}},
	})
	if got, _ := r.Resolve(bindingMsg("ch", "dm", "p1", "")); got != "old" {
		t.Fatalf("got %q before update", got)
	}

	r.Update([]config.AgentBinding{
		{AgentID: "new", Match: config.BindingMatch{}},
	})
	if got, _ := r.Resolve(bindingMsg("ch", "dm", "p1", "")); got != "new" {
		t.Fatalf("got %q after update", got)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d after update", r.Len())
	}

	// Clearing all bindings leaves the resolver matching nothing.
	r.Update(nil)
	if _, ok := r.Resolve(bindingMsg("ch", "dm", "p1", "")); ok {
		t.Fatal("cleared resolver should not match")
	}
}

func TestResolverMissingContextFallsThrough(t *testing.T) {
	r := NewResolver([]config.AgentBinding{
		{AgentID: "dms", Match: config.BindingMatch{MessageType: "dm"}},
		{AgentID: "rest", Match: config.BindingMatch{}},
	})
	// No routing context means no messageType, so the constrained
	// binding is skipped and the catch-all takes it.
	msg := &protocol.LaneMessage{ID: "m1", Lane: protocol.LaneSteer, ChannelID: "ch"}
	if got, ok := r.Resolve(msg); !ok || got != "rest" {
		t.Fatalf("got %q, %v; want rest", got, ok)
	}
}
