package routing

import (
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// matcher is one precompiled pattern predicate. nil means the field was
// not constrained by the binding.
type matcher func(string) bool

// compilePattern supports exact strings, "foo-*" prefixes, "*-bar"
// suffixes, and the "*" catch-all.
func compilePattern(pattern string) matcher {
	switch {
	case pattern == "":
		return nil
	case pattern == "*":
		return func(string) bool { return true }
	case strings.HasSuffix(pattern, "*"):
		prefix := pattern[:len(pattern)-1]
		return func(v string) bool { return strings.HasPrefix(v, prefix) }
	case strings.HasPrefix(pattern, "*"):
		suffix := pattern[1:]
		return func(v string) bool { return strings.HasSuffix(v, suffix) }
	default:
		return func(v string) bool { return v == pattern }
	}
}

type compiledBinding struct {
	agentID string
	channel matcher
	msgType matcher
	peer    matcher
	group   matcher
}

func (b *compiledBinding) matches(channelID, msgType, peerID, groupID string) bool {
	if b.channel != nil && !b.channel(channelID) {
		return false
	}
	if b.msgType != nil && !b.msgType(msgType) {
		return false
	}
	if b.peer != nil && !b.peer(peerID) {
		return false
	}
	if b.group != nil && !b.group(groupID) {
		return false
	}
	return true
}

type bindingTable struct {
	bindings []compiledBinding
}

// BindingResolver matches messages to agents using the configured agent
// bindings. Updates install a freshly compiled table in one atomic swap,
// so in-flight resolutions see either the old table or the new one,
// never a mix.
type BindingResolver struct {
	table atomic.Pointer[bindingTable]
}

func NewResolver(bindings []config.AgentBinding) *BindingResolver {
	r := &BindingResolver{}
	r.Update(bindings)
	return r
}

// Update precompiles the binding list and swaps it in.
func (r *BindingResolver) Update(bindings []config.AgentBinding) {
	t := &bindingTable{bindings: make([]compiledBinding, 0, len(bindings))}
	for _, b := range bindings {
		t.bindings = append(t.bindings, compiledBinding{
			agentID: b.AgentID,
			channel: compilePattern(b.Match.Channel),
			msgType: compilePattern(b.Match.MessageType),
			peer:    compilePattern(b.Match.PeerIDGlob),
			group:   compilePattern(b.Match.GroupIDGlob),
		})
	}
	r.table.Store(t)
}

// Resolve scans bindings in insertion order and returns the first
// match's agentId. An empty match block is a catch-all.
func (r *BindingResolver) Resolve(msg *protocol.LaneMessage) (string, bool) {
	if msg == nil {
		return "", false
	}
	var ctx protocol.RoutingContext
	if msg.Routing != nil {
		ctx = *msg.Routing
	}
	t := r.table.Load()
	for i := range t.bindings {
		if t.bindings[i].matches(msg.ChannelID, ctx.MessageType, ctx.PeerID, ctx.GroupID) {
			return t.bindings[i].agentID, true
		}
	}
	return "", false
}

// Len returns the number of installed bindings.
func (r *BindingResolver) Len() int {
	return len(r.table.Load().bindings)
}
