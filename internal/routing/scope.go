// Package routing decides which node serves a message: agent bindings
// first, channel bindings second, with conversation-scope keys pinning
// ongoing conversations to the node that started them.
//
// Scope keys follow the canonical format:
//
//	main:                     agent:{agentId}:main
//	per-peer:                 agent:{agentId}:{msgType}:{peerId}
//	per-channel-peer:         agent:{agentId}:{channelId}:{msgType}:{peerId}
//	per-account-channel-peer: agent:{agentId}:{accountId}:{channelId}:{msgType}:{peerId}
//
// For group traffic the groupId takes the peerId position. Examples:
//
//	agent:bot:main
//	agent:bot:dm:386246614
//	agent:bot:whatsapp:dm:386246614
//	agent:bot:acct-7:whatsapp:group:-100123456
package routing

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/nodegate/internal/errcode"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// Conversation scopes, narrowest sharing first.
const (
	ScopeMain                  = "main"
	ScopePerPeer               = "per-peer"
	ScopePerChannelPeer        = "per-channel-peer"
	ScopePerAccountChannelPeer = "per-account-channel-peer"
)

// ScopeResult is the outcome of a scope-key resolution. Degraded is set
// when a missing accountId forced a downgrade; Warnings explain it.
type ScopeResult struct {
	Key            string   `json:"key"`
	EffectiveScope string   `json:"effectiveScope"`
	Degraded       bool     `json:"degraded"`
	Warnings       []string `json:"warnings,omitempty"`
}

// BuildScopeKey computes the conversation key for a message under the
// given scope. The key is a pure function of (agentId, scope,
// routingContext, channelId). A missing peerId (or groupId for group
// traffic) is an error: silently merging unrelated conversations is
// forbidden. A missing accountId only degrades the scope.
func BuildScopeKey(agentID, scope string, msg *protocol.LaneMessage) (ScopeResult, error) {
	res := ScopeResult{EffectiveScope: scope}

	var ctx protocol.RoutingContext
	if msg != nil && msg.Routing != nil {
		ctx = *msg.Routing
	}
	msgType := ctx.MessageType
	if msgType == "" {
		msgType = protocol.MessageTypeDM
	}
	subject := ctx.PeerID
	if msgType == protocol.MessageTypeGroup {
		subject = ctx.GroupID
	}
	channelID := ""
	if msg != nil {
		channelID = msg.ChannelID
	}

	if scope == ScopePerAccountChannelPeer && ctx.AccountID == "" {
		res.EffectiveScope = ScopePerChannelPeer
		res.Degraded = true
		res.Warnings = append(res.Warnings, "missing accountId, downgraded to per-channel-peer")
	}

	switch res.EffectiveScope {
	case ScopeMain:
		res.Key = fmt.Sprintf("agent:%s:main", agentID)
	case ScopePerPeer:
		if subject == "" {
			return ScopeResult{}, missingSubject(msgType)
		}
		res.Key = fmt.Sprintf("agent:%s:%s:%s", agentID, msgType, subject)
	case ScopePerChannelPeer:
		if subject == "" {
			return ScopeResult{}, missingSubject(msgType)
		}
		res.Key = fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channelID, msgType, subject)
	case ScopePerAccountChannelPeer:
		if subject == "" {
			return ScopeResult{}, missingSubject(msgType)
		}
		res.Key = fmt.Sprintf("agent:%s:%s:%s:%s:%s", agentID, ctx.AccountID, channelID, msgType, subject)
	default:
		return ScopeResult{}, errcode.Newf(errcode.InvalidConfig, "unknown conversation scope %q", scope)
	}
	return res, nil
}

func missingSubject(msgType string) error {
	if msgType == protocol.MessageTypeGroup {
		return errcode.New(errcode.MissingPeerID, "missing groupId")
	}
	return errcode.New(errcode.MissingPeerID, "missing peerId")
}

// ParseScopeKey extracts the agentId and the scope-dependent rest from a
// key; ok is false for keys not in canonical form.
func ParseScopeKey(key string) (agentID, rest string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
