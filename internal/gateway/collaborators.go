package gateway

import (
	"context"

	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/internal/nexus"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// wireCollaborators builds the upstream shims out of cfg. One nexus
// client can serve all three surfaces; a dedicated memory or manifest
// endpoint overrides it, and a local manifest file beats both. Missing
// config leaves a surface nil and the gateway runs without it.
func (g *Gateway) wireCollaborators(cfg *config.Config) {
	var upstream *nexus.Client
	if cfg.Nexus.BaseURL != "" {
		upstream = nexus.NewClient(cfg.Nexus)
		g.identity = upstream
	}

	switch {
	case cfg.Memory.BaseURL != "":
		g.memory = nexus.NewClient(config.NexusConfig{
			BaseURL:   cfg.Memory.BaseURL,
			APIKey:    cfg.Nexus.APIKey,
			TimeoutMs: cfg.Memory.TimeoutMs,
		})
	case upstream != nil:
		g.memory = upstream
	}
	if g.memory != nil {
		g.observer = nexus.NewObserver(g.memory, cfg.Memory, g.log)
	}

	switch {
	case cfg.Manifest.Path != "":
		fm, err := nexus.NewFileManifests(cfg.Manifest.Path)
		if err != nil {
			g.log.Warn("nexus.manifests_unavailable", "path", cfg.Manifest.Path, "error", err)
			break
		}
		g.fileManifests = fm
		g.manifests = fm
		g.log.Info("nexus.manifests_loaded", "path", cfg.Manifest.Path, "agents", fm.Len())
	case cfg.Manifest.URL != "":
		g.manifests = nexus.NewClient(config.NexusConfig{
			BaseURL:   cfg.Manifest.URL,
			APIKey:    cfg.Nexus.APIKey,
			TimeoutMs: cfg.Manifest.TimeoutMs,
		})
	case upstream != nil:
		g.manifests = upstream
	}
}

// validateUpstreamKey checks the nexus API key out of band. A rejected
// or unreachable upstream is logged, not fatal: the gateway's own auth
// does not depend on it.
func (g *Gateway) validateUpstreamKey(ctx context.Context) {
	if g.identity == nil {
		return
	}
	err := nexus.SafeDo(ctx, g.cfg.Nexus.Timeout(), "identity validate", g.identity.ValidateKey)
	if err != nil {
		g.log.Warn("nexus.key_unverified", "error", err)
		return
	}
	g.log.Info("nexus.key_verified")
}

// auditAgentManifests resolves the manifest of each agent a node
// advertises and flags channels the manifest expects but the node does
// not serve. Advisory only; runs off the frame path.
func (g *Gateway) auditAgentManifests(nodeID string, caps protocol.Capabilities) {
	for _, agentID := range caps.AgentIDs {
		if g.stopping() {
			return
		}
		m, err := nexus.SafeCall(context.Background(), g.cfg.Manifest.Timeout(), "resolve manifest",
			nexus.Manifest{}, func(ctx context.Context) (nexus.Manifest, error) {
				return g.manifests.ResolveManifest(ctx, agentID)
			})
		if err != nil {
			g.log.Debug("nexus.manifest_unresolved", "agent_id", agentID, "error", err)
			continue
		}
		if missing := missingChannels(m.Channels, caps.Channels); len(missing) > 0 {
			g.log.Warn("nexus.manifest_channel_gap",
				"node_id", nodeID, "agent_id", agentID, "missing", missing)
		}
		if m.Model != "" {
			g.log.Debug("nexus.manifest_resolved",
				"agent_id", agentID, "model", m.Model, "capabilities", m.Capabilities)
		}
	}
}

// auditCapabilities fans the manifest audit out to a tracked goroutine
// so registration acks never wait on the upstream.
func (g *Gateway) auditCapabilities(nodeID string, caps protocol.Capabilities) {
	if g.manifests == nil || len(caps.AgentIDs) == 0 {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.auditAgentManifests(nodeID, caps)
	}()
}

// missingChannels returns the entries of want absent from have.
func missingChannels(want, have []string) []string {
	if len(want) == 0 {
		return nil
	}
	has := make(map[string]bool, len(have))
	for _, c := range have {
		has[c] = true
	}
	var missing []string
	for _, c := range want {
		if !has[c] {
			missing = append(missing, c)
		}
	}
	return missing
}
