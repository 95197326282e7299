package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the NodeGate gateway.
type Config struct {
	Gateway       GatewayConfig       `json:"gateway"`
	Auth          AuthConfig          `json:"auth"`
	Sessions      SessionsConfig      `json:"sessions"`
	Dispatch      DispatchConfig      `json:"dispatch"`
	Conversations ConversationsConfig `json:"conversations"`
	Pairing       PairingConfig       `json:"pairing,omitempty"`
	Health        HealthConfig        `json:"health"`
	Nexus         NexusConfig         `json:"nexus,omitempty"`
	Memory        MemoryConfig        `json:"memory,omitempty"`
	Manifest      ManifestConfig      `json:"manifest,omitempty"`
	Bindings      []AgentBinding      `json:"bindings,omitempty"`
	ChannelBinds  map[string]string   `json:"channel_bindings,omitempty"`
	Schedules     []ScheduleConfig    `json:"schedules,omitempty"`
	Database      DatabaseConfig      `json:"database,omitempty"`
	Telemetry     TelemetryConfig     `json:"telemetry,omitempty"`
	Tailscale     TailscaleConfig     `json:"tailscale,omitempty"`
	mu            sync.RWMutex
}

// GatewayConfig configures the WebSocket listener.
type GatewayConfig struct {
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	Token              string   `json:"-"`                              // from env NODEGATE_GATEWAY_TOKEN or DB secrets only
	AllowedOrigins     []string `json:"allowed_origins,omitempty"`      // WebSocket CORS whitelist (empty = allow all)
	MaxFrameBytes      int      `json:"max_frame_bytes,omitempty"`      // max inbound frame size (default 1 MiB)
	MaxConnections     int      `json:"max_connections,omitempty"`      // concurrent connection cap (default 256, 0 = unlimited)
	MaxFramesPerSecond int      `json:"max_frames_per_second,omitempty"` // per-connection inbound rate (default 50, 0 = disabled)
	SchemaErrorLimit   int      `json:"schema_error_limit,omitempty"`   // consecutive schema errors before disconnect (default 10)
}

// AuthConfig selects the node credential mode and device-key pinning.
type AuthConfig struct {
	Mode          string            `json:"mode,omitempty"`            // "legacy" (default), "ed25519", "dual"
	AllowTofu     bool              `json:"allow_tofu,omitempty"`      // pin unknown keys on first use
	MaxDeviceKeys int               `json:"max_device_keys,omitempty"` // pinned key cap (default 1000)
	JwtMaxAgeMs   int               `json:"jwt_max_age_ms,omitempty"`  // max iat age for register JWTs (default 60000)
	KnownKeys     map[string]string `json:"known_keys,omitempty"`      // nodeId → base64 ed25519 public key, pre-pinned
}

// SessionsConfig drives the per-node session lifecycle.
type SessionsConfig struct {
	IdleTimeoutMs    int               `json:"idle_timeout_ms,omitempty"`    // connected → idle (default 300000)
	SuspendTimeoutMs int               `json:"suspend_timeout_ms,omitempty"` // suspended → disconnected (default 600000)
	Scope            string            `json:"scope,omitempty"`              // default conversation scope (default "per-channel-peer")
	AgentScopes      map[string]string `json:"agent_scopes,omitempty"`       // per-agent scope overrides
}

// DispatchConfig bounds the lane queues and the delivery tracker.
type DispatchConfig struct {
	LaneCapacity int `json:"lane_capacity,omitempty"` // per-lane FIFO depth (default 100)
	MaxPending   int `json:"max_pending,omitempty"`   // unacked deliveries per node (default 1000)
}

// ConversationsConfig bounds the conversation affinity store.
type ConversationsConfig struct {
	MaxEntries int `json:"max_entries,omitempty"` // LRU cap (default 10000)
	TtlMs      int `json:"ttl_ms,omitempty"`      // idle expiry, swept on health tick (default 86400000)
}

// PairingConfig gates DMs on listed channels behind one-shot codes.
type PairingConfig struct {
	Enabled         bool                `json:"enabled,omitempty"`
	Channels        FlexibleStringSlice `json:"channels,omitempty"`
	ExpiryMs        int                 `json:"expiry_ms,omitempty"`         // code lifetime (default 3600000)
	MaxAttempts     int                 `json:"max_attempts,omitempty"`      // attempts per window (default 3)
	AttemptWindowMs int                 `json:"attempt_window_ms,omitempty"` // rate-limit window (default 60000)
}

// HealthConfig drives the heartbeat monitor.
type HealthConfig struct {
	CheckIntervalMs int `json:"check_interval_ms,omitempty"` // ping cadence (default 30000)
}

// NexusConfig points at the upstream identity service.
// APIKey is NEVER read from the config file — only env NODEGATE_NEXUS_API_KEY.
type NexusConfig struct {
	BaseURL   string `json:"base_url,omitempty"`
	APIKey    string `json:"-"`
	TimeoutMs int    `json:"timeout_ms,omitempty"` // per-call deadline (default 5000)
}

// MemoryConfig points at the external observation store.
type MemoryConfig struct {
	BaseURL          string `json:"base_url,omitempty"`
	TimeoutMs        int    `json:"timeout_ms,omitempty"`         // per-call deadline (default 5000)
	MaxObserverCalls int    `json:"max_observer_calls,omitempty"` // batchStore fan-out cap per tick (default 10, 0 = disabled)
}

// ManifestConfig locates agent capability manifests. Path takes precedence
// over URL when both are set.
type ManifestConfig struct {
	Path      string `json:"path,omitempty"`
	URL       string `json:"url,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"` // default 5000
}

// AgentBinding maps message attributes to a specific agent.
// Patterns support exact match, "foo-*" prefix, "*-bar" suffix, and "*".
// An empty match is a catch-all.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages a binding applies to.
type BindingMatch struct {
	Channel     string `json:"channel,omitempty"`
	MessageType string `json:"messageType,omitempty"` // "dm" or "group"
	PeerIDGlob  string `json:"peerIdGlob,omitempty"`
	GroupIDGlob string `json:"groupIdGlob,omitempty"`
}

// ScheduleConfig is one cron-driven lane injection.
type ScheduleConfig struct {
	Name      string `json:"name"`
	Cron      string `json:"cron"`                // gronx expression
	ChannelID string `json:"channelId"`           // routed like any inbound lane message
	Lane      string `json:"lane,omitempty"`      // default "followup"
	Payload   string `json:"payload,omitempty"`   // message body
	PeerID    string `json:"peerId,omitempty"`    // routing context peer
	Disabled  bool   `json:"disabled,omitempty"`
}

// DatabaseConfig selects the persistence backend.
// PostgresDSN is NEVER read from the config file — only env NODEGATE_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"`        // "standalone" (default) or "managed"
	SqlitePath  string `json:"sqlite_path,omitempty"` // standalone store path (default ~/.nodegate/nodegate.db)
}

// IsManagedMode returns true if the gateway is running against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "nodegate")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens for cloud backends)
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "nodegate")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory (default: os.UserConfigDir/tsnet-nodegate)
	AuthKey   string `json:"-"`                    // from env NODEGATE_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit (default false)
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Auth = src.Auth
	c.Sessions = src.Sessions
	c.Dispatch = src.Dispatch
	c.Conversations = src.Conversations
	c.Pairing = src.Pairing
	c.Health = src.Health
	c.Nexus = src.Nexus
	c.Memory = src.Memory
	c.Manifest = src.Manifest
	c.Bindings = src.Bindings
	c.ChannelBinds = src.ChannelBinds
	c.Schedules = src.Schedules
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// Snapshot returns a data-only copy, used to diff across hot reloads.
func (c *Config) Snapshot() *Config {
	cp := &Config{}
	c.mu.RLock()
	cp.Gateway = c.Gateway
	cp.Auth = c.Auth
	cp.Sessions = c.Sessions
	cp.Dispatch = c.Dispatch
	cp.Conversations = c.Conversations
	cp.Pairing = c.Pairing
	cp.Health = c.Health
	cp.Nexus = c.Nexus
	cp.Memory = c.Memory
	cp.Manifest = c.Manifest
	cp.Bindings = c.Bindings
	cp.ChannelBinds = c.ChannelBinds
	cp.Schedules = c.Schedules
	cp.Database = c.Database
	cp.Telemetry = c.Telemetry
	cp.Tailscale = c.Tailscale
	c.mu.RUnlock()
	return cp
}

// Duration helpers. Millisecond ints in the file keep parity with the node
// SDK config; call sites want time.Duration.

func (g GatewayConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

func (a AuthConfig) JwtMaxAge() time.Duration {
	return time.Duration(a.JwtMaxAgeMs) * time.Millisecond
}

func (s SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

func (s SessionsConfig) SuspendTimeout() time.Duration {
	return time.Duration(s.SuspendTimeoutMs) * time.Millisecond
}

func (c ConversationsConfig) Ttl() time.Duration {
	return time.Duration(c.TtlMs) * time.Millisecond
}

func (p PairingConfig) Expiry() time.Duration {
	return time.Duration(p.ExpiryMs) * time.Millisecond
}

func (p PairingConfig) AttemptWindow() time.Duration {
	return time.Duration(p.AttemptWindowMs) * time.Millisecond
}

func (h HealthConfig) CheckInterval() time.Duration {
	return time.Duration(h.CheckIntervalMs) * time.Millisecond
}

func (n NexusConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutMs) * time.Millisecond
}

func (m MemoryConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

func (m ManifestConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// ResolveScope returns the effective conversation scope for an agent,
// per-agent override first, gateway default second.
func (c *Config) ResolveScope(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.Sessions.AgentScopes[agentID]; ok && s != "" {
		return s
	}
	return c.Sessions.Scope
}

// PairingChannel reports whether pairing is enforced for a channel.
func (c *Config) PairingChannel(channelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.Pairing.Enabled {
		return false
	}
	for _, ch := range c.Pairing.Channels {
		if ch == channelID {
			return true
		}
	}
	return false
}
