package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:               "0.0.0.0",
			Port:               18890,
			MaxFrameBytes:      1 << 20,
			MaxConnections:     256,
			MaxFramesPerSecond: 50,
			SchemaErrorLimit:   10,
		},
		Auth: AuthConfig{
			Mode:          "legacy",
			AllowTofu:     true,
			MaxDeviceKeys: 1000,
			JwtMaxAgeMs:   60000,
		},
		Sessions: SessionsConfig{
			IdleTimeoutMs:    300000,
			SuspendTimeoutMs: 600000,
			Scope:            "per-channel-peer",
		},
		Dispatch: DispatchConfig{
			LaneCapacity: 100,
			MaxPending:   1000,
		},
		Conversations: ConversationsConfig{
			MaxEntries: 10000,
			TtlMs:      86400000,
		},
		Pairing: PairingConfig{
			ExpiryMs:        3600000,
			MaxAttempts:     3,
			AttemptWindowMs: 60000,
		},
		Health: HealthConfig{
			CheckIntervalMs: 30000,
		},
		Nexus:    NexusConfig{TimeoutMs: 5000},
		Memory:   MemoryConfig{TimeoutMs: 5000, MaxObserverCalls: 10},
		Manifest: ManifestConfig{TimeoutMs: 5000},
		Database: DatabaseConfig{
			SqlitePath: "~/.nodegate/nodegate.db",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validScopes = map[string]bool{
	"main":                     true,
	"per-peer":                 true,
	"per-channel-peer":         true,
	"per-account-channel-peer": true,
}

// Validate rejects configs the gateway cannot run with. Called on load and
// again on every hot reload; a reload that fails validation is discarded.
func (c *Config) Validate() error {
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid config: gateway.port %d out of range", c.Gateway.Port)
	}
	switch c.Auth.Mode {
	case "legacy", "ed25519", "dual":
	default:
		return fmt.Errorf("invalid config: auth.mode %q (want legacy, ed25519, or dual)", c.Auth.Mode)
	}
	if !validScopes[c.Sessions.Scope] {
		return fmt.Errorf("invalid config: sessions.scope %q", c.Sessions.Scope)
	}
	for agentID, s := range c.Sessions.AgentScopes {
		if !validScopes[s] {
			return fmt.Errorf("invalid config: sessions.agent_scopes[%s] %q", agentID, s)
		}
	}
	if c.Dispatch.LaneCapacity < 1 {
		return fmt.Errorf("invalid config: dispatch.lane_capacity must be >= 1")
	}
	if c.Dispatch.MaxPending < 1 {
		return fmt.Errorf("invalid config: dispatch.max_pending must be >= 1")
	}
	if c.Pairing.Enabled && c.Pairing.MaxAttempts < 1 {
		return fmt.Errorf("invalid config: pairing.max_attempts must be >= 1")
	}
	for i, s := range c.Schedules {
		if s.Name == "" || s.Cron == "" || s.ChannelID == "" {
			return fmt.Errorf("invalid config: schedules[%d] needs name, cron, and channelId", i)
		}
		if s.Lane != "" && !protocol.ValidLane(s.Lane) {
			return fmt.Errorf("invalid config: schedules[%d].lane %q", i, s.Lane)
		}
	}
	switch c.Database.Mode {
	case "", "standalone", "managed":
	default:
		return fmt.Errorf("invalid config: database.mode %q", c.Database.Mode)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("invalid config: telemetry.protocol %q", c.Telemetry.Protocol)
	}
	return nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("NODEGATE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("NODEGATE_HOST", &c.Gateway.Host)
	if v := os.Getenv("NODEGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Auth
	envStr("NODEGATE_AUTH_MODE", &c.Auth.Mode)

	// Upstream identity and memory store
	envStr("NODEGATE_NEXUS_URL", &c.Nexus.BaseURL)
	envStr("NODEGATE_NEXUS_API_KEY", &c.Nexus.APIKey)
	envStr("NODEGATE_MEMORY_URL", &c.Memory.BaseURL)
	envStr("NODEGATE_MANIFEST_PATH", &c.Manifest.Path)
	envStr("NODEGATE_MANIFEST_URL", &c.Manifest.URL)

	// Conversation scope
	envStr("NODEGATE_SCOPE", &c.Sessions.Scope)

	// Pairing channels from env (comma-separated)
	if v := os.Getenv("NODEGATE_PAIRING_CHANNELS"); v != "" {
		c.Pairing.Enabled = true
		c.Pairing.Channels = strings.Split(v, ",")
	}

	// Database
	envStr("NODEGATE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("NODEGATE_MODE", &c.Database.Mode)
	envStr("NODEGATE_SQLITE_PATH", &c.Database.SqlitePath)

	// Telemetry
	envStr("NODEGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("NODEGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("NODEGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("NODEGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NODEGATE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("NODEGATE_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("NODEGATE_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("NODEGATE_TSNET_DIR", &c.Tailscale.StateDir)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by the admin surface to avoid exposing secrets to clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	// Secrets are json:"-" so the round-trip dropped them; carry the
	// masked markers over explicitly.
	cp.Gateway.Token = maskedValue(c.Gateway.Token)
	cp.Nexus.APIKey = maskedValue(c.Nexus.APIKey)
	cp.Tailscale.AuthKey = maskedValue(c.Tailscale.AuthKey)
	cp.Database.PostgresDSN = maskedValue(c.Database.PostgresDSN)

	return cp
}

// StripSecrets zeros out all secret fields in the config.
// Used before saving to disk to ensure secrets never persist in the file.
func (c *Config) StripSecrets() {
	c.Gateway.Token = ""
	c.Nexus.APIKey = ""
	c.Tailscale.AuthKey = ""
	c.Database.PostgresDSN = ""
}

func maskedValue(s string) string {
	if s == "" {
		return ""
	}
	return secretMask
}

// SqlitePathExpanded returns the standalone store path with ~ expanded.
func (c *Config) SqlitePathExpanded() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.SqlitePath)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
