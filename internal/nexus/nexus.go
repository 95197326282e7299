// Package nexus talks to the upstream control plane: the
// memory/observation store, the agent manifest provider, and the
// identity endpoint that vouches for our API key. Everything here is
// I/O; callers wrap each call in SafeCall with their own fallback.
package nexus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/internal/errcode"
)

// MemoryEntry is one observation row in the upstream memory store.
type MemoryEntry struct {
	ID        string    `json:"id,omitempty"`
	AgentID   string    `json:"agentId"`
	PeerID    string    `json:"peerId,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// MemoryFilter narrows a memory query.
type MemoryFilter struct {
	AgentID string `json:"agentId,omitempty"`
	PeerID  string `json:"peerId,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Query   string `json:"query,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Manifest describes an agent: its capabilities and model preference.
type Manifest struct {
	AgentID      string   `json:"agentId"`
	DisplayName  string   `json:"displayName,omitempty"`
	Model        string   `json:"model,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Channels     []string `json:"channels,omitempty"`
}

// MemoryStore is the observation store surface the gateway consumes.
type MemoryStore interface {
	Query(ctx context.Context, filter MemoryFilter) ([]MemoryEntry, error)
	BatchStore(ctx context.Context, entries []MemoryEntry) error
}

// ManifestProvider resolves an agentId to its manifest.
type ManifestProvider interface {
	ResolveManifest(ctx context.Context, agentID string) (Manifest, error)
}

// IdentityUpstream validates our API key out of band.
type IdentityUpstream interface {
	ValidateKey(ctx context.Context) error
}

// Client is the HTTP implementation of all three upstream surfaces.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient builds a client against cfg.BaseURL. The per-request
// timeout comes from SafeCall contexts, not the transport.
func NewClient(cfg config.NexusConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{},
	}
}

// Query fetches memory entries matching the filter.
func (c *Client) Query(ctx context.Context, filter MemoryFilter) ([]MemoryEntry, error) {
	var out struct {
		Entries []MemoryEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/memory/query", filter, &out); err != nil {
		return nil, fmt.Errorf("memory query: %w", err)
	}
	return out.Entries, nil
}

// BatchStore uploads a batch of observations.
func (c *Client) BatchStore(ctx context.Context, entries []MemoryEntry) error {
	body := struct {
		Entries []MemoryEntry `json:"entries"`
	}{Entries: entries}
	if err := c.do(ctx, http.MethodPost, "/v1/memory/batch", body, nil); err != nil {
		return fmt.Errorf("memory batch store: %w", err)
	}
	return nil
}

// ResolveManifest fetches the manifest for agentID.
func (c *Client) ResolveManifest(ctx context.Context, agentID string) (Manifest, error) {
	var m Manifest
	err := c.do(ctx, http.MethodGet, "/v1/manifests/"+agentID, nil, &m)
	if err != nil {
		return Manifest{}, fmt.Errorf("resolve manifest %s: %w", agentID, err)
	}
	return m, nil
}

// ValidateKey asks the identity endpoint whether our API key is good.
func (c *Client) ValidateKey(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/v1/identity", nil, nil); err != nil {
		return fmt.Errorf("validate key: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if c.baseURL == "" {
		return errcode.New(errcode.InvalidConfig, "nexus url not configured")
	}
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errcode.New(errcode.AuthTokenInvalid, "upstream rejected the API key")
	case resp.StatusCode == http.StatusForbidden:
		return errcode.New(errcode.AuthForbidden, "upstream refused the request")
	case resp.StatusCode == http.StatusNotFound:
		return errcode.New(errcode.AgentNotFound, "upstream has no such resource")
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
