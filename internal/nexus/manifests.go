package nexus

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/nodegate/internal/errcode"
)

// FileManifests serves agent manifests from a local JSON5 file, for
// deployments without an upstream control plane. The file holds an
// array of manifests.
type FileManifests struct {
	mu   sync.RWMutex
	path string
	byID map[string]Manifest
}

// NewFileManifests loads the manifest file once; Reload picks up edits.
func NewFileManifests(path string) (*FileManifests, error) {
	f := &FileManifests{path: path, byID: make(map[string]Manifest)}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the manifest file and swaps the table.
func (f *FileManifests) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read manifests: %w", err)
	}
	var list []Manifest
	if err := json5.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse manifests %s: %w", f.path, err)
	}
	byID := make(map[string]Manifest, len(list))
	for _, m := range list {
		if m.AgentID == "" {
			return fmt.Errorf("parse manifests %s: entry without agentId", f.path)
		}
		byID[m.AgentID] = m
	}
	f.mu.Lock()
	f.byID = byID
	f.mu.Unlock()
	return nil
}

// ResolveManifest looks the agent up in the loaded table.
func (f *FileManifests) ResolveManifest(_ context.Context, agentID string) (Manifest, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.byID[agentID]
	if !ok {
		return Manifest{}, errcode.Newf(errcode.AgentNotFound, "no manifest for agent %s", agentID)
	}
	return m, nil
}

// Len reports how many manifests are loaded.
func (f *FileManifests) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.byID)
}
