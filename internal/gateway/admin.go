package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/nexus"
	"github.com/nextlevelbuilder/nodegate/internal/store"
)

// registerAdminRoutes wires the token-gated operator API onto the mux.
// The nodegate nodes/bind/pair CLI commands are the primary consumers.
func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/nodes", s.adminAuth(s.handleListNodes))
	mux.HandleFunc("GET /v1/channels", s.adminAuth(s.handleListChannels))
	mux.HandleFunc("PUT /v1/channels/{id}/binding", s.adminAuth(s.handleBindChannel))
	mux.HandleFunc("DELETE /v1/channels/{id}/binding", s.adminAuth(s.handleUnbindChannel))
	mux.HandleFunc("POST /v1/pairing/codes", s.adminAuth(s.handleGenerateCode))
	mux.HandleFunc("GET /v1/pairing/approved", s.adminAuth(s.handleListApproved))
	mux.HandleFunc("DELETE /v1/pairing/approved", s.adminAuth(s.handleRevokeApproval))
	mux.HandleFunc("GET /v1/delegations", s.adminAuth(s.handleListDelegations))
	mux.HandleFunc("GET /v1/memory", s.adminAuth(s.handleQueryMemory))
}

func (s *Server) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := s.gw.cfg.Gateway.Token; token != "" {
			if !bearerMatch(r.Header.Get("Authorization"), token) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

// nodeView is the admin projection of one node across the registry,
// session, queue, and tracker tables.
type nodeView struct {
	NodeID       string    `json:"nodeId"`
	Connected    bool      `json:"connected"`
	IsAlive      bool      `json:"isAlive"`
	State        string    `json:"state,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	AgentIDs     []string  `json:"agentIds,omitempty"`
	Channels     []string  `json:"channels,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	Queued       int       `json:"queued"`
	Pending      int       `json:"pending"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	g := s.gw
	nodes := g.registry.List()
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		v := nodeView{
			NodeID:       n.NodeID,
			Connected:    n.ConnID != "",
			IsAlive:      n.IsAlive,
			AgentIDs:     n.Capabilities.AgentIDs,
			Channels:     n.Capabilities.Channels,
			RegisteredAt: n.RegisteredAt,
			LastSeenAt:   n.LastSeenAt,
			Pending:      g.tracker.PendingCount(n.NodeID),
		}
		if sess, ok := g.sessions.Get(n.NodeID); ok {
			v.State = sess.State
			v.SessionID = sess.SessionID
		}
		if d, ok := g.dispatchers.Get(n.NodeID); ok {
			v.Queued = d.TotalQueued()
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": views})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"bindings": s.gw.router.ChannelBindings()})
}

func (s *Server) handleBindChannel(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")
	var body struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if body.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "nodeId is required"})
		return
	}
	s.gw.router.BindChannel(channelID, body.NodeID)
	writeJSON(w, http.StatusOK, map[string]string{"channelId": channelID, "nodeId": body.NodeID})
}

func (s *Server) handleUnbindChannel(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")
	if !s.gw.router.UnbindChannel(channelID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no binding for channel"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbound"})
}

func (s *Server) handleGenerateCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID    string `json:"nodeId"`
		ChannelID string `json:"channelId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if body.NodeID == "" || body.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "nodeId and channelId are required"})
		return
	}
	code, err := s.gw.guard.GenerateCode(body.NodeID, body.ChannelID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"code": code})
}

func (s *Server) handleListApproved(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel")
	if channelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel is required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approved": s.gw.guard.Approved(channelID)})
}

func (s *Server) handleRevokeApproval(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel")
	peerID := r.URL.Query().Get("peer")
	if channelID == "" || peerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel and peer are required"})
		return
	}
	if !s.gw.guard.Revoke(channelID, peerID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no approval for peer"})
		return
	}
	if s.gw.stores != nil {
		if err := s.gw.stores.Pairing.DeleteApproval(r.Context(), channelID, peerID); err != nil {
			s.gw.log.Warn("store.approval_delete_failed",
				"channel_id", channelID, "peer_id", peerID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// inFlightView is the admin projection of a delegation still moving
// through the table; history comes from the store when one is wired.
type inFlightView struct {
	DelegationID string    `json:"delegationId"`
	FromAgentID  string    `json:"fromAgentId"`
	ToAgentID    string    `json:"toAgentId"`
	Status       string    `json:"status"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (s *Server) handleListDelegations(w http.ResponseWriter, r *http.Request) {
	g := s.gw
	if g.stores == nil {
		entries := g.delegations.snapshot()
		views := make([]inFlightView, 0, len(entries))
		for _, e := range entries {
			views = append(views, inFlightView{
				DelegationID: e.delegationID,
				FromAgentID:  e.fromAgentID,
				ToAgentID:    e.toAgentID,
				Status:       "in_flight",
				ExpiresAt:    e.expiresAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"delegations": views})
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	recs, err := g.stores.Delegations.ListDelegations(r.Context(), store.DelegationListOpts{
		FromAgentID: q.Get("from"),
		ToAgentID:   q.Get("to"),
		Status:      q.Get("status"),
		Limit:       limit,
	})
	if err != nil {
		g.log.Error("admin.delegations_list", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list delegations"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"delegations": recs})
}

// handleQueryMemory proxies an operator query to the upstream memory
// store. An unreachable upstream degrades to an empty result with the
// degraded flag set rather than failing the request.
func (s *Server) handleQueryMemory(w http.ResponseWriter, r *http.Request) {
	g := s.gw
	if g.memory == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory store is not configured"})
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := nexus.MemoryFilter{
		AgentID: q.Get("agent"),
		PeerID:  q.Get("peer"),
		Kind:    q.Get("kind"),
		Query:   q.Get("q"),
		Limit:   limit,
	}

	entries, err := nexus.SafeCall(r.Context(), g.cfg.Memory.Timeout(), "memory query",
		[]nexus.MemoryEntry{}, func(ctx context.Context) ([]nexus.MemoryEntry, error) {
			return g.memory.Query(ctx, filter)
		})
	if err != nil {
		g.log.Warn("admin.memory_query_degraded", "error", err)
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "degraded": true})
		return
	}
	if entries == nil {
		entries = []nexus.MemoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
