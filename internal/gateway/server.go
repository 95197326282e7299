package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// Server is the gateway's HTTP face: the /ws node endpoint, the health
// probe, and the token-gated admin API.
type Server struct {
	gw       *Gateway
	upgrader websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux
}

func newServer(g *Gateway) *Server {
	s := &Server{gw: g}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the Origin header against the allowed origins
// whitelist. No configured origins = allow all. An empty Origin header
// (non-browser clients: CLI, SDK, channel adapters) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.gw.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start() if you need the mux for additional listeners
// (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.registerAdminRoutes(mux)

	s.mux = mux
	return mux
}

// Start begins listening and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := s.gw.cfg.Gateway.ListenAddr()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.gw.log.Info("gateway.listening", "addr", addr, "auth_mode", s.gw.verifier.Mode())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket gates the handshake (connection cap, bearer token),
// upgrades, and services the connection until it closes. In ed25519
// mode there is no handshake token; credentials ride the first register
// frame instead.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if max := s.gw.cfg.Gateway.MaxConnections; max > 0 && s.gw.connCount() >= max {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	if token := s.gw.verifier.HandshakeToken(); token != "" {
		if !bearerMatch(r.Header.Get("Authorization"), token) {
			s.gw.log.Warn("gateway.handshake_rejected", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.gw.log.Error("gateway.upgrade_failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newClient(conn, s.gw)
	if !s.gw.addConn(c) {
		msg := websocket.FormatCloseMessage(protocol.CloseGoingAway, "gateway stopping")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	c.run()
}

// bearerMatch compares an Authorization header against the expected
// token in constant time.
func bearerMatch(header, token string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimPrefix(header, prefix)
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d,"nodes":%d}`,
		protocol.ProtocolVersion, s.gw.registry.Count())
}

// StartTestServer creates a listener on 127.0.0.1:0 and returns the
// actual address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.httpServer.Shutdown(shutdownCtx)
		}()
		_ = s.httpServer.Serve(ln)
	}

	return addr, start
}
