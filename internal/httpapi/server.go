// Package httpapi serves the host's HTTP surface: streaming chat over
// SSE, group management, and health.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/router"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Server is the HTTP API host. It owns no domain state: the registry,
// router, and queue do the work; handlers translate HTTP to calls on
// them.
type Server struct {
	cfg      *config.Config
	registry *groups.Registry
	router   *router.Router
	queue    *queue.Queue
	sessions store.SessionStore

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the API surface to its collaborators.
func NewServer(cfg *config.Config, reg *groups.Registry, rt *router.Router, q *queue.Queue, sessions store.SessionStore) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		router:   rt,
		queue:    q,
		sessions: sessions,
	}
}

// BuildMux creates and caches the mux with all routes registered. Call
// it before Start when the mux is needed for additional listeners
// (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.cors(s.handleHealth))
	mux.HandleFunc("POST /api/chat", s.cors(s.auth(s.handleChat)))
	mux.HandleFunc("GET /api/groups", s.cors(s.auth(s.handleListGroups)))
	mux.HandleFunc("POST /api/groups", s.cors(s.auth(s.handleCreateGroup)))
	mux.HandleFunc("DELETE /api/groups/{folder}/session", s.cors(s.auth(s.handleDeleteSession)))
	mux.HandleFunc("OPTIONS /", s.handlePreflight)

	s.mux = mux
	return mux
}

// Start begins serving and shuts down when ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.HTTP.Host, s.cfg.HTTP.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("http api starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http api: %w", err)
	}
	return nil
}

// handleHealth is unauthenticated so load balancers can probe it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	setCORS(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// cors stamps the CORS headers on every response of the wrapped
// handler.
func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORS(w, r)
		next(w, r)
	}
}

func setCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// auth enforces the bearer token. An empty configured token leaves the
// endpoint open.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.HTTP.APIToken
		if token != "" && extractBearerToken(r) != token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

// StartTestServer creates a listener on a random localhost port and
// returns the actual address and a start function. Used for
// integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: s.BuildMux()}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
