// Package httpapi is the service's HTTP surface: the answer endpoint, profile
// management, health probes, and the live run-event stream.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/normlens/orchestrator/internal/health"
	"github.com/normlens/orchestrator/internal/observability"
	"github.com/normlens/orchestrator/internal/orchestrator"
	"github.com/normlens/orchestrator/internal/profile"
)

// Server bundles the handlers and their dependencies.
type Server struct {
	engine    *orchestrator.Engine
	profiles  *profile.Resolver
	loader    *profile.Loader
	overrides profile.OverrideStore
	sink      *observability.Sink
	checks    *health.Manager
	jwtSecret []byte
	logger    *zap.Logger
}

// NewServer wires the HTTP surface. overrides may be nil when no override
// store is configured; the override endpoints then return 503.
func NewServer(
	engine *orchestrator.Engine,
	profiles *profile.Resolver,
	loader *profile.Loader,
	overrides profile.OverrideStore,
	sink *observability.Sink,
	checks *health.Manager,
	jwtSecret string,
	logger *zap.Logger,
) *Server {
	return &Server{
		engine:    engine,
		profiles:  profiles,
		loader:    loader,
		overrides: overrides,
		sink:      sink,
		checks:    checks,
		jwtSecret: []byte(jwtSecret),
		logger:    logger,
	}
}

// Routes builds the mux. Auth wraps the /api/v1 handlers; probes stay open.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/readiness", s.handleReadiness)
	mux.Handle("/api/v1/knowledge/answer", s.authenticate(http.HandlerFunc(s.handleAnswer)))
	mux.Handle("/api/v1/profiles", s.authenticate(http.HandlerFunc(s.handleProfiles)))
	mux.Handle("/api/v1/profiles/", s.authenticate(http.HandlerFunc(s.handleProfile)))
	mux.Handle("/api/v1/tenants/", s.authenticate(http.HandlerFunc(s.handleTenant)))
	mux.Handle("/api/v1/runs/stream", s.authenticate(http.HandlerFunc(s.handleStream)))
	mux.Handle("/api/v1/runs/stats", s.authenticate(http.HandlerFunc(s.handleRunStats)))
	return mux
}

// handleRunStats reports the in-process run counters. Prometheus has the full
// series; this is the quick operator view.
func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.sink.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := s.checks.Run(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// handleProfiles lists the loadable cartridges.
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"profiles": s.loader.List()})
}

// handleProfile returns one resolved cartridge document.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/profiles/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "profile id required")
		return
	}
	p, err := s.loader.Load(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "profile not found or invalid")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Too late for a status change; nothing more to do.
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
