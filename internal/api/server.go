// Package api exposes the control-plane HTTP surface: health probes, the
// kill switch trigger, audited scope updates, and engagement status.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgerhart/swarmgate/internal/bus"
	"github.com/sgerhart/swarmgate/internal/kill"
	"github.com/sgerhart/swarmgate/internal/model"
	"github.com/sgerhart/swarmgate/internal/scope"
)

// AgentStatus is one agent's entry in the status response.
type AgentStatus struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	State string `json:"state"`
}

// StatusProvider reports the live agent pool for /status.
type StatusProvider interface {
	AgentStatuses() []AgentStatus
}

// Server is the control-plane HTTP server.
type Server struct {
	router   *mux.Router
	frozen   *kill.Frozen
	killer   *kill.Switch
	rules    *scope.Store
	b        bus.Bus
	statuses StatusProvider
	logger   *slog.Logger
	ready    func() bool
}

// New wires the control-plane routes. ready reports whether the bus is
// connected and the scope rules are loaded.
func New(frozen *kill.Frozen, killer *kill.Switch, rules *scope.Store, b bus.Bus, statuses StatusProvider, ready func() bool, logger *slog.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		frozen:   frozen,
		killer:   killer,
		rules:    rules,
		b:        b,
		statuses: statuses,
		logger:   logger,
		ready:    ready,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.readyzHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/kill", s.killHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/scope", s.getScopeHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/scope", s.putScopeHandler).Methods(http.MethodPut)
	s.router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Handler returns the router for mounting on an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// killRequest is the operator trigger payload: no parameters beyond
// issuer and reason, and safe to call redundantly.
type killRequest struct {
	Issuer string `json:"issuer"`
	Reason string `json:"reason"`
}

func (s *Server) killHandler(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "malformed kill request", http.StatusBadRequest)
		return
	}
	if req.Issuer == "" {
		req.Issuer = "control-plane"
	}

	result := s.killer.Trigger(r.Context(), model.KillCommand{
		Issuer:    req.Issuer,
		Timestamp: time.Now().UTC(),
		Reason:    req.Reason,
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getScopeHandler(w http.ResponseWriter, r *http.Request) {
	rules := s.rules.Current()
	cidrs := make([]string, len(rules.AllowCIDRs))
	for i, p := range rules.AllowCIDRs {
		cidrs[i] = p.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allow_cidrs":        cidrs,
		"allow_hosts":        rules.AllowHosts,
		"allow_ports":        rules.AllowPorts,
		"forbidden_kinds":    rules.ForbiddenKinds,
		"require_auth_kinds": rules.RequireAuthKinds,
	})
}

// putScopeHandler is the explicit operator update path: the replacement
// rule document is re-validated and the change audited.
func (s *Server) putScopeHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	rules, err := scope.ParseRules(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updatedBy := r.Header.Get("X-Operator")
	if updatedBy == "" {
		updatedBy = "control-plane"
	}
	if err := s.rules.Replace(rules, updatedBy); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var agents []AgentStatus
	if s.statuses != nil {
		agents = s.statuses.AgentStatuses()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"frozen":        s.frozen.IsFrozen(),
		"bus_connected": s.b.Connected(),
		"bus_load":      s.b.Load(),
		"agents":        agents,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
