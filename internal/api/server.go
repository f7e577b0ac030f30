// Package api provides the HTTP API for querying a running simulation.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/talgya/weavelang/internal/engine"
	"github.com/talgya/weavelang/internal/persistence"
	"github.com/talgya/weavelang/internal/swarm"
)

// maxProgramBytes bounds a posted program.
const maxProgramBytes = 64 << 10

// Server serves the simulation state over HTTP.
type Server struct {
	Sim      *engine.Simulation
	Eng      *engine.Engine
	DB       *persistence.DB // nil disables snapshots and persisted events
	RunID    string
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	// ProgramLimiter throttles POST /api/v1/program. Nil uses 30 per hour.
	ProgramLimiter *RateLimiter
}

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	limiter := s.ProgramLimiter
	if limiter == nil {
		limiter = NewRateLimiter(30, time.Hour)
	}

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agent/", s.handleAgentRoutes)
	mux.HandleFunc("/api/v1/events", s.handleEvents)

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("/api/v1/speed", s.adminOnly(s.handleSpeed))
	mux.HandleFunc("/api/v1/snapshot", s.adminOnly(s.handleSnapshot))
	mux.HandleFunc("/api/v1/program", s.adminOnly(RateLimitMiddleware(limiter, s.handleProgram)))

	return corsMiddleware(mux)
}

// Serve listens on Port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", srv.Addr, "admin_auth", s.AdminKey != "")

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		slog.Info("HTTP API stopped")
		return nil
	}
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set WEAVESIM_CORS_ORIGINS to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("WEAVESIM_CORS_ORIGINS"); env != "" {
		for origin := range strings.SplitSeq(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
// GET requests pass through (for endpoints that support both GET and POST).
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no WEAVESIM_ADMIN_KEY set)", http.StatusForbidden)
				return
			}
			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.Sim.Snapshot()
	status := map[string]any{
		"name":          "weavesim",
		"scenario":      snap.Scenario,
		"run_id":        s.RunID,
		"tick":          snap.Tick,
		"agents":        len(snap.Agents),
		"resolved":      snap.Stats.ResolvedCount,
		"avg_coherence": snap.Stats.AvgCoherence,
		"stats":         snap.Stats,
	}
	if s.Eng != nil {
		status["speed"] = s.Eng.Speed()
		status["running"] = s.Eng.Running()
	}
	writeJSON(w, status)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	type agentSummary struct {
		ID        string  `json:"id"`
		X         float64 `json:"x"`
		Y         float64 `json:"y"`
		Z         float64 `json:"z"`
		Coherence float64 `json:"coherence"`
		Resolved  bool    `json:"resolved"`
		Halted    bool    `json:"halted"`
	}

	haltedOnly := r.URL.Query().Get("halted") == "true"
	result := []agentSummary{}
	for _, a := range s.Sim.Snapshot().Agents {
		if haltedOnly && !a.Halted {
			continue
		}
		result = append(result, agentSummary{
			ID:        a.ID,
			X:         a.Position.X,
			Y:         a.Position.Y,
			Z:         a.Position.Z,
			Coherence: a.Coherence,
			Resolved:  a.Resolved,
			Halted:    a.Halted,
		})
	}
	writeJSON(w, result)
}

// handleAgentRoutes serves /api/v1/agent/:id and /api/v1/agent/:id/coherence.
func (s *Server) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agent/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "missing agent id", http.StatusBadRequest)
		return
	}

	switch sub {
	case "":
		a, err := s.Sim.Agent(id)
		if err != nil {
			agentError(w, err)
			return
		}
		writeJSON(w, a)
	case "coherence":
		c, err := s.Sim.Coherence(id)
		if err != nil {
			agentError(w, err)
			return
		}
		writeJSON(w, map[string]any{"agent": id, "coherence": c})
	default:
		http.NotFound(w, r)
	}
}

func agentError(w http.ResponseWriter, err error) {
	if errors.Is(err, swarm.ErrUnknownAgent) {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// handleEvents returns recent events. Filters: category, agent. With
// persisted=true the events come from the database instead of memory.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	var events []engine.Event
	if q.Get("persisted") == "true" {
		if s.DB == nil {
			http.Error(w, "database not available", http.StatusServiceUnavailable)
			return
		}
		var err error
		events, err = s.DB.RecentEvents(s.RunID, engine.MaxEvents)
		if err != nil {
			slog.Error("load events failed", "error", err)
			http.Error(w, "load events failed", http.StatusInternalServerError)
			return
		}
		// Newest first from storage; present oldest first like memory.
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	} else {
		events = s.Sim.RecentEvents(0)
	}

	category, agent := q.Get("category"), q.Get("agent")
	filtered := []engine.Event{}
	for _, e := range events {
		if category != "" && e.Category != category {
			continue
		}
		if agent != "" && e.Agent != agent {
			continue
		}
		filtered = append(filtered, e)
	}

	start := 0
	if len(filtered) > limit {
		start = len(filtered) - limit
	}
	writeJSON(w, filtered[start:])
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if s.Eng == nil {
		http.Error(w, "engine not available", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed < 0 || req.Speed > 1000 {
			http.Error(w, "speed must be 0-1000", http.StatusBadRequest)
			return
		}
		s.Eng.SetSpeed(req.Speed)
		slog.Info("speed changed", "speed", req.Speed)
	}

	writeJSON(w, map[string]float64{"speed": s.Eng.Speed()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}

	if err := s.DB.SaveState(s.RunID, s.Sim); err != nil {
		slog.Error("snapshot save failed", "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"tick":    s.Sim.CurrentTick(),
		"message": "snapshot saved",
	})
}

// handleProgram runs a posted program once, or installs it to run every
// tick when every_tick is set. An empty every_tick program clears it.
func (s *Server) handleProgram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Source    string `json:"source"`
		EveryTick bool   `json:"every_tick"`
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxProgramBytes))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if req.EveryTick {
		s.Sim.SetProgram(req.Source)
		slog.Info("tick program installed", "bytes", len(req.Source))
		writeJSON(w, map[string]any{"installed": req.Source != ""})
		return
	}

	if err := s.Sim.RunProgram(req.Source); err != nil {
		slog.Warn("program failed", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, map[string]any{"tick": s.Sim.CurrentTick(), "message": "program ran"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
