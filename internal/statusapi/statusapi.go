// Package statusapi provides the narrow read-only HTTP status endpoint
// spec.md §1/§6 calls for: plan list, per-plan snapshot/status/doctor, a
// Prometheus /metrics page, and a liveness /health check. It exposes no
// write path — plans are created and advanced exclusively through
// cmd/agentengine and internal/orchestrator.
//
// Grounded on internal/api/api.go (Server/NewServer/Start shape, mux
// wiring, writeJSON/writeError helpers, the Prometheus text-format
// /metrics handler) and internal/api/auth.go (the token/local-only gate,
// trimmed to a single always-applied check since every route here is
// read-only).
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/agentforge/internal/config"
	"github.com/antigravity-dev/agentforge/internal/observability"
	"github.com/antigravity-dev/agentforge/internal/store"
)

// Server is the status HTTP server.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	logger     *slog.Logger
	startTime  time.Time
	httpServer *http.Server
	auth       *authMiddleware
}

// NewServer builds a Server bound to cfg.API.Bind.
func NewServer(cfg *config.Config, st *store.Store, logger *slog.Logger) (*Server, error) {
	auth, err := newAuthMiddleware(&cfg.API.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("statusapi: init auth middleware: %w", err)
	}
	return &Server{cfg: cfg, store: st, logger: logger, startTime: time.Now(), auth: auth}, nil
}

// Close releases the audit log handle, if any.
func (s *Server) Close() error {
	if s.auth != nil {
		return s.auth.Close()
	}
	return nil
}

// Start begins listening on cfg.API.Bind. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.auth.requireAuth(s.handleHealth))
	mux.HandleFunc("/plans", s.auth.requireAuth(s.handlePlans))
	mux.HandleFunc("/status", s.auth.requireAuth(s.handleStatus))
	mux.HandleFunc("/status/brief", s.auth.requireAuth(s.handleStatusBrief))
	mux.HandleFunc("/doctor", s.auth.requireAuth(s.handleDoctor))
	mux.HandleFunc("/metrics", s.auth.requireAuth(s.handleMetrics))

	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("statusapi starting", "bind", s.cfg.API.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func planIDFromQuery(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("plan"))
}

// GET /plans
func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans()
	if err != nil {
		s.logger.Error("list plans", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list plans")
		return
	}
	writeJSON(w, plans)
}

// GET /status?plan=<id>
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	planID := planIDFromQuery(r)
	if planID == "" {
		writeError(w, http.StatusBadRequest, "missing required query param: plan")
		return
	}
	snap, err := observability.BuildSnapshot(s.store, planID)
	if err != nil {
		s.logger.Error("build snapshot", "plan", planID, "error", err)
		writeError(w, http.StatusNotFound, "plan not found or snapshot failed")
		return
	}
	writeJSON(w, snap)
}

// GET /status/brief?plan=<id> — plain-text brief form of /status
func (s *Server) handleStatusBrief(w http.ResponseWriter, r *http.Request) {
	planID := planIDFromQuery(r)
	if planID == "" {
		writeError(w, http.StatusBadRequest, "missing required query param: plan")
		return
	}
	snap, err := observability.BuildSnapshot(s.store, planID)
	if err != nil {
		s.logger.Error("build snapshot", "plan", planID, "error", err)
		writeError(w, http.StatusNotFound, "plan not found or snapshot failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(observability.RenderSnapshotBrief(snap)))
}

// GET /doctor?plan=<id> — structural invariant checks for one plan, or for
// every plan when plan is omitted.
func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	planID := planIDFromQuery(r)
	if planID != "" {
		issues, err := observability.RunDoctor(s.store, planID)
		if err != nil {
			s.logger.Error("run doctor", "plan", planID, "error", err)
			writeError(w, http.StatusNotFound, "plan not found or doctor failed")
			return
		}
		writeJSON(w, map[string]any{"plan_id": planID, "ok": len(issues) == 0, "issues": issues})
		return
	}

	plans, err := s.store.ListPlans()
	if err != nil {
		s.logger.Error("list plans", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list plans")
		return
	}
	allOK := true
	results := make([]map[string]any, 0, len(plans))
	for _, p := range plans {
		issues, err := observability.RunDoctor(s.store, p.PlanID)
		if err != nil {
			s.logger.Warn("run doctor", "plan", p.PlanID, "error", err)
			continue
		}
		if len(issues) > 0 {
			allOK = false
		}
		results = append(results, map[string]any{"plan_id": p.PlanID, "title": p.Title, "ok": len(issues) == 0, "issues": issues})
	}
	if !allOK {
		w.WriteHeader(http.StatusOK) // doctor findings are informational, not a transport failure
	}
	writeJSON(w, map[string]any{"ok": allOK, "plans": results})
}

// GET /health — liveness probe: the DB is reachable and every plan passes
// doctor. 503 when any plan is unhealthy, so an external prober (spec §6)
// can alert without parsing JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans()
	healthy := err == nil
	var unhealthyPlans []string
	if err == nil {
		for _, p := range plans {
			issues, ierr := observability.RunDoctor(s.store, p.PlanID)
			if ierr != nil || len(issues) > 0 {
				healthy = false
				unhealthyPlans = append(unhealthyPlans, p.PlanID)
			}
		}
	}

	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{
		"healthy":          healthy,
		"plan_count":       len(plans),
		"unhealthy_plans":  unhealthyPlans,
		"uptime_s":         time.Since(s.startTime).Seconds(),
	})
}

// GET /metrics — Prometheus text-exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	plans, err := s.store.ListPlans()
	if err != nil {
		s.logger.Warn("metrics: list plans", "error", err)
	}

	statusCounts := map[string]int{}
	var totalTasks, totalCalls int
	for _, p := range plans {
		tasks, err := s.store.ListTasks(p.PlanID)
		if err != nil {
			continue
		}
		for _, t := range tasks {
			if !t.ActiveBranch {
				continue
			}
			statusCounts[string(t.Status)]++
			totalTasks++
		}
		if n, err := s.store.CountLLMCalls(p.PlanID); err == nil {
			totalCalls += n
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# HELP agentforge_plans_total Total number of plans\n")
	fmt.Fprintf(&b, "# TYPE agentforge_plans_total gauge\n")
	fmt.Fprintf(&b, "agentforge_plans_total %d\n", len(plans))

	fmt.Fprintf(&b, "# HELP agentforge_tasks_total Total active-branch task nodes across all plans\n")
	fmt.Fprintf(&b, "# TYPE agentforge_tasks_total gauge\n")
	fmt.Fprintf(&b, "agentforge_tasks_total %d\n", totalTasks)

	fmt.Fprintf(&b, "# HELP agentforge_tasks_by_status Active-branch task nodes by status\n")
	fmt.Fprintf(&b, "# TYPE agentforge_tasks_by_status gauge\n")
	statuses := make([]string, 0, len(statusCounts))
	for st := range statusCounts {
		statuses = append(statuses, st)
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(&b, "agentforge_tasks_by_status{status=%q} %d\n", st, statusCounts[st])
	}

	fmt.Fprintf(&b, "# HELP agentforge_llm_calls_total Total recorded LLM calls across all plans\n")
	fmt.Fprintf(&b, "# TYPE agentforge_llm_calls_total counter\n")
	fmt.Fprintf(&b, "agentforge_llm_calls_total %d\n", totalCalls)

	fmt.Fprintf(&b, "# HELP agentforge_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(&b, "# TYPE agentforge_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "agentforge_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	w.Write([]byte(b.String()))
}
