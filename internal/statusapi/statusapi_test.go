package statusapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/agentforge/internal/config"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/store"
)

const (
	planID = "11111111-1111-1111-1111-111111111111"
	rootID = "22222222-2222-2222-2222-222222222222"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	now := time.Now().UTC()
	if err := st.CreatePlan(&model.Plan{PlanID: planID, Title: "Ship it", RootTaskID: rootID, CreatedAt: now}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: []*model.TaskNode{
		{TaskID: rootID, PlanID: planID, NodeType: model.NodeGoal, Title: "Ship it", Status: model.StatusDone, ActiveBranch: true, CreatedAt: now, UpdatedAt: now},
	}}); err != nil {
		t.Fatalf("seed graph: %v", err)
	}

	cfg := &config.Config{API: config.API{Bind: "127.0.0.1:0"}}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv, err := NewServer(cfg, st, logger)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestHandlePlans(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/plans", nil)
	w := httptest.NewRecorder()
	srv.handlePlans(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var plans []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &plans); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(plans))
	}
}

func TestHandleStatus_RequiresPlanParam(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.handleStatus(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing plan param, got %d", w.Code)
	}
}

func TestHandleStatus_ReturnsSnapshot(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status?plan="+planID, nil)
	w := httptest.NewRecorder()
	srv.handleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := snap["report"]; !ok {
		t.Fatal("expected snapshot to include a report field")
	}
}

func TestHandleDoctor_AllPlans(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/doctor", nil)
	w := httptest.NewRecorder()
	srv.handleDoctor(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected clean plan to pass doctor, got %+v", resp)
	}
}

func TestHandleHealth_Healthy(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleMetrics_WritesPrometheusFormat(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.handleMetrics(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "agentforge_plans_total") {
		t.Fatalf("expected metrics body to contain agentforge_plans_total, got: %s", body)
	}
}

func TestRequireAuth_RejectsMissingTokenWhenEnabled(t *testing.T) {
	srv := setupTestServer(t)
	srv.auth.cfg.Enabled = true
	srv.auth.cfg.AllowedTokens = []string{"secret"}

	req := httptest.NewRequest(http.MethodGet, "/plans", nil)
	w := httptest.NewRecorder()
	srv.auth.requireAuth(srv.handlePlans)(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", w.Code)
	}
}

func TestRequireAuth_AcceptsValidToken(t *testing.T) {
	srv := setupTestServer(t)
	srv.auth.cfg.Enabled = true
	srv.auth.cfg.AllowedTokens = []string{"secret"}

	req := httptest.NewRequest(http.MethodGet, "/plans", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	srv.auth.requireAuth(srv.handlePlans)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d", w.Code)
	}
}
