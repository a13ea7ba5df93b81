package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/integrity"
	"github.com/example/ccos-lite/internal/observability"
	"github.com/example/ccos-lite/internal/service"
	"github.com/example/ccos-lite/internal/storage/sqlite"
)

// testEnv provides a minimal test environment for web tests.
type testEnv struct {
	storage      *sqlite.SQLiteStorage
	orchestrator *service.OrchestratorService
	server       *Server
	dbPath       string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ctx := context.Background()
	metrics := observability.NewMetrics()

	dbPath := filepath.Join(os.TempDir(), "ccos_web_test_"+strings.ReplaceAll(t.Name(), "/", "_")+".db")
	os.Remove(dbPath)
	os.Remove(dbPath + "-wal")
	os.Remove(dbPath + "-shm")

	storage, err := sqlite.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := storage.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	kr, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("web-secret")}, "v1", "causal-chain")
	if err != nil {
		t.Fatal(err)
	}
	chain := service.NewCausalChainWithMetrics(storage, kr, metrics)
	checkpoints := service.NewCheckpointManagerWithMetrics(storage, metrics)
	orchestrator := service.NewOrchestrator(storage, chain, checkpoints, nil, service.WithMetrics(metrics))

	return &testEnv{
		storage:      storage,
		orchestrator: orchestrator,
		server:       NewServer(":0", orchestrator, chain, checkpoints),
		dbPath:       dbPath,
	}
}

func (e *testEnv) cleanup() {
	e.storage.Close()
	if e.dbPath != "" {
		os.Remove(e.dbPath)
		os.Remove(e.dbPath + "-wal")
		os.Remove(e.dbPath + "-shm")
	}
}

func (e *testEnv) pausedPlan(t *testing.T, id string) *domain.ExecutionResult {
	t.Helper()
	p := domain.NewPlan(id, domain.Effect("page", "http.fetch", nil))
	res, err := e.orchestrator.Start(context.Background(), p, domain.ContextOverrides{})
	if err != nil {
		t.Fatalf("failed to start plan: %v", err)
	}
	if res.Status != domain.PlanStatusPaused {
		t.Fatalf("expected paused plan, got %s", res.Status)
	}
	return res
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

// TestAPIRouting verifies that all API routes are correctly matched.
func TestAPIRouting(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	env.pausedPlan(t, "web-plan")

	tests := []struct {
		name          string
		path          string
		wantStatus    int
		wantJSONField string
		allowRedirect bool
	}{
		{
			name:          "list plans - trailing slash",
			path:          "/api/plans/",
			wantStatus:    http.StatusOK,
			wantJSONField: "plans",
		},
		{
			name:          "list plans - no trailing slash redirects",
			path:          "/api/plans",
			wantStatus:    http.StatusMovedPermanently,
			allowRedirect: true,
		},
		{
			name:          "get plan by ID",
			path:          "/api/plans/web-plan",
			wantStatus:    http.StatusOK,
			wantJSONField: "pendingRequest",
		},
		{
			name:          "get plan timeline",
			path:          "/api/plans/web-plan/timeline",
			wantStatus:    http.StatusOK,
			wantJSONField: "entries",
		},
		{
			name:          "verify plan",
			path:          "/api/plans/web-plan/verify",
			wantStatus:    http.StatusOK,
			wantJSONField: "valid",
		},
		{
			name:          "verify ledger",
			path:          "/api/ledger/verify",
			wantStatus:    http.StatusOK,
			wantJSONField: "checked",
		},
		{
			name:       "verify ledger bad range",
			path:       "/api/ledger/verify?from=-1",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "get nonexistent plan",
			path:       "/api/plans/nonexistent",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "get nonexistent timeline",
			path:       "/api/plans/nonexistent/timeline",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown page",
			path:       "/nope",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.get(tt.path)

			if rr.Code != tt.wantStatus {
				if tt.allowRedirect && rr.Code == http.StatusMovedPermanently {
					loc := rr.Header().Get("Location")
					if loc != tt.path+"/" {
						t.Errorf("redirect to wrong location: got %s, want %s", loc, tt.path+"/")
					}
					return
				}
				t.Errorf("status = %d, want %d; body: %s", rr.Code, tt.wantStatus, rr.Body.String())
				return
			}

			if tt.wantJSONField != "" {
				var result map[string]any
				if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
					t.Errorf("response is not valid JSON: %v; body: %s", err, rr.Body.String())
					return
				}
				if _, ok := result[tt.wantJSONField]; !ok {
					t.Errorf("response missing field %q: %s", tt.wantJSONField, rr.Body.String())
				}
			}
		})
	}
}

func TestTimelineMatchesLedger(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	res := env.pausedPlan(t, "web-timeline")

	rr := env.get("/api/plans/web-timeline/timeline")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var timeline TimelineResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &timeline); err != nil {
		t.Fatal(err)
	}
	if timeline.Status != "PAUSED" {
		t.Errorf("status = %s", timeline.Status)
	}
	want := []string{"PlanStarted", "EffectRequest", "PlanPaused"}
	if len(timeline.Entries) != len(want) {
		t.Fatalf("entries = %+v", timeline.Entries)
	}
	for i, e := range timeline.Entries {
		if e.Type != want[i] || e.PlanSeq != int64(i+1) {
			t.Errorf("entry %d = %s/%d, want %s/%d", i, e.Type, e.PlanSeq, want[i], i+1)
		}
		if e.Hash == "" || e.KeyID != "v1" {
			t.Errorf("entry %d missing integrity fields: %+v", i, e)
		}
	}
	if timeline.Entries[1].Category != "effect" || timeline.Entries[2].Category != "suspension" {
		t.Errorf("categories = %s, %s", timeline.Entries[1].Category, timeline.Entries[2].Category)
	}

	var plan PlanResponse
	if err := json.Unmarshal(env.get("/api/plans/web-timeline").Body.Bytes(), &plan); err != nil {
		t.Fatal(err)
	}
	if plan.LatestCheckpoint != res.CheckpointID || plan.PendingCap != "http.fetch" {
		t.Errorf("plan response = %+v", plan)
	}
}

func TestListPlans(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	env.pausedPlan(t, "web-a")
	env.pausedPlan(t, "web-b")

	var list ListPlansResponse
	if err := json.Unmarshal(env.get("/api/plans/").Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Plans) != 2 || list.Plans[0].ID != "web-a" || list.Plans[1].ID != "web-b" {
		t.Fatalf("plans = %+v", list.Plans)
	}
	for _, p := range list.Plans {
		if p.Status != "PAUSED" || p.Entries != 3 {
			t.Errorf("plan %s = %+v", p.ID, p)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	req := httptest.NewRequest(http.MethodPost, "/api/plans/", nil)
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}
