package e2e

import (
	"context"
	"database/sql"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"google.golang.org/grpc"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/endpoint"
	"github.com/example/ccos-lite/internal/integrity"
	"github.com/example/ccos-lite/internal/service"
	"github.com/example/ccos-lite/internal/storage/sqlite"
	grpcTransport "github.com/example/ccos-lite/internal/transport/grpc"
)

// TestEnv is an orchestrator served over a real TCP listener with a client
// connected to it.
type TestEnv struct {
	Storage *sqlite.SQLiteStorage
	Chain   *service.CausalChain
	Client  *grpcTransport.Client

	server *grpcTransport.Server
	conn   *grpc.ClientConn

	t      *testing.T
	dbPath string
}

// NewTestEnv creates a new test environment with a temp database.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	dbPath := filepath.Join(os.TempDir(), "ccos_e2e_"+strings.ReplaceAll(t.Name(), "/", "_")+".db")
	removeDB(dbPath)

	e := &TestEnv{t: t, dbPath: dbPath}
	e.boot()
	t.Cleanup(e.Stop)
	return e
}

func removeDB(path string) {
	os.Remove(path)
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
}

func (e *TestEnv) boot() {
	e.t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(e.dbPath)
	if err != nil {
		e.t.Fatalf("failed to create storage: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		e.t.Fatalf("failed to migrate: %v", err)
	}

	kr, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("e2e-secret")}, "v1", "causal-chain")
	if err != nil {
		e.t.Fatal(err)
	}
	chain := service.NewCausalChain(store, kr)
	orch := service.NewOrchestrator(store, chain, service.NewCheckpointManager(store), nil)
	srv := grpcTransport.NewServer(endpoint.MakeEndpoints(orch, chain), grpcTransport.WithWatch(chain))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		e.t.Fatalf("failed to listen: %v", err)
	}
	go srv.ServeListener(lis)

	client, conn, err := grpcTransport.Dial(lis.Addr().String())
	if err != nil {
		e.t.Fatalf("failed to dial: %v", err)
	}

	e.Storage = store
	e.Chain = chain
	e.Client = client
	e.server = srv
	e.conn = conn
}

func (e *TestEnv) shutdown() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	if e.server != nil {
		e.server.GracefulStop()
		e.server = nil
	}
	if e.Storage != nil {
		e.Storage.Close()
		e.Storage = nil
	}
}

// Restart stops the server and brings up a fresh one on the same database.
func (e *TestEnv) Restart() {
	e.t.Helper()
	e.shutdown()
	e.boot()
}

// Stop stops the server and removes the database.
func (e *TestEnv) Stop() {
	e.shutdown()
	removeDB(e.dbPath)
}

// Exec runs raw SQL against the database.
func (e *TestEnv) Exec(query string, args ...any) {
	e.t.Helper()
	db, err := sql.Open("sqlite3", e.dbPath+"?_busy_timeout=5000")
	if err != nil {
		e.t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(query, args...); err != nil {
		e.t.Fatalf("exec %q: %v", query, err)
	}
}

// Start starts a plan and fails the test on transport errors.
func (e *TestEnv) Start(ctx context.Context, p *domain.Plan) *endpoint.ExecutionResponse {
	e.t.Helper()
	resp, err := e.Client.Start(ctx, &endpoint.StartRequest{Plan: p})
	if err != nil {
		e.t.Fatalf("failed to start plan %s: %v", p.ID, err)
	}
	return resp
}

// Resume answers the pending request of resp.
func (e *TestEnv) Resume(ctx context.Context, resp *endpoint.ExecutionResponse, result domain.EffectResult) *endpoint.ExecutionResponse {
	e.t.Helper()
	next, err := e.Client.Resume(ctx, &endpoint.ResumeRequest{
		PlanID:       resp.PlanID,
		CheckpointID: resp.CheckpointID,
		Result:       result,
	})
	if err != nil {
		e.t.Fatalf("failed to resume plan %s: %v", resp.PlanID, err)
	}
	return next
}

// Drive starts p and lets host answer until the plan is no longer paused.
func (e *TestEnv) Drive(ctx context.Context, p *domain.Plan, host *MockHost) *endpoint.ExecutionResponse {
	e.t.Helper()
	return e.Continue(ctx, e.Start(ctx, p), host)
}

// Continue drives an already paused plan to a final status.
func (e *TestEnv) Continue(ctx context.Context, resp *endpoint.ExecutionResponse, host *MockHost) *endpoint.ExecutionResponse {
	e.t.Helper()
	for i := 0; resp.Status == "PAUSED"; i++ {
		if i >= 50 {
			e.t.Fatalf("plan %s still paused after %d yields", resp.PlanID, i)
		}
		if resp.Request == nil {
			e.t.Fatalf("plan %s paused without a request", resp.PlanID)
		}
		resp = e.Resume(ctx, resp, host.Answer(resp.Request))
	}
	return resp
}

// Types returns the action types recorded for a plan, in order.
func (e *TestEnv) Types(ctx context.Context, planID string) []domain.ActionType {
	e.t.Helper()
	actions, err := e.Chain.QueryByPlan(ctx, planID)
	if err != nil {
		e.t.Fatalf("failed to query plan %s: %v", planID, err)
	}
	types := make([]domain.ActionType, len(actions))
	for i, a := range actions {
		types[i] = a.Type
	}
	return types
}

// MockHost answers effect requests. Behaviors are keyed by capability;
// capabilities without one succeed with a nil value.
type MockHost struct {
	mu        sync.Mutex
	behaviors map[string]func(req *domain.EffectRequest, call int) domain.EffectResult
	calls     map[string]int
	Received  []*domain.EffectRequest
}

// NewMockHost creates a host that succeeds every request.
func NewMockHost() *MockHost {
	return &MockHost{
		behaviors: make(map[string]func(*domain.EffectRequest, int) domain.EffectResult),
		calls:     make(map[string]int),
	}
}

// On sets the behavior of a capability. call counts from 1.
func (h *MockHost) On(capability string, fn func(req *domain.EffectRequest, call int) domain.EffectResult) *MockHost {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.behaviors[capability] = fn
	return h
}

// Succeed makes a capability return value.
func (h *MockHost) Succeed(capability string, value any) *MockHost {
	return h.On(capability, func(req *domain.EffectRequest, _ int) domain.EffectResult {
		return domain.Success(req.RequestID, value)
	})
}

// Deny makes a capability be denied.
func (h *MockHost) Deny(capability, reason string) *MockHost {
	return h.On(capability, func(req *domain.EffectRequest, _ int) domain.EffectResult {
		return domain.Denied(req.RequestID, reason)
	})
}

// FailFirst makes the first n calls of a capability fail and later calls
// succeed with value.
func (h *MockHost) FailFirst(capability string, n int, value any) *MockHost {
	return h.On(capability, func(req *domain.EffectRequest, call int) domain.EffectResult {
		if call <= n {
			return domain.Failure(req.RequestID, "unavailable", "backend down")
		}
		return domain.Success(req.RequestID, value)
	})
}

// Answer records req and returns the configured result.
func (h *MockHost) Answer(req *domain.EffectRequest) domain.EffectResult {
	h.mu.Lock()
	h.Received = append(h.Received, req)
	h.calls[req.Capability]++
	call := h.calls[req.Capability]
	fn := h.behaviors[req.Capability]
	h.mu.Unlock()

	if fn != nil {
		return fn(req, call)
	}
	return domain.Success(req.RequestID, nil)
}

// Calls returns how many requests a capability received.
func (h *MockHost) Calls(capability string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[capability]
}

// Capabilities returns the capabilities requested, in order.
func (h *MockHost) Capabilities() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.Received))
	for i, r := range h.Received {
		out[i] = r.Capability
	}
	return out
}

func equalTypes(got, want []domain.ActionType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
