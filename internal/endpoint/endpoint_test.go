package endpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/integrity"
	"github.com/example/ccos-lite/internal/service"
	"github.com/example/ccos-lite/internal/storage/sqlite"
)

func setupEndpoints(t *testing.T) Endpoints {
	t.Helper()

	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("ccos_endpoint_%s.db", strings.ReplaceAll(t.Name(), "/", "_")))
	cleanup := func() {
		os.Remove(dbPath)
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
	}
	cleanup()

	store, err := sqlite.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		cleanup()
	})

	kr, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("endpoint-secret")}, "v1", "causal-chain")
	if err != nil {
		t.Fatal(err)
	}
	chain := service.NewCausalChain(store, kr)
	svc := service.NewOrchestrator(store, chain, service.NewCheckpointManager(store), nil)
	return MakeEndpoints(svc, chain)
}

func TestMapErrorToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("plan p: %w", domain.ErrNotFound), codes.NotFound},
		{fmt.Errorf("%w: checkpoint", domain.ErrAlreadyResumed), codes.AlreadyExists},
		{domain.ErrAlreadyExists, codes.AlreadyExists},
		{domain.ErrInvalidArgument, codes.InvalidArgument},
		{domain.ErrInvalidState, codes.FailedPrecondition},
		{domain.ErrRequestMismatch, codes.FailedPrecondition},
		{domain.ErrCheckpointMismatch, codes.FailedPrecondition},
		{fmt.Errorf("%w: %w", domain.ErrLedgerWrite, domain.ErrSigningUnavailable), codes.Unavailable},
		{fmt.Errorf("%w: disk full", domain.ErrLedgerWrite), codes.Internal},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied},
	}
	for _, tt := range tests {
		if got := status.Code(MapErrorToStatus(tt.err)); got != tt.want {
			t.Errorf("MapErrorToStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if MapErrorToStatus(nil) != nil {
		t.Error("nil error should map to nil")
	}
}

func TestValidation(t *testing.T) {
	bad := -2
	tests := []struct {
		name string
		err  error
	}{
		{"start without plan", validateStartRequest(&StartRequest{})},
		{"start with empty plan id", validateStartRequest(&StartRequest{Plan: &domain.Plan{}})},
		{"start with bad quota", validateStartRequest(&StartRequest{Plan: domain.NewPlan("p"), Initial: domain.ContextOverrides{Quota: &bad}})},
		{"resume without plan", validateResumeRequest(&ResumeRequest{CheckpointID: "cp", Result: domain.Timeout("r")})},
		{"resume without checkpoint", validateResumeRequest(&ResumeRequest{PlanID: "p", Result: domain.Timeout("r")})},
		{"resume without request id", validateResumeRequest(&ResumeRequest{PlanID: "p", CheckpointID: "cp", Result: domain.Timeout("")})},
		{"verify negative", validateVerifyRequest(&VerifyRequest{From: -1})},
		{"verify inverted", validateVerifyRequest(&VerifyRequest{From: 5, To: 2})},
		{"verify plan with range", validateVerifyRequest(&VerifyRequest{PlanID: "p", From: 1})},
		{"decision without request", validateDecisionRequest(&DecisionRequest{Decision: "allow"})},
		{"decision without decision", validateDecisionRequest(&DecisionRequest{RequestID: "r"})},
	}
	for _, tt := range tests {
		if status.Code(tt.err) != codes.InvalidArgument {
			t.Errorf("%s: expected InvalidArgument, got %v", tt.name, tt.err)
		}
	}

	if err := validateVerifyRequest(&VerifyRequest{From: 2}); err != nil {
		t.Errorf("open-ended range rejected: %v", err)
	}
}

func TestEndpointsDrivePlan(t *testing.T) {
	ctx := context.Background()
	eps := setupEndpoints(t)

	fetch := domain.NewStep("fetch", domain.Effect("page", "http.fetch", map[string]any{"url": "https://api.example.com"}))
	plan := domain.NewPlan("plan-ep", domain.Nested(fetch))

	resp, err := eps.Start(ctx, &StartRequest{Plan: plan})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	started := resp.(*ExecutionResponse)
	if started.Status != "PAUSED" || started.Request == nil || started.Request.Capability != "http.fetch" {
		t.Fatalf("Start = %+v", started)
	}

	st, err := eps.Status(ctx, &StatusRequest{PlanID: "plan-ep"})
	if err != nil || st.(*StatusResponse).Status != "PAUSED" {
		t.Fatalf("Status = %v, %v", st, err)
	}

	resp, err = eps.Resume(ctx, &ResumeRequest{
		PlanID:       "plan-ep",
		CheckpointID: started.CheckpointID,
		Result:       domain.Success(started.Request.RequestID, "<html>"),
	})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	done := resp.(*ExecutionResponse)
	if done.Status != "COMPLETED" || done.Bindings["page"] != "<html>" {
		t.Errorf("Resume = %+v", done)
	}

	v, err := eps.VerifyLedger(ctx, &VerifyRequest{PlanID: "plan-ep"})
	if err != nil || !v.(*VerifyResponse).Valid {
		t.Errorf("VerifyLedger = %+v, %v", v, err)
	}

	// A completed plan cannot be resumed again with another result.
	_, err = eps.Resume(ctx, &ResumeRequest{
		PlanID:       "plan-ep",
		CheckpointID: started.CheckpointID,
		Result:       domain.Timeout(started.Request.RequestID),
	})
	if status.Code(MapErrorToStatus(err)) != codes.AlreadyExists {
		t.Errorf("expected AlreadyExists, got %v", err)
	}
}

func TestEndpointsAbortAndDecision(t *testing.T) {
	ctx := context.Background()
	eps := setupEndpoints(t)

	plan := domain.NewPlan("plan-abort", domain.Nested(domain.NewStep("s", domain.Effect("", "http.fetch", nil))))
	resp, err := eps.Start(ctx, &StartRequest{Plan: plan})
	if err != nil {
		t.Fatal(err)
	}
	paused := resp.(*ExecutionResponse)

	dec, err := eps.RecordDecision(ctx, &DecisionRequest{RequestID: paused.Request.RequestID, Decision: "allow"})
	if err != nil || dec.(*DecisionResponse).ActionID == "" {
		t.Fatalf("RecordDecision = %v, %v", dec, err)
	}

	st, err := eps.Abort(ctx, &AbortRequest{PlanID: "plan-abort", Reason: "operator"})
	if err != nil || st.(*StatusResponse).Status != "ABORTED" {
		t.Errorf("Abort = %v, %v", st, err)
	}

	if _, err := eps.Status(ctx, &StatusRequest{PlanID: "plan-missing"}); status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
	if _, err := eps.Abort(ctx, &AbortRequest{PlanID: "plan-missing"}); status.Code(MapErrorToStatus(err)) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}
