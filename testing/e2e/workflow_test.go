package e2e

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/endpoint"
	grpcTransport "github.com/example/ccos-lite/internal/transport/grpc"
	"github.com/example/ccos-lite/pkg/plan"
)

func pipelinePlan(id string) *domain.Plan {
	return plan.New(id).
		Intent("intent-release").
		Batch().
		Step(plan.NewStep("build").
			Retry(2, 10*time.Millisecond, 2).
			IdempotencyKey("build").
			Effect("artifact", "ci.build", plan.Args("target", "//app"))).
		Step(plan.NewStep("test").
			Effect("report", "ci.test", plan.Args("artifact", plan.Ref("artifact")))).
		Step(plan.NewStep("publish").
			Escalate().
			IdempotencyKey("publish").
			Effect("url", "registry.push", plan.Args("artifact", plan.Ref("artifact")))).
		MustBuild()
}

// TestResumeAfterServerRestart suspends a plan, restarts the server on the
// same database and finishes the plan from the stored checkpoint.
func TestResumeAfterServerRestart(t *testing.T) {
	ctx := context.Background()
	env := NewTestEnv(t)

	p := pipelinePlan("e2e-restart")
	host := NewMockHost().
		Succeed("ci.build", "app.tar").
		Succeed("ci.test", "green").
		Succeed("registry.push", "registry/app:1")

	resp := env.Start(ctx, p)
	resp = env.Resume(ctx, resp, host.Answer(resp.Request))
	if resp.Status != "PAUSED" || resp.Request.Capability != "ci.test" {
		t.Fatalf("expected to pause at ci.test, got %s %+v", resp.Status, resp.Request)
	}

	env.Restart()

	st, err := env.Client.Status(ctx, p.ID)
	if err != nil || st.Status != "PAUSED" {
		t.Fatalf("status after restart = %+v, %v", st, err)
	}

	resp = env.Continue(ctx, resp, host)
	if resp.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %s (%s)", resp.Status, resp.Error)
	}
	if resp.Bindings["url"] != "registry/app:1" || resp.Bindings["report"] != "green" {
		t.Errorf("bindings = %v", resp.Bindings)
	}
	if arg := host.Received[2].Arguments["artifact"]; arg != "app.tar" {
		t.Errorf("push artifact = %v", arg)
	}

	v, err := env.Client.VerifyLedger(ctx, &endpoint.VerifyRequest{})
	if err != nil || !v.Valid {
		t.Errorf("VerifyLedger = %+v, %v", v, err)
	}
}

// TestReplayedResumeIsIdempotent checks a host retrying a delivery gets the
// recorded outcome and a conflicting delivery is refused.
func TestReplayedResumeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := NewTestEnv(t)

	p := plan.New("e2e-replay").
		Effect("n", "counter.incr", nil).
		MustBuild()

	paused := env.Start(ctx, p)
	result := domain.Success(paused.Request.RequestID, 41)

	first := env.Resume(ctx, paused, result)
	again := env.Resume(ctx, paused, result)
	if first.Status != "COMPLETED" || again.Status != first.Status {
		t.Fatalf("statuses = %s, %s", first.Status, again.Status)
	}
	if first.Bindings["n"] != again.Bindings["n"] {
		t.Errorf("replayed bindings differ: %v vs %v", first.Bindings, again.Bindings)
	}

	_, err := env.Client.Resume(ctx, &endpoint.ResumeRequest{
		PlanID:       p.ID,
		CheckpointID: paused.CheckpointID,
		Result:       domain.Success(paused.Request.RequestID, 42),
	})
	if status.Code(err) != codes.AlreadyExists {
		t.Errorf("conflicting resume: expected AlreadyExists, got %v", err)
	}

	completed := 0
	for _, typ := range env.Types(ctx, p.ID) {
		if typ == domain.ActionPlanCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("expected 1 PlanCompleted, got %d", completed)
	}
}

// TestWatchPlanFollowsWorkflow checks a watcher sees the whole run in plan
// order, ending at the terminal entry.
func TestWatchPlanFollowsWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	env := NewTestEnv(t)

	p := pipelinePlan("e2e-watch")
	host := NewMockHost().FailFirst("ci.build", 1, "app.tar")

	paused := env.Start(ctx, p)

	watch, err := env.Client.Watch(ctx, &grpcTransport.WatchRequest{PlanID: p.ID, Replay: true})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan *endpoint.ExecutionResponse, 1)
	go func() {
		done <- env.Continue(ctx, paused, host)
	}()

	actions, err := watch.Collect()
	if err != nil {
		t.Fatal(err)
	}
	resp := <-done
	if resp.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %s (%s)", resp.Status, resp.Error)
	}

	want := env.Types(ctx, p.ID)
	if len(actions) != len(want) {
		t.Fatalf("watched %d actions, ledger has %d", len(actions), len(want))
	}
	for i, a := range actions {
		if a.PlanSeq != int64(i+1) {
			t.Errorf("action %d has plan seq %d", i, a.PlanSeq)
		}
		if a.Type != want[i] {
			t.Errorf("action %d = %s, want %s", i, a.Type, want[i])
		}
	}
	if actions[len(actions)-1].Type != domain.ActionPlanCompleted {
		t.Errorf("last watched action = %s", actions[len(actions)-1].Type)
	}
}

// TestTamperingDetectedOverNetwork edits a stored entry and checks both the
// plan chain and the global chain flag it.
func TestTamperingDetectedOverNetwork(t *testing.T) {
	ctx := context.Background()
	env := NewTestEnv(t)

	for _, id := range []string{"e2e-audit-a", "e2e-audit-b"} {
		p := plan.New(id).Effect("x", "http.fetch", nil).MustBuild()
		if resp := env.Drive(ctx, p, NewMockHost()); resp.Status != "COMPLETED" {
			t.Fatalf("%s: expected COMPLETED, got %s", id, resp.Status)
		}
	}

	v, err := env.Client.VerifyLedger(ctx, &endpoint.VerifyRequest{})
	if err != nil || !v.Valid {
		t.Fatalf("clean ledger = %+v, %v", v, err)
	}

	env.Exec(`UPDATE actions SET outcome = 'forged' WHERE plan_id = ? AND plan_seq = 2`, "e2e-audit-b")

	v, err = env.Client.VerifyLedger(ctx, &endpoint.VerifyRequest{PlanID: "e2e-audit-b"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid || v.FirstInvalid != 2 {
		t.Errorf("plan verify = %+v", v)
	}

	v, err = env.Client.VerifyLedger(ctx, &endpoint.VerifyRequest{PlanID: "e2e-audit-a"})
	if err != nil || !v.Valid {
		t.Errorf("untouched plan = %+v, %v", v, err)
	}

	v, err = env.Client.VerifyLedger(ctx, &endpoint.VerifyRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid {
		t.Error("global chain still verifies after tampering")
	}
}
