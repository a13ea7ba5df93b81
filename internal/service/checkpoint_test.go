package service

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ccos-lite/internal/contextstack"
	"github.com/example/ccos-lite/internal/domain"
)

func testCursor() domain.Cursor {
	return domain.Cursor{
		Frames: []domain.CursorFrame{
			{ActionID: "a-root", OpIndex: 1, Bindings: map[string]any{"x": 1}},
			{StepID: "s1", Attempt: 2, ActionID: "a-s1"},
		},
		Pending: &domain.Pending{Kind: domain.PendingEffect, RequestID: "r1", Capability: "http.fetch", Bind: "y"},
	}
}

func testStack() []domain.ContextFrame {
	quota := 3
	s := contextstack.New("plan-cp", 5, []string{"http.fetch"}, map[string]any{"tenant": "acme"})
	s.Push(contextstack.Overrides{StepID: "s1", Quota: &quota, Values: map[string]any{"region": "eu"}})
	return s.Snapshot()
}

func TestCheckpointIDIsContentAddressed(t *testing.T) {
	p := domain.CheckpointPayload{PlanID: "plan-cp", Stack: testStack(), Cursor: testCursor()}
	a, err := CheckpointID(p)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := CheckpointID(domain.CheckpointPayload{PlanID: "plan-cp", Stack: testStack(), Cursor: testCursor()})
	if a != b {
		t.Errorf("identical payloads hashed to %s and %s", a, b)
	}

	changed := testCursor()
	changed.Frames[1].Attempt = 3
	c, _ := CheckpointID(domain.CheckpointPayload{PlanID: "plan-cp", Stack: testStack(), Cursor: changed})
	if c == a {
		t.Error("different payloads share an id")
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	id, err := env.checkpoints.Save(ctx, "plan-cp", testStack(), testCursor())
	if err != nil {
		t.Fatal(err)
	}
	again, err := env.checkpoints.Save(ctx, "plan-cp", testStack(), testCursor())
	if err != nil || again != id {
		t.Fatalf("second save = %s, %v; want %s", again, err, id)
	}

	cp, err := env.checkpoints.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if cp.PlanID != "plan-cp" || len(cp.Stack) != 2 || cp.Cursor.Pending.RequestID != "r1" {
		t.Errorf("loaded checkpoint = %+v", cp)
	}
	stack, ok := contextstack.Restore(cp.Stack)
	if !ok || stack.Depth() != 2 || stack.Current().RemainingQuota != 3 || stack.Current().Values["tenant"] != "acme" {
		t.Errorf("restored stack = %+v", stack.Current())
	}

	latest, err := env.checkpoints.LatestForPlan(ctx, "plan-cp")
	if err != nil || latest.ID != id {
		t.Errorf("LatestForPlan = %v, %v", latest, err)
	}

	if _, err := env.checkpoints.Load(ctx, "cp-unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckpointTamperingDetected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	id, err := env.checkpoints.Save(ctx, "plan-cp", testStack(), testCursor())
	if err != nil {
		t.Fatal(err)
	}
	env.exec(t, `UPDATE checkpoints SET payload_json = replace(payload_json, '"s1"', '"s2"') WHERE id = ?`, id)

	_, err = env.checkpoints.Load(ctx, id)
	if !errors.Is(err, domain.ErrNotFound) || !errors.Is(err, domain.ErrCheckpointCorrupt) {
		t.Errorf("expected corrupt checkpoint, got %v", err)
	}
}

func TestResumptionRecordedOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	id, err := env.checkpoints.Save(ctx, "plan-cp", testStack(), testCursor())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.checkpoints.Resumption(ctx, id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected no resumption, got %v", err)
	}

	r := &domain.Resumption{
		CheckpointID: id,
		ResultDigest: "digest",
		Result:       &domain.ExecutionResult{PlanID: "plan-cp", Status: domain.PlanStatusCompleted},
	}
	if err := env.checkpoints.RecordResumption(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := env.checkpoints.RecordResumption(ctx, r); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := env.checkpoints.Resumption(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.ResultDigest != "digest" || got.Result.Status != domain.PlanStatusCompleted {
		t.Errorf("resumption = %+v", got)
	}
}
