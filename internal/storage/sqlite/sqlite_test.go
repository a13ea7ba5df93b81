package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/ccos-lite/internal/domain"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	dbPath := filepath.Join(os.TempDir(), "ccos_sqlite_"+strings.ReplaceAll(t.Name(), "/", "_")+".db")
	cleanup := func() {
		os.Remove(dbPath)
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
	}
	cleanup()

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		cleanup()
	})
	return s
}

func sealed(seq, planSeq int64, planID string) *domain.Action {
	a := domain.NewAction(domain.ActionStepStarted, planID).WithStep("s1").WithIntent("intent-1").With("attempt", 1)
	a.ID = planID + "-" + string(rune('a'+seq))
	a.Seq = seq
	a.PlanSeq = planSeq
	a.Hash, a.PrevHash, a.ChainHash = "h", "p", "c"
	a.PlanPrevHash, a.PlanChainHash = "pp", "pc"
	a.Signature, a.SignatureKeyID = "sig", "v1"
	return a
}

func TestActionAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	uow, err := s.BeginImmediate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i, a := range []*domain.Action{sealed(1, 1, "p1"), sealed(2, 1, "p2"), sealed(3, 2, "p1")} {
		if err := uow.Actions().Append(ctx, a); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := uow.Commit(); err != nil {
		t.Fatal(err)
	}

	uow, err = s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer uow.Rollback()

	byPlan, err := uow.Actions().ListByPlan(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byPlan) != 2 || byPlan[0].PlanSeq != 1 || byPlan[1].PlanSeq != 2 {
		t.Fatalf("ListByPlan = %+v", byPlan)
	}
	if byPlan[0].Payload["attempt"] == nil || byPlan[0].IntentID != "intent-1" {
		t.Errorf("fields not round-tripped: %+v", byPlan[0])
	}

	last, err := uow.Actions().Last(ctx)
	if err != nil || last.Seq != 3 {
		t.Fatalf("Last = %+v, %v", last, err)
	}
	lastP2, err := uow.Actions().LastForPlan(ctx, "p2")
	if err != nil || lastP2.Seq != 2 {
		t.Fatalf("LastForPlan = %+v, %v", lastP2, err)
	}
	rng, err := uow.Actions().Range(ctx, 2, 0)
	if err != nil || len(rng) != 2 {
		t.Fatalf("Range = %d, %v", len(rng), err)
	}
	byIntent, err := uow.Actions().ListByIntent(ctx, "intent-1")
	if err != nil || len(byIntent) != 3 {
		t.Fatalf("ListByIntent = %d, %v", len(byIntent), err)
	}
	if _, err := uow.Actions().LastForPlan(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("LastForPlan(missing) = %v", err)
	}
	ids, err := uow.Actions().PlanIDs(ctx)
	if err != nil || len(ids) != 2 || ids[0] != "p1" || ids[1] != "p2" {
		t.Errorf("PlanIDs = %v, %v", ids, err)
	}
}

func TestActionCapabilityAndChildren(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	root := sealed(1, 1, "p1")
	req := sealed(2, 2, "p1").WithParent(root.ID).With("capability", "http.fetch")
	res := sealed(3, 3, "p1").WithParent(root.ID).With("capability", "http.fetch")
	other := sealed(4, 4, "p1").With("capability", "file.write")

	uow, err := s.BeginImmediate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range []*domain.Action{root, req, res, other} {
		if err := uow.Actions().Append(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if err := uow.Commit(); err != nil {
		t.Fatal(err)
	}

	uow, err = s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer uow.Rollback()

	fetches, err := uow.Actions().ListByCapability(ctx, "http.fetch")
	if err != nil || len(fetches) != 2 || fetches[0].Seq != 2 || fetches[1].Seq != 3 {
		t.Fatalf("ListByCapability = %+v, %v", fetches, err)
	}
	none, err := uow.Actions().ListByCapability(ctx, "db.query")
	if err != nil || len(none) != 0 {
		t.Errorf("ListByCapability(db.query) = %d, %v", len(none), err)
	}
	children, err := uow.Actions().ListChildren(ctx, root.ID)
	if err != nil || len(children) != 2 || children[0].ID != req.ID {
		t.Fatalf("ListChildren = %+v, %v", children, err)
	}
}

func TestActionAppendRejectsTakenSeq(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	uow, _ := s.BeginImmediate(ctx)
	defer uow.Rollback()
	if err := uow.Actions().Append(ctx, sealed(1, 1, "p1")); err != nil {
		t.Fatal(err)
	}
	dup := sealed(1, 2, "p1")
	dup.ID = "other"
	if err := uow.Actions().Append(ctx, dup); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate seq = %v, want ErrAlreadyExists", err)
	}
}

func TestCheckpointWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	cp := &domain.Checkpoint{
		ID:     "cp-1",
		PlanID: "p1",
		Stack:  []domain.ContextFrame{{PlanID: "p1", Quota: domain.UnlimitedQuota}},
		Cursor: domain.Cursor{
			Frames:  []domain.CursorFrame{{OpIndex: 1, ActionID: "a1", Bindings: map[string]any{"n": 12345678901234567}}},
			Pending: &domain.Pending{Kind: domain.PendingEffect, RequestID: "r1", Capability: "http.fetch"},
		},
		CreatedAt: time.Now(),
	}

	uow, _ := s.BeginImmediate(ctx)
	if err := uow.Checkpoints().Put(ctx, cp); err != nil {
		t.Fatal(err)
	}
	if err := uow.Checkpoints().Put(ctx, cp); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("second put = %v, want ErrAlreadyExists", err)
	}
	if err := uow.Commit(); err != nil {
		t.Fatal(err)
	}

	uow, _ = s.Begin(ctx)
	defer uow.Rollback()
	got, err := uow.Checkpoints().Get(ctx, "cp-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Cursor.Pending == nil || got.Cursor.Pending.RequestID != "r1" {
		t.Errorf("pending = %+v", got.Cursor.Pending)
	}
	if n := got.Cursor.Frames[0].Bindings["n"]; n == nil || n.(interface{ String() string }).String() != "12345678901234567" {
		t.Errorf("large integer lost precision: %v", n)
	}
	latest, err := uow.Checkpoints().LatestForPlan(ctx, "p1")
	if err != nil || latest.ID != "cp-1" {
		t.Errorf("LatestForPlan = %+v, %v", latest, err)
	}
	if _, err := uow.Checkpoints().Get(ctx, "cp-missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get(missing) = %v", err)
	}
}

func TestResumptionOncePerCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	uow, _ := s.BeginImmediate(ctx)
	defer uow.Rollback()
	if err := uow.Checkpoints().Put(ctx, &domain.Checkpoint{ID: "cp-1", PlanID: "p1", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	res := &domain.Resumption{
		CheckpointID: "cp-1",
		ResultDigest: "d1",
		Result:       &domain.ExecutionResult{PlanID: "p1", Status: domain.PlanStatusCompleted},
		CreatedAt:    time.Now(),
	}
	if err := uow.Resumptions().Create(ctx, res); err != nil {
		t.Fatal(err)
	}
	if err := uow.Resumptions().Create(ctx, res); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("second resumption = %v", err)
	}
	got, err := uow.Resumptions().Get(ctx, "cp-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ResultDigest != "d1" || got.Result.Status != domain.PlanStatusCompleted {
		t.Errorf("resumption = %+v", got)
	}
}

func TestPlanArchive(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	plan := domain.NewPlan("p1", domain.Nested(domain.NewStep("s1", domain.Pure("x", "1"))))
	uow, _ := s.BeginImmediate(ctx)
	defer uow.Rollback()
	if err := uow.Plans().Archive(ctx, plan, "hash-1"); err != nil {
		t.Fatal(err)
	}
	if err := uow.Plans().Archive(ctx, plan, "hash-1"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("second archive = %v", err)
	}
	got, err := uow.Plans().Get(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ContentHash != "hash-1" || len(got.Plan.Body) != 1 || got.Plan.Body[0].Step.ID != "s1" {
		t.Errorf("archived plan = %+v", got)
	}
}
