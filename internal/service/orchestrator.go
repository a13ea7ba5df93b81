package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/example/ccos-lite/internal/config"
	"github.com/example/ccos-lite/internal/contextstack"
	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/integrity"
	"github.com/example/ccos-lite/internal/observability"
	"github.com/example/ccos-lite/internal/profile"
	"github.com/example/ccos-lite/internal/storage"
)

// OrchestratorService drives plans. It executes pure expressions locally and
// suspends at every effect, handing a request to the host. The host answers
// through Resume. All state needed to continue lives in checkpoints and the
// causal chain, so any instance sharing the storage can resume a plan.
type OrchestratorService struct {
	storage     storage.Storage
	ledger      Ledger
	checkpoints *CheckpointManager
	evaluator   Evaluator
	metrics     *observability.Metrics

	defaultQuota        int
	deniedConsumesRetry bool
	ambient             profile.Ambient

	mu    sync.Mutex
	plans map[string]*sync.Mutex // One driver per plan at a time
}

// Option configures an OrchestratorService.
type Option func(*OrchestratorService)

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *OrchestratorService) {
		s.metrics = m
	}
}

// WithDefaultQuota sets the root effect quota used when Start is given none.
func WithDefaultQuota(quota int) Option {
	return func(s *OrchestratorService) {
		s.defaultQuota = quota
	}
}

// WithDeniedConsumesRetry makes Denied outcomes retryable.
func WithDeniedConsumesRetry(v bool) Option {
	return func(s *OrchestratorService) {
		s.deniedConsumesRetry = v
	}
}

// WithConfig applies the orchestrator section of the configuration.
func WithConfig(c config.OrchestratorConfig) Option {
	return func(s *OrchestratorService) {
		s.defaultQuota = c.DefaultQuota
		s.deniedConsumesRetry = c.DeniedConsumesRetry
		if len(c.NetworkAllowList) > 0 {
			s.ambient.DefaultNetworkAllowList = c.NetworkAllowList
		}
		if len(c.WritablePaths) > 0 {
			s.ambient.DefaultWritablePaths = c.WritablePaths
		}
	}
}

// NewOrchestrator creates a new OrchestratorService.
func NewOrchestrator(store storage.Storage, ledger Ledger, checkpoints *CheckpointManager, evaluator Evaluator, opts ...Option) *OrchestratorService {
	if evaluator == nil {
		evaluator = LiteralEvaluator{}
	}
	s := &OrchestratorService{
		storage:      store,
		ledger:       ledger,
		checkpoints:  checkpoints,
		evaluator:    evaluator,
		defaultQuota: domain.UnlimitedQuota,
		plans:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins executing a plan. initial seeds the root execution context;
// a nil Quota uses the configured default and nil AllowedEffects leaves the
// plan unrestricted. It returns when the plan completes, aborts, or yields
// its first effect request.
func (s *OrchestratorService) Start(ctx context.Context, plan *domain.Plan, initial domain.ContextOverrides) (*domain.ExecutionResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	unlock := s.lockPlan(plan.ID)
	defer unlock()

	start := time.Now()
	defer s.metrics.DriveDuration().WithLabels("start").Since(start)

	status, _, err := s.planState(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	if status != domain.PlanStatusUnknown {
		return nil, fmt.Errorf("%w: plan %s is %s", domain.ErrAlreadyExists, plan.ID, status)
	}

	hash, err := s.archive(ctx, plan)
	if err != nil {
		return nil, err
	}

	quota := s.defaultQuota
	if initial.Quota != nil {
		quota = *initial.Quota
	}
	m := newMachine(s, plan, contextstack.New(plan.ID, quota, initial.AllowedEffects, initial.Values))

	started := m.action(domain.ActionPlanStarted, "").
		With("content_hash", hash).
		With("depth", m.stack.Depth())
	if len(plan.IntentIDs) > 0 {
		started.With("intent_ids", plan.IntentIDs)
	}
	if plan.Metadata.ExecutionMode != "" {
		started.With("execution_mode", string(plan.Metadata.ExecutionMode))
	}
	actionID, err := s.ledger.Append(ctx, started)
	if err != nil {
		return nil, fmt.Errorf("failed to start plan %s: %w", plan.ID, err)
	}
	m.frames = []domain.CursorFrame{{ActionID: actionID}}

	return m.drive(ctx)
}

// Resume continues a suspended plan with the host's answer to the request
// pending at checkpointID. Resuming the same checkpoint again with the same
// result returns the recorded outcome without executing anything; a
// different result fails with ErrAlreadyResumed.
func (s *OrchestratorService) Resume(ctx context.Context, plan *domain.Plan, checkpointID string, result domain.EffectResult) (*domain.ExecutionResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	unlock := s.lockPlan(plan.ID)
	defer unlock()

	start := time.Now()
	defer s.metrics.DriveDuration().WithLabels("resume").Since(start)

	cp, err := s.checkpoints.Load(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.PlanID != plan.ID {
		return nil, fmt.Errorf("%w: checkpoint %s belongs to plan %s", domain.ErrCheckpointMismatch, checkpointID, cp.PlanID)
	}

	digest, err := integrity.ContentHash(result)
	if err != nil {
		return nil, fmt.Errorf("failed to hash effect result: %w", err)
	}
	memo, err := s.checkpoints.Resumption(ctx, checkpointID)
	switch {
	case err == nil:
		if memo.ResultDigest == digest {
			return memo.Result, nil
		}
		return nil, fmt.Errorf("%w: checkpoint %s", domain.ErrAlreadyResumed, checkpointID)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to read resumption: %w", err)
	}

	pending := cp.Cursor.Pending
	if pending == nil {
		return nil, fmt.Errorf("%w: checkpoint %s has no pending request", domain.ErrInvalidState, checkpointID)
	}
	if result.RequestID != pending.RequestID {
		return nil, fmt.Errorf("%w: got %s, pending %s", domain.ErrRequestMismatch, result.RequestID, pending.RequestID)
	}

	if err := s.checkArchived(ctx, plan); err != nil {
		return nil, err
	}
	status, pausedAt, err := s.planState(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	if status != domain.PlanStatusPaused || pausedAt != checkpointID {
		return nil, fmt.Errorf("%w: plan %s is %s and not suspended at %s", domain.ErrInvalidState, plan.ID, status, checkpointID)
	}

	m, err := restoreMachine(s, plan, cp)
	if err != nil {
		return nil, err
	}
	s.metrics.PausedPlans().Dec()
	s.metrics.Resumes().WithLabels(string(result.Outcome.Kind)).Inc()

	res, err := m.resume(ctx, checkpointID, pending, result)
	if err != nil {
		return nil, err
	}
	if err := s.checkpoints.RecordResumption(ctx, &domain.Resumption{
		CheckpointID: checkpointID,
		ResultDigest: digest,
		Result:       res,
	}); err != nil {
		return nil, fmt.Errorf("failed to record resumption of %s: %w", checkpointID, err)
	}
	return res, nil
}

// Abort terminates a plan from outside. Every open step is closed with
// StepFailed before PlanAborted is appended. Aborting a plan that is not
// running or paused is a no-op.
func (s *OrchestratorService) Abort(ctx context.Context, plan *domain.Plan, reason string) {
	if plan == nil {
		return
	}
	unlock := s.lockPlan(plan.ID)
	defer unlock()

	actions, err := s.ledger.QueryByPlan(ctx, plan.ID)
	if err != nil {
		log.Printf("[plan:%s] abort: failed to read ledger: %v", plan.ID, err)
		return
	}
	status, _ := derivePlanState(actions)
	if status == domain.PlanStatusUnknown || status.IsFinal() {
		return
	}
	if status == domain.PlanStatusPaused {
		s.metrics.PausedPlans().Dec()
	}

	m := newMachine(s, plan, nil)
	m.frames = openFrames(actions)
	if len(m.frames) == 0 {
		log.Printf("[plan:%s] abort: ledger has no PlanStarted entry", plan.ID)
		return
	}
	if _, err := m.abortPlan(ctx, reason); err != nil {
		log.Printf("[plan:%s] abort: %v", plan.ID, err)
	}
}

// Status returns the lifecycle status of a plan as recorded in the ledger.
func (s *OrchestratorService) Status(ctx context.Context, planID string) (domain.PlanStatus, error) {
	status, _, err := s.planState(ctx, planID)
	return status, err
}

// Plan returns the archived plan with the given ID.
func (s *OrchestratorService) Plan(ctx context.Context, planID string) (*domain.Plan, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	archived, err := uow.Plans().Get(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", planID, err)
	}
	return archived.Plan, nil
}

func (s *OrchestratorService) planState(ctx context.Context, planID string) (domain.PlanStatus, string, error) {
	actions, err := s.ledger.QueryByPlan(ctx, planID)
	if err != nil {
		return domain.PlanStatusUnknown, "", fmt.Errorf("failed to read ledger: %w", err)
	}
	status, pausedAt := derivePlanState(actions)
	return status, pausedAt, nil
}

// DerivePlanStatus returns the status implied by a plan's actions.
func DerivePlanStatus(actions []*domain.Action) domain.PlanStatus {
	st, _ := derivePlanState(actions)
	return st
}

// derivePlanState returns the status of a plan and, when paused, the
// checkpoint it is suspended at.
func derivePlanState(actions []*domain.Action) (domain.PlanStatus, string) {
	status := domain.PlanStatusUnknown
	pausedAt := ""
	for _, a := range actions {
		st, ok := a.Type.PlanStatus()
		if !ok {
			continue
		}
		status = st
		pausedAt = ""
		if st == domain.PlanStatusPaused {
			pausedAt, _ = a.Payload["checkpoint_id"].(string)
		}
	}
	return status, pausedAt
}

// openFrames rebuilds the open step frames of a plan from its actions. Only
// the action ids and step ids are recovered.
func openFrames(actions []*domain.Action) []domain.CursorFrame {
	var frames []domain.CursorFrame
	for _, a := range actions {
		switch a.Type {
		case domain.ActionPlanStarted:
			frames = []domain.CursorFrame{{ActionID: a.ID}}
		case domain.ActionStepStarted:
			frames = append(frames, domain.CursorFrame{StepID: a.StepID, ActionID: a.ID, Attempt: payloadInt(a.Payload, "attempt")})
		case domain.ActionStepCompleted, domain.ActionStepFailed:
			for i := len(frames) - 1; i > 0; i-- {
				if frames[i].ActionID == a.ParentID {
					frames = frames[:i]
					break
				}
			}
		}
	}
	return frames
}

// PlanHash returns the content hash of a plan. The creation time is not
// part of the content.
func PlanHash(plan *domain.Plan) (string, error) {
	return integrity.ContentHash(struct {
		ID        string              `json:"id"`
		IntentIDs []string            `json:"intent_ids"`
		Body      []domain.Op         `json:"body"`
		Metadata  domain.PlanMetadata `json:"metadata"`
	}{plan.ID, plan.IntentIDs, plan.Body, plan.Metadata})
}

// archive stores the plan so its ledger entries can be audited against it.
// Re-archiving an identical plan is a no-op.
func (s *OrchestratorService) archive(ctx context.Context, plan *domain.Plan) (string, error) {
	hash, err := PlanHash(plan)
	if err != nil {
		return "", fmt.Errorf("failed to hash plan: %w", err)
	}

	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	existing, err := uow.Plans().Get(ctx, plan.ID)
	switch {
	case err == nil:
		if existing.ContentHash != hash {
			return "", fmt.Errorf("%w: plan %s was archived with different content", domain.ErrAlreadyExists, plan.ID)
		}
		return hash, nil
	case !errors.Is(err, domain.ErrNotFound):
		return "", fmt.Errorf("failed to read plan archive: %w", err)
	}

	if err := uow.Plans().Archive(ctx, plan, hash); err != nil {
		return "", fmt.Errorf("failed to archive plan: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash, nil
}

// checkArchived rejects a plan whose content differs from the one started.
func (s *OrchestratorService) checkArchived(ctx context.Context, plan *domain.Plan) error {
	hash, err := PlanHash(plan)
	if err != nil {
		return fmt.Errorf("failed to hash plan: %w", err)
	}

	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	archived, err := uow.Plans().Get(ctx, plan.ID)
	if err != nil {
		return fmt.Errorf("plan %s: %w", plan.ID, err)
	}
	if archived.ContentHash != hash {
		return fmt.Errorf("%w: plan %s differs from the archived plan", domain.ErrCheckpointMismatch, plan.ID)
	}
	return nil
}

func (s *OrchestratorService) lockPlan(planID string) func() {
	s.mu.Lock()
	l, ok := s.plans[planID]
	if !ok {
		l = &sync.Mutex{}
		s.plans[planID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case interface{ Int64() (int64, error) }:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
