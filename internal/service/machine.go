package service

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/example/ccos-lite/internal/contextstack"
	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/profile"
	"github.com/example/ccos-lite/pkg/id"
)

// machine executes one plan instance between two suspension points. frames
// and the context stack move together: frames[0] is the plan body and each
// further frame is an open step with its own context.
type machine struct {
	s      *OrchestratorService
	plan   *domain.Plan
	steps  map[string]*domain.Step
	stack  *contextstack.Stack
	frames []domain.CursorFrame
}

func newMachine(s *OrchestratorService, plan *domain.Plan, stack *contextstack.Stack) *machine {
	steps := make(map[string]*domain.Step)
	indexSteps(plan.Body, steps)
	return &machine{s: s, plan: plan, steps: steps, stack: stack}
}

func restoreMachine(s *OrchestratorService, plan *domain.Plan, cp *domain.Checkpoint) (*machine, error) {
	stack, ok := contextstack.Restore(cp.Stack)
	if !ok || len(cp.Cursor.Frames) != stack.Depth() {
		return nil, fmt.Errorf("checkpoint %s: %w: cursor does not match context stack", cp.ID, domain.ErrCheckpointCorrupt)
	}
	m := newMachine(s, plan, stack)
	for i, f := range cp.Cursor.Frames {
		if i == 0 {
			if f.StepID != "" {
				return nil, fmt.Errorf("checkpoint %s: %w: root frame names step %s", cp.ID, domain.ErrCheckpointCorrupt, f.StepID)
			}
			continue
		}
		if _, ok := m.steps[f.StepID]; !ok {
			return nil, fmt.Errorf("%w: plan %s has no step %s", domain.ErrCheckpointMismatch, plan.ID, f.StepID)
		}
	}
	m.frames = cp.Cursor.Frames
	m.stack.SetCheckpoint(cp.ID)
	return m, nil
}

func indexSteps(body []domain.Op, into map[string]*domain.Step) {
	for _, op := range body {
		if op.Kind == domain.OpStep && op.Step != nil {
			into[op.Step.ID] = op.Step
			indexSteps(op.Step.Body, into)
		}
	}
}

func (m *machine) top() *domain.CursorFrame {
	return &m.frames[len(m.frames)-1]
}

func (m *machine) body(f *domain.CursorFrame) []domain.Op {
	if f.StepID == "" {
		return m.plan.Body
	}
	return m.steps[f.StepID].Body
}

func (m *machine) rootActionID() string {
	return m.frames[0].ActionID
}

func (m *machine) action(t domain.ActionType, parentID string) *domain.Action {
	return domain.NewAction(t, m.plan.ID).
		WithIntent(m.plan.PrimaryIntent()).
		WithParent(parentID)
}

// bindings returns every name visible from the current frame.
func (m *machine) bindings() map[string]any {
	out := make(map[string]any)
	for _, f := range m.frames {
		for k, v := range f.Bindings {
			out[k] = v
		}
	}
	return out
}

// bind adds an immutable binding to the current frame.
func (m *machine) bind(name string, v any) error {
	if name == "" {
		return nil
	}
	top := m.top()
	if _, ok := top.Bindings[name]; ok {
		return fmt.Errorf("%w: %q is already bound", domain.ErrLocalEvaluation, name)
	}
	if top.Bindings == nil {
		top.Bindings = make(map[string]any)
	}
	top.Bindings[name] = v
	return nil
}

// path identifies the open steps and their attempts. It keeps request ids
// unique across retries of any enclosing step.
func (m *machine) path() string {
	var b strings.Builder
	for _, f := range m.frames[1:] {
		fmt.Fprintf(&b, "/%s#%d", f.StepID, f.Attempt)
	}
	return b.String()
}

// idempotencyKey scopes the nearest declared key to the effect position.
// The key does not depend on the attempt, so retried effects share it.
func (m *machine) idempotencyKey(requestID string) string {
	top := m.top()
	for i := len(m.frames) - 1; i >= 1; i-- {
		step := m.steps[m.frames[i].StepID]
		if step.IdempotencyKey == "" {
			continue
		}
		var b strings.Builder
		b.WriteString(step.IdempotencyKey)
		for _, f := range m.frames[i+1:] {
			b.WriteString("/")
			b.WriteString(f.StepID)
		}
		b.WriteString(":")
		b.WriteString(strconv.Itoa(top.OpIndex))
		return b.String()
	}
	return requestID
}

func (m *machine) drive(ctx context.Context) (*domain.ExecutionResult, error) {
	res, err := m.loop(ctx)
	return m.settle(ctx, res, err)
}

func (m *machine) resume(ctx context.Context, cpID string, p *domain.Pending, result domain.EffectResult) (*domain.ExecutionResult, error) {
	res, err := m.deliver(ctx, cpID, p, result.Outcome)
	if err == nil && res == nil {
		res, err = m.loop(ctx)
	}
	return m.settle(ctx, res, err)
}

// loop runs ops until the plan completes, aborts, or suspends. A returned
// error is always fatal.
func (m *machine) loop(ctx context.Context) (*domain.ExecutionResult, error) {
	for {
		top := m.top()
		body := m.body(top)

		if top.OpIndex >= len(body) {
			if len(m.frames) == 1 {
				return m.complete(ctx)
			}
			if res, err := m.completeStep(ctx); err != nil || res != nil {
				return res, err
			}
			continue
		}

		var (
			res *domain.ExecutionResult
			err error
		)
		switch op := body[top.OpIndex]; op.Kind {
		case domain.OpPure:
			res, err = m.pure(ctx, op)
		case domain.OpEffect:
			res, err = m.effect(ctx, op)
		case domain.OpStep:
			err = m.enterStep(ctx, op.Step, 1, 0)
		default:
			res, err = m.fail(ctx, fmt.Errorf("%w: unknown op kind %q", domain.ErrLocalEvaluation, op.Kind))
		}
		if err != nil || res != nil {
			return res, err
		}
	}
}

// settle aborts the plan after a fatal error. The abort is best effort: the
// ledger may be the thing that failed.
func (m *machine) settle(ctx context.Context, res *domain.ExecutionResult, err error) (*domain.ExecutionResult, error) {
	if err == nil {
		return res, nil
	}
	log.Printf("[plan:%s] fatal: %v", m.plan.ID, err)
	if _, abortErr := m.abortPlan(ctx, err.Error()); abortErr != nil {
		log.Printf("[plan:%s] failed to record abort: %v", m.plan.ID, abortErr)
	}
	return nil, fmt.Errorf("plan %s aborted: %w", m.plan.ID, err)
}

func (m *machine) pure(ctx context.Context, op domain.Op) (*domain.ExecutionResult, error) {
	v, err := m.s.evaluator.Evaluate(op.Expr, m.bindings())
	if err == nil {
		err = m.bind(op.Bind, v)
	}
	if err != nil {
		return m.fail(ctx, localError(err))
	}
	m.top().OpIndex++
	return nil, nil
}

// enterStep derives the step's profile, pushes its context, and opens a
// frame for its body. The parent frame stays on the step op until the step
// completes.
func (m *machine) enterStep(ctx context.Context, step *domain.Step, attempt int, backoffMs int64) error {
	parentID := m.top().ActionID
	prof := profile.Derive(step, m.plan.Metadata.Constraints, profile.Ambient{
		Parent:                  isolationOf(m.stack.Current().Profile),
		DefaultNetworkAllowList: m.s.ambient.DefaultNetworkAllowList,
		DefaultWritablePaths:    m.s.ambient.DefaultWritablePaths,
	})
	profMap := prof.Map()

	m.stack.Push(contextstack.Overrides{
		StepID:         step.ID,
		Quota:          step.Context.Quota,
		AllowedEffects: step.Context.AllowedEffects,
		Values:         step.Context.Values,
		Profile:        profMap,
	})

	a := m.action(domain.ActionStepStarted, parentID).
		WithStep(step.ID).
		With("name", step.Name).
		With("attempt", attempt).
		With("retry_count", attempt-1).
		With("max_attempts", step.MaxAttempts()).
		With("depth", m.stack.Depth()).
		With("profile", profMap)
	if step.IdempotencyKey != "" {
		a.With("idempotency_key", step.IdempotencyKey)
	}
	actionID, err := m.s.ledger.Append(ctx, a)
	if err != nil {
		m.stack.Pop()
		return err
	}

	m.frames = append(m.frames, domain.CursorFrame{
		StepID:    step.ID,
		Attempt:   attempt,
		ActionID:  actionID,
		BackoffMs: backoffMs,
	})
	return nil
}

// completeStep closes the current step and exports its bindings to the
// enclosing frame.
func (m *machine) completeStep(ctx context.Context) (*domain.ExecutionResult, error) {
	done := m.frames[len(m.frames)-1]
	parent := m.frames[len(m.frames)-2]
	for name := range done.Bindings {
		if _, ok := parent.Bindings[name]; ok {
			return m.fail(ctx, fmt.Errorf("%w: step %s rebinds %q", domain.ErrLocalEvaluation, done.StepID, name))
		}
	}

	a := m.action(domain.ActionStepCompleted, done.ActionID).
		WithStep(done.StepID).
		WithOutcome("success").
		With("attempt", done.Attempt).
		With("depth", len(m.frames)-1)
	if _, err := m.s.ledger.Append(ctx, a); err != nil {
		return nil, err
	}

	m.stack.Pop()
	m.frames = m.frames[:len(m.frames)-1]
	top := m.top()
	for name, v := range done.Bindings {
		if top.Bindings == nil {
			top.Bindings = make(map[string]any)
		}
		top.Bindings[name] = v
	}
	top.OpIndex++
	return nil, nil
}

// effect consumes quota for an effect op and suspends with its request.
// Capability and quota violations fail the step locally.
func (m *machine) effect(ctx context.Context, op domain.Op) (*domain.ExecutionResult, error) {
	top := m.top()
	if !m.stack.Current().Allows(op.Capability) {
		return m.fail(ctx, fmt.Errorf("%w: capability %s is not allowed here", domain.ErrLocalEvaluation, op.Capability))
	}
	args, err := resolveArgs(op.Args, m.bindings())
	if err != nil {
		return m.fail(ctx, localError(err))
	}
	if !m.stack.Consume() {
		return m.fail(ctx, fmt.Errorf("%w: effect quota exhausted", domain.ErrLocalEvaluation))
	}

	attempt := max(top.Attempt, 1)
	requestID := id.Deterministic(m.plan.ID, m.path(), strconv.Itoa(top.OpIndex))
	key := m.idempotencyKey(requestID)
	backoff := top.BackoffMs
	top.BackoffMs = 0

	a := m.action(domain.ActionEffectRequest, top.ActionID).
		WithStep(top.StepID).
		WithRequest(requestID).
		With("capability", op.Capability).
		With("attempt", attempt).
		With("idempotency_key", key)
	if len(args) > 0 {
		a.With("arguments", args)
	}
	if backoff > 0 {
		a.With("backoff_ms", backoff)
	}
	actionID, err := m.s.ledger.Append(ctx, a)
	if err != nil {
		return nil, err
	}

	m.s.metrics.Yields().WithLabels(op.Capability).Inc()
	return m.suspend(ctx,
		&domain.Pending{
			Kind:           domain.PendingEffect,
			RequestID:      requestID,
			ActionID:       actionID,
			StepID:         top.StepID,
			Capability:     op.Capability,
			IdempotencyKey: key,
			Bind:           op.Bind,
			AllowDenied:    op.AllowDenied,
			Attempt:        attempt,
		},
		domain.EffectRequest{
			RequestID:      requestID,
			PlanID:         m.plan.ID,
			StepID:         top.StepID,
			Capability:     op.Capability,
			Arguments:      args,
			IdempotencyKey: key,
			Attempt:        attempt,
			BackoffMs:      backoff,
		})
}

// suspend checkpoints the machine with the pending request and hands the
// request to the host.
func (m *machine) suspend(ctx context.Context, p *domain.Pending, req domain.EffectRequest) (*domain.ExecutionResult, error) {
	cursor := domain.Cursor{
		Frames:  append([]domain.CursorFrame(nil), m.frames...),
		Pending: p,
	}
	cpID, err := m.s.checkpoints.Save(ctx, m.plan.ID, m.stack.Snapshot(), cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	m.stack.SetCheckpoint(cpID)
	req.Context = m.stack.Current().Snapshot()

	a := m.action(domain.ActionPlanPaused, m.rootActionID()).
		WithStep(p.StepID).
		WithRequest(p.RequestID).
		With("checkpoint_id", cpID).
		With("capability", p.Capability).
		With("depth", len(m.frames))
	if _, err := m.s.ledger.Append(ctx, a); err != nil {
		return nil, err
	}

	m.s.metrics.PausedPlans().Inc()
	return &domain.ExecutionResult{
		PlanID:       m.plan.ID,
		Status:       domain.PlanStatusPaused,
		CheckpointID: cpID,
		Request:      &req,
	}, nil
}

// deliver records the host's answer and applies it at the suspension point.
func (m *machine) deliver(ctx context.Context, cpID string, p *domain.Pending, o domain.Outcome) (*domain.ExecutionResult, error) {
	resumed := m.action(domain.ActionPlanResumed, m.rootActionID()).
		WithStep(p.StepID).
		WithRequest(p.RequestID).
		With("checkpoint_id", cpID).
		With("depth", len(m.frames))
	if _, err := m.s.ledger.Append(ctx, resumed); err != nil {
		return nil, err
	}

	r := m.action(domain.ActionEffectResult, m.top().ActionID).
		WithStep(p.StepID).
		WithRequest(p.RequestID).
		WithOutcome(string(o.Kind)).
		With("capability", p.Capability)
	if o.Value != nil {
		r.With("value", o.Value)
	}
	if o.FailureKind != "" {
		r.With("failure_kind", o.FailureKind)
	}
	if o.Detail != "" {
		r.With("detail", o.Detail)
	}
	if o.Reason != "" {
		r.With("reason", o.Reason)
	}
	if _, err := m.s.ledger.Append(ctx, r); err != nil {
		return nil, err
	}

	if p.Kind == domain.PendingRepair {
		return m.repaired(ctx, p, o)
	}

	var value any
	switch {
	case o.Kind == domain.OutcomeSuccess:
		value = o.Value
	case o.Kind == domain.OutcomeDenied && p.AllowDenied:
		value = domain.DeniedBinding(o.Reason)
	default:
		return m.fail(ctx, o.Err())
	}
	if err := m.bind(p.Bind, value); err != nil {
		return m.fail(ctx, err)
	}
	m.top().OpIndex++
	return nil, nil
}

func (m *machine) complete(ctx context.Context) (*domain.ExecutionResult, error) {
	a := m.action(domain.ActionPlanCompleted, m.rootActionID()).
		WithOutcome("success").
		With("depth", len(m.frames))
	if _, err := m.s.ledger.Append(ctx, a); err != nil {
		return nil, err
	}

	m.s.metrics.PlanOutcomes().WithLabels("completed").Inc()
	return &domain.ExecutionResult{
		PlanID:   m.plan.ID,
		Status:   domain.PlanStatusCompleted,
		Bindings: m.frames[0].Bindings,
	}, nil
}

func isolationOf(p map[string]any) profile.Isolation {
	s, _ := p["isolation"].(string)
	return profile.Isolation(s)
}
