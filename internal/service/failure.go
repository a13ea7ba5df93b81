package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/pkg/id"
)

// Failure kinds recorded as the outcome of StepFailed.
const (
	failureLocal     = "local_error"
	failureDenied    = "denied"
	failureTimeout   = "timeout"
	failureEffect    = "effect_failure"
	failureCancelled = "cancelled"
	failureAborted   = "aborted"
)

func failureKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrCancelled):
		return failureCancelled
	case errors.Is(err, domain.ErrEffectDenied):
		return failureDenied
	case errors.Is(err, domain.ErrEffectTimeout):
		return failureTimeout
	case errors.Is(err, domain.ErrLocalEvaluation):
		return failureLocal
	default:
		return failureEffect
	}
}

func localError(err error) error {
	if errors.Is(err, domain.ErrLocalEvaluation) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrLocalEvaluation, err)
}

// fail closes the current step and applies its failure policy. A failure
// outside any step aborts the plan. Exhausted retries propagate the failure
// to the enclosing step, as does a denial unless denials consume retries.
func (m *machine) fail(ctx context.Context, cause error) (*domain.ExecutionResult, error) {
	if len(m.frames) == 1 {
		return m.abortPlan(ctx, cause.Error())
	}

	f := m.frames[len(m.frames)-1]
	step := m.steps[f.StepID]
	kind := failureKind(cause)

	a := m.action(domain.ActionStepFailed, f.ActionID).
		WithStep(f.StepID).
		WithOutcome(kind).
		With("attempt", f.Attempt).
		With("retry_count", f.Attempt).
		With("error", cause.Error()).
		With("depth", len(m.frames)-1)
	if _, err := m.s.ledger.Append(ctx, a); err != nil {
		return nil, err
	}
	m.stack.Pop()
	m.frames = m.frames[:len(m.frames)-1]

	if kind == failureCancelled {
		return m.abortPlan(ctx, cause.Error())
	}

	rerun := kind != failureDenied || m.s.deniedConsumesRetry
	switch step.OnFailure {
	case domain.OnFailureRetry:
		if f.Attempt < step.MaxAttempts() && rerun {
			return m.retry(ctx, step, f.Attempt+1)
		}
		return m.fail(ctx, fmt.Errorf("step %s failed after %d attempts: %w", step.ID, f.Attempt, cause))
	case domain.OnFailureEscalate:
		if rerun {
			return m.escalate(ctx, step, f.Attempt, cause)
		}
		return m.fail(ctx, fmt.Errorf("step %s denied: %w", step.ID, cause))
	default:
		return m.abortPlan(ctx, cause.Error())
	}
}

// retry re-enters a failed step. The enclosing frame still points at it.
func (m *machine) retry(ctx context.Context, step *domain.Step, attempt int) (*domain.ExecutionResult, error) {
	backoff := step.Retry.Backoff(attempt).Milliseconds()
	a := m.action(domain.ActionStepRetrying, m.top().ActionID).
		WithStep(step.ID).
		With("attempt", attempt).
		With("retry_count", attempt-1).
		With("backoff_ms", backoff)
	if _, err := m.s.ledger.Append(ctx, a); err != nil {
		return nil, err
	}
	m.s.metrics.StepRetries().Inc()
	return nil, m.enterStep(ctx, step, attempt, backoff)
}

// escalate asks the host to repair the plan around a failed step. A
// successful answer retries the step, anything else aborts the plan.
func (m *machine) escalate(ctx context.Context, step *domain.Step, attempt int, cause error) (*domain.ExecutionResult, error) {
	requestID := id.Deterministic(m.plan.ID, m.path(), step.ID+"#"+strconv.Itoa(attempt), "repair")
	reason := cause.Error()

	a := m.action(domain.ActionPlanRepairRequest, m.top().ActionID).
		WithStep(step.ID).
		WithRequest(requestID).
		WithOutcome(failureKind(cause)).
		With("attempt", attempt).
		With("reason", reason)
	actionID, err := m.s.ledger.Append(ctx, a)
	if err != nil {
		return nil, err
	}

	return m.suspend(ctx,
		&domain.Pending{
			Kind:           domain.PendingRepair,
			RequestID:      requestID,
			ActionID:       actionID,
			StepID:         step.ID,
			Capability:     domain.RepairCapability,
			IdempotencyKey: requestID,
			Attempt:        attempt,
			FailureReason:  reason,
		},
		domain.EffectRequest{
			RequestID:  requestID,
			PlanID:     m.plan.ID,
			StepID:     step.ID,
			Capability: domain.RepairCapability,
			Arguments: map[string]any{
				"step_id": step.ID,
				"attempt": attempt,
				"reason":  reason,
			},
			IdempotencyKey: requestID,
			Attempt:        attempt,
		})
}

func (m *machine) repaired(ctx context.Context, p *domain.Pending, o domain.Outcome) (*domain.ExecutionResult, error) {
	if o.Kind != domain.OutcomeSuccess {
		return m.abortPlan(ctx, fmt.Sprintf("repair of step %s refused: %v", p.StepID, o.Err()))
	}
	return m.retry(ctx, m.steps[p.StepID], p.Attempt+1)
}

// abortPlan closes every open step innermost first and records PlanAborted.
func (m *machine) abortPlan(ctx context.Context, reason string) (*domain.ExecutionResult, error) {
	depth := len(m.frames)
	for len(m.frames) > 1 {
		f := m.frames[len(m.frames)-1]
		a := m.action(domain.ActionStepFailed, f.ActionID).
			WithStep(f.StepID).
			WithOutcome(failureAborted).
			With("attempt", f.Attempt).
			With("retry_count", f.Attempt).
			With("error", reason).
			With("depth", len(m.frames)-1)
		if _, err := m.s.ledger.Append(ctx, a); err != nil {
			return nil, err
		}
		if m.stack != nil {
			m.stack.Pop()
		}
		m.frames = m.frames[:len(m.frames)-1]
	}

	a := m.action(domain.ActionPlanAborted, m.rootActionID()).
		WithOutcome(failureAborted).
		With("reason", reason).
		With("depth", depth)
	if _, err := m.s.ledger.Append(ctx, a); err != nil {
		return nil, err
	}

	m.s.metrics.PlanOutcomes().WithLabels("aborted").Inc()
	return &domain.ExecutionResult{
		PlanID: m.plan.ID,
		Status: domain.PlanStatusAborted,
		Error:  reason,
	}, nil
}
