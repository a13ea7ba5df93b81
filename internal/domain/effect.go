package domain

import "fmt"

// OutcomeKind describes how the host answered an effect request.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomeTimeout OutcomeKind = "timeout"
	OutcomeDenied  OutcomeKind = "denied"
	OutcomeAbort   OutcomeKind = "abort" // Cancellation
)

// Valid reports whether the kind is known.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout, OutcomeDenied, OutcomeAbort:
		return true
	default:
		return false
	}
}

// RepairCapability is the capability requested from the host when a step
// escalates for plan repair.
const RepairCapability = "ccos.plan.repair"

// EffectRequest is emitted to the host at every yield.
type EffectRequest struct {
	RequestID      string          `json:"request_id"`
	PlanID         string          `json:"plan_id"`
	StepID         string          `json:"step_id,omitempty"`
	Capability     string          `json:"capability"`
	Arguments      map[string]any  `json:"arguments,omitempty"`
	Context        ContextSnapshot `json:"context"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Attempt        int             `json:"attempt"`
	BackoffMs      int64           `json:"backoff_ms,omitempty"`
}

// ContextSnapshot is the read-only view of the active execution context
// shipped with an effect request.
type ContextSnapshot struct {
	PlanID           string         `json:"plan_id"`
	StepID           string         `json:"step_id,omitempty"`
	Depth            int            `json:"depth"`
	RemainingQuota   int            `json:"remaining_quota"`
	AllowedEffects   []string       `json:"allowed_effects,omitempty"`
	Values           map[string]any `json:"values,omitempty"`
	Profile          map[string]any `json:"profile,omitempty"`
	LastCheckpointID string         `json:"last_checkpoint_id,omitempty"`
}

// Outcome is the host's answer to an effect request.
type Outcome struct {
	Kind        OutcomeKind `json:"kind"`
	Value       any         `json:"value,omitempty"`
	FailureKind string      `json:"failure_kind,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// EffectResult is delivered by the host through Resume.
type EffectResult struct {
	RequestID string  `json:"request_id"`
	Outcome   Outcome `json:"outcome"`
}

// Success builds a successful effect result.
func Success(requestID string, value any) EffectResult {
	return EffectResult{RequestID: requestID, Outcome: Outcome{Kind: OutcomeSuccess, Value: value}}
}

// Failure builds a failed effect result.
func Failure(requestID, kind, detail string) EffectResult {
	return EffectResult{RequestID: requestID, Outcome: Outcome{Kind: OutcomeFailure, FailureKind: kind, Detail: detail}}
}

// Timeout builds a timeout effect result.
func Timeout(requestID string) EffectResult {
	return EffectResult{RequestID: requestID, Outcome: Outcome{Kind: OutcomeTimeout}}
}

// Denied builds a denied effect result.
func Denied(requestID, reason string) EffectResult {
	return EffectResult{RequestID: requestID, Outcome: Outcome{Kind: OutcomeDenied, Reason: reason}}
}

// Cancel builds an abort effect result.
func Cancel(requestID, reason string) EffectResult {
	return EffectResult{RequestID: requestID, Outcome: Outcome{Kind: OutcomeAbort, Reason: reason}}
}

// Validate checks the result is well formed.
func (r EffectResult) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("%w: request_id is required", ErrInvalidArgument)
	}
	if !r.Outcome.Kind.Valid() {
		return fmt.Errorf("%w: unknown outcome kind %q", ErrInvalidArgument, r.Outcome.Kind)
	}
	return nil
}

// Err converts a non-success outcome into the matching error.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeDenied:
		return fmt.Errorf("%w: %s", ErrEffectDenied, o.Reason)
	case OutcomeTimeout:
		return fmt.Errorf("%w: %w", ErrEffectFailure, ErrEffectTimeout)
	case OutcomeAbort:
		return fmt.Errorf("%w: %s", ErrCancelled, o.Reason)
	default:
		return fmt.Errorf("%w: %s: %s", ErrEffectFailure, o.FailureKind, o.Detail)
	}
}

// DeniedBinding is bound in place of an effect value when the plan opted
// to branch on denial.
func DeniedBinding(reason string) map[string]any {
	return map[string]any{"denied": true, "reason": reason}
}
