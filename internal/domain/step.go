package domain

import (
	"fmt"
	"math"
	"time"
)

// OpKind identifies the variant held by an Op.
type OpKind string

const (
	OpPure   OpKind = "pure"   // Local computation bound to a name
	OpEffect OpKind = "effect" // Yield to the host
	OpStep   OpKind = "step"   // Nested, policy-scoped step
)

// Op is one element of a plan or step body.
type Op struct {
	Kind OpKind `json:"kind"`

	// Bind names the immutable binding the op's value is stored under.
	// Empty means the value is discarded.
	Bind string `json:"bind,omitempty"`

	// Pure
	Expr string `json:"expr,omitempty"`

	// Effect
	Capability  string         `json:"capability,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	AllowDenied bool           `json:"allow_denied,omitempty"` // Bind a Denied value instead of failing the step

	// Step
	Step *Step `json:"step,omitempty"`
}

// Pure builds a pure op.
func Pure(bind, expr string) Op {
	return Op{Kind: OpPure, Bind: bind, Expr: expr}
}

// Effect builds an effect op.
func Effect(bind, capability string, args map[string]any) Op {
	return Op{Kind: OpEffect, Bind: bind, Capability: capability, Args: args}
}

// Nested builds a step op.
func Nested(step *Step) Op {
	return Op{Kind: OpStep, Step: step}
}

// OnFailure selects what happens once a step has failed.
type OnFailure string

const (
	OnFailureAbort    OnFailure = "abort"    // Abort the plan
	OnFailureRetry    OnFailure = "retry"    // Bounded retry with backoff
	OnFailureEscalate OnFailure = "escalate" // Ask the host for plan repair
)

// RetryPolicy bounds the retries of a step. MaxAttempts counts the first
// attempt, so MaxAttempts=3 allows two retries.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts,omitempty"`
	InitialBackoff time.Duration `json:"initial_backoff,omitempty"`
	Multiplier     float64       `json:"multiplier,omitempty"`
	MaxBackoff     time.Duration `json:"max_backoff,omitempty"`
}

// Backoff returns the delay the host should observe before the given
// attempt (2 for the first retry). The orchestrator only records it.
func (r RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 || r.InitialBackoff <= 0 {
		return 0
	}
	mult := r.Multiplier
	if mult < 1 {
		mult = 1
	}
	limit := float64(math.MaxInt64)
	if r.MaxBackoff > 0 {
		limit = float64(r.MaxBackoff)
	}
	d := float64(r.InitialBackoff)
	for i := 2; i < attempt && d < limit; i++ {
		d *= mult
	}
	if d >= limit {
		if r.MaxBackoff > 0 {
			return r.MaxBackoff
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ContextOverrides are layered on the inherited execution context when the
// step is pushed.
type ContextOverrides struct {
	Quota          *int           `json:"quota,omitempty"`
	AllowedEffects []string       `json:"allowed_effects,omitempty"`
	Values         map[string]any `json:"values,omitempty"`
}

// Step is a named, policy-scoped unit of plan execution.
type Step struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Body           []Op              `json:"body"`
	Timeout        time.Duration     `json:"timeout,omitempty"`
	Retry          RetryPolicy       `json:"retry,omitempty"`
	OnFailure      OnFailure         `json:"on_failure,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Context        ContextOverrides  `json:"context,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewStep creates a new Step with the given ID and body.
func NewStep(id string, body ...Op) *Step {
	return &Step{
		ID:        id,
		Name:      id,
		Body:      body,
		OnFailure: OnFailureAbort,
	}
}

// MaxAttempts returns the effective attempt budget of the step.
func (s *Step) MaxAttempts() int {
	if s.OnFailure != OnFailureRetry || s.Retry.MaxAttempts < 1 {
		return 1
	}
	return s.Retry.MaxAttempts
}

// Retryable reports whether the step may be attempted more than once.
func (s *Step) Retryable() bool {
	return s.MaxAttempts() > 1
}

// Reruns reports whether a failure can re-enter the step, either through a
// retry or through a repair granted by the host.
func (s *Step) Reruns() bool {
	return s.Retryable() || s.OnFailure == OnFailureEscalate
}

// HasEffects reports whether the step subtree contains any effect request.
func (s *Step) HasEffects() bool {
	return bodyHasEffects(s.Body)
}

func bodyHasEffects(body []Op) bool {
	for _, op := range body {
		switch op.Kind {
		case OpEffect:
			return true
		case OpStep:
			if op.Step != nil && op.Step.HasEffects() {
				return true
			}
		}
	}
	return false
}

func (s *Step) validate(seen map[string]bool) error {
	if s.ID == "" {
		return fmt.Errorf("%w: step id is required", ErrInvalidArgument)
	}
	if seen[s.ID] {
		return fmt.Errorf("%w: duplicate step id %q", ErrInvalidArgument, s.ID)
	}
	seen[s.ID] = true
	switch s.OnFailure {
	case "", OnFailureAbort, OnFailureRetry, OnFailureEscalate:
	default:
		return fmt.Errorf("%w: step %s: unknown on_failure %q", ErrInvalidArgument, s.ID, s.OnFailure)
	}
	// Re-issued effects must be deduplicated downstream.
	if s.Reruns() && s.IdempotencyKey == "" && s.HasEffects() {
		return fmt.Errorf("%w: step %s may re-issue effects without an idempotency key", ErrInvalidArgument, s.ID)
	}
	if s.Context.Quota != nil && *s.Context.Quota < 0 {
		return fmt.Errorf("%w: step %s: negative quota", ErrInvalidArgument, s.ID)
	}
	return validateBody(s.Body, seen)
}
