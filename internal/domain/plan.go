package domain

import (
	"fmt"
	"time"
)

// PlanStatus describes the lifecycle state of a plan. It is never stored on
// the plan itself; it is derived from lifecycle actions in the ledger.
type PlanStatus int

const (
	PlanStatusUnknown   PlanStatus = 0
	PlanStatusRunning   PlanStatus = 10
	PlanStatusPaused    PlanStatus = 20 // Suspended at a yield
	PlanStatusCompleted PlanStatus = 30
	PlanStatusAborted   PlanStatus = 40
)

func (s PlanStatus) String() string {
	switch s {
	case PlanStatusRunning:
		return "RUNNING"
	case PlanStatusPaused:
		return "PAUSED"
	case PlanStatusCompleted:
		return "COMPLETED"
	case PlanStatusAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if no transition leaves the status.
func (s PlanStatus) IsFinal() bool {
	return s == PlanStatusCompleted || s == PlanStatusAborted
}

// ValidPlanStatusTransition checks if a status transition is valid.
// Valid transitions: RUNNING -> {PAUSED, COMPLETED, ABORTED}, PAUSED -> {RUNNING, ABORTED}
func ValidPlanStatusTransition(from, to PlanStatus) bool {
	switch from {
	case PlanStatusRunning:
		return to == PlanStatusPaused || to == PlanStatusCompleted || to == PlanStatusAborted
	case PlanStatusPaused:
		return to == PlanStatusRunning || to == PlanStatusAborted
	case PlanStatusCompleted, PlanStatusAborted:
		return false
	default:
		return to == PlanStatusRunning // Allow starting
	}
}

// ExecutionMode hints how the host intends to drive the plan.
type ExecutionMode string

const (
	ExecutionModeInteractive ExecutionMode = "interactive"
	ExecutionModeBatch       ExecutionMode = "batch"
)

// PlanMetadata carries execution mode and constraints declared by the planner.
type PlanMetadata struct {
	ExecutionMode ExecutionMode     `json:"execution_mode,omitempty"`
	Constraints   Constraints       `json:"constraints,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// Constraints bound the resources a plan's steps may request from the host.
// Zero values mean unconstrained.
type Constraints struct {
	MaxExecutionTime time.Duration `json:"max_execution_time,omitempty"`
	MaxMemoryBytes   uint64        `json:"max_memory_bytes,omitempty"`
	MaxCPU           float64       `json:"max_cpu,omitempty"`
	AllowIsolated    *bool         `json:"allow_isolated,omitempty"`
	AllowSandboxed   *bool         `json:"allow_sandboxed,omitempty"`
}

// Plan is an immutable, compiled program of steps and pure expressions.
type Plan struct {
	ID        string       `json:"id"`
	IntentIDs []string     `json:"intent_ids,omitempty"`
	Body      []Op         `json:"body"`
	Metadata  PlanMetadata `json:"metadata"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewPlan creates a new Plan with the given ID and body.
func NewPlan(id string, body ...Op) *Plan {
	return &Plan{
		ID:        id,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
}

// PrimaryIntent returns the first intent the plan serves, if any.
func (p *Plan) PrimaryIntent() string {
	if len(p.IntentIDs) == 0 {
		return ""
	}
	return p.IntentIDs[0]
}

// Validate checks the structural rules the orchestrator relies on.
func (p *Plan) Validate() error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: plan id is required", ErrInvalidArgument)
	}
	seen := make(map[string]bool)
	return validateBody(p.Body, seen)
}

func validateBody(body []Op, seen map[string]bool) error {
	for i, op := range body {
		switch op.Kind {
		case OpPure:
			if op.Expr == "" {
				return fmt.Errorf("%w: op %d: pure expression is empty", ErrInvalidArgument, i)
			}
		case OpEffect:
			if op.Capability == "" {
				return fmt.Errorf("%w: op %d: effect capability is required", ErrInvalidArgument, i)
			}
		case OpStep:
			if op.Step == nil {
				return fmt.Errorf("%w: op %d: step is nil", ErrInvalidArgument, i)
			}
			if err := op.Step.validate(seen); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: op %d: unknown kind %q", ErrInvalidArgument, i, op.Kind)
		}
	}
	return nil
}
