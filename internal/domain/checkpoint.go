package domain

import "time"

// UnlimitedQuota marks a context with no effect quota.
const UnlimitedQuota = -1

// ContextFrame is the serialized form of one execution-context node. Values
// holds only the node's own overrides; everything else is resolved.
type ContextFrame struct {
	PlanID         string         `json:"plan_id"`
	StepID         string         `json:"step_id,omitempty"`
	Quota          int            `json:"quota"`
	Restricted     bool           `json:"restricted,omitempty"` // AllowedEffects applies
	AllowedEffects []string       `json:"allowed_effects,omitempty"`
	Values         map[string]any `json:"values,omitempty"`
	Profile        map[string]any `json:"profile,omitempty"`
	CheckpointID   string         `json:"checkpoint_id,omitempty"`
}

// CursorFrame records the position inside one open body: the plan body for
// the root frame, a step body otherwise.
type CursorFrame struct {
	StepID    string         `json:"step_id,omitempty"`
	OpIndex   int            `json:"op_index"`
	Attempt   int            `json:"attempt,omitempty"`
	ActionID  string         `json:"action_id"` // StepStarted, or PlanStarted for the root
	Bindings  map[string]any `json:"bindings,omitempty"`
	BackoffMs int64          `json:"backoff_ms,omitempty"` // Carried by the first request of a retry
}

// PendingKind distinguishes what the outstanding request asks the host for.
type PendingKind string

const (
	PendingEffect PendingKind = "effect"
	PendingRepair PendingKind = "repair"
)

// Pending is the effect request outstanding at a suspension point.
type Pending struct {
	Kind           PendingKind `json:"kind"`
	RequestID      string      `json:"request_id"`
	ActionID       string      `json:"action_id"` // EffectRequest or PlanRepairRequested
	StepID         string      `json:"step_id,omitempty"`
	Capability     string      `json:"capability"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	Bind           string      `json:"bind,omitempty"`
	AllowDenied    bool        `json:"allow_denied,omitempty"`
	Attempt        int         `json:"attempt,omitempty"`
	FailureReason  string      `json:"failure_reason,omitempty"` // Repair only
}

// Cursor is the resume position of a suspended plan.
type Cursor struct {
	Frames  []CursorFrame `json:"frames"`
	Pending *Pending      `json:"pending,omitempty"`
}

// Checkpoint is a content-addressed snapshot of a suspended plan.
type Checkpoint struct {
	ID        string         `json:"id"`
	PlanID    string         `json:"plan_id"`
	Stack     []ContextFrame `json:"stack"`
	Cursor    Cursor         `json:"cursor"`
	CreatedAt time.Time      `json:"created_at"`
}

// CheckpointPayload is the hashed part of a checkpoint.
type CheckpointPayload struct {
	PlanID string         `json:"plan_id"`
	Stack  []ContextFrame `json:"stack"`
	Cursor Cursor         `json:"cursor"`
}

// Payload returns the hashed part of the checkpoint.
func (c *Checkpoint) Payload() CheckpointPayload {
	return CheckpointPayload{PlanID: c.PlanID, Stack: c.Stack, Cursor: c.Cursor}
}

// Resumption records the first effect result a checkpoint was resumed with
// and the execution result that resumption produced.
type Resumption struct {
	CheckpointID string           `json:"checkpoint_id"`
	ResultDigest string           `json:"result_digest"`
	Result       *ExecutionResult `json:"result"`
	CreatedAt    time.Time        `json:"created_at"`
}
