package domain

import (
	"time"
)

// ActionType names a ledger record.
type ActionType string

const (
	ActionPlanStarted   ActionType = "PlanStarted"
	ActionPlanPaused    ActionType = "PlanPaused"
	ActionPlanResumed   ActionType = "PlanResumed"
	ActionPlanCompleted ActionType = "PlanCompleted"
	ActionPlanAborted   ActionType = "PlanAborted"

	ActionStepStarted   ActionType = "StepStarted"
	ActionStepCompleted ActionType = "StepCompleted"
	ActionStepFailed    ActionType = "StepFailed"
	ActionStepRetrying  ActionType = "StepRetrying"

	ActionEffectRequest ActionType = "EffectRequest"
	ActionEffectResult  ActionType = "EffectResult"

	ActionGovernanceDecision ActionType = "GovernanceDecision"
	ActionPlanRepairRequest  ActionType = "PlanRepairRequested"
)

// ActionCategory groups action types.
type ActionCategory string

const (
	CategoryLifecycle  ActionCategory = "lifecycle"
	CategorySuspension ActionCategory = "suspension"
	CategoryEffect     ActionCategory = "effect"
	CategoryGovernance ActionCategory = "governance"
)

// Category returns the category the action type belongs to.
func (t ActionType) Category() ActionCategory {
	switch t {
	case ActionPlanPaused, ActionPlanResumed:
		return CategorySuspension
	case ActionEffectRequest, ActionEffectResult:
		return CategoryEffect
	case ActionGovernanceDecision, ActionPlanRepairRequest:
		return CategoryGovernance
	default:
		return CategoryLifecycle
	}
}

// PlanStatus returns the plan status the action moves the plan into, if any.
func (t ActionType) PlanStatus() (PlanStatus, bool) {
	switch t {
	case ActionPlanStarted, ActionPlanResumed:
		return PlanStatusRunning, true
	case ActionPlanPaused:
		return PlanStatusPaused, true
	case ActionPlanCompleted:
		return PlanStatusCompleted, true
	case ActionPlanAborted:
		return PlanStatusAborted, true
	default:
		return PlanStatusUnknown, false
	}
}

// Action is an immutable ledger record. The integrity fields are assigned
// by the ledger on append.
type Action struct {
	ID        string         `json:"id"`
	Type      ActionType     `json:"type"`
	PlanID    string         `json:"plan_id"`
	StepID    string         `json:"step_id,omitempty"`
	IntentID  string         `json:"intent_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`

	// Assigned by the ledger
	Seq            int64  `json:"seq"`
	PlanSeq        int64  `json:"plan_seq"`
	Hash           string `json:"hash"`
	PrevHash       string `json:"prev_hash"`
	ChainHash      string `json:"chain_hash"`
	PlanPrevHash   string `json:"plan_prev_hash"`
	PlanChainHash  string `json:"plan_chain_hash"`
	Signature      string `json:"signature"`
	SignatureKeyID string `json:"signature_key_id"`
}

// NewAction creates a new Action of the given type for a plan.
func NewAction(t ActionType, planID string) *Action {
	return &Action{
		Type:      t,
		PlanID:    planID,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Payload:   make(map[string]any),
	}
}

// WithParent sets the parent action id.
func (a *Action) WithParent(parentID string) *Action {
	a.ParentID = parentID
	return a
}

// WithStep sets the step id.
func (a *Action) WithStep(stepID string) *Action {
	a.StepID = stepID
	return a
}

// WithRequest sets the effect request id.
func (a *Action) WithRequest(requestID string) *Action {
	a.RequestID = requestID
	return a
}

// WithIntent sets the intent id.
func (a *Action) WithIntent(intentID string) *Action {
	a.IntentID = intentID
	return a
}

// With sets a payload field.
func (a *Action) With(key string, value any) *Action {
	if a.Payload == nil {
		a.Payload = make(map[string]any)
	}
	a.Payload[key] = value
	return a
}

// WithOutcome sets the outcome summary.
func (a *Action) WithOutcome(outcome string) *Action {
	a.Outcome = outcome
	return a
}
